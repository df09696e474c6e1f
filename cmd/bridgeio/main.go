// Command bridgeio runs a standalone WebSocket messaging server.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/orchestra-mcp/bridgeio/config"
	"github.com/orchestra-mcp/bridgeio/providers"
	"github.com/orchestra-mcp/bridgeio/src/hub"
	"github.com/orchestra-mcp/bridgeio/src/types"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	logger := newLogger()
	if err := run(*configPath, logger); err != nil {
		logger.Fatal().Err(err).Msg("bridgeio stopped")
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if os.Getenv("LOG_FORMAT") == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func loadConfig(path string) (*config.SocketConfig, error) {
	if path == "" {
		cfg := config.FromEnv()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func run(configPath string, logger zerolog.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	provider := providers.NewSocketProvider(logger)
	if err := provider.Activate(cfg); err != nil {
		return err
	}
	registerHandlers(provider.Hub(), logger)

	app := fiber.New()
	provider.RegisterRoutes(app)
	upgrade := provider.FastHTTPHandler()
	routes := app.Handler()

	srv := &fasthttp.Server{
		Name: "bridgeio",
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == cfg.Path {
				upgrade(ctx)
				return
			}
			routes(ctx)
		},
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Str("path", cfg.Path).Msg("listening")
		return srv.ListenAndServe(cfg.ListenAddr)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Close sockets first; hijacked connections are not tracked by fasthttp.
		err := provider.Deactivate(shutdownCtx)
		return errors.Join(err, srv.ShutdownWithContext(shutdownCtx))
	})
	return g.Wait()
}

// registerHandlers installs the demo echo and room chat events.
func registerHandlers(s *hub.Server, logger zerolog.Logger) {
	s.OnConnection(func(sock *hub.Socket, req *types.Request) {
		log := logger.With().Str("client_id", sock.ID()).Logger()
		log.Debug().Str("remote_addr", req.RemoteAddr).Msg("connected")

		sock.On("echo", func(data any, ack types.Ack) {
			if ack != nil {
				ack(data)
				return
			}
			sock.Cast("echo", data)
		})
		sock.On("join", func(data any, ack types.Ack) {
			if room, ok := data.(string); ok && room != "" {
				sock.Join(room)
			}
			if ack != nil {
				ack(sock.Channels())
			}
		})
		sock.On("leave", func(data any, ack types.Ack) {
			if room, ok := data.(string); ok {
				sock.Leave(room)
			}
			if ack != nil {
				ack(sock.Channels())
			}
		})
		sock.On("say", func(data any, _ types.Ack) {
			msg, _ := data.(map[string]any)
			room, _ := msg["room"].(string)
			if room == "" {
				return
			}
			n := sock.Room(room).Cast("said", map[string]any{
				"from": sock.ID(),
				"room": room,
				"text": msg["text"],
			})
			log.Debug().Str("room", room).Int("recipients", n).Msg("said")
		})
	})

	s.OnDisconnected(func(sock *hub.Socket, code int) {
		logger.Debug().Str("client_id", sock.ID()).Int("code", code).Msg("disconnected")
	})
}
