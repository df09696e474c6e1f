package providers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"

	"github.com/orchestra-mcp/bridgeio/src/types"
)

const upgradeRequiredBody = `{"error":"upgrade_required","message":"WebSocket upgrade required"}`

// RegisterRoutes registers the administrative routes via Fiber.
// The WebSocket upgrade itself uses FastHTTPHandler, registered at the
// server level since Fiber v3 does not expose *fasthttp.RequestCtx.
func (p *SocketProvider) RegisterRoutes(group fiber.Router) {
	group.Get("/ws/info", p.handleInfo)
	group.Get("/ws/clients", p.handleTool("list_ws_clients"))
	group.Get("/ws/clients/:id", p.handleClient)
	group.Delete("/ws/clients/:id", p.handleDisconnect)
	group.Get("/ws/channels", p.handleTool("list_ws_channels"))
	group.Post("/ws/publish", p.handleTool("ws_publish"))
	group.Post("/ws/broadcast", p.handleTool("ws_broadcast"))
	group.Get("/ws/tools", p.handleListTools)
	group.Post("/ws/tools/:name", p.handleInvokeTool)
}

func (p *SocketProvider) handleInfo(c fiber.Ctx) error {
	if !p.active {
		return fiber.NewError(fiber.StatusServiceUnavailable, ErrNotActive.Error())
	}
	return c.JSON(fiber.Map{
		"websocket": true,
		"endpoint":  p.cfg.Path,
		"codec":     p.hub.Codec().Name(),
		"clients":   p.hub.ClientCount(),
		"channels":  len(p.hub.ChannelCounts()),
	})
}

func (p *SocketProvider) handleClient(c fiber.Ctx) error {
	if p.service == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, ErrNotActive.Error())
	}
	info, err := p.service.GetClientInfo(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return c.JSON(info)
}

func (p *SocketProvider) handleDisconnect(c fiber.Ctx) error {
	tool, _ := p.Tool("ws_disconnect")
	out, err := tool.Handler(map[string]any{
		"client_id": c.Params("id"),
		"reason":    c.Query("reason"),
	})
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return c.JSON(out)
}

func (p *SocketProvider) handleListTools(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"tools": p.Tools()})
}

func (p *SocketProvider) handleInvokeTool(c fiber.Ctx) error {
	return p.handleTool(c.Params("name"))(c)
}

// handleTool runs a tool with the JSON request body as input.
func (p *SocketProvider) handleTool(name string) fiber.Handler {
	return func(c fiber.Ctx) error {
		tool, ok := p.Tool(name)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown tool "+name)
		}
		input := map[string]any{}
		if len(c.Body()) > 0 {
			if err := c.Bind().Body(&input); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		out, err := tool.Handler(input)
		if err != nil {
			status := fiber.StatusBadRequest
			if errors.Is(err, ErrNotActive) {
				status = fiber.StatusServiceUnavailable
			}
			return fiber.NewError(status, err.Error())
		}
		return c.JSON(out)
	}
}

// FastHTTPHandler returns a raw fasthttp handler for WebSocket upgrades.
// Register this on the fasthttp server at the configured path.
func (p *SocketProvider) FastHTTPHandler() fasthttp.RequestHandler {
	upgrader := fastws.FastHTTPUpgrader{
		ReadBufferSize:  p.cfg.ReadBufferSize,
		WriteBufferSize: p.cfg.WriteBufferSize,
	}

	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(upgradeRequiredBody)
			return
		}

		// The request context is recycled once the connection is hijacked.
		req := fastHTTPRequest(ctx)
		h := p.hub
		logger := p.logger

		err := upgrader.Upgrade(ctx, func(conn *fastws.Conn) {
			if err := h.Serve(context.Background(), conn, req); err != nil {
				logger.Debug().Err(err).Str("client_id", req.ID).Msg("connection not served")
			}
		})
		if err != nil {
			logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// HTTPHandler returns a net/http handler for WebSocket upgrades.
func (p *SocketProvider) HTTPHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  p.cfg.ReadBufferSize,
		WriteBufferSize: p.cfg.WriteBufferSize,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			w.Write([]byte(upgradeRequiredBody))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			p.logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		req := &types.Request{
			ID:         uuid.New().String(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
			Header:     r.Header.Clone(),
			Query:      r.URL.Query(),
			UserAgent:  r.UserAgent(),
		}
		if err := p.hub.Serve(context.Background(), conn, req); err != nil {
			p.logger.Debug().Err(err).Str("client_id", req.ID).Msg("connection not served")
		}
	})
}

func fastHTTPRequest(ctx *fasthttp.RequestCtx) *types.Request {
	header := http.Header{}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		header.Add(string(k), string(v))
	})
	query := url.Values{}
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		query.Add(string(k), string(v))
	})
	return &types.Request{
		ID:         uuid.New().String(),
		RemoteAddr: ctx.RemoteAddr().String(),
		Path:       string(ctx.Path()),
		Header:     header,
		Query:      query,
		UserAgent:  string(ctx.UserAgent()),
	}
}
