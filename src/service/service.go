package service

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/bridgeio/src/hub"
	"github.com/orchestra-mcp/bridgeio/src/types"
)

// Service provides the high-level pub/sub API used by admin surfaces.
type Service struct {
	hub    *hub.Server
	logger zerolog.Logger
}

// New creates a new service backed by the given server.
func New(h *hub.Server, logger zerolog.Logger) *Service {
	return &Service{hub: h, logger: logger.With().Str("component", "service").Logger()}
}

// Hub returns the underlying server.
func (s *Service) Hub() *hub.Server { return s.hub }

// Publish sends an event to all subscribers of a channel and returns the
// number of recipients.
func (s *Service) Publish(channel, event string, data any) (int, error) {
	if channel == "" {
		return 0, fmt.Errorf("channel is required")
	}
	if event == "" {
		event = "message"
	}
	n := s.hub.Channel([]string{channel}).Cast(event, data)
	s.logger.Debug().
		Str("channel", channel).
		Str("event", event).
		Int("recipients", n).
		Msg("published")
	return n, nil
}

// Broadcast sends an event to every connected client.
func (s *Service) Broadcast(event string, data any) int {
	if event == "" {
		event = "message"
	}
	return s.hub.Broadcast(event, data)
}

// Subscribe adds a connected client to a channel.
func (s *Service) Subscribe(channel, clientID string) error {
	sock, ok := s.hub.Clients().Get(clientID)
	if !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	sock.Subscribe(channel)
	return nil
}

// Unsubscribe removes a client from a channel.
func (s *Service) Unsubscribe(channel, clientID string) error {
	sock, ok := s.hub.Clients().Get(clientID)
	if !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	if !s.hub.Channels().Has(channel) {
		return fmt.Errorf("channel %s not found", channel)
	}
	sock.Unsubscribe(channel)
	return nil
}

// SendToClient sends an event directly to a specific client.
func (s *Service) SendToClient(clientID, event string, data any) error {
	if event == "" {
		event = "message"
	}
	if n := s.hub.To(clientID).Cast(event, data); n == 0 {
		return fmt.Errorf("client %s not found or buffer full", clientID)
	}
	return nil
}

// Disconnect closes a client's connection with a normal close code.
func (s *Service) Disconnect(clientID, reason string) error {
	sock, ok := s.hub.Clients().Get(clientID)
	if !ok {
		return fmt.Errorf("client %s not found", clientID)
	}
	s.logger.Info().Str("client_id", clientID).Str("reason", reason).Msg("disconnecting client")
	return sock.Close(types.CloseNormal, reason)
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	return s.hub.ConnectedClients()
}

// GetChannels returns active channels with subscriber counts.
func (s *Service) GetChannels() map[string]int {
	return s.hub.ChannelCounts()
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*types.ClientInfo, error) {
	info := s.hub.ClientInfo(clientID)
	if info == nil {
		return nil, fmt.Errorf("client %s not found", clientID)
	}
	return info, nil
}
