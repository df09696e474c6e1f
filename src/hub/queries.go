package hub

import (
	"github.com/orchestra-mcp/bridgeio/src/types"
)

// ClientsView is a read-only view over the connection registry.
type ClientsView interface {
	All() map[string]*Socket
	Get(id string) (*Socket, bool)
	Has(id string) bool
	Len() int
}

// ChannelsView is a read-only view over the channel store.
type ChannelsView interface {
	All() map[string][]string
	Get(channel string) []string
	Has(channel string) bool
	Subscribers(names ...string) []string
	Counts() map[string]int
}

// Clients returns a read-only view of the connected clients.
func (s *Server) Clients() ClientsView { return s.clients }

// Channels returns a read-only view of the channel memberships.
func (s *Server) Channels() ChannelsView { return s.channels }

// ConnectedClients returns a list of connected client IDs.
func (s *Server) ConnectedClients() []string {
	return s.clients.IDs()
}

// ClientInfo returns info for a connected client, or nil.
func (s *Server) ClientInfo(clientID string) *types.ClientInfo {
	sock, ok := s.clients.Get(clientID)
	if !ok {
		return nil
	}
	info := sock.Info()
	return &info
}

// ChannelCounts returns channel names with their subscriber counts.
func (s *Server) ChannelCounts() map[string]int {
	return s.channels.Counts()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.clients.Len()
}
