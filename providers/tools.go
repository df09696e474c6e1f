package providers

import (
	"fmt"
	"sort"
)

// ToolDefinition describes an administrative operation exposed over HTTP.
type ToolDefinition struct {
	Name        string                                  `json:"name"`
	Description string                                  `json:"description"`
	InputSchema map[string]any                          `json:"input_schema"`
	Handler     func(input map[string]any) (any, error) `json:"-"`
}

// Tools returns the administrative operations of the provider.
func (p *SocketProvider) Tools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "list_ws_clients",
			Description: "List connected WebSocket clients",
			InputSchema: map[string]any{},
			Handler:     p.toolListClients,
		},
		{
			Name:        "ws_publish",
			Description: "Publish an event to a WebSocket channel",
			InputSchema: map[string]any{
				"channel": map[string]any{"type": "string", "description": "Channel name"},
				"event":   map[string]any{"type": "string", "description": "Event name, defaults to message"},
				"data":    map[string]any{"description": "Event payload"},
			},
			Handler: p.toolPublish,
		},
		{
			Name:        "ws_broadcast",
			Description: "Send an event to every connected client",
			InputSchema: map[string]any{
				"event": map[string]any{"type": "string", "description": "Event name, defaults to message"},
				"data":  map[string]any{"description": "Event payload"},
			},
			Handler: p.toolBroadcast,
		},
		{
			Name:        "ws_disconnect",
			Description: "Close a client connection",
			InputSchema: map[string]any{
				"client_id": map[string]any{"type": "string", "description": "Client ID"},
				"reason":    map[string]any{"type": "string", "description": "Close reason"},
			},
			Handler: p.toolDisconnect,
		},
		{
			Name:        "list_ws_channels",
			Description: "List active WebSocket channels with subscriber counts",
			InputSchema: map[string]any{},
			Handler:     p.toolListChannels,
		},
	}
}

// Tool returns the named tool.
func (p *SocketProvider) Tool(name string) (ToolDefinition, bool) {
	for _, t := range p.Tools() {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

func (p *SocketProvider) toolListClients(_ map[string]any) (any, error) {
	if p.service == nil {
		return nil, ErrNotActive
	}
	clients := p.service.GetConnectedClients()
	sort.Strings(clients)
	infos := make([]any, 0, len(clients))
	for _, id := range clients {
		info, err := p.service.GetClientInfo(id)
		if err == nil {
			infos = append(infos, info)
		}
	}
	return map[string]any{
		"clients": infos,
		"count":   len(infos),
	}, nil
}

func (p *SocketProvider) toolPublish(input map[string]any) (any, error) {
	if p.service == nil {
		return nil, ErrNotActive
	}
	channel, _ := input["channel"].(string)
	if channel == "" {
		return nil, fmt.Errorf("channel is required")
	}
	event, _ := input["event"].(string)
	n, err := p.service.Publish(channel, event, input["data"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"published": true, "channel": channel, "recipients": n}, nil
}

func (p *SocketProvider) toolBroadcast(input map[string]any) (any, error) {
	if p.service == nil {
		return nil, ErrNotActive
	}
	event, _ := input["event"].(string)
	n := p.service.Broadcast(event, input["data"])
	return map[string]any{"broadcast": true, "recipients": n}, nil
}

func (p *SocketProvider) toolDisconnect(input map[string]any) (any, error) {
	if p.service == nil {
		return nil, ErrNotActive
	}
	id, _ := input["client_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	reason, _ := input["reason"].(string)
	if err := p.service.Disconnect(id, reason); err != nil {
		return nil, err
	}
	return map[string]any{"disconnected": true, "client_id": id}, nil
}

func (p *SocketProvider) toolListChannels(_ map[string]any) (any, error) {
	if p.service == nil {
		return nil, ErrNotActive
	}
	channels := p.service.GetChannels()
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		result = append(result, map[string]any{
			"channel":     name,
			"subscribers": channels[name],
		})
	}
	return map[string]any{"channels": result, "count": len(result)}, nil
}
