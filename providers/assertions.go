package providers

import (
	fastws "github.com/fasthttp/websocket"
	"github.com/gorilla/websocket"

	"github.com/orchestra-mcp/bridgeio/src/types"
)

// Compile-time interface assertions.
var (
	_ types.Conn = (*fastws.Conn)(nil)
	_ types.Conn = (*websocket.Conn)(nil)
)
