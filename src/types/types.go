package types

import (
	"net/http"
	"net/url"
	"time"
)

// Frame message types, matching the websocket opcodes used by both
// fasthttp/websocket and gorilla/websocket.
const (
	TextMessage   = 1
	BinaryMessage = 2
	CloseMessage  = 8
)

// Close codes used by the server.
const (
	CloseNormal               = 1000
	CloseGoingAway            = 1001
	CloseNoStatus             = 1005
	CloseAbnormal             = 1006
	ClosePolicyViolation      = 1008
	CloseTryAgainLater        = 1013
	CloseAuthenticationFailed = 4000
)

// CloseReasonAuthenticationFailed is sent with CloseAuthenticationFailed.
const CloseReasonAuthenticationFailed = "HTTP Authentication failed"

// Reserved event names.
const (
	EventConnection   = "connection"
	EventDisconnected = "disconnected"
	EventRPC          = "rpc"
)

// Envelope is the unit exchanged on the wire: [event, data, id].
// An ID of zero means no response is expected.
type Envelope struct {
	Event string
	Data  any
	ID    uint64
}

// Ack answers a correlated envelope.
type Ack func(data any)

// Handler handles an inbound event. ack is nil unless the sender expects
// a response.
type Handler func(data any, ack Ack)

// Request is a snapshot of the upgrade request taken before the transport
// hijacks the connection.
type Request struct {
	// ID is the connection id inherited from the transport, if any.
	ID         string      `json:"id,omitempty"`
	RemoteAddr string      `json:"remote_addr"`
	Path       string      `json:"path"`
	Header     http.Header `json:"-"`
	Query      url.Values  `json:"-"`
	UserAgent  string      `json:"user_agent,omitempty"`
}

// ClientInfo holds metadata about a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connected_at"`
	Channels    []string  `json:"channels"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
}

// Conn abstracts a websocket connection for testability.
// *websocket.Conn from fasthttp/websocket and gorilla/websocket both satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}
