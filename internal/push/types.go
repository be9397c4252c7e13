package push

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/coder/websocket"
)

// ErrNoSession is returned by Open when the session context does not
// hold an authenticated identity.
var ErrNoSession = errors.New("no authenticated session")

// State describes the push channel lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// wsConn abstracts the WebSocket connection so the Manager can be
// tested without a real server. *websocket.Conn satisfies it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer opens the transport connection. The default dials a
// WebSocket; tests inject mocks.
type Dialer func(ctx context.Context, url string) (wsConn, error)

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// joinMessage is the control message sent after every connect. The
// backend does not remember room membership across a dropped channel,
// so it is re-sent after every reconnect.
type joinMessage struct {
	Op     string `json:"op"`
	UserID string `json:"userId"`
	Device string `json:"device"`
	ConnID string `json:"connId"`
}

// eventEnvelope is the wire shape of a routed push event.
type eventEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}
