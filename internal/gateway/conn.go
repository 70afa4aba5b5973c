package gateway

import (
	"context"

	"github.com/coder/websocket"
)

// maxControlMessageBytes bounds one inbound control message. The audio
// fallback path carries whole base64 utterances inside a single message, so
// the limit sits well above the WebSocket library default.
const maxControlMessageBytes = 8 << 20

// Conn is the control transport a supervisor drives: ordered reads,
// concurrency-safe writes, an idempotent close. Production wraps a
// WebSocket; tests substitute an in-memory implementation.
type Conn interface {
	// Read returns the next inbound control message. It blocks until a
	// message arrives, the client goes away, or ctx is cancelled.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one control message. Safe for concurrent use.
	Write(ctx context.Context, data []byte) error

	// Close tears the transport down with a short reason the client may
	// see. Calling it again is a no-op.
	Close(reason string) error
}

// wsConn adapts a [websocket.Conn] to [Conn].
type wsConn struct {
	ws *websocket.Conn
}

var _ Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(maxControlMessageBytes)
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
