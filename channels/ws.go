package channels

import (
	"context"
	"errors"

	"github.com/coder/websocket"

	"github.com/Kapim/era-5g-client/core/logx"
)

// maxMessageSize bounds inbound frames. H.264 keyframes at 1080p fit
// comfortably below this.
const maxMessageSize = 32 << 20

// WSConn adapts a websocket connection to the Transport interface and
// carries the inbound read loop.
type WSConn struct {
	conn *websocket.Conn
}

// DialWS opens a websocket connection to the given URL.
func DialWS(ctx context.Context, url string) (*WSConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return &WSConn{conn: conn}, nil
}

// NewWSConn wraps an already-established connection. Used by tests and
// server-side harnesses that accept instead of dial.
func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(maxMessageSize)
	return &WSConn{conn: conn}
}

// Send writes one envelope as a text frame.
func (w *WSConn) Send(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// Close performs a websocket close handshake.
func (w *WSConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// Ping sends a websocket ping and waits for the pong.
func (w *WSConn) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

// ReadLoop reads frames until the connection fails or ctx is canceled,
// invoking onMessage for each. A clean peer close returns nil; any
// other termination returns the read error.
func (w *WSConn) ReadLoop(ctx context.Context, onMessage func(data []byte)) error {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway {
					logx.Log.Info().Str("reason", ce.Reason).Msg("connection closed by peer")
					return nil
				}
				logx.Log.Error().Str("reason", ce.Reason).Msg("connection closed")
				return err
			}
			return err
		}
		onMessage(data)
	}
}
