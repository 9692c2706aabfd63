package crisischat

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// webSocketDialer returns the production Dialer backed by gorilla/websocket.
func webSocketDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, rawURL string) (Conn, error) {
		d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := d.DialContext(ctx, rawURL, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
