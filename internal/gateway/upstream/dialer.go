package upstream

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsDialer adapts *websocket.Dialer to the Dialer interface.
type wsDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns the production Dialer. It sets no timeout
// of its own; the handshake deadline comes from the context passed to
// DialContext.
func NewWebsocketDialer() Dialer {
	return &wsDialer{dialer: &websocket.Dialer{}}
}

func (d *wsDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return d.dialer.DialContext(ctx, urlStr, header)
}
