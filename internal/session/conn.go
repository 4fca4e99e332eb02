package session

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-jam/internal/types"
)

// Conn is a messaging channel to the coordinator. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a new channel. It is called again on every reconnect.
type Dialer func(ctx context.Context) (Conn, error)

const handshakeTimeout = 10 * time.Second

// DialWebsocket returns a Dialer for the coordinator's websocket endpoint.
// token is sent as a bearer credential.
func DialWebsocket(url, token string) Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}

		conn, resp, err := d.DialContext(ctx, url, header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("%w: dial %s: %s", types.ErrConnection, url, resp.Status)
			}
			return nil, fmt.Errorf("%w: dial %s: %v", types.ErrConnection, url, err)
		}
		return conn, nil
	}
}
