package supervisor

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// Conn is one open stream socket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens stream sockets for a session.
type Dialer interface {
	Dial(ctx context.Context, sid string) (Conn, error)
}

// WSDialer dials the broker WebSocket endpoint with the session id in the
// SID query parameter.
type WSDialer struct {
	URL        string
	ReadLimit  int64
	HTTPClient *http.Client
}

// Dial opens the socket. ctx bounds the handshake only.
func (d *WSDialer) Dial(ctx context.Context, sid string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid stream url")
	}
	q := u.Query()
	q.Set("SID", sid)
	u.RawQuery = q.Encode()

	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial failed")
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

// Close drops the socket without the close handshake, which a silent peer
// would never answer.
func (w *wsConn) Close() error {
	return w.c.CloseNow()
}
