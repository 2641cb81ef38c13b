package notify

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WSDialer opens WebSocket push connections. The subject id travels as the
// token query parameter.
type WSDialer struct {
	URL string
}

// NewWSDialer creates a dialer for the notification endpoint at rawURL
func NewWSDialer(rawURL string) *WSDialer {
	return &WSDialer{URL: rawURL}
}

func (d *WSDialer) Dial(ctx context.Context, subjectID string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse notification url: %w", err)
	}
	q := u.Query()
	q.Set("token", subjectID)
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.Redacted(), err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn net.Conn
}

func (c *wsConn) Receive() (Frame, error) {
	for {
		data, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			return Frame{}, err
		}
		switch op {
		case ws.OpText:
			return Frame{Data: data}, nil
		case ws.OpBinary:
			return Frame{Data: data, Binary: true}, nil
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
