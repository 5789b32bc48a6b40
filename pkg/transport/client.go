package transport

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// Client is the dialing end of a connection, used by tooling and tests.
type Client struct {
	conn *websocket.Conn
}

func Dial(ctx context.Context, url string, header http.Header) (*Client, *http.Response, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, resp, err
	}
	return &Client{conn: conn}, resp, nil
}

func (c *Client) Write(ctx context.Context, msg []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// Read blocks for the next message. After the server closes the connection
// the error carries its close status; see websocket.CloseStatus.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	_, msg, err := c.conn.Read(ctx)
	return msg, err
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Abort drops the connection without a close handshake.
func (c *Client) Abort() error {
	return c.conn.CloseNow()
}
