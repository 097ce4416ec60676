package syncd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/lst-sh/lst/internal/protocol"
)

// connectTimeout bounds the dial plus the Authenticate round trip.
const connectTimeout = 10 * time.Second

// Client is one websocket sync session with the relay.
type Client struct {
	conn *websocket.Conn
}

// SyncURL converts the configured relay base URL into the websocket sync
// endpoint: https://host -> wss://host/api/sync.
func SyncURL(base string) string {
	u := strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/sync"
}

// Connect dials the relay and authenticates with the JWT. The returned
// client is ready for sync traffic.
func Connect(ctx context.Context, baseURL, jwt string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, SyncURL(baseURL), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + jwt}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	c := &Client{conn: conn}
	if err := c.Send(ctx, protocol.Authenticate{Token: jwt}); err != nil {
		c.Close()
		return nil, err
	}
	msg, err := c.Read(dialCtx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to read authentication reply: %w", err)
	}
	authed, ok := msg.(protocol.Authenticated)
	if !ok || !authed.Success {
		c.Close()
		return nil, fmt.Errorf("relay rejected authentication")
	}
	return c, nil
}

// Send writes one client message.
func (c *Client) Send(ctx context.Context, msg protocol.ClientMessage) error {
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send %T: %w", msg, err)
	}
	return nil
}

// Read blocks for the next server message until ctx expires.
func (c *Client) Read(ctx context.Context) (protocol.ServerMessage, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeServer(data)
}

// Close closes the session.
func (c *Client) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
