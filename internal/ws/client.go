package ws

import (
	"sync"

	"github.com/christopherjohns/scenesphere/internal/replication"
	"nhooyr.io/websocket"
)

// Client is one WebSocket connection. It implements replication.Peer.
type Client struct {
	conn   *websocket.Conn
	id     string
	remote string
	mgr    *ConnManager

	// mu guards send against a concurrent close.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var _ replication.Peer = (*Client)(nil)

func newClient(conn *websocket.Conn, id, remote string) *Client {
	return &Client{conn: conn, id: id, remote: remote}
}

// ID returns the connection ID.
func (c *Client) ID() string { return c.id }

// Send queues frame without blocking.
func (c *Client) Send(frame []byte) error {
	if c.mgr == nil {
		return replication.ErrPeerClosed
	}
	return c.mgr.Send(c, frame)
}

// Close detaches the client and closes the WebSocket in the background.
func (c *Client) Close(reason string) {
	if c.mgr == nil {
		return
	}
	c.mgr.Kick(c, reason)
}

// shut closes the send queue, ending the write pump. It reports whether
// this call did the closing.
func (c *Client) shut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	if c.send != nil {
		close(c.send)
	}
	return true
}
