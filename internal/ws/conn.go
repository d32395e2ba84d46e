package ws

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/christopherjohns/scenesphere/internal/replication"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	// defaultSendBuffer is the number of frames that can be queued per client.
	defaultSendBuffer = 256

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active     int
	MaxConns   int
	Accepted   int64
	Rejected   int64
	Kicked     int64
	IdleReaped int64
	FramesSent int64
}

// ConnManager tracks all active WebSocket connections and provides
// lifecycle management including graceful shutdown, per-client
// buffered send queues, connection limits, and idle detection.
type ConnManager struct {
	mu         sync.Mutex
	clients    map[*Client]*connEntry
	closed     bool
	maxConns   int
	idleTTL    time.Duration
	sendBuffer int
	stopIdle   context.CancelFunc
	logger     *zap.Logger

	accepted   atomic.Int64
	rejected   atomic.Int64
	kicked     atomic.Int64
	idleReaped atomic.Int64
	framesSent atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before
// it is automatically closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithSendBuffer sets the per-client send queue length.
func WithSendBuffer(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		if n > 0 {
			cm.sendBuffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.logger = l
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:    make(map[*Client]*connEntry),
		sendBuffer: defaultSendBuffer,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cm)
	}
	cm.logger = cm.logger.Named("ws")
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Errors returned by Add.
var (
	ErrShuttingDown = errors.New("server shutting down")
	ErrAtCapacity   = errors.New("server at capacity")
)

// Add registers a client and starts its write pump. The returned
// context is derived from parent and cancelled when the client is
// removed or the manager shuts down; read loops should read with it.
// On error the caller is expected to close the connection.
func (cm *ConnManager) Add(parent context.Context, c *Client) (context.Context, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrShuttingDown
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		return nil, ErrAtCapacity
	}

	now := time.Now()
	c.mgr = cm
	c.send = make(chan []byte, cm.sendBuffer)
	ctx, cancel := context.WithCancel(parent)
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}
	cm.accepted.Add(1)

	go cm.writePump(ctx, c)

	return ctx, nil
}

// RejectStatus is the close status for an Add error.
func RejectStatus(err error) websocket.StatusCode {
	if errors.Is(err, ErrAtCapacity) {
		return websocket.StatusTryAgainLater
	}
	return websocket.StatusGoingAway
}

// Remove stops a client's write pump and cleans it up. It is safe to call
// more than once.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		c.shut()
	}
}

// Kick stops queuing frames for c and closes its WebSocket with reason in
// the background. The client is removed once the close handshake ends.
func (cm *ConnManager) Kick(c *Client, reason string) {
	if !c.shut() {
		return
	}
	cm.kicked.Add(1)
	cm.logger.Info("closing connection", zap.String("conn", c.id), zap.String("reason", reason))
	go func() {
		c.conn.Close(websocket.StatusPolicyViolation, reason)
		cm.Remove(c)
	}()
}

// Send queues a frame for delivery to the client. It returns
// replication.ErrSendQueueFull if the client's buffer is full and
// replication.ErrPeerClosed if the client has been removed or kicked.
func (cm *ConnManager) Send(c *Client, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.send == nil {
		return replication.ErrPeerClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		cm.logger.Warn("send buffer full", zap.String("conn", c.id), zap.Int("buffer", cap(c.send)))
		return replication.ErrSendQueueFull
	}
}

// TouchActivity updates the last-active timestamp for a client.
// Call this when a client sends a frame to prevent idle reaping.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:     active,
		MaxConns:   maxConns,
		Accepted:   cm.accepted.Load(),
		Rejected:   cm.rejected.Load(),
		Kicked:     cm.kicked.Load(),
		IdleReaped: cm.idleReaped.Load(),
		FramesSent: cm.framesSent.Load(),
	}
}

// ConnInfo holds metadata about a single connection.
type ConnInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
	IdleSeconds float64   `json:"idle_seconds"`
	Queued      int       `json:"queued"`
}

// Clients returns metadata for all active connections, oldest first.
func (cm *ConnManager) Clients() []ConnInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	result := make([]ConnInfo, 0, len(cm.clients))
	for c, entry := range cm.clients {
		result = append(result, ConnInfo{
			ID:          c.id,
			RemoteAddr:  c.remote,
			ConnectedAt: entry.connectedAt,
			LastActive:  entry.lastActive,
			IdleSeconds: now.Sub(entry.lastActive).Seconds(),
			Queued:      len(c.send),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// Shutdown gracefully closes all connections. It cancels every write
// pump and closes each WebSocket with StatusGoingAway. Close handshakes
// run concurrently and are bounded by ctx.
func (cm *ConnManager) Shutdown(ctx context.Context) {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	var g errgroup.Group
	for c, entry := range clients {
		c.shut()
		g.Go(func() error {
			defer entry.cancel()
			return c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cm.logger.Warn("shutdown deadline reached with close handshakes pending")
	}
	cm.logger.Info("connections closed", zap.Int("count", len(clients)))
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle(time.Now())
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle(now time.Time) {
	cm.mu.Lock()
	entries := make(map[*Client]*connEntry)
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			entries[c] = entry
			delete(cm.clients, c)
		}
	}
	cm.mu.Unlock()

	for c, entry := range entries {
		c.shut()
		go func() {
			c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
			entry.cancel()
		}()
		cm.idleReaped.Add(1)
		cm.logger.Info("reaped idle connection", zap.String("conn", c.id))
	}
}

// writePump drains the client's send queue, writing each frame to the
// WebSocket connection in order. It exits when ctx is cancelled or the
// queue is closed.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				cm.logger.Debug("write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
			cm.framesSent.Add(1)
		}
	}
}
