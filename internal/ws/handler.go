package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/christopherjohns/scenesphere/internal/protocol"
	"github.com/christopherjohns/scenesphere/internal/replication"
	"github.com/christopherjohns/scenesphere/internal/scene"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// defaultReadLimit bounds a single client frame.
const defaultReadLimit = 64 << 10

// Handler handles WebSocket upgrade requests and client read loops. Every
// decoded frame is handed to the authority; the connection itself never
// holds scene state.
type Handler struct {
	authority *replication.Authority
	conns     *ConnManager
	logger    *zap.Logger
	readLimit int64
	origins   []string
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithReadLimit sets the maximum accepted frame size in bytes.
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithOriginPatterns restricts the Origin hosts allowed to upgrade. With no
// patterns every origin is accepted.
func WithOriginPatterns(patterns ...string) HandlerOption {
	return func(h *Handler) {
		h.origins = patterns
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates a new WebSocket Handler.
func NewHandler(authority *replication.Authority, conns *ConnManager, opts ...HandlerOption) *Handler {
	h := &Handler{
		authority: authority,
		conns:     conns,
		logger:    zap.NewNop(),
		readLimit: defaultReadLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("ws")
	return h
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and runs the
// read loop for the client.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: len(h.origins) == 0,
		OriginPatterns:     h.origins,
	})
	if err != nil {
		h.logger.Warn("accept failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(h.readLimit)

	client := newClient(conn, ulid.Make().String(), r.RemoteAddr)
	connCtx, err := h.conns.Add(r.Context(), client)
	if err != nil {
		h.logger.Info("connection rejected", zap.String("remote", client.remote), zap.Error(err))
		conn.Close(RejectStatus(err), err.Error())
		return
	}
	defer h.conns.Remove(client)
	defer h.authority.Leave(client)

	h.logger.Debug("connection opened", zap.String("conn", client.id), zap.String("remote", client.remote))
	err = h.readLoop(connCtx, client)
	h.logger.Debug("connection closed", zap.String("conn", client.id), zap.Error(err))
}

// readLoop reads frames until the connection closes or the connection
// manager cancels ctx.
func (h *Handler) readLoop(ctx context.Context, client *Client) error {
	for {
		typ, data, err := client.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}

		// Mark activity so idle reaping doesn't close active connections.
		h.conns.TouchActivity(client)

		if typ != websocket.MessageText {
			h.authority.ReplyError(client, "", fmt.Errorf("%w: binary frames are not supported", scene.ErrMalformedMessage))
			continue
		}

		in, err := protocol.Decode(data)
		if err != nil {
			h.authority.ReplyError(client, protocol.PeekRequestID(data), err)
			continue
		}
		if err := h.authority.Handle(client, in); err != nil && !errors.Is(err, scene.ErrMalformedMessage) {
			h.logger.Debug("intent rejected",
				zap.String("conn", client.id), zap.String("type", string(in.IntentType())), zap.Error(err))
		}
	}
}
