// Package server wires the session store, the replication authority and the
// WebSocket transport behind one HTTP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/christopherjohns/scenesphere/internal/config"
	"github.com/christopherjohns/scenesphere/internal/journal"
	"github.com/christopherjohns/scenesphere/internal/ratelimit"
	"github.com/christopherjohns/scenesphere/internal/replication"
	"github.com/christopherjohns/scenesphere/internal/scene"
	"github.com/christopherjohns/scenesphere/internal/session"
	"github.com/christopherjohns/scenesphere/internal/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultJournalLimit = 100
	limiterPruneEvery   = time.Minute
)

// Server is the main HTTP server for SceneSphere.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	mux    *http.ServeMux
	redis  redis.Cmdable

	sessions  *session.Store
	journal   journal.Store
	authority *replication.Authority
	conns     *ws.ConnManager
	limiter   *ratelimit.Limiter

	startedAt   time.Time
	created     atomic.Int64
	rateLimited atomic.Int64
	evicted     atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithRedis keeps the intent journal in Redis instead of memory.
func WithRedis(client redis.Cmdable) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server from cfg. cfg is expected to be valid.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    zap.NewNop(),
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Journal.Enabled {
		if s.redis != nil {
			s.journal = journal.NewRedisStore(s.redis, cfg.Journal.MaxEntries, s.logger)
		} else {
			s.journal = journal.NewMemoryStore(cfg.Journal.MaxEntries)
		}
	}

	s.sessions = session.NewStore(
		session.WithMaxMembers(cfg.Sessions.MaxMembers),
		session.WithIdleTTL(cfg.Sessions.IdleTTL),
		session.WithEvictHook(s.onEvict),
	)

	authOpts := []replication.Option{replication.WithLogger(s.logger)}
	if s.journal != nil {
		authOpts = append(authOpts, replication.WithJournal(s.journal))
	}
	s.authority = replication.New(s.sessions, authOpts...)

	s.conns = ws.NewConnManager(
		ws.WithMaxConns(cfg.WebSocket.MaxConns),
		ws.WithIdleTimeout(cfg.WebSocket.IdleTimeout),
		ws.WithSendBuffer(cfg.WebSocket.SendBuffer),
		ws.WithLogger(s.logger),
	)
	s.limiter = ratelimit.New(cfg.RateLimit.CreateSessions, cfg.RateLimit.Window)

	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Sessions returns the session store.
func (s *Server) Sessions() *session.Store {
	return s.sessions
}

func (s *Server) routes() {
	wsHandler := ws.NewHandler(s.authority, s.conns,
		ws.WithReadLimit(s.cfg.WebSocket.MaxMessageBytes),
		ws.WithOriginPatterns(s.cfg.WebSocket.OriginPatterns...),
		ws.WithHandlerLogger(s.logger),
	)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("POST /api/create_session", s.handleCreateSession)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/journal", s.handleJournal)
	s.mux.HandleFunc("GET /api/connections", s.handleConnections)
	s.mux.Handle("GET /ws", wsHandler)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then closes every WebSocket
// with GoingAway and drains HTTP requests within the shutdown timeout. The
// session sweeper runs alongside.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.sessions.RunSweeper(ctx, s.cfg.Sessions.SweepInterval)
	})
	g.Go(func() error {
		ticker := time.NewTicker(limiterPruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.limiter.Prune()
			}
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.conns.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) onEvict(id string) {
	s.evicted.Add(1)
	if s.journal != nil {
		s.journal.DeleteSession(id)
	}
	s.logger.Info("evicted idle session", zap.String("session", id))
}

// createSessionResponse is the body returned for a new session.
type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if ok, retry := s.limiter.Allow(ip); !ok {
		s.rateLimited.Add(1)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:   "rate_limited",
			Message: "too many sessions created, try again later",
		})
		return
	}

	id := s.sessions.Create()
	s.created.Add(1)
	s.logger.Info("session created", zap.String("session", id), zap.String("remote", ip))
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

// sessionSummary is a session listing entry with its journal length.
type sessionSummary struct {
	session.Summary
	JournalEntries int `json:"journal_entries"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	out := make([]sessionSummary, 0, len(list))
	for _, sum := range list {
		item := sessionSummary{Summary: sum}
		if s.journal != nil {
			item.JournalEntries = s.journal.Count(sum.ID)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.conns.Clients())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, err)
		return
	}
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "journal_disabled", Message: "the intent journal is disabled"})
		return
	}

	q := r.URL.Query()
	limit := defaultJournalLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, s.cfg.Journal.MaxEntries)
	}

	var entries []*journal.Entry
	if v := q.Get("after"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "after must be a sequence number"})
			return
		}
		// Oldest first, so a poller can page forward from the last seq it saw.
		entries = s.journal.After(id, seq)
		if len(entries) > limit {
			entries = entries[:limit]
		}
	} else {
		entries = s.journal.Recent(id, limit)
	}
	if entries == nil {
		entries = []*journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scene.ErrSessionNotFound), errors.Is(err, scene.ErrObjectNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scene.ErrMalformedMessage), errors.Is(err, scene.ErrInvalidGeometryKind):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: scene.Code(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
