// Package replication is the authority that turns client intents into
// session mutations and fans the resulting events out to session members.
//
// Every intent against a session runs inside session.Store.Update, and the
// events it produces are queued to recipients before the session lock is
// released. Recipients therefore observe events in exactly the order the
// authority applied them. Concurrent edits of the same object are not
// merged: the last mutation the authority applies wins.
package replication

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/christopherjohns/scenesphere/internal/journal"
	"github.com/christopherjohns/scenesphere/internal/protocol"
	"github.com/christopherjohns/scenesphere/internal/scene"
	"github.com/christopherjohns/scenesphere/internal/session"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Peer is one client connection as seen by the authority.
//
// Send queues a frame without blocking. It returns ErrSendQueueFull when
// the peer is not keeping up and ErrPeerClosed once the peer is detached.
// Close detaches the connection; it must not block.
type Peer interface {
	ID() string
	Send(frame []byte) error
	Close(reason string)
}

// Errors returned by Peer.Send.
var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrPeerClosed    = errors.New("peer closed")
)

// State is the membership state of a connection.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Close reasons passed to Peer.Close.
const (
	ReasonSuperseded   = "superseded"
	ReasonSlowConsumer = "slow consumer"
)

type membership struct {
	sessionID string
	userID    string
	state     State
}

// Stats holds point-in-time authority counters.
type Stats struct {
	Peers         int
	Joins         int64
	Leaves        int64
	ObjectsAdded  int64
	ObjectUpdates int64
	ObjectDeletes int64
	Rejected      int64
	SlowPeers     int64
	Superseded    int64
}

// Authority applies intents against a session.Store.
type Authority struct {
	store   *session.Store
	journal journal.Store
	logger  *zap.Logger
	now     func() time.Time

	// mu guards peers and rosters. It is always taken after a session lock,
	// never before one.
	mu      sync.Mutex
	peers   map[Peer]*membership
	rosters map[string]map[string]Peer

	joins, leaves              atomic.Int64
	added, updated, deleted    atomic.Int64
	rejected, slow, superseded atomic.Int64
}

// Option configures an Authority.
type Option func(*Authority)

// WithJournal records every applied intent in j.
func WithJournal(j journal.Store) Option {
	return func(a *Authority) {
		a.journal = j
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authority) {
		a.logger = l
	}
}

// New creates an Authority over store.
func New(store *session.Store, opts ...Option) *Authority {
	a := &Authority{
		store:   store,
		logger:  zap.NewNop(),
		now:     time.Now,
		peers:   make(map[Peer]*membership),
		rosters: make(map[string]map[string]Peer),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("authority")
	return a
}

// Handle applies a decoded intent from p. Rejections are replied to p as an
// error frame and also returned; they never affect other members.
func (a *Authority) Handle(p Peer, in protocol.Intent) error {
	var err error
	switch m := in.(type) {
	case protocol.JoinSession:
		err = a.Join(p, m)
	case protocol.LeaveSession:
		err = a.LeaveSession(p, m)
	case protocol.AddObject:
		_, err = a.AddObject(p, m)
	case protocol.UpdateObject:
		err = a.UpdateObject(p, m)
	case protocol.DeleteObject:
		err = a.DeleteObject(p, m)
	default:
		err = fmt.Errorf("%w: unsupported intent %T", scene.ErrMalformedMessage, in)
	}
	if err != nil {
		a.ReplyError(p, in.Request(), err)
	}
	return err
}

// ReplyError sends an error frame to p alone.
func (a *Authority) ReplyError(p Peer, requestID string, err error) {
	a.rejected.Add(1)
	a.send(p, protocol.TypeError, protocol.Error{
		RequestID: requestID,
		Code:      scene.Code(err),
		Message:   err.Error(),
	})
}

// State returns the membership state of p.
func (a *Authority) State(p Peer) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.peers[p]; ok {
		return m.state
	}
	return StateDisconnected
}

// Stats returns point-in-time counters.
func (a *Authority) Stats() Stats {
	a.mu.Lock()
	peers := len(a.peers)
	a.mu.Unlock()
	return Stats{
		Peers:         peers,
		Joins:         a.joins.Load(),
		Leaves:        a.leaves.Load(),
		ObjectsAdded:  a.added.Load(),
		ObjectUpdates: a.updated.Load(),
		ObjectDeletes: a.deleted.Load(),
		Rejected:      a.rejected.Load(),
		SlowPeers:     a.slow.Load(),
		Superseded:    a.superseded.Load(),
	}
}

// recipientsLocked checks that p is the joined connection of userID in
// sessionID and returns every other peer of the session. userID may be
// empty, in which case p's own membership supplies it. Must hold mu.
func (a *Authority) recipientsLocked(p Peer, sessionID, userID string) (string, []Peer, error) {
	m, ok := a.peers[p]
	if !ok || m.state != StateJoined || m.sessionID != sessionID {
		return "", nil, fmt.Errorf("%w %s", scene.ErrNotMember, sessionID)
	}
	if userID != "" && userID != m.userID {
		return "", nil, fmt.Errorf("%w %s as %s", scene.ErrNotMember, sessionID, userID)
	}
	return m.userID, a.othersLocked(sessionID, p), nil
}

// othersLocked returns the peers of sessionID except exclude. Must hold mu.
func (a *Authority) othersLocked(sessionID string, exclude Peer) []Peer {
	roster := a.rosters[sessionID]
	others := make([]Peer, 0, len(roster))
	for _, peer := range roster {
		if peer != exclude {
			others = append(others, peer)
		}
	}
	return others
}

// send encodes and queues one frame for p.
func (a *Authority) send(p Peer, t protocol.Type, payload any) {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		a.logger.Error("failed to encode frame", zap.String("type", string(t)), zap.Error(err))
		return
	}
	a.deliver(p, frame)
}

// broadcast encodes once and queues the frame for every peer.
func (a *Authority) broadcast(peers []Peer, t protocol.Type, payload any) {
	if len(peers) == 0 {
		return
	}
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		a.logger.Error("failed to encode frame", zap.String("type", string(t)), zap.Error(err))
		return
	}
	for _, p := range peers {
		a.deliver(p, frame)
	}
}

// deliver queues frame for p. A peer whose queue is full is disconnected:
// it has missed an event, so its replica can only be repaired by re-joining
// for a fresh snapshot. A peer that is already closed is skipped; its Leave
// follows.
func (a *Authority) deliver(p Peer, frame []byte) {
	err := p.Send(frame)
	if err == nil || errors.Is(err, ErrPeerClosed) {
		return
	}
	a.slow.Add(1)
	a.logger.Warn("disconnecting slow consumer", zap.String("peer", p.ID()))
	p.Close(ReasonSlowConsumer)
}

// record appends a journal entry. It runs after the session lock is
// released; seq keeps the journal in application order.
func (a *Authority) record(sessionID string, seq uint64, kind protocol.Type, userID, objectID string) {
	if a.journal == nil || seq == 0 {
		return
	}
	a.journal.Append(&journal.Entry{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Seq:       seq,
		Kind:      string(kind),
		UserID:    userID,
		ObjectID:  objectID,
		At:        a.now(),
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, scene.ErrSessionNotFound)
}
