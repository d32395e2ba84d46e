package replication

import (
	"fmt"

	"github.com/christopherjohns/scenesphere/internal/protocol"
	"github.com/christopherjohns/scenesphere/internal/scene"
	"github.com/christopherjohns/scenesphere/internal/session"
	"go.uber.org/zap"
)

// Join makes p the connection of m.UserID in m.SessionID. The joiner gets
// a full snapshot; every other member gets the new roster. A connection
// already joined elsewhere leaves that session first. Joining again with
// the same identity re-sends the snapshot without changing the member set.
//
// If another connection currently holds the same user ID in the session,
// it is detached and closed: the newest connection wins.
func (a *Authority) Join(p Peer, m protocol.JoinSession) error {
	if m.SessionID == "" || m.UserID == "" {
		return fmt.Errorf("%w: join_session requires session_id and user_id", scene.ErrMalformedMessage)
	}

	a.mu.Lock()
	prev, hadPrev := a.peers[p]
	a.mu.Unlock()
	if hadPrev && prev.state == StateJoined && (prev.sessionID != m.SessionID || prev.userID != m.UserID) {
		a.Leave(p)
		hadPrev = false
	}
	if !hadPrev {
		a.mu.Lock()
		a.peers[p] = &membership{sessionID: m.SessionID, userID: m.UserID, state: StateJoining}
		a.mu.Unlock()
	}

	var (
		evicted Peer
		seq     uint64
	)
	err := a.store.Update(m.SessionID, func(tx *session.Tx) error {
		if _, err := tx.AddMember(m.UserID); err != nil {
			return err
		}

		a.mu.Lock()
		roster := a.rosters[m.SessionID]
		if roster == nil {
			roster = make(map[string]Peer)
			a.rosters[m.SessionID] = roster
		}
		if old, ok := roster[m.UserID]; ok && old != p {
			evicted = old
			delete(a.peers, old)
		}
		roster[m.UserID] = p
		a.peers[p] = &membership{sessionID: m.SessionID, userID: m.UserID, state: StateJoined}
		others := a.othersLocked(m.SessionID, p)
		a.mu.Unlock()

		snap := tx.Snapshot()
		a.send(p, protocol.TypeUserJoined, protocol.NewSnapshot(m.UserID, snap.Users, snap.Objects))
		a.broadcast(others, protocol.TypeUserJoined, protocol.MemberJoined{
			UserID:     m.UserID,
			ModelState: protocol.Roster{Users: snap.Users},
		})
		seq = tx.NextSeq()
		return nil
	})
	if err != nil {
		a.mu.Lock()
		if cur, ok := a.peers[p]; ok && cur.state == StateJoining {
			delete(a.peers, p)
		}
		a.mu.Unlock()
		return err
	}

	a.joins.Add(1)
	if evicted != nil {
		a.superseded.Add(1)
		a.logger.Info("connection superseded",
			zap.String("session", m.SessionID), zap.String("user", m.UserID), zap.String("peer", evicted.ID()))
		evicted.Close(ReasonSuperseded)
	}
	a.logger.Debug("user joined",
		zap.String("session", m.SessionID), zap.String("user", m.UserID), zap.String("peer", p.ID()))
	a.record(m.SessionID, seq, protocol.TypeJoinSession, m.UserID, "")
	return nil
}

// LeaveSession handles an explicit leave_session intent.
func (a *Authority) LeaveSession(p Peer, m protocol.LeaveSession) error {
	a.mu.Lock()
	cur, ok := a.peers[p]
	a.mu.Unlock()
	if !ok || cur.state != StateJoined || cur.sessionID != m.SessionID {
		return fmt.Errorf("%w %s", scene.ErrNotMember, m.SessionID)
	}
	a.Leave(p)
	if m.RequestID != "" {
		a.send(p, protocol.TypeAck, protocol.Ack{RequestID: m.RequestID, Type: protocol.TypeLeaveSession})
	}
	return nil
}

// Leave ends p's membership, if any, and tells the remaining members.
// Transports call it when a connection drops. It is safe to call more than
// once and for connections that never joined.
func (a *Authority) Leave(p Peer) {
	a.mu.Lock()
	m, ok := a.peers[p]
	delete(a.peers, p)
	a.mu.Unlock()
	if !ok || m.state != StateJoined {
		return
	}

	var (
		left bool
		seq  uint64
	)
	err := a.store.Update(m.sessionID, func(tx *session.Tx) error {
		a.mu.Lock()
		roster := a.rosters[m.sessionID]
		if roster[m.userID] != p {
			// Superseded by a newer connection for the same user.
			a.mu.Unlock()
			return nil
		}
		delete(roster, m.userID)
		if len(roster) == 0 {
			delete(a.rosters, m.sessionID)
		}
		others := a.othersLocked(m.sessionID, p)
		a.mu.Unlock()

		tx.RemoveMember(m.userID)
		a.broadcast(others, protocol.TypeUserLeft, protocol.UserLeft{UserID: m.userID})
		left = true
		seq = tx.NextSeq()
		return nil
	})
	if isNotFound(err) {
		a.mu.Lock()
		if roster := a.rosters[m.sessionID]; roster[m.userID] == p {
			delete(roster, m.userID)
			if len(roster) == 0 {
				delete(a.rosters, m.sessionID)
			}
		}
		a.mu.Unlock()
		return
	}
	if !left {
		return
	}

	a.leaves.Add(1)
	a.logger.Debug("user left",
		zap.String("session", m.sessionID), zap.String("user", m.userID), zap.String("peer", p.ID()))
	a.record(m.sessionID, seq, protocol.TypeLeaveSession, m.userID, "")
}
