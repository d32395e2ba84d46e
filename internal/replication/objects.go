package replication

import (
	"fmt"

	"github.com/christopherjohns/scenesphere/internal/protocol"
	"github.com/christopherjohns/scenesphere/internal/scene"
	"github.com/christopherjohns/scenesphere/internal/session"
)

// AddObject creates an object from m and broadcasts object_added to every
// other member. The sender gets an ack carrying the assigned object ID.
func (a *Authority) AddObject(p Peer, m protocol.AddObject) (*scene.Object, error) {
	if m.Object == nil {
		return nil, fmt.Errorf("%w: add_object requires object", scene.ErrMalformedMessage)
	}
	obj, err := m.Object.Build()
	if err != nil {
		return nil, err
	}

	var (
		stored *scene.Object
		userID string
		seq    uint64
	)
	err = a.store.Update(m.SessionID, func(tx *session.Tx) error {
		a.mu.Lock()
		uid, others, err := a.recipientsLocked(p, m.SessionID, m.UserID)
		a.mu.Unlock()
		if err != nil {
			return err
		}
		userID = uid

		stored, err = tx.PutObject(obj)
		if err != nil {
			return err
		}
		a.broadcast(others, protocol.TypeObjectAdded, protocol.ObjectAdded{Object: stored})
		a.send(p, protocol.TypeAck, protocol.Ack{
			RequestID: m.RequestID,
			Type:      protocol.TypeAddObject,
			ObjectID:  stored.ID,
		})
		seq = tx.NextSeq()
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.added.Add(1)
	a.record(m.SessionID, seq, protocol.TypeAddObject, userID, stored.ID)
	return stored, nil
}

// UpdateObject merges the supplied transform fields and broadcasts
// object_updated, carrying the same fields, to every other member.
func (a *Authority) UpdateObject(p Peer, m protocol.UpdateObject) error {
	var (
		userID string
		seq    uint64
	)
	err := a.store.Update(m.SessionID, func(tx *session.Tx) error {
		a.mu.Lock()
		uid, others, err := a.recipientsLocked(p, m.SessionID, m.UserID)
		a.mu.Unlock()
		if err != nil {
			return err
		}
		userID = uid

		if _, err := tx.PatchObject(m.ObjectID, m.Updates); err != nil {
			return err
		}
		a.broadcast(others, protocol.TypeObjectUpdated, protocol.ObjectUpdated{
			ObjectID: m.ObjectID,
			Updates:  m.Updates.Clone(),
		})
		if m.RequestID != "" {
			a.send(p, protocol.TypeAck, protocol.Ack{RequestID: m.RequestID, Type: protocol.TypeUpdateObject, ObjectID: m.ObjectID})
		}
		seq = tx.NextSeq()
		return nil
	})
	if err != nil {
		return err
	}

	a.updated.Add(1)
	a.record(m.SessionID, seq, protocol.TypeUpdateObject, userID, m.ObjectID)
	return nil
}

// DeleteObject removes an object and broadcasts object_deleted to every
// other member. Deleting an object that does not exist succeeds silently,
// so two members racing to delete the same object both see success.
func (a *Authority) DeleteObject(p Peer, m protocol.DeleteObject) error {
	var (
		userID  string
		deleted bool
		seq     uint64
	)
	err := a.store.Update(m.SessionID, func(tx *session.Tx) error {
		a.mu.Lock()
		uid, others, err := a.recipientsLocked(p, m.SessionID, m.UserID)
		a.mu.Unlock()
		if err != nil {
			return err
		}
		userID = uid

		deleted = tx.DeleteObject(m.ObjectID)
		if deleted {
			a.broadcast(others, protocol.TypeObjectDeleted, protocol.ObjectDeleted{ObjectID: m.ObjectID})
			seq = tx.NextSeq()
		}
		if m.RequestID != "" {
			a.send(p, protocol.TypeAck, protocol.Ack{RequestID: m.RequestID, Type: protocol.TypeDeleteObject, ObjectID: m.ObjectID})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if deleted {
		a.deleted.Add(1)
		a.record(m.SessionID, seq, protocol.TypeDeleteObject, userID, m.ObjectID)
	}
	return nil
}
