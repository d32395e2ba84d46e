package session

import (
	"fmt"
	"slices"
	"sort"

	"github.com/christopherjohns/scenesphere/internal/scene"
	"github.com/oklog/ulid/v2"
)

// Tx is exclusive access to one session for the duration of Store.Update.
// Objects returned from Tx are copies.
type Tx struct {
	sess  *Session
	store *Store
}

// NextSeq returns the next value of the session's mutation counter.
func (tx *Tx) NextSeq() uint64 {
	tx.sess.seq++
	return tx.sess.seq
}

// Members returns the member list in join order.
func (tx *Tx) Members() []string {
	return append([]string{}, tx.sess.members...)
}

// HasMember reports whether user is in the member set.
func (tx *Tx) HasMember(user string) bool {
	return slices.Contains(tx.sess.members, user)
}

// AddMember adds user if not already present.
func (tx *Tx) AddMember(user string) (bool, error) {
	if tx.HasMember(user) {
		return false, nil
	}
	if limit := tx.store.maxMembers; limit > 0 && len(tx.sess.members) >= limit {
		return false, scene.ErrSessionFull
	}
	tx.sess.members = append(tx.sess.members, user)
	return true, nil
}

// RemoveMember removes user if present.
func (tx *Tx) RemoveMember(user string) bool {
	i := slices.Index(tx.sess.members, user)
	if i < 0 {
		return false
	}
	tx.sess.members = slices.Delete(tx.sess.members, i, i+1)
	return true
}

// PutObject validates and stores a copy of obj, assigning an ID when none
// is set. Replacing an existing object must keep its geometry.
func (tx *Tx) PutObject(obj *scene.Object) (*scene.Object, error) {
	if err := obj.Validate(); err != nil {
		return nil, err
	}
	stored := obj.Clone()
	if stored.ID == "" {
		stored.ID = ulid.Make().String()
	}
	if prev, ok := tx.sess.objects[stored.ID]; ok && prev.Type != stored.Type {
		return nil, fmt.Errorf("%w: geometry of object %s cannot change from %s to %s",
			scene.ErrMalformedMessage, stored.ID, prev.Type, stored.Type)
	}
	tx.sess.objects[stored.ID] = stored
	return stored.Clone(), nil
}

// PatchObject merges patch into the object with the given ID.
func (tx *Tx) PatchObject(id string, patch scene.TransformPatch) (*scene.Object, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: update carries no fields", scene.ErrMalformedMessage)
	}
	obj, ok := tx.sess.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scene.ErrObjectNotFound, id)
	}
	patch.Apply(obj)
	return obj.Clone(), nil
}

// DeleteObject removes the object with the given ID if it exists.
func (tx *Tx) DeleteObject(id string) bool {
	if _, ok := tx.sess.objects[id]; !ok {
		return false
	}
	delete(tx.sess.objects, id)
	return true
}

// Snapshot copies the current members and objects. Objects are ordered by
// ID, which for generated IDs is creation order.
func (tx *Tx) Snapshot() Snapshot {
	objects := make([]*scene.Object, 0, len(tx.sess.objects))
	for _, obj := range tx.sess.objects {
		objects = append(objects, obj.Clone())
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].ID < objects[j].ID
	})
	return Snapshot{
		SessionID: tx.sess.ID,
		Users:     tx.Members(),
		Objects:   objects,
	}
}
