package replication

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/christopherjohns/scenesphere/internal/journal"
	"github.com/christopherjohns/scenesphere/internal/protocol"
	"github.com/christopherjohns/scenesphere/internal/scene"
	"github.com/christopherjohns/scenesphere/internal/session"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// fakePeer records every frame the authority queues for it.
type fakePeer struct {
	id string

	mu     sync.Mutex
	frames []protocol.Envelope
	full   bool
	gone   bool
	closed string
}

func newPeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return ErrPeerClosed
	}
	if p.full {
		return ErrSendQueueFull
	}
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(err)
	}
	p.frames = append(p.frames, env)
	return nil
}

func (p *fakePeer) Close(reason string) {
	p.mu.Lock()
	p.closed = reason
	p.mu.Unlock()
}

// take returns and clears the recorded frames.
func (p *fakePeer) take() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.frames
	p.frames = nil
	return out
}

func (p *fakePeer) closeReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func types(frames []protocol.Envelope) []protocol.Type {
	out := make([]protocol.Type, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type)
	}
	return out
}

func newAuthority(t *testing.T, opts ...Option) (*Authority, *session.Store) {
	t.Helper()
	store := session.NewStore()
	return New(store, opts...), store
}

func join(t *testing.T, a *Authority, p Peer, sessionID, userID string) {
	t.Helper()
	require.NoError(t, a.Join(p, protocol.JoinSession{SessionID: sessionID, UserID: userID}))
}

func addCube(t *testing.T, a *Authority, p Peer, sessionID string, pos scene.Vec3) *scene.Object {
	t.Helper()
	obj, err := a.AddObject(p, protocol.AddObject{
		SessionID: sessionID,
		Object:    &protocol.ObjectSpec{Type: "cube", Position: &pos},
	})
	require.NoError(t, err)
	return obj
}

func TestCollaborationScenario(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	u1, u2 := newPeer("c1"), newPeer("c2")

	join(t, a, u1, s, "U1")
	u1.take()

	cube := addCube(t, a, u1, s, scene.Vec3{0, 0, 0})
	snap, err := store.Snapshot(s)
	require.NoError(t, err)
	require.Len(t, snap.Objects, 1)
	require.Equal(t, scene.GeometryCube, snap.Objects[0].Type)
	require.Equal(t, scene.Vec3{0, 0, 0}, snap.Objects[0].Position)

	ack := u1.take()
	require.Equal(t, []protocol.Type{protocol.TypeAck}, types(ack), "sender gets an ack, never an echo")
	require.Equal(t, cube.ID, decode[protocol.Ack](t, ack[0]).ObjectID)

	// U2 joins: full snapshot to U2, roster update to U1 only.
	join(t, a, u2, s, "U2")
	frames := u2.take()
	require.Equal(t, []protocol.Type{protocol.TypeUserJoined}, types(frames))
	joined := decode[protocol.UserJoined](t, frames[0])
	require.True(t, joined.Snapshot)
	require.Equal(t, []string{"U1", "U2"}, joined.ModelState.Users)
	require.Len(t, joined.ModelState.Objects, 1)
	require.Equal(t, cube.ID, joined.ModelState.Objects[0].ID)

	frames = u1.take()
	require.Equal(t, []protocol.Type{protocol.TypeUserJoined}, types(frames), "no duplicate object_added")
	roster := decode[protocol.UserJoined](t, frames[0])
	require.False(t, roster.Snapshot)
	require.Equal(t, "U2", roster.UserID)
	require.Equal(t, []string{"U1", "U2"}, roster.ModelState.Users)
	require.Empty(t, roster.ModelState.Objects)

	// U1 moves the cube.
	pos := scene.Vec3{1, 2, 3}
	require.NoError(t, a.UpdateObject(u1, protocol.UpdateObject{
		SessionID: s,
		ObjectID:  cube.ID,
		Updates:   scene.TransformPatch{Position: &pos},
	}))
	frames = u2.take()
	require.Equal(t, []protocol.Type{protocol.TypeObjectUpdated}, types(frames))
	upd := decode[protocol.ObjectUpdated](t, frames[0])
	require.Equal(t, cube.ID, upd.ObjectID)
	require.Equal(t, &pos, upd.Updates.Position)
	require.Nil(t, upd.Updates.Rotation)
	require.Nil(t, upd.Updates.Scale)
	require.Empty(t, u1.take(), "sender must not receive its own update")

	// U2 deletes the cube; U1 is told.
	require.NoError(t, a.DeleteObject(u2, protocol.DeleteObject{SessionID: s, ObjectID: cube.ID}))
	frames = u1.take()
	require.Equal(t, []protocol.Type{protocol.TypeObjectDeleted}, types(frames))
	require.Equal(t, cube.ID, decode[protocol.ObjectDeleted](t, frames[0]).ObjectID)
	require.Empty(t, u2.take())

	// A second delete from U1 is a silent no-op.
	require.NoError(t, a.DeleteObject(u1, protocol.DeleteObject{SessionID: s, ObjectID: cube.ID}))
	require.Empty(t, u1.take())
	require.Empty(t, u2.take())

	snap, _ = store.Snapshot(s)
	require.Empty(t, snap.Objects)
}

func TestJoinSnapshotMatchesAuthorityState(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	u1 := newPeer("c1")
	join(t, a, u1, s, "U1")

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, addCube(t, a, u1, s, scene.Vec3{float64(i), 0, 0}).ID)
	}
	require.NoError(t, a.DeleteObject(u1, protocol.DeleteObject{SessionID: s, ObjectID: ids[1]}))
	rot := scene.Vec3{0, 1, 0}
	require.NoError(t, a.UpdateObject(u1, protocol.UpdateObject{
		SessionID: s, ObjectID: ids[2], Updates: scene.TransformPatch{Rotation: &rot},
	}))

	u2 := newPeer("c2")
	join(t, a, u2, s, "U2")
	frames := u2.take()
	require.Len(t, frames, 1)
	joined := decode[protocol.UserJoined](t, frames[0])

	snap, _ := store.Snapshot(s)
	if diff := cmp.Diff(snap.Objects, joined.ModelState.Objects); diff != "" {
		t.Fatalf("snapshot differs from authority state (-store +joined):\n%s", diff)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	a, _ := newAuthority(t)
	p := newPeer("c1")

	err := a.Handle(p, protocol.JoinSession{SessionID: "missing", UserID: "U1", RequestID: "r1"})
	require.ErrorIs(t, err, scene.ErrSessionNotFound)
	require.Equal(t, StateDisconnected, a.State(p))

	frames := p.take()
	require.Equal(t, []protocol.Type{protocol.TypeError}, types(frames))
	e := decode[protocol.Error](t, frames[0])
	require.Equal(t, "session_not_found", e.Code)
	require.Equal(t, "r1", e.RequestID)
}

func TestJoinTwiceIsIdempotent(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	u1, u2 := newPeer("c1"), newPeer("c2")
	join(t, a, u1, s, "U1")
	join(t, a, u2, s, "U2")
	u1.take()
	u2.take()

	join(t, a, u1, s, "U1")
	frames := u1.take()
	require.Equal(t, []protocol.Type{protocol.TypeUserJoined}, types(frames))
	require.True(t, decode[protocol.UserJoined](t, frames[0]).Snapshot, "re-join re-sends the snapshot")

	frames = u2.take()
	require.Equal(t, []protocol.Type{protocol.TypeUserJoined}, types(frames), "re-join still broadcasts the roster")
	require.Equal(t, []string{"U1", "U2"}, decode[protocol.UserJoined](t, frames[0]).ModelState.Users)

	snap, _ := store.Snapshot(s)
	require.Equal(t, []string{"U1", "U2"}, snap.Users)
}

func TestJoinOtherSessionLeavesPrevious(t *testing.T) {
	a, store := newAuthority(t)
	s1, s2 := store.Create(), store.Create()
	mover, watcher := newPeer("c1"), newPeer("c2")
	join(t, a, mover, s1, "U1")
	join(t, a, watcher, s1, "U2")
	watcher.take()

	join(t, a, mover, s2, "U1")

	frames := watcher.take()
	require.Equal(t, []protocol.Type{protocol.TypeUserLeft}, types(frames))
	require.Equal(t, "U1", decode[protocol.UserLeft](t, frames[0]).UserID)

	snap1, _ := store.Snapshot(s1)
	require.Equal(t, []string{"U2"}, snap1.Users)
	snap2, _ := store.Snapshot(s2)
	require.Equal(t, []string{"U1"}, snap2.Users)

	// Intents against the old session are now rejected.
	_, err := a.AddObject(mover, protocol.AddObject{SessionID: s1, Object: &protocol.ObjectSpec{Type: "cube"}})
	require.ErrorIs(t, err, scene.ErrNotMember)
}

func TestDuplicateUserNewestConnectionWins(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	oldConn, newConn, other := newPeer("old"), newPeer("new"), newPeer("other")
	join(t, a, oldConn, s, "U1")
	join(t, a, other, s, "U2")
	other.take()

	join(t, a, newConn, s, "U1")
	require.Equal(t, ReasonSuperseded, oldConn.closeReason())
	require.Equal(t, StateDisconnected, a.State(oldConn))
	require.Equal(t, StateJoined, a.State(newConn))

	// The old connection's transport teardown must not remove U1.
	a.Leave(oldConn)
	for _, f := range other.take() {
		require.NotEqual(t, protocol.TypeUserLeft, f.Type)
	}
	snap, _ := store.Snapshot(s)
	require.Equal(t, []string{"U1", "U2"}, snap.Users)

	_, err := a.AddObject(oldConn, protocol.AddObject{SessionID: s, Object: &protocol.ObjectSpec{Type: "cube"}})
	require.ErrorIs(t, err, scene.ErrNotMember)
}

func TestLeaveBroadcastsUserLeft(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	u1, u2 := newPeer("c1"), newPeer("c2")
	join(t, a, u1, s, "U1")
	join(t, a, u2, s, "U2")
	u1.take()
	u2.take()

	a.Leave(u2)
	frames := u1.take()
	require.Equal(t, []protocol.Type{protocol.TypeUserLeft}, types(frames))
	require.Equal(t, "U2", decode[protocol.UserLeft](t, frames[0]).UserID)
	require.Empty(t, u2.take())

	// Safe to repeat and for never-joined connections.
	a.Leave(u2)
	a.Leave(newPeer("stranger"))
	require.Empty(t, u1.take())

	snap, _ := store.Snapshot(s)
	require.Equal(t, []string{"U1"}, snap.Users)
}

func TestLeaveSessionIntent(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	p := newPeer("c1")

	err := a.Handle(p, protocol.LeaveSession{SessionID: s})
	require.ErrorIs(t, err, scene.ErrNotMember)
	p.take()

	join(t, a, p, s, "U1")
	p.take()
	require.NoError(t, a.Handle(p, protocol.LeaveSession{SessionID: s, RequestID: "bye"}))
	frames := p.take()
	require.Equal(t, []protocol.Type{protocol.TypeAck}, types(frames))
	require.Equal(t, StateDisconnected, a.State(p))
}

func TestIntentsRequireMembership(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	member, outsider := newPeer("c1"), newPeer("c2")
	join(t, a, member, s, "U1")
	obj := addCube(t, a, member, s, scene.Vec3{})
	member.take()

	pos := scene.Vec3{1, 1, 1}
	intents := []protocol.Intent{
		protocol.AddObject{SessionID: s, Object: &protocol.ObjectSpec{Type: "cube"}},
		protocol.UpdateObject{SessionID: s, ObjectID: obj.ID, Updates: scene.TransformPatch{Position: &pos}},
		protocol.DeleteObject{SessionID: s, ObjectID: obj.ID},
	}
	for _, in := range intents {
		err := a.Handle(outsider, in)
		require.ErrorIs(t, err, scene.ErrNotMember, "%s", in.IntentType())
	}
	require.Empty(t, member.take(), "rejected intents are never broadcast")

	// Claiming another member's user ID is also rejected.
	join(t, a, outsider, s, "U2")
	_, err := a.AddObject(outsider, protocol.AddObject{SessionID: s, UserID: "U1", Object: &protocol.ObjectSpec{Type: "cube"}})
	require.ErrorIs(t, err, scene.ErrNotMember)

	snap, _ := store.Snapshot(s)
	require.Len(t, snap.Objects, 1)
}

func TestAddObjectInvalidGeometry(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	u1, u2 := newPeer("c1"), newPeer("c2")
	join(t, a, u1, s, "U1")
	join(t, a, u2, s, "U2")
	addCube(t, a, u1, s, scene.Vec3{})
	u1.take()
	u2.take()
	before, _ := store.Snapshot(s)

	err := a.Handle(u1, protocol.AddObject{SessionID: s, Object: &protocol.ObjectSpec{Type: "torus"}})
	require.ErrorIs(t, err, scene.ErrInvalidGeometryKind)

	frames := u1.take()
	require.Equal(t, []protocol.Type{protocol.TypeError}, types(frames))
	require.Equal(t, "invalid_geometry_kind", decode[protocol.Error](t, frames[0]).Code)
	require.Empty(t, u2.take())

	after, _ := store.Snapshot(s)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("session changed (-before +after):\n%s", diff)
	}
}

func TestUpdateUnknownObject(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	u1, u2 := newPeer("c1"), newPeer("c2")
	join(t, a, u1, s, "U1")
	join(t, a, u2, s, "U2")
	u1.take()
	u2.take()

	pos := scene.Vec3{1, 2, 3}
	err := a.Handle(u1, protocol.UpdateObject{SessionID: s, ObjectID: "ghost", Updates: scene.TransformPatch{Position: &pos}})
	require.ErrorIs(t, err, scene.ErrObjectNotFound)
	require.Equal(t, "object_not_found", decode[protocol.Error](t, u1.take()[0]).Code)
	require.Empty(t, u2.take())
	require.Equal(t, StateJoined, a.State(u1), "intent errors never end membership")
}

func TestUpdatePositionOnlyKeepsRotationAndScale(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	p := newPeer("c1")
	join(t, a, p, s, "U1")

	rot, scale := scene.Vec3{0.1, 0.2, 0.3}, scene.Vec3{2, 2, 2}
	obj, err := a.AddObject(p, protocol.AddObject{SessionID: s, Object: &protocol.ObjectSpec{
		Type: "cylinder", Rotation: &rot, Scale: &scale,
	}})
	require.NoError(t, err)

	pos := scene.Vec3{4, 5, 6}
	require.NoError(t, a.UpdateObject(p, protocol.UpdateObject{
		SessionID: s, ObjectID: obj.ID, Updates: scene.TransformPatch{Position: &pos},
	}))

	snap, _ := store.Snapshot(s)
	require.Equal(t, pos, snap.Objects[0].Position)
	require.Equal(t, rot, snap.Objects[0].Rotation)
	require.Equal(t, scale, snap.Objects[0].Scale)
}

func TestDeleteMissingObjectIsSilent(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	p := newPeer("c1")
	join(t, a, p, s, "U1")
	p.take()

	err := a.Handle(p, protocol.DeleteObject{SessionID: s, ObjectID: "never-existed"})
	require.NoError(t, err)
	require.Empty(t, p.take(), "no error frame for a missing object")

	require.NoError(t, a.Handle(p, protocol.DeleteObject{SessionID: s, ObjectID: "never-existed", RequestID: "r1"}))
	frames := p.take()
	require.Equal(t, []protocol.Type{protocol.TypeAck}, types(frames))
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	fast, slow := newPeer("fast"), newPeer("slow")
	join(t, a, fast, s, "U1")
	join(t, a, slow, s, "U2")

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	addCube(t, a, fast, s, scene.Vec3{})
	require.Equal(t, ReasonSlowConsumer, slow.closeReason())
	require.Equal(t, int64(1), a.Stats().SlowPeers)
}

func TestClosedPeerIsNotCountedAsSlow(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	live, gone := newPeer("live"), newPeer("gone")
	join(t, a, live, s, "U1")
	join(t, a, gone, s, "U2")

	gone.mu.Lock()
	gone.gone = true
	gone.mu.Unlock()

	addCube(t, a, live, s, scene.Vec3{})
	addCube(t, a, live, s, scene.Vec3{1, 0, 0})
	require.Empty(t, gone.closeReason(), "an already closed peer is not kicked again")
	require.Zero(t, a.Stats().SlowPeers)
}

func TestRejoinEmptySceneSnapshotCarriesObjects(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	p := newPeer("c1")

	objectsOf := func(env protocol.Envelope) string {
		t.Helper()
		var raw struct {
			ModelState map[string]json.RawMessage `json:"model_state"`
		}
		require.NoError(t, json.Unmarshal(env.Payload, &raw))
		objects, ok := raw.ModelState["objects"]
		require.True(t, ok, "snapshot must carry an objects key")
		return string(objects)
	}

	join(t, a, p, s, "U1")
	frames := p.take()
	require.Equal(t, []protocol.Type{protocol.TypeUserJoined}, types(frames))
	require.JSONEq(t, `[]`, objectsOf(frames[0]))

	obj := addCube(t, a, p, s, scene.Vec3{})
	require.NoError(t, a.Handle(p, protocol.DeleteObject{SessionID: s, ObjectID: obj.ID}))
	require.NoError(t, a.Handle(p, protocol.LeaveSession{SessionID: s}))
	p.take()

	join(t, a, p, s, "U1")
	frames = p.take()
	require.Equal(t, []protocol.Type{protocol.TypeUserJoined}, types(frames))
	require.JSONEq(t, `[]`, objectsOf(frames[0]))
}

func TestConcurrentUpdatesObservedInApplicationOrder(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	w1, w2, observer := newPeer("w1"), newPeer("w2"), newPeer("obs")
	join(t, a, w1, s, "W1")
	join(t, a, w2, s, "W2")
	join(t, a, observer, s, "OBS")
	obj := addCube(t, a, w1, s, scene.Vec3{})
	observer.take()

	var wg sync.WaitGroup
	for _, w := range []*fakePeer{w1, w2} {
		wg.Add(1)
		go func(w *fakePeer) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				pos := scene.Vec3{float64(i), 0, 0}
				if w == w2 {
					pos = scene.Vec3{0, float64(i), 0}
				}
				_ = a.UpdateObject(w, protocol.UpdateObject{
					SessionID: s, ObjectID: obj.ID, Updates: scene.TransformPatch{Position: &pos},
				})
			}
		}(w)
	}
	wg.Wait()

	// Replaying the observer's stream must land on the authority's state.
	replica := scene.Vec3{}
	frames := observer.take()
	require.Len(t, frames, 200)
	for _, f := range frames {
		replica = *decode[protocol.ObjectUpdated](t, f).Updates.Position
	}
	snap, _ := store.Snapshot(s)
	require.Equal(t, snap.Objects[0].Position, replica)
}

func TestJournalRecordsAppliedIntents(t *testing.T) {
	j := journal.NewMemoryStore(100)
	a, store := newAuthority(t, WithJournal(j))
	s := store.Create()
	p := newPeer("c1")
	join(t, a, p, s, "U1")
	obj := addCube(t, a, p, s, scene.Vec3{})
	require.NoError(t, a.DeleteObject(p, protocol.DeleteObject{SessionID: s, ObjectID: obj.ID}))
	require.NoError(t, a.DeleteObject(p, protocol.DeleteObject{SessionID: s, ObjectID: obj.ID}))
	_, _ = a.AddObject(p, protocol.AddObject{SessionID: s, Object: &protocol.ObjectSpec{Type: "torus"}})
	a.Leave(p)

	entries := j.After(s, 0)
	var kinds []string
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.Seq)
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []string{"join_session", "add_object", "delete_object", "leave_session"}, kinds)
	require.Equal(t, obj.ID, entries[1].ObjectID)
	require.Equal(t, "U1", entries[1].UserID)
}

func TestStats(t *testing.T) {
	a, store := newAuthority(t)
	s := store.Create()
	peers := make([]*fakePeer, 3)
	for i := range peers {
		peers[i] = newPeer(fmt.Sprintf("c%d", i))
		join(t, a, peers[i], s, fmt.Sprintf("U%d", i))
	}
	addCube(t, a, peers[0], s, scene.Vec3{})
	_ = a.Handle(peers[1], protocol.AddObject{SessionID: s, Object: &protocol.ObjectSpec{Type: "cone"}})
	a.Leave(peers[2])

	st := a.Stats()
	require.Equal(t, 2, st.Peers)
	require.Equal(t, int64(3), st.Joins)
	require.Equal(t, int64(1), st.Leaves)
	require.Equal(t, int64(1), st.ObjectsAdded)
	require.Equal(t, int64(1), st.Rejected)
}
