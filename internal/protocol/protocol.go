// Package protocol defines the frames exchanged between editing clients and
// the replication authority.
//
// Every frame is an Envelope: {"type": "<name>", "payload": {...}}.
// Client frames are decoded into one concrete Intent type per message kind;
// anything that does not fit is reported as scene.ErrMalformedMessage.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/christopherjohns/scenesphere/internal/scene"
)

// Type names a frame kind.
type Type string

// Client to authority.
const (
	TypeJoinSession  Type = "join_session"
	TypeLeaveSession Type = "leave_session"
	TypeAddObject    Type = "add_object"
	TypeUpdateObject Type = "update_object"
	TypeDeleteObject Type = "delete_object"
)

// Authority to client.
const (
	TypeUserJoined    Type = "user_joined"
	TypeUserLeft      Type = "user_left"
	TypeObjectAdded   Type = "object_added"
	TypeObjectUpdated Type = "object_updated"
	TypeObjectDeleted Type = "object_deleted"
	TypeAck           Type = "ack"
	TypeError         Type = "error"
)

// Envelope is the JSON structure sent over the wire in both directions.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Intent is a decoded client request.
type Intent interface {
	IntentType() Type
	Session() string
	Request() string
}

// JoinSession asks to become a member of a session.
type JoinSession struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id,omitempty"`
}

// LeaveSession explicitly ends membership.
type LeaveSession struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
}

// ObjectSpec is the object shape carried by add_object. Omitted transform
// fields and material fall back to defaults.
type ObjectSpec struct {
	Type     string          `json:"type"`
	Position *scene.Vec3     `json:"position,omitempty"`
	Rotation *scene.Vec3     `json:"rotation,omitempty"`
	Scale    *scene.Vec3     `json:"scale,omitempty"`
	Material *scene.Material `json:"material,omitempty"`
}

// Build converts the spec into an object without an ID.
func (s *ObjectSpec) Build() (*scene.Object, error) {
	geom, err := scene.ParseGeometry(s.Type)
	if err != nil {
		return nil, err
	}
	obj := &scene.Object{
		Type:     geom,
		Scale:    scene.Vec3{1, 1, 1},
		Material: scene.DefaultMaterial,
	}
	if s.Position != nil {
		obj.Position = *s.Position
	}
	if s.Rotation != nil {
		obj.Rotation = *s.Rotation
	}
	if s.Scale != nil {
		obj.Scale = *s.Scale
	}
	if s.Material != nil {
		obj.Material = *s.Material
	}
	if err := obj.Material.Validate(); err != nil {
		return nil, err
	}
	return obj, nil
}

// AddObject creates an object.
type AddObject struct {
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Object    *ObjectSpec `json:"object"`
}

// UpdateObject patches an object's transform.
type UpdateObject struct {
	SessionID string               `json:"session_id"`
	UserID    string               `json:"user_id,omitempty"`
	RequestID string               `json:"request_id,omitempty"`
	ObjectID  string               `json:"object_id"`
	Updates   scene.TransformPatch `json:"updates"`
}

// DeleteObject removes an object.
type DeleteObject struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ObjectID  string `json:"object_id"`
}

func (JoinSession) IntentType() Type  { return TypeJoinSession }
func (LeaveSession) IntentType() Type { return TypeLeaveSession }
func (AddObject) IntentType() Type    { return TypeAddObject }
func (UpdateObject) IntentType() Type { return TypeUpdateObject }
func (DeleteObject) IntentType() Type { return TypeDeleteObject }

func (m JoinSession) Session() string  { return m.SessionID }
func (m LeaveSession) Session() string { return m.SessionID }
func (m AddObject) Session() string    { return m.SessionID }
func (m UpdateObject) Session() string { return m.SessionID }
func (m DeleteObject) Session() string { return m.SessionID }

func (m JoinSession) Request() string  { return m.RequestID }
func (m LeaveSession) Request() string { return m.RequestID }
func (m AddObject) Request() string    { return m.RequestID }
func (m UpdateObject) Request() string { return m.RequestID }
func (m DeleteObject) Request() string { return m.RequestID }

// ModelState is the member list and the full object set. Objects is always
// encoded, as [] for an empty scene, so a client can drop stale objects.
type ModelState struct {
	Users   []string        `json:"users"`
	Objects []*scene.Object `json:"objects"`
}

// Roster is the member list alone.
type Roster struct {
	Users []string `json:"users"`
}

// UserJoined is the snapshot sent to the joining connection. Snapshot is
// always true. It also decodes the roster form, leaving Objects nil.
type UserJoined struct {
	UserID     string     `json:"user_id"`
	Snapshot   bool       `json:"snapshot"`
	ModelState ModelState `json:"model_state"`
}

// NewSnapshot builds the joiner's user_joined payload.
func NewSnapshot(userID string, users []string, objects []*scene.Object) UserJoined {
	if objects == nil {
		objects = []*scene.Object{}
	}
	return UserJoined{
		UserID:     userID,
		Snapshot:   true,
		ModelState: ModelState{Users: users, Objects: objects},
	}
}

// MemberJoined is the user_joined payload sent to the other members. It
// carries the roster but no objects.
type MemberJoined struct {
	UserID     string `json:"user_id"`
	Snapshot   bool   `json:"snapshot"`
	ModelState Roster `json:"model_state"`
}

// UserLeft tells remaining members that a user is gone.
type UserLeft struct {
	UserID string `json:"user_id"`
}

// ObjectAdded carries the full record of a new object.
type ObjectAdded struct {
	Object *scene.Object `json:"object"`
}

// ObjectUpdated carries exactly the fields the update supplied.
type ObjectUpdated struct {
	ObjectID string               `json:"object_id"`
	Updates  scene.TransformPatch `json:"updates"`
}

// ObjectDeleted names the removed object.
type ObjectDeleted struct {
	ObjectID string `json:"object_id"`
}

// Ack confirms an intent to its sender. ObjectID is set for add_object.
type Ack struct {
	RequestID string `json:"request_id,omitempty"`
	Type      Type   `json:"type"`
	ObjectID  string `json:"object_id,omitempty"`
}

// Error reports a rejected intent to its sender only.
type Error struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Decode parses a client frame into its Intent.
func Decode(data []byte) (Intent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON", scene.ErrMalformedMessage)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: %q frame has no payload", scene.ErrMalformedMessage, env.Type)
	}

	switch env.Type {
	case TypeJoinSession:
		var m JoinSession
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if m.UserID == "" {
			return nil, missing(env.Type, "user_id")
		}
		if err := requireSession(env.Type, m.SessionID); err != nil {
			return nil, err
		}
		return m, nil
	case TypeLeaveSession:
		var m LeaveSession
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if err := requireSession(env.Type, m.SessionID); err != nil {
			return nil, err
		}
		return m, nil
	case TypeAddObject:
		var m AddObject
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if m.Object == nil {
			return nil, missing(env.Type, "object")
		}
		if err := requireSession(env.Type, m.SessionID); err != nil {
			return nil, err
		}
		return m, nil
	case TypeUpdateObject:
		var m UpdateObject
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if m.ObjectID == "" {
			return nil, missing(env.Type, "object_id")
		}
		if m.Updates.Empty() {
			return nil, missing(env.Type, "updates")
		}
		if err := requireSession(env.Type, m.SessionID); err != nil {
			return nil, err
		}
		return m, nil
	case TypeDeleteObject:
		var m DeleteObject
		if err := unmarshalPayload(env, &m); err != nil {
			return nil, err
		}
		if m.ObjectID == "" {
			return nil, missing(env.Type, "object_id")
		}
		if err := requireSession(env.Type, m.SessionID); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", scene.ErrMalformedMessage, env.Type)
	}
}

// PeekRequestID returns the request_id of a frame that failed to decode, or
// "" if it has none.
func PeekRequestID(data []byte) string {
	var env struct {
		Payload struct {
			RequestID string `json:"request_id"`
		} `json:"payload"`
	}
	if json.Unmarshal(data, &env) != nil {
		return ""
	}
	return env.Payload.RequestID
}

// Encode wraps payload in an envelope of the given type.
func Encode(t Type, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: data})
}

func unmarshalPayload(env Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		if errors.Is(err, scene.ErrMalformedMessage) {
			return err
		}
		return fmt.Errorf("%w: invalid %s payload: %v", scene.ErrMalformedMessage, env.Type, err)
	}
	return nil
}

func requireSession(t Type, id string) error {
	if id == "" {
		return missing(t, "session_id")
	}
	return nil
}

func missing(t Type, field string) error {
	return fmt.Errorf("%w: %s requires %s", scene.ErrMalformedMessage, t, field)
}
