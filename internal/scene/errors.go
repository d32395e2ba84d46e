package scene

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrObjectNotFound      = errors.New("object not found")
	ErrInvalidGeometryKind = errors.New("invalid geometry kind")
	ErrMalformedMessage    = errors.New("malformed message")

	// ErrNotMember is returned for intents naming a session the sending
	// connection has not joined.
	ErrNotMember = errors.New("not a member of session")

	// ErrSessionFull is returned when a session's member cap is reached.
	ErrSessionFull = errors.New("session is full")
)

// Code returns the wire error code for err. Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrObjectNotFound):
		return "object_not_found"
	case errors.Is(err, ErrInvalidGeometryKind):
		return "invalid_geometry_kind"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrSessionFull):
		return "session_full"
	default:
		return "internal"
	}
}
