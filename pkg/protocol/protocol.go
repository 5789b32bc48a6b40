// Package protocol defines the JSON frames exchanged over a session channel.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/a-essam23/livememo/pkg/ot"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/google/uuid"
)

// Client to server events.
const (
	EventOp        = "op"
	EventCursor    = "cursor"
	EventHeartbeat = "heartbeat"
	EventResync    = "resync"
	EventLeave     = "leave"
)

// Server to client events.
const (
	EventSessionJoined   = "session.joined"
	EventSessionSnapshot = "session.snapshot"
	EventOpAck           = "op.ack"
	EventOpRejected      = "op.rejected"
	EventOpApplied       = "op.applied"
	EventPresenceJoined  = "presence.joined"
	EventPresenceLeft    = "presence.left"
	EventPresenceCursor  = "presence.cursor"
	EventPresenceResumed = "presence.resumed"
	EventRoleChanged     = "role.changed"
	EventError           = "error"
)

// Message is the envelope of every frame.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OpPayload is an edit submitted by a client.
type OpPayload struct {
	ID          string    `json:"id"`
	BaseVersion int       `json:"baseVersion"`
	Change      ot.Change `json:"change"`
}

// CursorPayload carries a cursor update. A nil cursor clears it.
type CursorPayload struct {
	Cursor *state.Cursor `json:"cursor"`
}

// AppliedPayload is sent as op.ack to the origin and op.applied to everyone else.
type AppliedPayload struct {
	ID      string    `json:"id"`
	Origin  uuid.UUID `json:"origin"`
	Change  ot.Change `json:"change"`
	Version int       `json:"version"`
}

type RejectedPayload struct {
	ID     string `json:"id,omitempty"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
	Resync bool   `json:"resync"`
}

type PresenceLeftPayload struct {
	ConnectionID uuid.UUID `json:"connectionId"`
	Reason       string    `json:"reason"`
}

type PresenceCursorPayload struct {
	ConnectionID uuid.UUID     `json:"connectionId"`
	Cursor       *state.Cursor `json:"cursor"`
}

// PresenceResumedPayload tells peers a connection was replaced by a resumed one.
type PresenceResumedPayload struct {
	PreviousConnectionID uuid.UUID            `json:"previousConnectionId"`
	Presence             state.ClientPresence `json:"presence"`
}

type RoleChangedPayload struct {
	ConnectionID   uuid.UUID            `json:"connectionId"`
	Role           state.Role           `json:"role"`
	PermissionMode state.PermissionMode `json:"permissionMode"`
}

// Codes for frame-level errors. Operation rejections use the state codes.
const (
	CodeBadFrame     = "BAD_FRAME"
	CodeUnknownEvent = "UNKNOWN_EVENT"
	CodeRateLimited  = "RATE_LIMITED"
)

type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Encode wraps payload into a Message frame.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = data
	}
	return json.Marshal(Message{Event: event, Payload: raw})
}

// MustEncode is Encode for payload types that always marshal.
func MustEncode(event string, payload any) []byte {
	data, err := Encode(event, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses a frame envelope.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Event == "" {
		return Message{}, fmt.Errorf("decode message: missing event")
	}
	return m, nil
}

// Applied converts an applied operation to its wire form.
func Applied(a state.Applied) AppliedPayload {
	return AppliedPayload{
		ID:      a.Operation.ID,
		Origin:  a.Operation.Origin,
		Change:  a.Operation.Change,
		Version: a.Version,
	}
}

// Rejected converts an error to its wire form.
func Rejected(opID string, err error) RejectedPayload {
	rej := state.AsRejected(err)
	return RejectedPayload{ID: opID, Code: rej.Code, Reason: rej.Reason, Resync: rej.Resync}
}
