package state

import (
	"time"

	"github.com/a-essam23/livememo/pkg/ot"
	"github.com/google/uuid"
)

// Cursor is a selection in document coordinates. Anchor == Head is a caret.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// ClientPresence is live metadata about one connection in a session.
type ClientPresence struct {
	ConnectionID uuid.UUID `json:"connectionId"`
	UserID       string    `json:"userId,omitempty"` // empty for anonymous viewers
	DisplayName  string    `json:"displayName,omitempty"`
	Cursor       *Cursor   `json:"cursor"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

func (p ClientPresence) Anonymous() bool {
	return p.UserID == ""
}

// Operation is a single edit submitted by a connection.
type Operation struct {
	ID          string    `json:"id"`
	Origin      uuid.UUID `json:"origin"`
	BaseVersion int       `json:"baseVersion"`
	Change      ot.Change `json:"change"`
	Timestamp   time.Time `json:"timestamp"`
}

// Applied is an accepted operation in its finalized (post-transform) form
// together with the document version it produced.
type Applied struct {
	Operation Operation `json:"operation"`
	Version   int       `json:"version"`
}

// Snapshot is the authoritative document state of a session.
type Snapshot struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
	Version    int    `json:"version"`
}

// Lifecycle is the state of a document's collaborative session.
type Lifecycle int

const (
	Unloaded Lifecycle = iota
	Active
	Draining
	Destroyed
)

func (l Lifecycle) String() string {
	switch l {
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Destroyed:
		return "destroyed"
	default:
		return "unloaded"
	}
}

// CloseKind distinguishes why a channel went away. Refcounting treats all
// kinds alike.
type CloseKind int

const (
	CloseClean CloseKind = iota
	CloseDropped
	CloseEvicted
	CloseRevoked
)

func (k CloseKind) String() string {
	switch k {
	case CloseDropped:
		return "dropped"
	case CloseEvicted:
		return "evicted"
	case CloseRevoked:
		return "revoked"
	default:
		return "clean"
	}
}

// Identity is the caller as resolved by the auth layer.
type Identity struct {
	UserID      string
	DisplayName string
}

// JoinResult is returned to the UI layer when a channel attaches to a session.
type JoinResult struct {
	ConnectionID    uuid.UUID        `json:"connectionId"`
	Role            Role             `json:"role"`
	PermissionMode  PermissionMode   `json:"permissionMode"`
	Snapshot        Snapshot         `json:"snapshot"`
	Presence        []ClientPresence `json:"presence"`
	ReconnectTicket string           `json:"reconnectTicket,omitempty"`
	Resumed         bool             `json:"resumed"`
}
