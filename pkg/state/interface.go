package state

import (
	"context"

	"github.com/google/uuid"
)

// Peer is the sending side of a connected channel.
type Peer interface {
	ID() uuid.UUID
	Send(msg []byte)
	Close(err error)
}

type Manager interface {
	// --- Session Lifecycle ---
	// attaches a channel to the document's session, creating the session if needed.
	Join(ctx context.Context, documentID string, who Identity, peer Peer) (*JoinResult, error)
	// re-attaches a channel using a ticket from an earlier join.
	Reconnect(ctx context.Context, ticket string, peer Peer) (*JoinResult, error)
	Leave(connID uuid.UUID, kind CloseKind) error
	Lifecycle(documentID string) Lifecycle
	RefCount(documentID string) int

	// --- Presence ---
	SendCursor(connID uuid.UUID, cursor *Cursor) error
	Heartbeat(connID uuid.UUID) error
	Presence(documentID string) ([]ClientPresence, error)

	// --- Edits ---
	SendOperation(ctx context.Context, op Operation) (Applied, error)
	PendingFor(connID uuid.UUID) []Operation
	SnapshotFor(connID uuid.UUID) (Snapshot, error)

	// --- Permission Management ---
	RefreshPermissions(ctx context.Context, documentID string) error

	// --- Connection Limits ---
	UserConnectionCount(userID string) (int, error)
	FindOldestUserConnection(userID string) (Peer, bool)
}
