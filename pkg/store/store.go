// Package store is the persistence collaborator: it loads memo content into
// a session and writes session checkpoints back.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/a-essam23/livememo/pkg/state"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DocumentStore loads and checkpoints document content.
type DocumentStore interface {
	LoadDocument(ctx context.Context, documentID string) (state.Snapshot, error)
	SaveCheckpoint(ctx context.Context, snapshot state.Snapshot) error
}

// Querier is the subset of *pgxpool.Pool the Postgres stores use.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Open connects a pgx pool and verifies it with a ping.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Memory keeps documents in process. Saves are recorded for inspection.
type Memory struct {
	mu    sync.Mutex
	docs  map[string]state.Snapshot
	saves int
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]state.Snapshot)}
}

var _ DocumentStore = (*Memory)(nil)

// Put seeds a document.
func (m *Memory) Put(documentID, content string, version int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[documentID] = state.Snapshot{DocumentID: documentID, Content: content, Version: version}
}

func (m *Memory) LoadDocument(_ context.Context, documentID string) (state.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.docs[documentID]
	if !ok {
		return state.Snapshot{}, state.SessionNotFound("document does not exist")
	}
	return s, nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, snapshot state.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.docs[snapshot.DocumentID]; ok && cur.Version > snapshot.Version {
		return nil
	}
	m.docs[snapshot.DocumentID] = snapshot
	m.saves++
	return nil
}

// Saves returns how many checkpoints were written.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
