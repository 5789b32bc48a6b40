package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/livememo/pkg/sharing"
	"github.com/a-essam23/livememo/pkg/state"
	"github.com/a-essam23/livememo/pkg/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestMemoryCheckpointNeverRegresses(t *testing.T) {
	m := store.NewMemory()
	m.Put("doc", "abc", 3)
	ctx := context.Background()

	if err := m.SaveCheckpoint(ctx, state.Snapshot{DocumentID: "doc", Content: "abcd", Version: 4}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := m.SaveCheckpoint(ctx, state.Snapshot{DocumentID: "doc", Content: "old", Version: 2}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	snap, err := m.LoadDocument(ctx, "doc")
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if snap.Content != "abcd" || snap.Version != 4 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if m.Saves() != 1 {
		t.Errorf("expected 1 save, got %d", m.Saves())
	}
}

func TestMemoryMissingDocument(t *testing.T) {
	_, err := store.NewMemory().LoadDocument(context.Background(), "nope")
	if !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestPostgresStores(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("LIVEMEMO_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("LIVEMEMO_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := store.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// second pass is a no-op
	if err := store.ApplyMigrations(ctx, pool); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	docID := "test-" + time.Now().Format("150405.000000")
	if _, err := pool.Exec(ctx, `INSERT INTO memos (id, owner_id, content) VALUES ($1, 'alice', 'hello')`, docID); err != nil {
		t.Fatalf("seed memo: %v", err)
	}
	defer pool.Exec(context.Background(), `DELETE FROM memos WHERE id = $1`, docID)

	docs := store.NewPostgres(pool, newTestLogger())
	snap, err := docs.LoadDocument(ctx, docID)
	if err != nil {
		t.Fatalf("LoadDocument: %v", err)
	}
	if snap.Content != "hello" || snap.Version != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	if err := docs.SaveCheckpoint(ctx, state.Snapshot{DocumentID: docID, Content: "hello world", Version: 2}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := docs.SaveCheckpoint(ctx, state.Snapshot{DocumentID: docID, Content: "stale", Version: 1}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	snap, _ = docs.LoadDocument(ctx, docID)
	if snap.Content != "hello world" || snap.Version != 2 {
		t.Errorf("checkpoint regressed: %+v", snap)
	}

	shares := sharing.NewPostgres(pool)
	err = shares.SaveShareSettings(ctx, sharing.Settings{
		DocumentID: docID,
		OwnerID:    "alice",
		Mode:       sharing.ModePrivate,
		Permission: sharing.AccessReadOnly,
		Grants:     []sharing.Grant{{UserID: "bob", Access: sharing.AccessEditable}, {UserID: "carol"}},
	})
	if err != nil {
		t.Fatalf("SaveShareSettings: %v", err)
	}
	settings, err := shares.GetShareSettings(ctx, docID)
	if err != nil {
		t.Fatalf("GetShareSettings: %v", err)
	}
	if settings.Mode != sharing.ModePrivate || len(settings.Grants) != 2 {
		t.Fatalf("unexpected settings %+v", settings)
	}
	if role, _ := sharing.ComputeRole(settings, "bob"); role != state.RoleEditor {
		t.Errorf("bob role = %q", role)
	}
	if role, _ := sharing.ComputeRole(settings, "carol"); role != state.RoleReadOnly {
		t.Errorf("carol role = %q", role)
	}

	if _, err := docs.LoadDocument(ctx, docID+"-missing"); !errors.Is(err, state.ErrSessionNotFound) {
		t.Errorf("expected session not found, got %v", err)
	}
}
