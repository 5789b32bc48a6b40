package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/livememo/pkg/state"
	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
)

// Postgres reads and checkpoints memo content in the memos table.
type Postgres struct {
	db         Querier
	logger     *slog.Logger
	maxRetries uint64
	maxElapsed time.Duration
}

func NewPostgres(db Querier, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:         db,
		logger:     logger.With(slog.String("component", "DocumentStore")),
		maxRetries: 5,
		maxElapsed: 10 * time.Second,
	}
}

var _ DocumentStore = (*Postgres)(nil)

func (p *Postgres) LoadDocument(ctx context.Context, documentID string) (state.Snapshot, error) {
	snap := state.Snapshot{DocumentID: documentID}
	err := p.db.QueryRow(ctx, `
		SELECT content, live_version
		FROM memos
		WHERE id = $1
	`, documentID).Scan(&snap.Content, &snap.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return state.Snapshot{}, state.SessionNotFound("document does not exist")
	}
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("load document: %w", err)
	}
	return snap, nil
}

// SaveCheckpoint writes content and version, retrying with exponential
// backoff. A checkpoint never moves the stored version backwards.
func (p *Postgres) SaveCheckpoint(ctx context.Context, snapshot state.Snapshot) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = p.maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		_, err := p.db.Exec(ctx, `
			UPDATE memos
			SET content = $2, live_version = $3, updated_at = NOW()
			WHERE id = $1 AND live_version <= $3
		`, snapshot.DocumentID, snapshot.Content, snapshot.Version)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("Checkpoint attempt failed",
				slog.String("documentID", snapshot.DocumentID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), ctx)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
