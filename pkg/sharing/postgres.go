package sharing

import (
	"context"
	"errors"
	"fmt"

	"github.com/a-essam23/livememo/pkg/state"
	"github.com/a-essam23/livememo/pkg/store"
	"github.com/jackc/pgx/v5"
)

// Postgres reads share settings from the memo tables owned by the CRUD app.
type Postgres struct {
	db store.Querier
}

func NewPostgres(db store.Querier) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

func (p *Postgres) GetShareSettings(ctx context.Context, documentID string) (Settings, error) {
	var (
		ownerID    string
		mode       string
		permission string
	)
	err := p.db.QueryRow(ctx, `
		SELECT owner_id, live_share_mode, live_share_permission
		FROM memos
		WHERE id = $1
	`, documentID).Scan(&ownerID, &mode, &permission)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, state.SessionNotFound("document does not exist")
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read share settings: %w", err)
	}

	settings := Settings{
		DocumentID: documentID,
		OwnerID:    ownerID,
		Mode:       ParseMode(mode),
		Permission: ParseAccess(permission),
	}
	if settings.Mode != ModePrivate {
		return settings, nil
	}

	rows, err := p.db.Query(ctx, `
		SELECT user_id, access
		FROM memo_live_share_grants
		WHERE memo_id = $1
		ORDER BY user_id
	`, documentID)
	if err != nil {
		return Settings{}, fmt.Errorf("read share grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			grant  Grant
			access string
		)
		if err := rows.Scan(&grant.UserID, &access); err != nil {
			return Settings{}, fmt.Errorf("scan share grant: %w", err)
		}
		if access != "" {
			grant.Access = ParseAccess(access)
		}
		settings.Grants = append(settings.Grants, grant)
	}
	if err := rows.Err(); err != nil {
		return Settings{}, fmt.Errorf("iterate share grants: %w", err)
	}
	return settings, nil
}

// SaveShareSettings upserts settings and replaces the grant list. The CRUD app
// owns these tables; this is used by seeding and tests.
func (p *Postgres) SaveShareSettings(ctx context.Context, s Settings) error {
	if _, err := p.db.Exec(ctx, `
		UPDATE memos
		SET owner_id = $2, live_share_mode = $3, live_share_permission = $4, updated_at = NOW()
		WHERE id = $1
	`, s.DocumentID, s.OwnerID, string(s.Mode), string(s.Permission)); err != nil {
		return fmt.Errorf("update share settings: %w", err)
	}
	if _, err := p.db.Exec(ctx, `DELETE FROM memo_live_share_grants WHERE memo_id = $1`, s.DocumentID); err != nil {
		return fmt.Errorf("clear share grants: %w", err)
	}
	for _, g := range s.Grants {
		if _, err := p.db.Exec(ctx, `
			INSERT INTO memo_live_share_grants (memo_id, user_id, access)
			VALUES ($1, $2, $3)
		`, s.DocumentID, g.UserID, string(g.Access)); err != nil {
			return fmt.Errorf("insert share grant: %w", err)
		}
	}
	return nil
}
