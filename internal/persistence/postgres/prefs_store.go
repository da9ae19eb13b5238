package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crumbgate/crumbgate/internal/prefs"
)

// PrefsStore persists the single-row preference set.
type PrefsStore struct {
	pool *pgxpool.Pool
}

// NewPrefsStore constructs a PrefsStore backed by the provided pgx pool.
func NewPrefsStore(pool *pgxpool.Pool) *PrefsStore {
	return &PrefsStore{pool: pool}
}

const (
	prefsUpsertSQL = `
INSERT INTO view_prefs (id, payload, updated_at)
VALUES (1, $1::jsonb, NOW())
ON CONFLICT (id) DO UPDATE SET
    payload = EXCLUDED.payload,
    updated_at = NOW();
`
	prefsSelectSQL = `SELECT payload FROM view_prefs WHERE id = 1;`
)

type prefsPayload struct {
	Sort          string `json:"sort"`
	IncludeParent bool   `json:"include_parent"`
}

// Load returns the persisted preferences, or defaults when none were saved.
func (s *PrefsStore) Load(ctx context.Context) (prefs.Prefs, error) {
	if s.pool == nil {
		return prefs.Prefs{}, fmt.Errorf("prefs store: nil pool")
	}
	row := s.pool.QueryRow(ctx, prefsSelectSQL)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == pgx.ErrNoRows {
			return prefs.Default(), nil
		}
		return prefs.Prefs{}, fmt.Errorf("select prefs: %w", err)
	}
	var payload prefsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return prefs.Prefs{}, fmt.Errorf("unmarshal prefs: %w", err)
	}
	out := prefs.Prefs{Sort: prefs.SortDirection(payload.Sort), IncludeParent: payload.IncludeParent}
	if !out.Sort.Valid() {
		out.Sort = prefs.SortAsc
	}
	return out, nil
}

// Save upserts the preference row.
func (s *PrefsStore) Save(ctx context.Context, p prefs.Prefs) error {
	if s.pool == nil {
		return fmt.Errorf("prefs store: nil pool")
	}
	raw, err := json.Marshal(prefsPayload{Sort: string(p.Sort), IncludeParent: p.IncludeParent})
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}
	if _, err := s.pool.Exec(ctx, prefsUpsertSQL, raw); err != nil {
		return fmt.Errorf("upsert prefs: %w", err)
	}
	return nil
}
