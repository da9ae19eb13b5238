// Package postgres provides PostgreSQL-backed stores for profile snapshots
// and view preferences.
package postgres

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crumbgate/crumbgate/errs"
	"github.com/crumbgate/crumbgate/internal/profile"
	"github.com/crumbgate/crumbgate/internal/schema"
)

// ProfileStore persists cookie profile snapshots and per-domain metadata.
type ProfileStore struct {
	pool *pgxpool.Pool
}

// NewProfileStore constructs a ProfileStore backed by the provided pgx pool.
func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

const (
	profileUpsertSQL = `
INSERT INTO cookie_profiles (
    domain,
    name,
    cookies,
    saved_at
)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (domain, name) DO UPDATE SET
    cookies = EXCLUDED.cookies,
    saved_at = EXCLUDED.saved_at;
`
	profileSelectSQL = `
SELECT cookies, saved_at FROM cookie_profiles WHERE domain = $1 AND name = $2;
`
	profileListSQL = `
SELECT name FROM cookie_profiles WHERE domain = $1 ORDER BY name;
`
	profileRenameSQL = `
UPDATE cookie_profiles SET name = $3 WHERE domain = $1 AND name = $2;
`
	profileExistsSQL = `
SELECT EXISTS (SELECT 1 FROM cookie_profiles WHERE domain = $1 AND name = $2);
`
	profileDeleteSQL = `
DELETE FROM cookie_profiles WHERE domain = $1 AND name = $2;
`
	metadataUpsertSQL = `
INSERT INTO profile_metadata (
    domain,
    last_loaded_name,
    modified_since_load,
    updated_at
)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (domain) DO UPDATE SET
    last_loaded_name = EXCLUDED.last_loaded_name,
    modified_since_load = EXCLUDED.modified_since_load,
    updated_at = NOW();
`
	metadataSelectSQL = `
SELECT last_loaded_name, modified_since_load FROM profile_metadata WHERE domain = $1;
`
	metadataRenameSQL = `
UPDATE profile_metadata SET last_loaded_name = $3, updated_at = NOW()
WHERE domain = $1 AND last_loaded_name = $2;
`
	metadataClearSQL = `
UPDATE profile_metadata SET last_loaded_name = '', modified_since_load = FALSE, updated_at = NOW()
WHERE domain = $1 AND last_loaded_name = $2;
`
)

// SaveProfile upserts a profile snapshot.
func (s *ProfileStore) SaveProfile(ctx context.Context, snapshot profile.Snapshot) error {
	if s.pool == nil {
		return fmt.Errorf("profile store: nil pool")
	}
	name := strings.TrimSpace(snapshot.Name)
	if name == "" || snapshot.Domain == "" {
		return errs.New("persistence", errs.CodeInvalid,
			errs.WithMessage("profile domain and name are required"))
	}
	payload, err := json.Marshal(snapshot.Cookies)
	if err != nil {
		return fmt.Errorf("marshal profile cookies: %w", err)
	}
	domain := schema.NormalizeDomain(snapshot.Domain)
	if _, err := s.pool.Exec(ctx, profileUpsertSQL, domain, name, payload, snapshot.SavedAt); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a single profile snapshot.
func (s *ProfileStore) GetProfile(ctx context.Context, domain, name string) (profile.Snapshot, error) {
	if s.pool == nil {
		return profile.Snapshot{}, fmt.Errorf("profile store: nil pool")
	}
	normalized := schema.NormalizeDomain(domain)
	row := s.pool.QueryRow(ctx, profileSelectSQL, normalized, name)
	snap := profile.Snapshot{Domain: normalized, Name: name}
	var payload []byte
	if err := row.Scan(&payload, &snap.SavedAt); err != nil {
		if err == pgx.ErrNoRows {
			return profile.Snapshot{}, errs.New("persistence", errs.CodeNotFound,
				errs.WithMessage("profile not found"),
				errs.WithField("domain", domain),
				errs.WithField("name", name))
		}
		return profile.Snapshot{}, fmt.Errorf("select profile: %w", err)
	}
	if err := json.Unmarshal(payload, &snap.Cookies); err != nil {
		return profile.Snapshot{}, fmt.Errorf("unmarshal profile cookies: %w", err)
	}
	return snap, nil
}

// ListProfiles returns the profile names saved for a domain, sorted.
func (s *ProfileStore) ListProfiles(ctx context.Context, domain string) ([]string, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("profile store: nil pool")
	}
	rows, err := s.pool.Query(ctx, profileListSQL, schema.NormalizeDomain(domain))
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan profile name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return names, nil
}

// RenameProfile renames a snapshot and follows the rename in metadata.
func (s *ProfileStore) RenameProfile(ctx context.Context, domain, oldName, newName string) error {
	if s.pool == nil {
		return fmt.Errorf("profile store: nil pool")
	}
	if strings.TrimSpace(newName) == "" {
		return errs.New("persistence", errs.CodeInvalid, errs.WithMessage("new profile name is required"))
	}
	normalized := schema.NormalizeDomain(domain)

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("begin rename tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, profileExistsSQL, normalized, newName).Scan(&exists); err != nil {
		return fmt.Errorf("check profile name: %w", err)
	}
	if exists {
		return errs.New("persistence", errs.CodeConflict,
			errs.WithMessage("profile name already in use"),
			errs.WithField("name", newName))
	}
	tag, err := tx.Exec(ctx, profileRenameSQL, normalized, oldName, newName)
	if err != nil {
		return fmt.Errorf("rename profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("persistence", errs.CodeNotFound,
			errs.WithMessage("profile not found"),
			errs.WithField("domain", domain),
			errs.WithField("name", oldName))
	}
	if _, err := tx.Exec(ctx, metadataRenameSQL, normalized, oldName, newName); err != nil {
		return fmt.Errorf("rename profile metadata: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rename tx: %w", err)
	}
	return nil
}

// DeleteProfile removes a snapshot and clears metadata that pointed at it.
func (s *ProfileStore) DeleteProfile(ctx context.Context, domain, name string) error {
	if s.pool == nil {
		return fmt.Errorf("profile store: nil pool")
	}
	normalized := schema.NormalizeDomain(domain)
	tag, err := s.pool.Exec(ctx, profileDeleteSQL, normalized, name)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("persistence", errs.CodeNotFound,
			errs.WithMessage("profile not found"),
			errs.WithField("domain", domain),
			errs.WithField("name", name))
	}
	if _, err := s.pool.Exec(ctx, metadataClearSQL, normalized, name); err != nil {
		return fmt.Errorf("clear profile metadata: %w", err)
	}
	return nil
}

// GetMetadata returns the per-domain bookkeeping; a missing row reads as zero.
func (s *ProfileStore) GetMetadata(ctx context.Context, domain string) (profile.Metadata, error) {
	if s.pool == nil {
		return profile.Metadata{}, fmt.Errorf("profile store: nil pool")
	}
	row := s.pool.QueryRow(ctx, metadataSelectSQL, schema.NormalizeDomain(domain))
	var meta profile.Metadata
	if err := row.Scan(&meta.LastLoadedName, &meta.ModifiedSinceLoad); err != nil {
		if err == pgx.ErrNoRows {
			return profile.Metadata{}, nil
		}
		return profile.Metadata{}, fmt.Errorf("select profile metadata: %w", err)
	}
	return meta, nil
}

// SetMetadata upserts the per-domain bookkeeping.
func (s *ProfileStore) SetMetadata(ctx context.Context, domain string, meta profile.Metadata) error {
	if s.pool == nil {
		return fmt.Errorf("profile store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, metadataUpsertSQL,
		schema.NormalizeDomain(domain), meta.LastLoadedName, meta.ModifiedSinceLoad); err != nil {
		return fmt.Errorf("upsert profile metadata: %w", err)
	}
	return nil
}
