package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	dbpkg "github.com/BrandonDHaskell/Paygate/server/internal/db"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/store"
	"github.com/BrandonDHaskell/Paygate/server/internal/paygate/types"
)

type GrantStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewGrantStore(db *sql.DB, writer *dbpkg.Worker) *GrantStore {
	return &GrantStore{db: db, writer: writer}
}

const grantColumns = `id, ip_address, justification, created_at_ms, updated_at_ms, expires_at_ms, cleaned_up`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(r rowScanner) (types.AccessGrantEntry, error) {
	var (
		e                    types.AccessGrantEntry
		createdMs, updatedMs int64
		expiresMs            sql.NullInt64
		cleaned              int
	)
	if err := r.Scan(&e.ID, &e.IPAddress, &e.Justification, &createdMs, &updatedMs, &expiresMs, &cleaned); err != nil {
		return types.AccessGrantEntry{}, err
	}
	e.CreatedAt = time.UnixMilli(createdMs).UTC()
	e.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if expiresMs.Valid {
		t := time.UnixMilli(expiresMs.Int64).UTC()
		e.ExpiresAt = &t
	}
	e.CleanedUp = cleaned == 1
	return e, nil
}

func (s *GrantStore) GetGrant(ctx context.Context, ip string) (types.AccessGrantEntry, error) {
	e, err := scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE ip_address = ?;`, ip))
	if errors.Is(err, sql.ErrNoRows) {
		return types.AccessGrantEntry{}, store.ErrNotFound
	}
	if err != nil {
		return types.AccessGrantEntry{}, fmt.Errorf("GetGrant: %w", err)
	}
	return e, nil
}

func (s *GrantStore) CreateGrant(ctx context.Context, e types.AccessGrantEntry) (types.AccessGrantEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.CreatedAt
	e.CleanedUp = false

	var expiresMs any
	if e.ExpiresAt != nil {
		expiresMs = e.ExpiresAt.UTC().UnixMilli()
	}
	createdMs := e.CreatedAt.UnixMilli()

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var cleaned int
		err := tx.QueryRowContext(ctx,
			`SELECT cleaned_up FROM access_grants WHERE ip_address = ?;`, e.IPAddress,
		).Scan(&cleaned)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
INSERT INTO access_grants(`+grantColumns+`)
VALUES (?, ?, ?, ?, ?, ?, 0);
`, e.ID, e.IPAddress, e.Justification, createdMs, createdMs, expiresMs); err != nil {
				return fmt.Errorf("CreateGrant insert: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("CreateGrant lookup: %w", err)
		case cleaned == 0:
			return store.ErrActiveGrant
		}

		// Reuse the cleaned-up row for the new grant.
		if _, err := tx.ExecContext(ctx, `
UPDATE access_grants
SET id = ?, justification = ?, created_at_ms = ?, updated_at_ms = ?,
    expires_at_ms = ?, cleaned_up = 0
WHERE ip_address = ?;
`, e.ID, e.Justification, createdMs, createdMs, expiresMs, e.IPAddress); err != nil {
			return fmt.Errorf("CreateGrant reuse: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.AccessGrantEntry{}, err
	}
	return e, nil
}

func (s *GrantStore) MarkCleanedUp(ctx context.Context, ip string, at time.Time) (types.AccessGrantEntry, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	atMs := at.UTC().UnixMilli()

	var out types.AccessGrantEntry
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		e, err := scanGrant(tx.QueryRowContext(ctx,
			`SELECT `+grantColumns+` FROM access_grants WHERE ip_address = ?;`, ip))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("MarkCleanedUp lookup: %w", err)
		}

		e.Justification = store.MarkExpired(e.Justification)
		if _, err := tx.ExecContext(ctx, `
UPDATE access_grants
SET justification = ?, expires_at_ms = ?, updated_at_ms = ?, cleaned_up = 1
WHERE ip_address = ?;
`, e.Justification, atMs, atMs, ip); err != nil {
			return fmt.Errorf("MarkCleanedUp update: %w", err)
		}

		t := time.UnixMilli(atMs).UTC()
		e.ExpiresAt = &t
		e.UpdatedAt = t
		e.CleanedUp = true
		out = e
		return nil
	})
	if err != nil {
		return types.AccessGrantEntry{}, err
	}
	return out, nil
}

func (s *GrantStore) ListActive(ctx context.Context) ([]types.AccessGrantEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE cleaned_up = 0 ORDER BY created_at_ms ASC;`)
	if err != nil {
		return nil, fmt.Errorf("ListActive: %w", err)
	}
	defer rows.Close()

	var out []types.AccessGrantEntry
	for rows.Next() {
		e, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActive scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListActive rows: %w", err)
	}
	return out, nil
}

func (s *GrantStore) PruneCleanedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM access_grants WHERE cleaned_up = 1 AND updated_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneCleanedOlderThan: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
