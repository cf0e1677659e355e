package db

import (
	"context"
	"database/sql"
	"fmt"
)

type CatalogRepo struct {
	db *sql.DB
}

func NewCatalogRepo(db *sql.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

// Save replaces the cached catalog for a server. The server row must exist.
func (r *CatalogRepo) Save(ctx context.Context, snapshot *CatalogSnapshot) error {
	if snapshot.CapturedAt.IsZero() {
		snapshot.CapturedAt = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO catalog_snapshots (server_address, payload, macro_count, captured_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(server_address) DO UPDATE SET
	payload = excluded.payload,
	macro_count = excluded.macro_count,
	captured_at = excluded.captured_at
`, snapshot.ServerAddress, snapshot.Payload, snapshot.MacroCount, formatTimestamp(snapshot.CapturedAt))
	if err != nil {
		return fmt.Errorf("failed to save catalog for %q: %w", snapshot.ServerAddress, err)
	}
	return nil
}

// Latest returns the cached catalog for a server, or nil when none exists.
func (r *CatalogRepo) Latest(ctx context.Context, serverAddress string) (*CatalogSnapshot, error) {
	var s CatalogSnapshot
	var capturedRaw string
	err := r.db.QueryRowContext(ctx, `
SELECT server_address, payload, macro_count, captured_at
FROM catalog_snapshots
WHERE server_address = ?
`, serverAddress).Scan(&s.ServerAddress, &s.Payload, &s.MacroCount, &capturedRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get catalog for %q: %w", serverAddress, err)
	}
	s.CapturedAt, err = parseTimestamp(capturedRaw)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
