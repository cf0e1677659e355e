package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema steps, applied in order. The index of a step plus one is the
// user_version it leaves behind; never edit a step once released.
var schema = []struct {
	name string
	stmt string
}{
	{
		name: "servers and catalog snapshots",
		stmt: `
CREATE TABLE servers (
	address TEXT PRIMARY KEY,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	connect_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_connected_at TEXT NOT NULL
);
CREATE TABLE catalog_snapshots (
	server_address TEXT PRIMARY KEY REFERENCES servers(address) ON DELETE CASCADE,
	payload TEXT NOT NULL,
	macro_count INTEGER NOT NULL,
	captured_at TEXT NOT NULL
);`,
	},
	{
		name: "remote address and recency index",
		stmt: `
ALTER TABLE servers ADD COLUMN last_remote_addr TEXT NOT NULL DEFAULT '';
CREATE INDEX idx_servers_last_connected_at ON servers(last_connected_at);`,
	},
}

// RunMigrations brings the schema up to date. Each step commits on its
// own together with the new user_version.
func RunMigrations(ctx context.Context, conn *sql.DB) error {
	current, err := SchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if current > len(schema) {
		return fmt.Errorf("database schema v%d is newer than this build (v%d)", current, len(schema))
	}

	for i := current; i < len(schema); i++ {
		if err := applyStep(ctx, conn, i+1, schema[i].stmt); err != nil {
			return fmt.Errorf("schema step %d (%s): %w", i+1, schema[i].name, err)
		}
	}
	return nil
}

func applyStep(ctx context.Context, conn *sql.DB, version int, stmt string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion reports how many schema steps the database has applied.
func SchemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
