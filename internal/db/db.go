package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB is the local client store: servers the user connected to and the
// last catalog each one sent.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the SQLite file at path and migrates it.
// ":memory:" gives a private in-memory store.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("db: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("db: create directory for %s: %w", path, err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(2000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	// One writer at a time; also keeps ":memory:" on a single database.
	conn.SetMaxOpenConns(1)

	store := &DB{conn: conn}
	if err := store.init(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: %s: %w", path, err)
	}
	return store, nil
}

func (d *DB) init(ctx context.Context) error {
	if err := d.conn.PingContext(ctx); err != nil {
		return err
	}
	return RunMigrations(ctx, d.conn)
}

func (d *DB) SQL() *sql.DB           { return d.conn }
func (d *DB) Servers() *ServerRepo   { return NewServerRepo(d.conn) }
func (d *DB) Catalogs() *CatalogRepo { return NewCatalogRepo(d.conn) }

func (d *DB) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
