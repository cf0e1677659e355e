package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type ServerRepo struct {
	db *sql.DB
}

func NewServerRepo(db *sql.DB) *ServerRepo {
	return &ServerRepo{db: db}
}

// RecordConnect upserts a server after a successful connection and bumps
// its connect count.
func (r *ServerRepo) RecordConnect(ctx context.Context, server *Server) error {
	if strings.TrimSpace(server.Address) == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	now := nowUTC()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = now
	}
	if server.LastConnectedAt.IsZero() {
		server.LastConnectedAt = now
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO servers (address, host, port, attempts, connect_count, last_remote_addr, created_at, last_connected_at)
VALUES (?, ?, ?, ?, 1, ?, ?, ?)
ON CONFLICT(address) DO UPDATE SET
	host = excluded.host,
	port = excluded.port,
	attempts = excluded.attempts,
	connect_count = servers.connect_count + 1,
	last_remote_addr = excluded.last_remote_addr,
	last_connected_at = excluded.last_connected_at
`, server.Address, server.Host, server.Port, server.Attempts, server.LastRemoteAddr, formatTimestamp(server.CreatedAt), formatTimestamp(server.LastConnectedAt))
	if err != nil {
		return fmt.Errorf("failed to record server %q: %w", server.Address, err)
	}
	return nil
}

// Ensure inserts the server if it is unknown and leaves an existing row
// untouched.
func (r *ServerRepo) Ensure(ctx context.Context, server *Server) error {
	if strings.TrimSpace(server.Address) == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	now := formatTimestamp(nowUTC())
	_, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO servers (address, host, port, attempts, connect_count, created_at, last_connected_at)
VALUES (?, ?, ?, ?, 0, ?, ?)
`, server.Address, server.Host, server.Port, server.Attempts, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure server %q: %w", server.Address, err)
	}
	return nil
}

func (r *ServerRepo) Get(ctx context.Context, address string) (*Server, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT address, host, port, attempts, connect_count, last_remote_addr, created_at, last_connected_at
FROM servers
WHERE address = ?
`, address)
	s, err := scanServer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get server %q: %w", address, err)
	}
	return s, nil
}

// Recent lists servers, most recently connected first. A non-positive limit
// returns all of them.
func (r *ServerRepo) Recent(ctx context.Context, limit int) ([]*Server, error) {
	query := `
SELECT address, host, port, attempts, connect_count, last_remote_addr, created_at, last_connected_at
FROM servers
ORDER BY last_connected_at DESC, address ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	servers := []*Server{}
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating servers: %w", err)
	}
	return servers, nil
}

func (r *ServerRepo) Delete(ctx context.Context, address string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM servers WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("failed to delete server %q: %w", address, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*Server, error) {
	var s Server
	var createdAtRaw, lastConnectedRaw string
	if err := row.Scan(&s.Address, &s.Host, &s.Port, &s.Attempts, &s.ConnectCount, &s.LastRemoteAddr, &createdAtRaw, &lastConnectedRaw); err != nil {
		return nil, err
	}
	var err error
	s.CreatedAt, err = parseTimestamp(createdAtRaw)
	if err != nil {
		return nil, err
	}
	s.LastConnectedAt, err = parseTimestamp(lastConnectedRaw)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
