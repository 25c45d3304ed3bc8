package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"wa-gateway-lite/internal/sqlitedb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLite stores sessions in a single table keyed by session key.
type SQLite struct {
	pool *sqlitedb.Pool
}

func NewSQLite(ctx context.Context, pool *sqlitedb.Pool) (*SQLite, error) {
	if err := pool.EnsureSchema(ctx, "sessions", sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLite{pool: pool}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.Put(conn)

	var rec Record
	found := false
	err = sqlitex.Execute(conn, "SELECT data, updated_at FROM sessions WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			data := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, data)
			rec = Record{Key: key, Data: data, UpdatedAt: time.UnixMilli(stmt.ColumnInt64(1)).UTC()}
			found = true
			return nil
		},
	})
	if err != nil {
		return Record{}, fmt.Errorf("sqlite store: select: %w", err)
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *SQLite) Put(ctx context.Context, rec Record) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO sessions (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, &sqlitex.ExecOptions{
		Args: []any{rec.Key, rec.Data, rec.UpdatedAt.UnixMilli()},
	})
	if err != nil {
		return fmt.Errorf("sqlite store: upsert: %w", err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM sessions WHERE key = ?", &sqlitex.ExecOptions{Args: []any{key}}); err != nil {
		return fmt.Errorf("sqlite store: delete: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.pool.Close()
}
