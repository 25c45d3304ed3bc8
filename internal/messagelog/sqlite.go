package messagelog

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"wa-gateway-lite/internal/model"
	"wa-gateway-lite/internal/sqlitedb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	direction   TEXT NOT NULL,
	address     TEXT NOT NULL,
	body        TEXT NOT NULL,
	external_id TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);`

type SQLite struct {
	pool *sqlitedb.Pool
}

func NewSQLite(ctx context.Context, pool *sqlitedb.Pool) (*SQLite, error) {
	if err := pool.EnsureSchema(ctx, "messages", sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLite{pool: pool}, nil
}

func (s *SQLite) Append(ctx context.Context, e model.MessageEntry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO messages (id, direction, address, body, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{e.ID, string(e.Direction), e.Address, e.Body, e.ExternalID, e.CreatedAt},
	})
	if err != nil {
		return fmt.Errorf("sqlite message log: insert: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]model.MessageEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []model.MessageEntry
	err = sqlitex.Execute(conn, `SELECT id, direction, address, body, external_id, created_at
		FROM messages ORDER BY seq DESC LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{clampLimit(limit)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, model.MessageEntry{
				ID:         stmt.ColumnText(0),
				Direction:  model.Direction(stmt.ColumnText(1)),
				Address:    stmt.ColumnText(2),
				Body:       stmt.ColumnText(3),
				ExternalID: stmt.ColumnText(4),
				CreatedAt:  stmt.ColumnInt64(5),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite message log: select: %w", err)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	return s.pool.Close()
}
