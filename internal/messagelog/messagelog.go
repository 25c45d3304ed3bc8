// Package messagelog keeps the append-only audit trail of messages the
// gateway sent and received.
package messagelog

import (
	"context"
	"fmt"
	"net/url"

	"wa-gateway-lite/internal/model"
	"wa-gateway-lite/internal/sqlitedb"
	"wa-gateway-lite/internal/store"
)

const DefaultListLimit = 50

type Log interface {
	Append(ctx context.Context, entry model.MessageEntry) error
	// List returns up to limit entries, newest first.
	List(ctx context.Context, limit int) ([]model.MessageEntry, error)
	Close() error
}

// Open builds the log named by rawURL: mem:// or sqlite:///path.db.
func Open(ctx context.Context, rawURL string, pools *sqlitedb.Cache) (Log, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse message log URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
		return NewMemory(0), nil
	case "sqlite":
		path := store.LocalPath(u)
		if path == "" {
			return nil, fmt.Errorf("sqlite message log missing path (expected sqlite:///path.db)")
		}
		if pools == nil {
			pools = sqlitedb.NewCache(nil)
		}
		pool, err := pools.Open(path)
		if err != nil {
			return nil, err
		}
		l, err := NewSQLite(ctx, pool)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("message log scheme %q not supported", u.Scheme)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
