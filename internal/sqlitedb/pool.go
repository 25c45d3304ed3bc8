// Package sqlitedb opens the SQLite pool shared by the session store and
// the message log when both point at the same database file.
package sqlitedb

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/pslog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

type Config struct {
	// Path of the database file. The parent directory must exist.
	Path     string
	PoolSize int
	Logger   pslog.Logger
}

type Pool struct {
	inner  *sqlitex.Pool
	logger pslog.Logger
	path   string

	schemaMu sync.Mutex
	schemas  map[string]bool

	refMu sync.Mutex
	refs  int
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitedb: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 4
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("sqlitedb: %s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: opening %s: %w", cfg.Path, err)
	}
	logger.Info("sqlitedb.open", "path", cfg.Path, "pool_size", size)
	return &Pool{inner: inner, logger: logger, path: cfg.Path, schemas: make(map[string]bool), refs: 1}, nil
}

// Take borrows a connection; the caller must Put it back.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: take: %w", err)
	}
	return conn, nil
}

func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// EnsureSchema runs script once per pool under name.
func (p *Pool) EnsureSchema(ctx context.Context, name, script string) error {
	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()
	if p.schemas[name] {
		return nil
	}
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	if err := sqlitex.ExecuteScript(conn, script, nil); err != nil {
		return fmt.Errorf("sqlitedb: schema %s: %w", name, err)
	}
	p.schemas[name] = true
	return nil
}

// Retain adds a reference; each holder calls Close once.
func (p *Pool) Retain() *Pool {
	p.refMu.Lock()
	p.refs++
	p.refMu.Unlock()
	return p
}

func (p *Pool) Close() error {
	p.refMu.Lock()
	p.refs--
	last := p.refs == 0
	p.refMu.Unlock()
	if !last {
		return nil
	}
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlitedb.close.error", "path", p.path, "error", err)
		return fmt.Errorf("sqlitedb: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlitedb.close", "path", p.path)
	return nil
}

// Cache hands out one pool per path so the session store and message log
// can share a database file.
type Cache struct {
	mu     sync.Mutex
	pools  map[string]*Pool
	logger pslog.Logger
}

func NewCache(logger pslog.Logger) *Cache {
	return &Cache{pools: make(map[string]*Pool), logger: logger}
}

func (c *Cache) Open(path string) (*Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[path]; ok {
		return p.Retain(), nil
	}
	p, err := Open(Config{Path: path, Logger: c.logger})
	if err != nil {
		return nil, err
	}
	c.pools[path] = p
	return p, nil
}
