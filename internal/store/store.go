// Package store persists the opaque session blob produced by the
// messaging engine. Backends return raw errors; Store wraps a Backend and
// turns those errors into the fail-closed contract callers rely on.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"wa-gateway-lite/internal/metrics"
)

var ErrNotFound = errors.New("session not found")

// Record is one persisted session. Data is never interpreted here.
type Record struct {
	Key       string
	Data      []byte
	UpdatedAt time.Time
}

// Backend is implemented by every storage technology. Put must be an
// atomic insert-or-replace keyed by Record.Key. Remove of a missing key
// returns nil.
type Backend interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	Remove(ctx context.Context, key string) error
	Close() error
}

type Store struct {
	backend Backend
	name    string
	logger  pslog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Options struct {
	Name    string
	Logger  pslog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(backend Backend, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Name == "" {
		opts.Name = "store"
	}
	return &Store{
		backend: backend,
		name:    opts.Name,
		logger:  opts.Logger.With("subsystem", "store", "backend", opts.Name),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

func (s *Store) Backend() string { return s.name }

// Exists reports whether a session is stored for key. Backend errors are
// logged and reported as false.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		s.metrics.StoreOp("exists", nil)
		return false
	}
	s.metrics.StoreOp("exists", err)
	if err != nil {
		s.logger.Warn("store.exists.error", "key", key, "error", err)
		return false
	}
	return true
}

// Load returns the stored blob for key. Missing records, backend errors
// and undecodable records all read as absent.
func (s *Store) Load(ctx context.Context, key string) ([]byte, bool) {
	rec, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		s.metrics.StoreOp("load", nil)
		return nil, false
	}
	s.metrics.StoreOp("load", err)
	if err != nil {
		s.logger.Warn("store.load.error", "key", key, "error", err)
		return nil, false
	}
	if len(rec.Data) == 0 {
		s.logger.Warn("store.load.empty", "key", key)
		return nil, false
	}
	return rec.Data, true
}

// Save upserts data under key. Saving bytes identical to the stored
// record leaves it untouched.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("store: missing key")
	}
	if len(data) == 0 {
		return fmt.Errorf("store: empty session for %q", key)
	}
	if rec, err := s.backend.Get(ctx, key); err == nil && bytes.Equal(rec.Data, data) {
		s.metrics.StoreOp("save", nil)
		return nil
	}
	err := s.backend.Put(ctx, Record{Key: key, Data: append([]byte(nil), data...), UpdatedAt: s.now().UTC()})
	s.metrics.StoreOp("save", err)
	if err != nil {
		s.logger.Error("store.save.error", "key", key, "error", err)
		return fmt.Errorf("store: save %q: %w", key, err)
	}
	s.logger.Debug("store.save.ok", "key", key, "bytes", len(data))
	return nil
}

// Delete removes the record for key. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.backend.Remove(ctx, key)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	s.metrics.StoreOp("delete", err)
	if err != nil {
		s.logger.Error("store.delete.error", "key", key, "error", err)
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}
