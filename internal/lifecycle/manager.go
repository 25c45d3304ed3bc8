// Package lifecycle owns the connection to the messaging engine. A single
// goroutine (Run) applies engine events, reconnection timer firings and
// operator commands one at a time; everything else reads snapshots.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"wa-gateway-lite/internal/engine"
	"wa-gateway-lite/internal/metrics"
	"wa-gateway-lite/internal/model"
)

const (
	ReasonRetriesExhausted = "RETRIES_EXHAUSTED"

	queueSize      = 256
	destroyTimeout = 10 * time.Second
)

var ErrStopped = errors.New("lifecycle: manager stopped")

// SessionStore is the part of store.Store the manager needs.
type SessionStore interface {
	Load(ctx context.Context, key string) ([]byte, bool)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

type Options struct {
	// Key identifies the session in the store.
	Key     string
	Store   SessionStore
	Factory engine.Factory

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	AuthFailureRetry     bool

	Logger  pslog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	After   AfterFunc

	// OnMessage receives inbound messages on the manager goroutine.
	OnMessage func(context.Context, engine.IncomingMessage)
	// OnStatus receives every published status snapshot.
	OnStatus func(model.Status)
}

type Manager struct {
	opts   Options
	logger pslog.Logger

	in   chan item
	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	status model.Status
	eng    engine.Engine

	// Loop-owned.
	ctx     context.Context
	gen     uint64
	attempt uint64
	policy  *reconnectPolicy
}

type item struct {
	gen   uint64
	event *engine.Event
	init  *initResult
	timer uint64
	cmd   *command
}

type initResult struct {
	attempt uint64
	err     error
}

type commandKind int

const (
	cmdReset commandKind = iota
	cmdLogout
)

type command struct {
	kind         commandKind
	clearSession bool
	reply        chan commandReply
}

type commandReply struct {
	status model.Status
	err    error
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Key == "" {
		opts.Key = "default"
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 10 * time.Second
	}
	m := &Manager{
		opts:   opts,
		logger: opts.Logger.With("subsystem", "lifecycle", "key", opts.Key),
		in:     make(chan item, queueSize),
		done:   make(chan struct{}),
		policy: newReconnectPolicy(opts.ReconnectDelay, opts.After),
	}
	m.status = model.Status{State: model.StateInitializing, LastUpdate: opts.Now().UTC()}
	return m
}

// Status returns a copy of the current status.
func (m *Manager) Status() model.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Engine returns the live engine together with the status it was read
// with. The engine is nil before the first instance exists.
func (m *Manager) Engine() (engine.Engine, model.Status) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eng, m.status
}

// Run creates the first engine instance and processes work until ctx is
// cancelled. On return the engine is destroyed and pending timers are
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx = ctx
	defer m.once.Do(func() { close(m.done) })

	m.startEngine()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case it := <-m.in:
			m.handle(it)
		}
	}
}

// Reset tears down the current engine and starts a fresh one without
// waiting for the reconnection delay. With clearSession the stored
// session is deleted first, forcing a new pairing.
func (m *Manager) Reset(ctx context.Context, clearSession bool) (model.Status, error) {
	return m.submit(ctx, &command{kind: cmdReset, clearSession: clearSession})
}

// Logout logs the engine out, deletes the stored session and halts in
// DISCONNECTED until the next Reset.
func (m *Manager) Logout(ctx context.Context) (model.Status, error) {
	return m.submit(ctx, &command{kind: cmdLogout})
}

func (m *Manager) submit(ctx context.Context, cmd *command) (model.Status, error) {
	cmd.reply = make(chan commandReply, 1)
	select {
	case m.in <- item{cmd: cmd}:
	case <-m.done:
		return m.Status(), ErrStopped
	case <-ctx.Done():
		return m.Status(), ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.status, r.err
	case <-m.done:
		return m.Status(), ErrStopped
	case <-ctx.Done():
		return m.Status(), ctx.Err()
	}
}

func (m *Manager) enqueue(it item) {
	select {
	case m.in <- it:
	case <-m.done:
	}
}

func (m *Manager) handle(it item) {
	switch {
	case it.cmd != nil:
		m.handleCommand(it.cmd)
	case it.timer != 0:
		m.handleTimer(it.timer)
	case it.gen != m.gen:
		m.logger.Debug("lifecycle.stale_event", "gen", it.gen, "current", m.gen)
	case it.init != nil:
		m.handleInit(it.init)
	case it.event != nil:
		m.handleEvent(*it.event)
	}
}

// startEngine creates a new engine instance under a new generation and
// initializes it with the stored session, if any.
func (m *Manager) startEngine() {
	m.gen++
	gen := m.gen
	eng, err := m.opts.Factory.New(func(ev engine.Event) {
		m.enqueue(item{gen: gen, event: &ev})
	})
	if err != nil {
		m.logger.Error("lifecycle.engine.create_error", "error", err)
		m.handleDisconnect(engine.ReasonInitFailed)
		return
	}
	m.mu.Lock()
	m.eng = eng
	m.mu.Unlock()
	m.initialize(eng, gen)
}

// initialize runs Initialize off the loop and posts the outcome back,
// tagged with an attempt number so only the latest call is acted on.
func (m *Manager) initialize(eng engine.Engine, gen uint64) {
	m.attempt++
	attempt := m.attempt
	session, restored := m.opts.Store.Load(m.ctx, m.opts.Key)
	m.logger.Info("lifecycle.initialize", "gen", gen, "attempt", attempt, "session_restored", restored)
	ctx := m.ctx
	go func() {
		err := eng.Initialize(ctx, session)
		m.enqueue(item{gen: gen, init: &initResult{attempt: attempt, err: err}})
	}()
}

func (m *Manager) destroyEngine() {
	m.mu.Lock()
	eng := m.eng
	m.eng = nil
	m.mu.Unlock()
	if eng == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := eng.Destroy(ctx); err != nil {
		m.logger.Warn("lifecycle.engine.destroy_error", "error", err)
	}
}

func (m *Manager) shutdown() {
	m.policy.cancel()
	m.destroyEngine()
	m.logger.Info("lifecycle.stopped")
}

// update applies fn to the status under the lock and publishes the result.
func (m *Manager) update(fn func(s *model.Status)) model.Status {
	m.mu.Lock()
	prev := m.status.State
	fn(&m.status)
	m.status.ReconnectPending = m.policy.pending
	m.status.LastUpdate = m.opts.Now().UTC()
	snapshot := m.status
	m.mu.Unlock()

	if snapshot.State != prev {
		m.logger.Info("lifecycle.transition", "from", string(prev), "to", string(snapshot.State), "reason", snapshot.Reason)
		m.opts.Metrics.Transition(string(snapshot.State), snapshot.Ready())
	}
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(snapshot)
	}
	return snapshot
}
