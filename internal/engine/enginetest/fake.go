// Package enginetest provides an in-process engine for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wa-gateway-lite/internal/engine"
)

type SendCall struct {
	Address string
	Body    string
}

// Engine is a scripted engine.Engine. Tests push events with Emit and
// inspect the commands it received.
type Engine struct {
	mu   sync.Mutex
	emit engine.Emit

	InitSessions [][]byte
	Sends        []SendCall
	Logouts      int
	Destroyed    bool

	InitErr     error
	SendErr     error
	LogoutErr   error
	Registered  map[string]bool
	nextMessage int

	// OnInitialize runs after each Initialize call, outside the lock. A
	// non-nil error is returned from Initialize.
	OnInitialize func(e *Engine, session []byte) error
}

func (e *Engine) Initialize(_ context.Context, session []byte) error {
	e.mu.Lock()
	if e.Destroyed {
		e.mu.Unlock()
		return engine.ErrClosed
	}
	e.InitSessions = append(e.InitSessions, append([]byte(nil), session...))
	err := e.InitErr
	hook := e.OnInitialize
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(e, session)
	}
	return nil
}

func (e *Engine) SendMessage(_ context.Context, address, body string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Destroyed {
		return "", engine.ErrClosed
	}
	if e.SendErr != nil {
		return "", e.SendErr
	}
	e.Sends = append(e.Sends, SendCall{Address: address, Body: body})
	e.nextMessage++
	return fmt.Sprintf("msg-%d", e.nextMessage), nil
}

func (e *Engine) IsRegistered(_ context.Context, address string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Registered == nil {
		return true, nil
	}
	return e.Registered[address], nil
}

func (e *Engine) Logout(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Logouts++
	return e.LogoutErr
}

func (e *Engine) Destroy(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Destroyed = true
	return nil
}

// Emit delivers ev as if the engine produced it.
func (e *Engine) Emit(ev engine.Event) {
	e.mu.Lock()
	emit := e.emit
	e.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

func (e *Engine) InitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.InitSessions)
}

func (e *Engine) SendCalls() []SendCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SendCall(nil), e.Sends...)
}

func (e *Engine) IsDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Destroyed
}

func (e *Engine) SetInitErr(err error) {
	e.mu.Lock()
	e.InitErr = err
	e.mu.Unlock()
}

// Factory hands out fresh Engines and remembers them in creation order.
type Factory struct {
	mu      sync.Mutex
	engines []*Engine

	// Configure, when set, prepares each new Engine before it is returned.
	Configure func(e *Engine)
	Err       error
}

func (f *Factory) New(emit engine.Emit) (engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	e := &Engine{emit: emit}
	if f.Configure != nil {
		f.Configure(e)
	}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

// Last returns the most recently created engine or nil.
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

var ErrBoom = errors.New("enginetest: boom")
