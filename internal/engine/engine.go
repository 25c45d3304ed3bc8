// Package engine describes the boundary to the external messaging client:
// the commands the gateway issues and the lifecycle events it consumes.
package engine

import (
	"context"
	"errors"
)

type EventType string

const (
	EventQR              EventType = "qr"
	EventAuthenticated   EventType = "authenticated"
	EventSessionRefresh  EventType = "session_refresh"
	EventLoadingProgress EventType = "loading_progress"
	EventReady           EventType = "ready"
	EventAuthFailure     EventType = "auth_failure"
	EventDisconnected    EventType = "disconnected"
	EventMessage         EventType = "message"
)

// Disconnect reasons with special handling. Anything else is treated as a
// transient loss.
const (
	ReasonLogout     = "LOGOUT"
	ReasonInitFailed = "INIT_FAILED"
)

type Event struct {
	Type EventType

	QR       string
	Session  []byte
	Percent  int
	Message  string
	Reason   string
	Incoming *IncomingMessage
}

type IncomingMessage struct {
	ID   string
	From string
	Body string
}

var ErrClosed = errors.New("engine: closed")

// Engine is one live client instance. Initialize may be called again on
// the same instance after a disconnect; Destroy ends the instance for good.
type Engine interface {
	// Initialize starts (or restarts) the client. session is nil when no
	// stored session exists and the client must pair.
	Initialize(ctx context.Context, session []byte) error
	SendMessage(ctx context.Context, address, body string) (string, error)
	IsRegistered(ctx context.Context, address string) (bool, error)
	Logout(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Emit delivers one event from an engine instance to its owner.
type Emit func(Event)

// Factory creates a new engine instance wired to emit.
type Factory interface {
	New(emit Emit) (Engine, error)
}

type FactoryFunc func(emit Emit) (Engine, error)

func (f FactoryFunc) New(emit Emit) (Engine, error) { return f(emit) }
