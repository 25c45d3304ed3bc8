// Package dispatch validates outbound send requests against the connection
// status, forwards them to the engine and records sent and received
// messages in the message log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"wa-gateway-lite/internal/engine"
	"wa-gateway-lite/internal/messagelog"
	"wa-gateway-lite/internal/metrics"
	"wa-gateway-lite/internal/model"
)

const (
	CategoryNotConnected      = "not_connected"
	CategoryMissingParameters = "missing_parameters"
	CategoryNotRegistered     = "not_registered"
	CategoryDispatchFailed    = "dispatch_failed"

	DefaultSuffix = "@c.us"

	logWriteTimeout = 5 * time.Second
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrMissingParameters = errors.New("missing parameters")
	ErrNotRegistered     = errors.New("recipient not registered")
	ErrDispatchFailed    = errors.New("dispatch failed")
)

// Example is echoed back to callers that omit a field.
var Example = map[string]string{
	"destination": "15551234567",
	"body":        "Hello from the gateway",
}

// Error carries the rejection kind plus the state at the time of the
// check. errors.Is matches the kind sentinel and the cause.
type Error struct {
	Kind  error
	State model.State
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Category maps err to the category reported to callers.
func Category(err error) string {
	switch {
	case errors.Is(err, ErrNotConnected):
		return CategoryNotConnected
	case errors.Is(err, ErrMissingParameters):
		return CategoryMissingParameters
	case errors.Is(err, ErrNotRegistered):
		return CategoryNotRegistered
	default:
		return CategoryDispatchFailed
	}
}

// EngineSource exposes the live engine with the status it was read under.
type EngineSource interface {
	Engine() (engine.Engine, model.Status)
}

type Options struct {
	Source           EngineSource
	Log              messagelog.Log
	Suffix           string
	VerifyRecipients bool
	LogInbound       bool
	Logger           pslog.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

type Gateway struct {
	opts   Options
	logger pslog.Logger
	wg     sync.WaitGroup
}

type Result struct {
	MessageID string
	Address   string
}

func New(opts Options) *Gateway {
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{opts: opts, logger: opts.Logger.With("subsystem", "dispatch")}
}

// NormalizeAddress turns a bare number into the engine's addressing form.
// Addresses that already carry a network suffix are returned trimmed.
func NormalizeAddress(destination, suffix string) string {
	addr := strings.TrimSpace(destination)
	if addr == "" || strings.Contains(addr, "@") {
		return addr
	}
	addr = strings.TrimPrefix(addr, "+")
	addr = strings.ReplaceAll(addr, " ", "")
	if addr == "" {
		return ""
	}
	return addr + suffix
}

// Send checks readiness, then the inputs, then (optionally) the recipient,
// and forwards the message. Engine failures leave the connection state
// untouched.
func (g *Gateway) Send(ctx context.Context, destination, body string) (Result, error) {
	res, err := g.send(ctx, destination, body)
	if err != nil {
		g.opts.Metrics.Send(Category(err))
		return res, err
	}
	g.opts.Metrics.Send("ok")
	return res, nil
}

func (g *Gateway) send(ctx context.Context, destination, body string) (Result, error) {
	eng, st := g.opts.Source.Engine()
	if !st.Ready() || eng == nil {
		return Result{}, &Error{Kind: ErrNotConnected, State: st.State}
	}
	addr := NormalizeAddress(destination, g.opts.Suffix)
	if addr == "" || strings.TrimSpace(body) == "" {
		return Result{}, &Error{Kind: ErrMissingParameters, State: st.State}
	}

	if g.opts.VerifyRecipients {
		ok, err := eng.IsRegistered(ctx, addr)
		if err != nil {
			g.logger.Warn("dispatch.verify.error", "address", addr, "error", err)
			return Result{}, &Error{Kind: ErrDispatchFailed, State: st.State, Err: err}
		}
		if !ok {
			return Result{Address: addr}, &Error{Kind: ErrNotRegistered, State: st.State}
		}
	}

	id, err := eng.SendMessage(ctx, addr, body)
	if err != nil {
		g.logger.Warn("dispatch.send.error", "address", addr, "error", err)
		return Result{Address: addr}, &Error{Kind: ErrDispatchFailed, State: st.State, Err: err}
	}
	g.logger.Info("dispatch.sent", "address", addr, "message_id", id)
	g.record(model.MessageEntry{
		Direction:  model.DirectionOutbound,
		Address:    addr,
		Body:       body,
		ExternalID: id,
	})
	return Result{MessageID: id, Address: addr}, nil
}

// HandleInbound records a received message when inbound logging is on.
func (g *Gateway) HandleInbound(_ context.Context, msg engine.IncomingMessage) {
	g.logger.Debug("dispatch.inbound", "from", msg.From, "message_id", msg.ID)
	if !g.opts.LogInbound {
		return
	}
	g.record(model.MessageEntry{
		Direction:  model.DirectionInbound,
		Address:    msg.From,
		Body:       msg.Body,
		ExternalID: msg.ID,
	})
}

// record appends entry in the background; failures are logged and dropped.
func (g *Gateway) record(entry model.MessageEntry) {
	if g.opts.Log == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.CreatedAt = g.opts.Now().UnixMilli()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
		defer cancel()
		err := g.opts.Log.Append(ctx, entry)
		g.opts.Metrics.LogWrite(string(entry.Direction), err)
		if err != nil {
			g.logger.Warn("dispatch.log.error", "direction", string(entry.Direction), "error", err)
		}
	}()
}

// Wait blocks until pending message log writes have finished.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
