// Package bridge implements engine.Engine over a websocket to a sidecar
// process that hosts the actual messaging client.
//
// Commands are JSON frames {"id","op","args"} answered by {"id","ok",
// "error","result"}; the sidecar pushes {"event","data"} frames at any
// time. Replies are matched by id, events are delivered in arrival order.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"wa-gateway-lite/internal/engine"
)

// ReasonConnectionLost is reported when the websocket to the sidecar drops
// while the instance is alive.
const ReasonConnectionLost = "BRIDGE_LOST"

const (
	opInitialize   = "initialize"
	opSend         = "send"
	opIsRegistered = "is_registered"
	opLogout       = "logout"
	opDestroy      = "destroy"

	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 16 << 20
)

var ErrConnectionLost = errors.New("bridge: connection lost")

// RemoteError is a command the sidecar answered with ok=false.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge: %s: %s", e.Op, e.Message)
}

type Config struct {
	URL         string
	Header      http.Header
	DialTimeout time.Duration
	CallTimeout time.Duration
	Logger      pslog.Logger
}

// NewFactory returns a factory creating one Client per engine instance.
func NewFactory(cfg Config) engine.Factory {
	return engine.FactoryFunc(func(emit engine.Emit) (engine.Engine, error) {
		return New(cfg, emit)
	})
}

type command struct {
	ID   uint64 `json:"id"`
	Op   string `json:"op"`
	Args any    `json:"args,omitempty"`
}

type inbound struct {
	ID     uint64          `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type eventData struct {
	QR      string `json:"qr,omitempty"`
	Session []byte `json:"session,omitempty"`
	Percent int    `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	ID      string `json:"id,omitempty"`
	From    string `json:"from,omitempty"`
	Body    string `json:"body,omitempty"`
}

type reply struct {
	ok     bool
	errMsg string
	result json.RawMessage
	err    error
}

type Client struct {
	cfg    Config
	emit   engine.Emit
	logger pslog.Logger
	dialer websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	stopPing  chan struct{}
	nextID    uint64
	pending   map[uint64]chan reply
	destroyed bool

	writeMu sync.Mutex
}

func New(cfg Config, emit engine.Emit) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("bridge: url is required")
	}
	if emit == nil {
		return nil, errors.New("bridge: emit is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Client{
		cfg:     cfg,
		emit:    emit,
		logger:  cfg.Logger.With("subsystem", "bridge"),
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		pending: make(map[uint64]chan reply),
	}, nil
}

// Initialize dials the sidecar when no connection is open and asks it to
// start the client with session.
func (c *Client) Initialize(ctx context.Context, session []byte) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	return c.call(ctx, opInitialize, map[string]any{"session": session}, nil)
}

func (c *Client) SendMessage(ctx context.Context, address, body string) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, opSend, map[string]string{"to": address, "body": body}, &res)
	if err != nil {
		return "", err
	}
	return res.ID, nil
}

func (c *Client) IsRegistered(ctx context.Context, address string) (bool, error) {
	var res struct {
		Registered bool `json:"registered"`
	}
	if err := c.call(ctx, opIsRegistered, map[string]string{"address": address}, &res); err != nil {
		return false, err
	}
	return res.Registered, nil
}

func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, opLogout, nil, nil)
}

// Destroy asks the sidecar to tear the client down and closes the socket.
// It does not wait for the reader goroutine, and no further events are
// emitted.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := c.call(ctx, opDestroy, nil, nil)
	if err != nil && !errors.Is(err, ErrConnectionLost) {
		c.logger.Warn("bridge.destroy.error", "error", err)
	}
	c.drop(conn)
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return engine.ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("bridge: dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("bridge: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	if c.destroyed || c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		if c.destroyed {
			return engine.ErrClosed
		}
		return nil
	}
	c.conn = conn
	stop := make(chan struct{})
	c.stopPing = stop
	c.mu.Unlock()

	c.logger.Info("bridge.connected", "url", c.cfg.URL)
	go c.readLoop(conn)
	go c.pingLoop(conn, stop)
	return nil
}

func (c *Client) call(ctx context.Context, op string, args any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		if op == opDestroy {
			return ErrConnectionLost
		}
		return engine.ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(conn, command{ID: id, Op: op, Args: args}); err != nil {
		c.forget(id)
		return fmt.Errorf("bridge: write %s: %w", op, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if !r.ok {
			return &RemoteError{Op: op, Message: r.errMsg}
		}
		if out != nil && len(r.result) > 0 {
			if err := json.Unmarshal(r.result, out); err != nil {
				return fmt.Errorf("bridge: decode %s result: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("bridge: %s: %w", op, ctx.Err())
	}
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.lost(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			destroyed := c.destroyed
			c.mu.Unlock()
			if !destroyed {
				c.logger.Warn("bridge.read.error", "error", err)
			}
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.logger.Warn("bridge.frame.invalid", "error", err)
			continue
		}
		if in.Event != "" {
			c.dispatchEvent(in)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[in.ID]
		delete(c.pending, in.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("bridge.reply.orphan", "id", in.ID)
			continue
		}
		ch <- reply{ok: in.OK, errMsg: in.Error, result: in.Result}
	}
}

func (c *Client) dispatchEvent(in inbound) {
	var d eventData
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, &d); err != nil {
			c.logger.Warn("bridge.event.invalid", "event", in.Event, "error", err)
			return
		}
	}
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}

	ev := engine.Event{Type: engine.EventType(in.Event)}
	switch ev.Type {
	case engine.EventQR:
		ev.QR = d.QR
	case engine.EventAuthenticated, engine.EventSessionRefresh:
		ev.Session = d.Session
	case engine.EventLoadingProgress:
		ev.Percent = d.Percent
		ev.Message = d.Message
	case engine.EventAuthFailure:
		ev.Message = d.Message
	case engine.EventDisconnected:
		ev.Reason = d.Reason
	case engine.EventMessage:
		ev.Incoming = &engine.IncomingMessage{ID: d.ID, From: d.From, Body: d.Body}
	case engine.EventReady:
	default:
		c.logger.Debug("bridge.event.unknown", "event", in.Event)
		return
	}
	c.emit(ev)
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// drop closes conn if it is still current and fails its pending calls.
func (c *Client) drop(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	c.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		ch <- reply{err: ErrConnectionLost}
	}
	return true
}

func (c *Client) lost(conn *websocket.Conn) {
	if !c.drop(conn) {
		return
	}
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}
	c.emit(engine.Event{Type: engine.EventDisconnected, Reason: ReasonConnectionLost})
}
