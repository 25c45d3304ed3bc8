package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wa-gateway-lite/internal/engine"
)

type sidecarCmd struct {
	ID   uint64          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

// sidecar accepts bridge connections and hands them to the test.
type sidecar struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newSidecar(t *testing.T) *sidecar {
	t.Helper()
	s := &sidecar{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sidecar) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *sidecar) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no bridge connection")
		return nil
	}
}

func readCmd(t *testing.T, conn *websocket.Conn) sidecarCmd {
	t.Helper()
	var cmd sidecarCmd
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&cmd))
	return cmd
}

func replyOK(t *testing.T, conn *websocket.Conn, id uint64, result any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"id": id, "ok": true, "result": result}))
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func newClient(t *testing.T, s *sidecar) (*Client, chan engine.Event) {
	t.Helper()
	events := make(chan engine.Event, 32)
	c, err := New(Config{URL: s.url(), CallTimeout: 2 * time.Second}, func(ev engine.Event) { events <- ev })
	require.NoError(t, err)
	return c, events
}

func nextEvent(t *testing.T, events chan engine.Event) engine.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return engine.Event{}
	}
}

// initialize runs Initialize against the sidecar and returns the server side
// of the connection.
func initialize(t *testing.T, s *sidecar, c *Client, session []byte) *websocket.Conn {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- c.Initialize(context.Background(), session) }()

	conn := s.accept(t)
	cmd := readCmd(t, conn)
	require.Equal(t, "initialize", cmd.Op)
	var args struct {
		Session []byte `json:"session"`
	}
	require.NoError(t, json.Unmarshal(cmd.Args, &args))
	assert.Equal(t, session, args.Session)
	replyOK(t, conn, cmd.ID, nil)
	require.NoError(t, <-errc)
	return conn
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{}, func(engine.Event) {})
	assert.Error(t, err)
}

func TestInitializeAndEventsInOrder(t *testing.T) {
	s := newSidecar(t)
	c, events := newClient(t, s)
	conn := initialize(t, s, c, []byte("stored-session"))

	sendEvent(t, conn, "qr", map[string]any{"qr": "2@abc"})
	sendEvent(t, conn, "authenticated", map[string]any{"session": []byte("fresh")})
	sendEvent(t, conn, "loading_progress", map[string]any{"percent": 55, "message": "chats"})
	sendEvent(t, conn, "ready", nil)
	sendEvent(t, conn, "message", map[string]any{"id": "in-1", "from": "15551234567@c.us", "body": "hello"})

	ev := nextEvent(t, events)
	assert.Equal(t, engine.EventQR, ev.Type)
	assert.Equal(t, "2@abc", ev.QR)

	ev = nextEvent(t, events)
	assert.Equal(t, engine.EventAuthenticated, ev.Type)
	assert.Equal(t, "fresh", string(ev.Session))

	ev = nextEvent(t, events)
	assert.Equal(t, engine.EventLoadingProgress, ev.Type)
	assert.Equal(t, 55, ev.Percent)
	assert.Equal(t, "chats", ev.Message)

	assert.Equal(t, engine.EventReady, nextEvent(t, events).Type)

	ev = nextEvent(t, events)
	require.NotNil(t, ev.Incoming)
	assert.Equal(t, "in-1", ev.Incoming.ID)
	assert.Equal(t, "hello", ev.Incoming.Body)
}

func TestRepliesMatchedByID(t *testing.T) {
	s := newSidecar(t)
	c, _ := newClient(t, s)
	conn := initialize(t, s, c, nil)

	type result struct {
		id  string
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		id, err := c.SendMessage(context.Background(), "1@c.us", "one")
		first <- result{id, err}
	}()
	cmd1 := readCmd(t, conn)
	go func() {
		id, err := c.SendMessage(context.Background(), "2@c.us", "two")
		second <- result{id, err}
	}()
	cmd2 := readCmd(t, conn)
	require.Equal(t, "send", cmd1.Op)
	require.NotEqual(t, cmd1.ID, cmd2.ID)

	// Answer out of order.
	replyOK(t, conn, cmd2.ID, map[string]string{"id": "ext-2"})
	replyOK(t, conn, cmd1.ID, map[string]string{"id": "ext-1"})

	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "ext-1", r1.id)
	assert.Equal(t, "ext-2", r2.id)
}

func TestIsRegisteredAndRemoteError(t *testing.T) {
	s := newSidecar(t)
	c, _ := newClient(t, s)
	conn := initialize(t, s, c, nil)

	done := make(chan bool, 1)
	go func() {
		ok, err := c.IsRegistered(context.Background(), "1@c.us")
		assert.NoError(t, err)
		done <- ok
	}()
	cmd := readCmd(t, conn)
	assert.Equal(t, "is_registered", cmd.Op)
	replyOK(t, conn, cmd.ID, map[string]bool{"registered": true})
	assert.True(t, <-done)

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "1@c.us", "hi")
		errc <- err
	}()
	cmd = readCmd(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]any{"id": cmd.ID, "ok": false, "error": "chat not found"}))

	err := <-errc
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "send", remote.Op)
	assert.Equal(t, "chat not found", remote.Message)
}

func TestConnectionLossFailsCallsAndEmitsDisconnect(t *testing.T) {
	s := newSidecar(t)
	c, events := newClient(t, s)
	conn := initialize(t, s, c, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := c.SendMessage(context.Background(), "1@c.us", "hi")
		errc <- err
	}()
	readCmd(t, conn)
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, <-errc, ErrConnectionLost)
	ev := nextEvent(t, events)
	assert.Equal(t, engine.EventDisconnected, ev.Type)
	assert.Equal(t, ReasonConnectionLost, ev.Reason)

	// The same instance redials on the next Initialize.
	initialize(t, s, c, []byte("again"))
}

func TestDestroyIsFinal(t *testing.T) {
	s := newSidecar(t)
	c, events := newClient(t, s)
	conn := initialize(t, s, c, nil)

	go func() {
		var cmd sidecarCmd
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Op == "destroy" {
			_ = conn.WriteJSON(map[string]any{"id": cmd.ID, "ok": true})
		}
	}()
	require.NoError(t, c.Destroy(context.Background()))
	require.NoError(t, c.Destroy(context.Background()))

	assert.ErrorIs(t, c.Initialize(context.Background(), nil), engine.ErrClosed)
	_, err := c.SendMessage(context.Background(), "1@c.us", "hi")
	assert.ErrorIs(t, err, engine.ErrClosed)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after destroy: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallTimeout(t *testing.T) {
	s := newSidecar(t)
	events := make(chan engine.Event, 4)
	c, err := New(Config{URL: s.url(), CallTimeout: 50 * time.Millisecond}, func(ev engine.Event) { events <- ev })
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- c.Initialize(context.Background(), nil) }()
	conn := s.accept(t)
	readCmd(t, conn)

	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)
}
