package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"wa-gateway-lite/internal/auth"
	"wa-gateway-lite/internal/dispatch"
	"wa-gateway-lite/internal/engine"
	"wa-gateway-lite/internal/engine/enginetest"
	"wa-gateway-lite/internal/handler"
	"wa-gateway-lite/internal/hub"
	"wa-gateway-lite/internal/lifecycle"
	"wa-gateway-lite/internal/messagelog"
	"wa-gateway-lite/internal/metrics"
	"wa-gateway-lite/internal/middleware"
	"wa-gateway-lite/internal/model"
	"wa-gateway-lite/internal/store"
)

type stack struct {
	router  *gin.Engine
	manager *lifecycle.Manager
	factory *enginetest.Factory
	store   *store.Store
	gateway *dispatch.Gateway
	log     *messagelog.Memory
	tokens  auth.TokenConfig
}

func neverFires(time.Duration, func()) func() bool { return func() bool { return true } }

func newStack(t *testing.T, secret string, limiter *middleware.SendLimiter) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := &stack{
		factory: &enginetest.Factory{},
		store:   store.New(store.NewMemory(), store.Options{Name: "mem"}),
		log:     messagelog.NewMemory(0),
		tokens:  auth.TokenConfig{Secret: secret, Expiry: time.Hour, Issuer: "test"},
	}
	wsHub := hub.New()
	m := metrics.New()

	var gateway *dispatch.Gateway
	s.manager = lifecycle.New(lifecycle.Options{
		Store:   s.store,
		Factory: s.factory,
		After:   neverFires,
		Metrics: m,
		OnMessage: func(ctx context.Context, msg engine.IncomingMessage) {
			gateway.HandleInbound(ctx, msg)
		},
		OnStatus: func(st model.Status) { wsHub.Publish(handler.StatusMessage(st)) },
	})
	gateway = dispatch.New(dispatch.Options{Source: s.manager, Log: s.log, LogInbound: true, Metrics: m})
	s.gateway = gateway

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.manager.Run(ctx)
		close(done)
	}()
	go wsHub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
		if limiter != nil {
			limiter.Stop()
		}
	})

	s.router = NewRouter(Deps{
		Connection:  s.manager,
		Sender:      gateway,
		Sessions:    s.store,
		SessionKey:  "default",
		MessageLog:  s.log,
		Hub:         wsHub,
		Metrics:     m,
		TokenConfig: s.tokens,
		SendLimiter: limiter,
	})

	waitUntil(t, func() bool {
		e := s.factory.Last()
		return e != nil && e.InitCount() == 1
	})
	return s
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *stack) makeReady(t *testing.T) {
	t.Helper()
	e := s.factory.Last()
	e.Emit(engine.Event{Type: engine.EventAuthenticated, Session: []byte("blob")})
	e.Emit(engine.Event{Type: engine.EventReady})
	waitUntil(t, func() bool { return s.manager.Status().Ready() })
}

func (s *stack) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestSendMessageFlow(t *testing.T) {
	s := newStack(t, "", nil)

	w := s.do(t, http.MethodPost, "/send-message", map[string]string{"destination": "15551234567", "body": "hi"}, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["state"] != "INITIALIZING" {
		t.Fatalf("expected state in rejection, got %v", resp)
	}

	s.makeReady(t)
	w = s.do(t, http.MethodPost, "/send-message", map[string]string{"destination": "15551234567", "body": "hi"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["messageId"] != "msg-1" {
		t.Fatalf("unexpected response: %v", resp)
	}

	// Inbound messages are logged too.
	s.factory.Last().Emit(engine.Event{Type: engine.EventMessage, Incoming: &engine.IncomingMessage{ID: "in-1", From: "15551234567@c.us", Body: "yo"}})
	waitUntil(t, func() bool {
		s.gateway.Wait()
		entries, _ := s.log.List(context.Background(), 10)
		return len(entries) == 2
	})

	w = s.do(t, http.MethodGet, "/messages", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	msgs, _ := decodeBody(t, w)["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 logged messages, got %v", msgs)
	}
}

func TestStatusReportsSession(t *testing.T) {
	s := newStack(t, "", nil)

	resp := decodeBody(t, s.do(t, http.MethodGet, "/health", nil, ""))
	if resp["hasSession"] != false || resp["isReady"] != false {
		t.Fatalf("unexpected status before pairing: %v", resp)
	}

	s.makeReady(t)
	resp = decodeBody(t, s.do(t, http.MethodGet, "/status", nil, ""))
	if resp["hasSession"] != true || resp["isReady"] != true || resp["state"] != "READY" {
		t.Fatalf("unexpected status when ready: %v", resp)
	}
}

func TestControlRoutesRequireToken(t *testing.T) {
	s := newStack(t, "secret", nil)
	s.makeReady(t)
	first := s.factory.Last()

	if w := s.do(t, http.MethodPost, "/restart", nil, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := s.do(t, http.MethodGet, "/messages", nil, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on message log, got %d", w.Code)
	}

	tok, err := auth.CreateToken("ops", s.tokens)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	w := s.do(t, http.MethodPost, "/restart", nil, tok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["state"] != "INITIALIZING" {
		t.Fatalf("unexpected restart response: %v", resp)
	}
	if !first.IsDestroyed() {
		t.Fatalf("restart must destroy the previous engine")
	}
	if n := len(s.factory.Engines()); n != 2 {
		t.Fatalf("expected 2 engines, got %d", n)
	}
	if !s.store.Exists(context.Background(), "default") {
		t.Fatalf("restart must keep the session")
	}

	if w := s.do(t, http.MethodPost, "/reset", nil, tok); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if s.store.Exists(context.Background(), "default") {
		t.Fatalf("reset must clear the session")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	s := newStack(t, "", nil)
	s.makeReady(t)

	for i := 0; i < 2; i++ {
		w := s.do(t, http.MethodPost, "/logout", nil, "")
		if w.Code != http.StatusOK {
			t.Fatalf("logout %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}
	resp := decodeBody(t, s.do(t, http.MethodGet, "/status", nil, ""))
	if resp["state"] != "DISCONNECTED" || resp["hasSession"] != false || resp["halted"] != true {
		t.Fatalf("unexpected status after logout: %v", resp)
	}
	if w := s.do(t, http.MethodPost, "/send-message", map[string]string{"destination": "1", "body": "x"}, ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after logout, got %d", w.Code)
	}
}

func TestSendRateLimited(t *testing.T) {
	s := newStack(t, "", NewSendLimiter(1, 0, ""))
	s.makeReady(t)

	body := map[string]string{"destination": "1", "body": "x"}
	if w := s.do(t, http.MethodPost, "/send-message", body, ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/send-message", body, ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if NewSendLimiter(0, 0, "") != nil {
		t.Fatalf("zero limits must disable the limiter")
	}
}

func TestSendRateLimitedPerRecipient(t *testing.T) {
	s := newStack(t, "", NewSendLimiter(0, 1, ""))
	s.makeReady(t)

	if w := s.do(t, http.MethodPost, "/send-message", map[string]string{"destination": "+1 555 0100", "body": "x"}, ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := s.do(t, http.MethodPost, "/send-message", map[string]string{"number": "15550100@c.us", "message": "y"}, ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same recipient, got %d", w.Code)
	}
	if w := s.do(t, http.MethodPost, "/send-message", map[string]string{"destination": "15550199", "body": "z"}, ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for another recipient, got %d: %s", w.Code, w.Body.String())
	}
	if got := len(s.factory.Last().SendCalls()); got != 2 {
		t.Fatalf("expected 2 sends to reach the engine, got %d", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newStack(t, "", nil)
	s.makeReady(t)

	w := s.do(t, http.MethodGet, "/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "wagw_state_transitions_total") {
		t.Fatalf("transition counter missing from metrics output")
	}
}
