package hub

import (
	"context"
	"sync"
	"testing"
	"time"
)

type testWriter struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	closed bool
}

func (w *testWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, message)
	if w.fail {
		return errTest
	}
	return nil
}

func (w *testWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *testWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

var errTest = &testErr{}

type testErr struct{}

func (*testErr) Error() string { return "test" }

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := New()
	w1 := &testWriter{}
	c1 := &Connection{ID: "a", Writer: w1}

	h.Register(c1)
	h.Broadcast([]byte("x"))
	if w1.count() != 1 {
		t.Fatalf("expected 1 write, got %d", w1.count())
	}

	h.Unregister(c1)
	h.Broadcast([]byte("x"))
	if w1.count() != 1 {
		t.Fatalf("expected no more writes, got %d", w1.count())
	}
}

func TestHub_RemovesFailedConnections(t *testing.T) {
	h := New()
	w1 := &testWriter{fail: true}
	h.Register(&Connection{ID: "a", Writer: w1})

	h.Broadcast([]byte("x"))
	h.Broadcast([]byte("x"))
	if w1.count() != 1 {
		t.Fatalf("expected only 1 write before removal, got %d", w1.count())
	}
	if !w1.closed || h.Len() != 0 {
		t.Fatalf("expected failed connection to be closed and removed")
	}
}

func TestHub_PublishPreservesOrder(t *testing.T) {
	h := New()
	w := &testWriter{}
	h.Register(&Connection{ID: "a", Writer: w})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	for _, m := range []string{"1", "2", "3"} {
		if !h.Publish([]byte(m)) {
			t.Fatalf("publish %s dropped", m)
		}
	}
	deadline := time.Now().Add(time.Second)
	for w.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 writes, got %d", w.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, want := range []string{"1", "2", "3"} {
		if string(w.writes[i]) != want {
			t.Fatalf("write %d: expected %s, got %s", i, want, w.writes[i])
		}
	}
}
