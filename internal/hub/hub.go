// Package hub fans status updates out to websocket subscribers.
package hub

import (
	"context"
	"sync"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	ID     string
	Writer Writer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[*Connection]struct{}

	queue chan []byte
}

func New() *Hub {
	return &Hub{
		connections: make(map[*Connection]struct{}),
		queue:       make(chan []byte, 64),
	}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, conn)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Broadcast writes message to every subscriber and drops the ones that
// fail.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}

// Publish queues message for Run without blocking. It reports false when
// the queue is full and the message was dropped.
func (h *Hub) Publish(message []byte) bool {
	select {
	case h.queue <- message:
		return true
	default:
		return false
	}
}

// Run broadcasts published messages in order until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.queue:
			h.Broadcast(msg)
		}
	}
}
