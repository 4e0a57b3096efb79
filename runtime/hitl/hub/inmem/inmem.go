// Package inmem provides an in-process hub.Hub.
package inmem

import (
	"context"
	"sync"

	"goa.design/hitl/runtime/hitl/continuation"
	"goa.design/hitl/runtime/hitl/hub"
)

type (
	// Hub implements hub.Hub with one slice-backed queue per run.
	Hub struct {
		mu     sync.Mutex
		queues map[string]*queue
		closed bool
	}

	queue struct {
		items []continuation.Payload
		// ready is closed and replaced whenever items grows or the queue is
		// dropped.
		ready chan struct{}
	}
)

var _ hub.Hub = (*Hub)(nil)

// New returns an empty hub.
func New() *Hub {
	return &Hub{queues: make(map[string]*queue)}
}

// Push implements hub.Hub.
func (h *Hub) Push(_ context.Context, runID string, payload continuation.Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return hub.ErrClosed
	}
	q := h.queue(runID)
	q.items = append(q.items, payload)
	q.signal()
	return nil
}

// Wait implements hub.Hub.
func (h *Hub) Wait(ctx context.Context, runID string) (continuation.Payload, error) {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return continuation.Payload{}, hub.ErrClosed
		}
		q := h.queue(runID)
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = continuation.Payload{}
			q.items = q.items[1:]
			h.mu.Unlock()
			return p, nil
		}
		ready := q.ready
		h.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return continuation.Payload{}, ctx.Err()
		}
	}
}

// Forget implements hub.Hub.
func (h *Hub) Forget(_ context.Context, runID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.queues[runID]; ok {
		delete(h.queues, runID)
		q.signal()
	}
	return nil
}

// Len returns the number of payloads queued for runID.
func (h *Hub) Len(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.queues[runID]; ok {
		return len(q.items)
	}
	return 0
}

// Close wakes every waiter with hub.ErrClosed and rejects further pushes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, q := range h.queues {
		q.signal()
		delete(h.queues, id)
	}
}

func (h *Hub) queue(runID string) *queue {
	q, ok := h.queues[runID]
	if !ok {
		q = &queue{ready: make(chan struct{})}
		h.queues[runID] = q
	}
	return q
}

func (q *queue) signal() {
	close(q.ready)
	q.ready = make(chan struct{})
}
