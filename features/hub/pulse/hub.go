package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/hitl/features/hub/pulse/clients/pulse"
	"goa.design/hitl/runtime/hitl/continuation"
	"goa.design/hitl/runtime/hitl/hub"
	"goa.design/hitl/runtime/hitl/telemetry"
)

const (
	// EventName is the Pulse event name of continuation payloads.
	EventName = "continuation"
	// DefaultSinkName is the consumer group used by waiters.
	DefaultSinkName = "hitl_hub"
)

type (
	// Options configures the hub.
	Options struct {
		// Client opens the per-run streams. Required.
		Client clientspulse.Client
		// SinkName names the consumer group. Defaults to DefaultSinkName.
		SinkName string
		// Logger reports malformed entries. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Hub implements hub.Hub.
	Hub struct {
		client   clientspulse.Client
		sinkName string
		logger   telemetry.Logger

		mu     sync.Mutex
		runs   map[string]*subscription
		closed bool
	}

	// subscription is the consumer group reader of one run. It lives until
	// the run is forgotten so that entries are acknowledged exactly once.
	subscription struct {
		stream clientspulse.Stream
		sink   clientspulse.Sink
		events <-chan *streaming.Event
	}
)

var _ hub.Hub = (*Hub)(nil)

// New returns a hub using opts.Client.
func New(opts Options) (*Hub, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = DefaultSinkName
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Hub{
		client:   opts.Client,
		sinkName: name,
		logger:   logger,
		runs:     make(map[string]*subscription),
	}, nil
}

// StreamName returns the name of the stream holding the continuations of
// runID.
func StreamName(runID string) string {
	return "continuation/" + runID
}

// Push implements hub.Hub.
func (h *Hub) Push(ctx context.Context, runID string, payload continuation.Payload) error {
	if h.isClosed() {
		return hub.ErrClosed
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode continuation: %w", err)
	}
	str, err := h.client.Stream(StreamName(runID))
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, EventName, b); err != nil {
		return fmt.Errorf("publish continuation for run %s: %w", runID, err)
	}
	return nil
}

// Wait implements hub.Hub.
func (h *Hub) Wait(ctx context.Context, runID string) (continuation.Payload, error) {
	sub, err := h.subscribe(ctx, runID)
	if err != nil {
		return continuation.Payload{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return continuation.Payload{}, ctx.Err()
		case ev, ok := <-sub.events:
			if !ok {
				if h.isClosed() {
					return continuation.Payload{}, hub.ErrClosed
				}
				return continuation.Payload{}, fmt.Errorf("continuation stream for run %s closed", runID)
			}
			if err := sub.sink.Ack(ctx, ev); err != nil {
				return continuation.Payload{}, fmt.Errorf("ack continuation: %w", err)
			}
			if ev.EventName != EventName {
				continue
			}
			var p continuation.Payload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				h.logger.Warn(ctx, "dropping malformed continuation", "run_id", runID, "event_id", ev.ID, "err", err)
				continue
			}
			return p, nil
		}
	}
}

// Forget implements hub.Hub. It closes the run's consumer and destroys its
// stream, dropping any continuation not consumed yet.
func (h *Hub) Forget(ctx context.Context, runID string) error {
	h.mu.Lock()
	sub, ok := h.runs[runID]
	delete(h.runs, runID)
	h.mu.Unlock()

	var str clientspulse.Stream
	if ok {
		sub.sink.Close(ctx)
		str = sub.stream
	} else {
		var err error
		if str, err = h.client.Stream(StreamName(runID)); err != nil {
			return err
		}
	}
	if err := str.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy continuation stream for run %s: %w", runID, err)
	}
	return nil
}

// Close stops every consumer. Waiters return hub.ErrClosed; streams are left
// in Redis for other replicas.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	runs := h.runs
	h.runs = make(map[string]*subscription)
	h.mu.Unlock()
	for _, sub := range runs {
		sub.sink.Close(ctx)
	}
}

func (h *Hub) subscribe(ctx context.Context, runID string) (*subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, hub.ErrClosed
	}
	if sub, ok := h.runs[runID]; ok {
		h.mu.Unlock()
		return sub, nil
	}
	h.mu.Unlock()

	str, err := h.client.Stream(StreamName(runID))
	if err != nil {
		return nil, err
	}
	// The sink outlives the Wait call that creates it.
	sink, err := str.NewSink(context.WithoutCancel(ctx), h.sinkName, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("subscribe to continuations of run %s: %w", runID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sink.Close(ctx)
		return nil, hub.ErrClosed
	}
	if sub, ok := h.runs[runID]; ok {
		// Another waiter subscribed first. Entries read by this sink stay
		// pending in the group and are claimed by the surviving consumer.
		sink.Close(ctx)
		return sub, nil
	}
	sub := &subscription{stream: str, sink: sink, events: sink.Subscribe()}
	h.runs[runID] = sub
	return sub, nil
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
