package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/hitl/features/hub/pulse/clients/pulse"
	"goa.design/hitl/runtime/hitl/continuation"
	"goa.design/hitl/runtime/hitl/hub"
)

type (
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
	}

	fakeStream struct {
		mu        sync.Mutex
		events    chan *streaming.Event
		seq       int
		closed    bool
		destroyed bool
		acked     []string
		sinks     []string
		// entered and gate, when set, hold NewSink until gate is closed.
		entered chan struct{}
		gate    chan struct{}
	}

	fakeSink struct {
		stream *fakeStream
		once   sync.Once
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	return c.get(name), nil
}

func (c *fakeClient) get(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{events: make(chan *streaming.Event, 16)}
		c.streams[name] = s
	}
	return s
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", errors.New("stream closed")
	}
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.events <- &streaming.Event{ID: id, EventName: event, Payload: payload}
	return id, nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	if s.gate != nil {
		close(s.entered)
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, name)
	return &fakeSink{stream: s}, nil
}

func (s *fakeStream) Destroy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	return nil
}

func (k *fakeSink) Subscribe() <-chan *streaming.Event { return k.stream.events }

func (k *fakeSink) Ack(_ context.Context, ev *streaming.Event) error {
	k.stream.mu.Lock()
	defer k.stream.mu.Unlock()
	k.stream.acked = append(k.stream.acked, ev.ID)
	return nil
}

func (k *fakeSink) Close(context.Context) {
	k.once.Do(func() {
		k.stream.mu.Lock()
		defer k.stream.mu.Unlock()
		k.stream.closed = true
		close(k.stream.events)
	})
}

func newHub(t *testing.T) (*Hub, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	h, err := New(Options{Client: client})
	require.NoError(t, err)
	return h, client
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestPushBeforeWaitIsDelivered(t *testing.T) {
	ctx := context.Background()
	h, client := newHub(t)

	require.NoError(t, h.Push(ctx, "run-1", continuation.Payload{Approvals: map[string]bool{"call-1": true}}))
	require.NoError(t, h.Push(ctx, "run-1", continuation.Payload{Approvals: map[string]bool{"call-2": false}}))

	p, err := h.Wait(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"call-1": true}, p.Approvals)
	p, err = h.Wait(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"call-2": false}, p.Approvals)

	str := client.get(StreamName("run-1"))
	require.Equal(t, []string{"1-0", "2-0"}, str.acked)
	require.Equal(t, []string{DefaultSinkName}, str.sinks, "one consumer per run")
}

func TestSubscribeDoesNotBlockOtherRuns(t *testing.T) {
	ctx := context.Background()
	h, client := newHub(t)
	slow := client.get(StreamName("run-1"))
	slow.entered = make(chan struct{})
	slow.gate = make(chan struct{})

	waited := make(chan error, 1)
	go func() {
		_, err := h.Wait(ctx, "run-1")
		waited <- err
	}()
	<-slow.entered

	pushed := make(chan error, 1)
	go func() {
		pushed <- h.Push(ctx, "run-2", continuation.Payload{Approvals: map[string]bool{"call-9": true}})
	}()
	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push for another run blocked while a sink was being created")
	}

	close(slow.gate)
	require.NoError(t, h.Push(ctx, "run-1", continuation.Payload{Approvals: map[string]bool{"call-1": true}}))
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
}

func TestWaitSkipsForeignAndMalformedEvents(t *testing.T) {
	ctx := context.Background()
	h, client := newHub(t)
	str := client.get(StreamName("run-1"))
	_, err := str.Add(ctx, "other", []byte(`{}`))
	require.NoError(t, err)
	_, err = str.Add(ctx, EventName, []byte(`{not json`))
	require.NoError(t, err)
	require.NoError(t, h.Push(ctx, "run-1", continuation.Payload{ToolResults: map[string]continuation.ToolResult{
		"call-1": {Tool: "export_csv", State: continuation.StateOutputAvailable},
	}}))

	p, err := h.Wait(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "export_csv", p.ToolResults["call-1"].Tool)
	require.Len(t, str.acked, 3)
}

func TestWaitHonorsContext(t *testing.T) {
	h, _ := newHub(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx, "run-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForgetDestroysStream(t *testing.T) {
	ctx := context.Background()
	h, client := newHub(t)

	require.NoError(t, h.Push(ctx, "run-1", continuation.Payload{}))
	_, err := h.Wait(ctx, "run-1")
	require.NoError(t, err)
	require.NoError(t, h.Forget(ctx, "run-1"))
	str := client.get(StreamName("run-1"))
	require.True(t, str.destroyed)
	require.True(t, str.closed)

	require.NoError(t, h.Forget(ctx, "never-waited"))
	require.True(t, client.get(StreamName("never-waited")).destroyed)
}

func TestCloseReleasesWaiters(t *testing.T) {
	h, _ := newHub(t)
	errc := make(chan error, 1)
	go func() {
		_, err := h.Wait(context.Background(), "run-1")
		errc <- err
	}()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.runs) == 1
	}, time.Second, 5*time.Millisecond)

	h.Close(context.Background())
	select {
	case err := <-errc:
		require.ErrorIs(t, err, hub.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
	require.ErrorIs(t, h.Push(context.Background(), "run-1", continuation.Payload{}), hub.ErrClosed)
	_, err := h.Wait(context.Background(), "run-1")
	require.ErrorIs(t, err, hub.ErrClosed)
}
