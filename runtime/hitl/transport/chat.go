package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"goa.design/hitl/runtime/hitl/chunk"
	"goa.design/hitl/runtime/hitl/message"
	"goa.design/hitl/runtime/hitl/telemetry"
)

// ErrBusy is returned by Send while a previous send is still streaming.
var ErrBusy = errors.New("transport: a run is already streaming")

type (
	// Handler observes the chunk stream. HandleChunk is called for every chunk
	// before it is folded into the message list; MessagesChanged is called
	// after each change of the list made by the chat.
	Handler interface {
		HandleChunk(ctx context.Context, c chunk.Chunk)
		MessagesChanged(ctx context.Context)
	}

	// ChatOption configures a Chat.
	ChatOption func(*Chat)

	// Chat drives one conversation: it appends user messages, streams the
	// runs they start and folds the chunks into one assistant message per
	// turn.
	Chat struct {
		*Store
		conn   Connector
		logger telemetry.Logger
		newID  func() string

		mu      sync.Mutex
		handler Handler
		loading bool
		err     error
	}

	// turn folds the chunks of one send into a single assistant message.
	turn struct {
		id      string
		created bool
	}
)

// WithHandler sets the chunk handler.
func WithHandler(h Handler) ChatOption {
	return func(c *Chat) {
		c.handler = h
	}
}

// WithStore sets the message store.
func WithStore(s *Store) ChatOption {
	return func(c *Chat) {
		c.Store = s
	}
}

// WithChatLogger sets the logger.
func WithChatLogger(l telemetry.Logger) ChatOption {
	return func(c *Chat) {
		c.logger = l
	}
}

// WithIDGenerator overrides the message id generator.
func WithIDGenerator(fn func() string) ChatOption {
	return func(c *Chat) {
		c.newID = fn
	}
}

// NewChat returns a chat streaming through conn.
func NewChat(conn Connector, opts ...ChatOption) *Chat {
	c := &Chat{conn: conn}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.Store == nil {
		c.Store = NewStore()
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// SetHandler replaces the chunk handler. It is typically called once after
// the session wrapping the chat is built.
func (c *Chat) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Loading reports whether a send is streaming.
func (c *Chat) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the error of the last send, if any. It is reset by Send.
func (c *Chat) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send appends text as a user message and streams the resulting run until
// the backend ends the stream. Chunks are handed to the handler in order.
func (c *Chat) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return ErrBusy
	}
	c.loading = true
	c.err = nil
	h := c.handler
	c.mu.Unlock()

	err := c.stream(ctx, h, text)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()
	return err
}

func (c *Chat) stream(ctx context.Context, h Handler, text string) error {
	user := &message.Message{
		ID:    c.newID(),
		Role:  message.RoleUser,
		Parts: []message.Part{&message.TextPart{Content: text}},
	}
	c.UpdateMessages(func(msgs []*message.Message) []*message.Message {
		return appendMessage(msgs, user)
	})
	if h != nil {
		h.MessagesChanged(ctx)
	}

	chunks, errc, err := c.conn.Connect(ctx, c.Messages())
	if err != nil {
		return err
	}
	t := &turn{id: c.newID()}
	var runErr error
	for ch := range chunks {
		if h != nil {
			h.HandleChunk(ctx, ch)
		}
		if e, ok := ch.(chunk.Error); ok {
			runErr = errors.New(e.Error.Message)
			c.logger.Warn(ctx, "run reported an error", "run_id", e.ID, "code", e.Error.Code, "message", e.Error.Message)
			continue
		}
		changed := false
		c.UpdateMessages(func(msgs []*message.Message) []*message.Message {
			out, ok := t.fold(msgs, ch)
			changed = ok
			return out
		})
		if changed && h != nil {
			h.MessagesChanged(ctx)
		}
	}
	if err := <-errc; err != nil {
		return err
	}
	return runErr
}

// fold applies ch to the assistant message of the turn and reports whether
// msgs changed.
func (t *turn) fold(msgs []*message.Message, ch chunk.Chunk) ([]*message.Message, bool) {
	var part message.Part
	switch v := ch.(type) {
	case chunk.Content:
		if v.Delta == "" && v.Content == "" {
			return msgs, false
		}
		return t.update(msgs, func(parts []message.Part) []message.Part {
			return appendText(parts, v)
		}), true
	case chunk.ToolCall:
		part = &message.ToolCallPart{
			ID:        v.ToolCall.ID,
			Name:      v.ToolCall.Function.Name,
			Arguments: v.ToolCall.Function.Arguments,
			Status:    message.InputComplete,
		}
	case chunk.ToolResult:
		part = &message.ToolResultPart{
			ToolCallID: v.ToolCallID,
			Content:    v.Content,
			State:      "output-available",
		}
	default:
		return msgs, false
	}
	return t.update(msgs, func(parts []message.Part) []message.Part {
		return append(parts[:len(parts):len(parts)], part)
	}), true
}

// update rewrites the turn's assistant message, creating it on first use.
func (t *turn) update(msgs []*message.Message, fn func([]message.Part) []message.Part) []*message.Message {
	if !t.created {
		t.created = true
		m := &message.Message{ID: t.id, Role: message.RoleAssistant, Parts: fn(nil)}
		return appendMessage(msgs, m)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID != t.id {
			continue
		}
		out := make([]*message.Message, len(msgs))
		copy(out, msgs)
		out[i] = msgs[i].WithParts(fn(msgs[i].Parts))
		return out
	}
	// The message was removed by a SetMessages call; start over.
	m := &message.Message{ID: t.id, Role: message.RoleAssistant, Parts: fn(nil)}
	return appendMessage(msgs, m)
}

func appendText(parts []message.Part, c chunk.Content) []message.Part {
	n := len(parts)
	if n > 0 {
		if last, ok := parts[n-1].(*message.TextPart); ok {
			content := last.Content + c.Delta
			if c.Delta == "" {
				content = c.Content
			}
			out := make([]message.Part, n)
			copy(out, parts)
			out[n-1] = &message.TextPart{Content: content}
			return out
		}
	}
	content := c.Delta
	if content == "" {
		content = c.Content
	}
	return append(parts[:n:n], &message.TextPart{Content: content})
}

func appendMessage(msgs []*message.Message, m *message.Message) []*message.Message {
	out := make([]*message.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, m)
}
