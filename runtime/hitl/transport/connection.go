package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"goa.design/hitl/runtime/hitl/chunk"
	"goa.design/hitl/runtime/hitl/message"
	"goa.design/hitl/runtime/hitl/telemetry"
)

// ChatPath is the chat endpoint path relative to the backend base URL.
const ChatPath = "/api/chat"

type (
	// Connector opens a chunk stream for a conversation.
	Connector interface {
		// Connect posts msgs and returns the decoded chunks. The chunk channel
		// is closed when the stream ends; the error channel then yields the
		// terminal error, or nil, exactly once.
		Connect(ctx context.Context, msgs []*message.Message) (<-chan chunk.Chunk, <-chan error, error)
	}

	// ConnectionOption configures a Connection.
	ConnectionOption func(*Connection)

	// Connection posts conversations to the backend chat endpoint and decodes
	// the Server-Sent Events response.
	Connection struct {
		endpoint string
		runID    func() string
		http     *http.Client
		headers  http.Header
		logger   telemetry.Logger
	}

	chatRequest struct {
		Messages []wireMessage `json:"messages"`
		Data     chatData      `json:"data"`
	}

	chatData struct {
		RunID string `json:"run_id,omitempty"`
	}

	wireMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
)

// WithConnectionHTTPClient overrides the HTTP client. The client must not
// set a timeout shorter than the longest expected run.
func WithConnectionHTTPClient(c *http.Client) ConnectionOption {
	return func(conn *Connection) {
		conn.http = c
	}
}

// WithConnectionHeader adds a static header to every request.
func WithConnectionHeader(name, value string) ConnectionOption {
	return func(conn *Connection) {
		conn.headers.Add(name, value)
	}
}

// WithConnectionLogger sets the logger.
func WithConnectionLogger(l telemetry.Logger) ConnectionOption {
	return func(conn *Connection) {
		conn.logger = l
	}
}

// NewConnection returns a connection to baseURL + ChatPath. runID returns
// the run to resume, or "" to let the backend start a new one.
func NewConnection(baseURL string, runID func() string, opts ...ConnectionOption) *Connection {
	c := &Connection{
		endpoint: strings.TrimRight(baseURL, "/") + ChatPath,
		runID:    runID,
		http:     &http.Client{},
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	return c
}

// Connect implements Connector.
func (c *Connection) Connect(ctx context.Context, msgs []*message.Message) (<-chan chunk.Chunk, <-chan error, error) {
	req := chatRequest{Messages: make([]wireMessage, 0, len(msgs))}
	if c.runID != nil {
		req.Data.RunID = c.runID()
	}
	for _, m := range msgs {
		if m.Role == message.RoleSystem {
			continue
		}
		req.Messages = append(req.Messages, wireMessage{Role: string(m.Role), Content: m.Text()})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("post chat: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("chat status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	chunks := make(chan chunk.Chunk)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(chunks)
		defer func() { _ = resp.Body.Close() }()
		reader := chunk.NewReader(resp.Body)
		for {
			ch, err := reader.Next()
			if errors.Is(err, io.EOF) {
				errc <- nil
				return
			}
			if err != nil {
				c.logger.Warn(ctx, "chat stream aborted", "err", err)
				errc <- err
				return
			}
			select {
			case chunks <- ch:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errc, nil
}
