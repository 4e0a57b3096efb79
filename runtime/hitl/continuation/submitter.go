package continuation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/hitl/runtime/hitl/telemetry"
)

// Path is the continuation endpoint path relative to the backend base URL.
const Path = "/api/continuation"

// maxErrorBody bounds the response excerpt kept on StatusError.
const maxErrorBody = 512

type (
	// Option configures a Submitter.
	Option func(*Submitter)

	// Submitter posts continuation payloads for the current run. It performs
	// exactly one request per Post: there is no retry and no batching.
	Submitter struct {
		endpoint string
		runID    func() string
		http     *http.Client
		headers  http.Header
		tel      telemetry.Telemetry
	}

	// StatusError is returned by Post when the backend replies with a non-2xx
	// status.
	StatusError struct {
		StatusCode int
		Body       string
	}
)

// WithHTTPClient overrides the HTTP client. The default client has no
// timeout; deadlines come from the caller context.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Submitter) {
		s.http = c
	}
}

// WithHeader adds a static header to every request.
func WithHeader(name, value string) Option {
	return func(s *Submitter) {
		s.headers.Add(name, value)
	}
}

// WithTelemetry sets the logger, metrics and tracer used by the submitter.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Submitter) {
		s.tel = tel
	}
}

// New returns a submitter posting to baseURL + Path. runID is consulted on
// every Post and returns the id of the run to continue.
func New(baseURL string, runID func() string, opts ...Option) *Submitter {
	s := &Submitter{
		endpoint: strings.TrimRight(baseURL, "/") + Path,
		runID:    runID,
		http:     &http.Client{},
		headers:  make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.http == nil {
		s.http = &http.Client{}
	}
	s.tel = s.tel.WithDefaults()
	return s
}

// Endpoint returns the URL the submitter posts to.
func (s *Submitter) Endpoint() string {
	return s.endpoint
}

// Post sends payload for the current run. When no run is active Post does
// nothing and returns nil.
func (s *Submitter) Post(ctx context.Context, payload Payload) error {
	var runID string
	if s.runID != nil {
		runID = s.runID()
	}
	if runID == "" {
		s.tel.Logger.Debug(ctx, "continuation skipped: no active run",
			"approvals", len(payload.Approvals), "tool_results", len(payload.ToolResults))
		return nil
	}

	ctx, span := s.tel.Tracer.Start(ctx, "hitl.continuation.post", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.AddEvent("continuation", "run_id", runID,
		"approvals", len(payload.Approvals), "tool_results", len(payload.ToolResults))

	start := time.Now()
	err := s.post(ctx, Request{RunID: runID, Payload: payload})
	s.tel.Metrics.RecordTimer("hitl.continuation.duration", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.tel.Metrics.IncCounter("hitl.continuation.posted", 1, "outcome", "error")
		s.tel.Logger.Warn(ctx, "continuation post failed", "run_id", runID, "err", err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	s.tel.Metrics.IncCounter("hitl.continuation.posted", 1, "outcome", "ok")
	s.tel.Logger.Debug(ctx, "continuation posted", "run_id", runID)
	return nil
}

func (s *Submitter) post(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode continuation: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build continuation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range s.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post continuation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("continuation rejected: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("continuation rejected: HTTP %d: %s", e.StatusCode, e.Body)
}
