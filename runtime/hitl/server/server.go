// Package server exposes the backend HTTP surface of the control plane: the
// streaming chat endpoint that drives runs, the continuation endpoint that
// resumes paused runs and a health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"goa.design/hitl/runtime/hitl/chunk"
	"goa.design/hitl/runtime/hitl/continuation"
	"goa.design/hitl/runtime/hitl/hub"
	"goa.design/hitl/runtime/hitl/telemetry"
)

const (
	// DefaultMaxBodyBytes bounds request bodies.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultModel is reported by the health endpoint when no model is
	// configured.
	DefaultModel = "scripted"
)

type (
	// Option configures a Server.
	Option func(*Server)

	// Server implements http.Handler.
	Server struct {
		runner      Runner
		hub         hub.Hub
		model       string
		tel         telemetry.Telemetry
		limiter     *rate.Limiter
		maxBody     int64
		waitTimeout time.Duration
		newRunID    func() string
		schema      *jsonschema.Schema
		mux         *http.ServeMux
		// paused counts the runs blocked on a continuation.
		paused atomic.Int64
	}

	errorBody struct {
		Detail string `json:"detail"`
	}

	statusBody struct {
		Status string `json:"status"`
		Model  string `json:"model,omitempty"`
	}
)

// WithModel sets the model name reported in chunks and by the health
// endpoint.
func WithModel(model string) Option {
	return func(s *Server) {
		s.model = model
	}
}

// WithTelemetry sets the logger, metrics and tracer.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Server) {
		s.tel = tel
	}
}

// WithRateLimit limits accepted continuations to limit per second with the
// given burst. Rejected requests receive 429.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithWaitTimeout bounds how long a chat stream waits for a continuation.
// Zero waits until the client disconnects.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.waitTimeout = d
	}
}

// WithRunIDGenerator overrides the generator of new run ids.
func WithRunIDGenerator(fn func() string) Option {
	return func(s *Server) {
		s.newRunID = fn
	}
}

// New returns a server driving runs with runner and routing continuations
// through h.
func New(runner Runner, h hub.Hub, opts ...Option) (*Server, error) {
	if runner == nil {
		return nil, errors.New("server: runner is required")
	}
	if h == nil {
		return nil, errors.New("server: hub is required")
	}
	schema, err := compileSchema(continuationSchemaURL, continuationSchema)
	if err != nil {
		return nil, err
	}
	s := &Server{
		runner:   runner,
		hub:      h,
		model:    DefaultModel,
		maxBody:  DefaultMaxBodyBytes,
		newRunID: newRunID,
		schema:   schema,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.tel = s.tel.WithDefaults()
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+continuation.Path, s.handleContinuation)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusBody{Status: "ok", Model: s.model})
}

func (s *Server) handleContinuation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !s.limiter.Allow() {
		s.tel.Metrics.IncCounter("hitl.server.continuations", 1, "outcome", "throttled")
		writeJSON(w, http.StatusTooManyRequests, errorBody{Detail: "Too many continuation requests"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		s.reject(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large", err)
		return
	}
	if err := validate(s.schema, body); err != nil {
		s.reject(ctx, w, http.StatusBadRequest, "Invalid continuation", err)
		return
	}
	var req continuation.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.reject(ctx, w, http.StatusBadRequest, "Invalid continuation", err)
		return
	}
	if req.RunID == "" {
		s.reject(ctx, w, http.StatusBadRequest, "Missing run_id", nil)
		return
	}
	if err := s.hub.Push(ctx, req.RunID, req.Payload); err != nil {
		s.tel.Logger.Error(ctx, "push continuation", "run_id", req.RunID, "err", err)
		s.tel.Metrics.IncCounter("hitl.server.continuations", 1, "outcome", "error")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "Continuation hub unavailable"})
		return
	}
	s.tel.Logger.Info(ctx, "continuation accepted", "run_id", req.RunID,
		"approvals", len(req.Approvals), "tool_results", len(req.ToolResults))
	s.tel.Metrics.IncCounter("hitl.server.continuations", 1, "outcome", "ok")
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

func (s *Server) reject(ctx context.Context, w http.ResponseWriter, status int, detail string, err error) {
	s.tel.Metrics.IncCounter("hitl.server.continuations", 1, "outcome", "rejected")
	if err != nil {
		s.tel.Logger.Debug(ctx, "continuation rejected", "detail", detail, "err", err)
	}
	writeJSON(w, status, errorBody{Detail: detail})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Detail: "Request body too large"})
		return
	}
	req := parseChatRequest(body)
	runID := req.runID
	if runID == "" {
		runID = s.newRunID()
	}

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(c chunk.Chunk) error {
		if err := chunk.WriteEvent(w, c); err != nil {
			return err
		}
		flush(rc)
		return nil
	}

	ctx, span := s.tel.Tracer.Start(ctx, "hitl.server.chat", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.AddEvent("run", "run_id", runID)
	defer func() {
		if err := s.hub.Forget(context.WithoutCancel(ctx), runID); err != nil {
			s.tel.Logger.Warn(ctx, "forget run", "run_id", runID, "err", err)
		}
	}()

	if err := s.drive(ctx, runID, req.text, emit); err != nil {
		// The client is gone or the stream is broken; nothing more can be
		// written.
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.tel.Logger.Warn(ctx, "chat stream aborted", "run_id", runID, "err", err)
		return
	}
	done := chunk.Done{Base: chunk.NewBase(runID, s.model), FinishReason: chunk.FinishStop}
	if err := emit(done); err == nil {
		_ = chunk.WriteDone(w)
		flush(rc)
	}
	span.SetStatus(codes.Ok, "")
}

// drive runs the turn and then resumes it with continuations until the
// runner reports nothing pending. Runner failures are reported to the client
// as error chunks; only stream failures are returned.
func (s *Server) drive(ctx context.Context, runID, text string, emit Emitter) error {
	if text == "" {
		return nil
	}
	start := time.Now()
	defer func() {
		s.tel.Metrics.RecordTimer("hitl.server.run.duration", time.Since(start))
	}()
	s.tel.Logger.Info(ctx, "run started", "run_id", runID)
	if err := s.runner.Start(ctx, runID, text, emit); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.emitError(ctx, runID, emit, err); err != nil {
			return err
		}
	}
	for {
		pending, err := s.runner.HasPending(ctx, runID)
		if err != nil {
			return s.emitError(ctx, runID, emit, err)
		}
		if !pending {
			return nil
		}
		s.tel.Metrics.RecordGauge("hitl.server.runs.paused", float64(s.paused.Add(1)))
		payload, err := s.wait(ctx, runID)
		s.tel.Metrics.RecordGauge("hitl.server.runs.paused", float64(s.paused.Add(-1)))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return s.emitError(ctx, runID, emit, err)
		}
		s.tel.Logger.Info(ctx, "run resumed", "run_id", runID,
			"approvals", len(payload.Approvals), "tool_results", len(payload.ToolResults))
		if err := s.runner.Resume(ctx, runID, payload, emit); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := s.emitError(ctx, runID, emit, err); err != nil {
				return err
			}
		}
	}
}

func (s *Server) wait(ctx context.Context, runID string) (continuation.Payload, error) {
	if s.waitTimeout <= 0 {
		return s.hub.Wait(ctx, runID)
	}
	wctx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	p, err := s.hub.Wait(wctx, runID)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return p, fmt.Errorf("timed out after %s waiting for a continuation", s.waitTimeout)
	}
	return p, err
}

func (s *Server) emitError(ctx context.Context, runID string, emit Emitter, err error) error {
	s.tel.Logger.Error(ctx, "run failed", "run_id", runID, "err", err)
	s.tel.Metrics.IncCounter("hitl.server.run.errors", 1)
	s.tel.Tracer.Span(ctx).RecordError(err)
	return emit(chunk.Error{
		Base:  chunk.NewBase(runID, s.model),
		Error: chunk.ErrorInfo{Message: err.Error()},
	})
}

type chatRequest struct {
	runID string
	text  string
}

// parseChatRequest extracts the run id and the latest user text from a chat
// body. Malformed bodies yield an empty request.
func parseChatRequest(body []byte) chatRequest {
	var raw struct {
		RunID    string            `json:"run_id"`
		Data     json.RawMessage   `json:"data"`
		Messages []json.RawMessage `json:"messages"`
	}
	if len(body) == 0 || json.Unmarshal(body, &raw) != nil {
		return chatRequest{}
	}
	req := chatRequest{runID: raw.RunID}
	if req.runID == "" && len(raw.Data) > 0 {
		var data struct {
			RunID string `json:"run_id"`
		}
		if json.Unmarshal(raw.Data, &data) == nil {
			req.runID = data.RunID
		}
	}
	req.text = lastUserText(raw.Messages)
	return req
}

// lastUserText returns the trimmed text of the most recent user message.
// Content is either a string or a list of parts whose text parts are
// concatenated.
func lastUserText(msgs []json.RawMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		var m struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if json.Unmarshal(msgs[i], &m) != nil || m.Role != "user" {
			continue
		}
		var s string
		if json.Unmarshal(m.Content, &s) == nil {
			return strings.TrimSpace(s)
		}
		var parts []struct {
			Type    string `json:"type"`
			Content string `json:"content"`
		}
		if json.Unmarshal(m.Content, &parts) == nil {
			var b strings.Builder
			for _, p := range parts {
				if p.Type == "text" {
					b.WriteString(p.Content)
				}
			}
			return strings.TrimSpace(b.String())
		}
		return ""
	}
	return ""
}

// flush pushes buffered frames to the client. Writers that cannot flush are
// left to buffer until the handler returns.
func flush(rc *http.ResponseController) {
	_ = rc.Flush()
}

func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
