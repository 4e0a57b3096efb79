// Package session implements the orchestrator that sits between a chat run
// stream and the humans or client environments that unblock it.
//
// A Session observes the chunks of the active run, keeps the approval registry
// and the pending client tool, reconciles them with the externally owned
// message list and submits continuations when a decision or a client tool
// result is available. The message list itself belongs to the Stream: the
// session only ever writes it back through Stream.UpdateMessages.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"goa.design/hitl/runtime/hitl/approval"
	"goa.design/hitl/runtime/hitl/chunk"
	"goa.design/hitl/runtime/hitl/continuation"
	"goa.design/hitl/runtime/hitl/message"
	"goa.design/hitl/runtime/hitl/reconcile"
	"goa.design/hitl/runtime/hitl/telemetry"
	"goa.design/hitl/runtime/hitl/transport"
)

type (
	// Stream is the transport boundary. It owns the message list and sends
	// user messages to the backend. Implementations must not call back into
	// the session from UpdateMessages or SetMessages.
	Stream interface {
		// Messages returns the current message list.
		Messages() []*message.Message
		// SetMessages replaces the message list.
		SetMessages(msgs []*message.Message)
		// UpdateMessages atomically replaces the message list with the value
		// returned by fn applied to the current list.
		UpdateMessages(fn func([]*message.Message) []*message.Message)
		// Send appends a user message and streams the run it starts. Send
		// blocks until the stream ends.
		Send(ctx context.Context, text string) error
		// Loading reports whether a run is streaming.
		Loading() bool
		// Err returns the last stream error.
		Err() error
	}

	// Continuer submits continuation payloads for the current run.
	Continuer interface {
		Post(ctx context.Context, payload continuation.Payload) error
	}

	// ToolResultPayload is the outcome of a client tool as reported by the
	// calling environment.
	ToolResultPayload struct {
		Output    any
		State     string
		ErrorText string
	}

	// Option configures a Session.
	Option func(*Session)

	// Session is the orchestrator. It is safe for concurrent use.
	Session struct {
		stream    Stream
		submitter Continuer
		logger    telemetry.Logger

		mu          sync.Mutex
		input       string
		clientTool  *approval.ClientTool
		runID       string
		registry    *approval.Registry
		regVersion  uint64
		messageRuns map[string]string

		// pending approvals memo, keyed by the message list identity and the
		// registry version.
		memoMsgs    []*message.Message
		memoVersion uint64
		memoValid   bool
		memo        []approval.Info
		memoByCall  map[string]approval.Info
	}
)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// New returns a session reconciling the messages held by stream and posting
// continuations with submitter.
func New(stream Stream, submitter Continuer, opts ...Option) *Session {
	s := &Session{
		stream:      stream,
		submitter:   submitter,
		registry:    approval.NewRegistry(),
		messageRuns: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	return s
}

// HandleChunk observes one chunk of the active run. It records the run id,
// the client tool and approval requests carried by the chunk. Other chunk
// types are left to the transport.
func (s *Session) HandleChunk(ctx context.Context, c chunk.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runChanged := false
	if id := c.RunID(); id != "" && id != s.runID {
		s.runID = id
		runChanged = true
	}

	switch v := c.(type) {
	case chunk.ToolInputAvailable:
		s.clientTool = &approval.ClientTool{
			ToolCallID: v.ToolCallID,
			ToolName:   v.ToolName,
			Input:      v.Input,
			RunID:      v.ID,
		}
		s.logger.Debug(ctx, "client tool requested", "tool_call_id", v.ToolCallID, "tool", v.ToolName, "run_id", v.ID)
	case chunk.ApprovalRequested:
		id := v.Approval.ID
		if id == "" {
			id = v.ToolCallID
		}
		s.registry.Put(approval.Info{
			ID:         id,
			ToolCallID: v.ToolCallID,
			ToolName:   v.ToolName,
			Input:      v.Input,
			RunID:      v.ID,
		})
		s.regVersion++
		s.logger.Debug(ctx, "approval requested", "approval_id", id, "tool_call_id", v.ToolCallID, "tool", v.ToolName, "run_id", v.ID)
		s.mergeLocked()
	}
	if runChanged {
		s.attributeLocked()
	}
}

// MessagesChanged reconciles the message list after the transport changed
// it: registry and result metadata are merged into tool-call parts and new
// assistant messages are attributed to the current run.
func (s *Session) MessagesChanged(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked()
	s.attributeLocked()
}

// Messages returns the current message list.
func (s *Session) Messages() []*message.Message {
	return s.stream.Messages()
}

// PendingApprovals returns the approvals awaiting a decision.
func (s *Session) PendingApprovals() []approval.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, _ := s.pendingLocked()
	out := make([]approval.Info, len(pending))
	copy(out, pending)
	return out
}

// PendingApprovalFor returns the pending approval gating toolCallID.
func (s *Session) PendingApprovalFor(toolCallID string) (approval.Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, byCall := s.pendingLocked()
	info, ok := byCall[toolCallID]
	return info, ok
}

// PendingClientTool returns the client tool awaiting execution, if any.
func (s *Session) PendingClientTool() (approval.ClientTool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientTool == nil {
		return approval.ClientTool{}, false
	}
	return *s.clientTool, true
}

// CurrentRunID returns the id of the most recently observed run or "".
func (s *Session) CurrentRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// RunIDForMessage returns the run that produced the assistant message id.
func (s *Session) RunIDForMessage(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runID, ok := s.messageRuns[id]
	return runID, ok
}

// InputText returns the draft input.
func (s *Session) InputText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// SetInputText replaces the draft input.
func (s *Session) SetInputText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = text
}

// Loading reports whether a run is streaming.
func (s *Session) Loading() bool { return s.stream.Loading() }

// Err returns the last stream error.
func (s *Session) Err() error { return s.stream.Err() }

// SubmitMessage sends text as a new user message. It does nothing while a
// run is streaming or when text is blank. Submitting discards the pending
// client tool.
func (s *Session) SubmitMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" || s.stream.Loading() {
		return nil
	}
	s.mu.Lock()
	prev := s.clientTool
	s.clientTool = nil
	s.mu.Unlock()
	if err := s.stream.Send(ctx, text); err != nil {
		// A run started after the Loading check.
		if errors.Is(err, transport.ErrBusy) {
			s.mu.Lock()
			if s.clientTool == nil {
				s.clientTool = prev
			}
			s.mu.Unlock()
			s.logger.Debug(ctx, "message dropped: a run is streaming")
			return nil
		}
		return err
	}
	return nil
}

// Approve approves the pending approval identified by approvalID and
// continues the run. Unknown ids are ignored.
func (s *Session) Approve(ctx context.Context, approvalID string) error {
	return s.decide(ctx, approvalID, true)
}

// Deny denies the pending approval identified by approvalID and continues
// the run. Unknown ids are ignored.
func (s *Session) Deny(ctx context.Context, approvalID string) error {
	return s.decide(ctx, approvalID, false)
}

func (s *Session) decide(ctx context.Context, approvalID string, approved bool) error {
	s.mu.Lock()
	pending, _ := s.pendingLocked()
	var (
		info  approval.Info
		found bool
	)
	for _, p := range pending {
		if p.ID == approvalID {
			info, found = p, true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		s.logger.Debug(ctx, "approval decision ignored: not pending", "approval_id", approvalID, "approved", approved)
		return nil
	}
	if s.registry.Delete(info.ToolCallID) {
		s.regVersion++
	}
	s.stream.UpdateMessages(func(msgs []*message.Message) []*message.Message {
		return reconcile.ApplyApprovalResponse(msgs, approvalID, approved)
	})
	s.mu.Unlock()

	s.logger.Info(ctx, "approval decided", "approval_id", approvalID, "tool_call_id", info.ToolCallID, "approved", approved)
	return s.submitter.Post(ctx, continuation.Payload{
		Approvals: map[string]bool{info.ToolCallID: approved},
	})
}

// ResolveClientTool reports the outcome of a client tool and continues the
// run. The pending client tool is cleared whether or not it matches
// toolCallID.
func (s *Session) ResolveClientTool(ctx context.Context, toolCallID, toolName string, payload ToolResultPayload) error {
	s.mu.Lock()
	if s.clientTool != nil && s.clientTool.ToolCallID != toolCallID {
		s.logger.Warn(ctx, "resolving a client tool that is not the pending one",
			"tool_call_id", toolCallID, "pending_tool_call_id", s.clientTool.ToolCallID)
	}
	s.clientTool = nil
	s.mu.Unlock()

	return s.submitter.Post(ctx, continuation.Payload{
		ToolResults: map[string]continuation.ToolResult{
			toolCallID: {
				Tool:      toolName,
				Output:    payload.Output,
				State:     payload.State,
				ErrorText: payload.ErrorText,
			},
		},
	})
}

// mergeLocked runs the reconciler merge against the latest message list and
// writes the result back when it changed.
func (s *Session) mergeLocked() {
	reg := s.registry
	s.stream.UpdateMessages(func(msgs []*message.Message) []*message.Message {
		if len(msgs) == 0 {
			return msgs
		}
		out, _ := reconcile.MergeApprovalMetadata(msgs, reg)
		return out
	})
}

// attributeLocked assigns the current run to assistant messages that have no
// run yet. Attributions are never overwritten.
func (s *Session) attributeLocked() {
	if s.runID == "" {
		return
	}
	for _, m := range s.stream.Messages() {
		if m.Role != message.RoleAssistant {
			continue
		}
		if _, ok := s.messageRuns[m.ID]; !ok {
			s.messageRuns[m.ID] = s.runID
		}
	}
}

// pendingLocked returns the memoized pending approvals and their lookup by
// tool call id, recomputing them when the messages or the registry changed.
func (s *Session) pendingLocked() ([]approval.Info, map[string]approval.Info) {
	msgs := s.stream.Messages()
	if s.memoValid && s.memoVersion == s.regVersion && sameMessages(s.memoMsgs, msgs) {
		return s.memo, s.memoByCall
	}
	pending := reconcile.DerivePendingApprovals(msgs, s.registry)
	byCall := make(map[string]approval.Info, len(pending))
	for _, p := range pending {
		byCall[p.ToolCallID] = p
	}
	s.memoMsgs = append(s.memoMsgs[:0], msgs...)
	s.memoVersion = s.regVersion
	s.memo = pending
	s.memoByCall = byCall
	s.memoValid = true
	return pending, byCall
}

func sameMessages(a, b []*message.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
