// Package scripted provides a deterministic server.Runner. A Planner maps
// user text to assistant text and tool calls; tools flagged for approval or
// client execution pause the run until a continuation arrives.
//
// The runner records pending actions in a runstore.Store so that the chat
// endpoint can tell when a run is waiting, and so that continuations are
// matched against the actions the run actually requested.
package scripted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"goa.design/hitl/runtime/hitl/chunk"
	"goa.design/hitl/runtime/hitl/continuation"
	"goa.design/hitl/runtime/hitl/runstore"
	"goa.design/hitl/runtime/hitl/server"
	"goa.design/hitl/runtime/hitl/telemetry"
)

// DeniedResult is the tool result content reported for a denied tool call.
const DeniedResult = `{"error":"tool call denied by user"}`

type (
	// Executor runs a server side tool.
	Executor func(ctx context.Context, input map[string]any) (any, error)

	// Tool describes a tool the planner may call.
	Tool struct {
		// Name is the tool name.
		Name string
		// RequireApproval gates the call behind a human decision.
		RequireApproval bool
		// Client marks tools executed by the calling environment. Their
		// result arrives as a continuation tool result.
		Client bool
		// Execute runs server side tools. Ignored for client tools.
		Execute Executor
	}

	// Call is a tool invocation planned for a turn.
	Call struct {
		Tool  string
		Input map[string]any
	}

	// Plan is the scripted response to a user message.
	Plan struct {
		Text  string
		Calls []Call
	}

	// Planner turns user text into a plan.
	Planner func(ctx context.Context, text string) (Plan, error)

	// FollowUp returns the assistant text emitted after a tool call of the
	// run completed. Empty text emits nothing.
	FollowUp func(tool string, output any, err error) string

	// Option configures a Runner.
	Option func(*Runner)

	// Runner implements server.Runner.
	Runner struct {
		store    runstore.Store
		planner  Planner
		tools    map[string]Tool
		model    string
		followUp FollowUp
		newID    func() string
		logger   telemetry.Logger
	}
)

var _ server.Runner = (*Runner)(nil)

// WithTools registers tools.
func WithTools(tools ...Tool) Option {
	return func(r *Runner) {
		for _, t := range tools {
			r.tools[t.Name] = t
		}
	}
}

// WithModel sets the model name stamped on chunks.
func WithModel(model string) Option {
	return func(r *Runner) {
		r.model = model
	}
}

// WithFollowUp sets the follow up text generator.
func WithFollowUp(fn FollowUp) Option {
	return func(r *Runner) {
		r.followUp = fn
	}
}

// WithIDGenerator overrides the generator of tool call and invocation ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) {
		r.newID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// New returns a runner recording pending actions in store.
func New(store runstore.Store, planner Planner, opts ...Option) *Runner {
	r := &Runner{
		store:   store,
		planner: planner,
		tools:   make(map[string]Tool),
		model:   "scripted",
		newID:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.followUp == nil {
		r.followUp = defaultFollowUp
	}
	return r
}

// Start implements server.Runner.
func (r *Runner) Start(ctx context.Context, runID, text string, emit server.Emitter) error {
	invocationID := "inv_" + r.newID()
	if err := r.store.SetInvocationID(ctx, runID, invocationID); err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	plan, err := r.planner(ctx, text)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	w := &writer{runner: r, runID: runID, emit: emit}
	if err := w.text(plan.Text); err != nil {
		return err
	}
	for _, call := range plan.Calls {
		if err := r.call(ctx, w, invocationID, call); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) call(ctx context.Context, w *writer, invocationID string, call Call) error {
	tool, ok := r.tools[call.Tool]
	if !ok {
		return fmt.Errorf("unknown tool %q", call.Tool)
	}
	input := call.Input
	if input == nil {
		input = map[string]any{}
	}
	args, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode %s input: %w", tool.Name, err)
	}
	toolCallID := "tool_" + r.newID()
	action := runstore.PendingAction{
		ToolCallID:   toolCallID,
		ToolName:     tool.Name,
		Input:        input,
		InvocationID: invocationID,
	}
	if tool.Client {
		if err := r.store.AddPendingClientTool(ctx, w.runID, action); err != nil {
			return fmt.Errorf("record client tool: %w", err)
		}
	}
	if err := w.toolCall(toolCallID, tool.Name, string(args)); err != nil {
		return err
	}
	if tool.RequireApproval {
		action.ConfirmationID = "confirm_" + toolCallID
		if err := r.store.AddPendingApproval(ctx, w.runID, action); err != nil {
			return fmt.Errorf("record approval: %w", err)
		}
		r.logger.Info(ctx, "approval requested", "run_id", w.runID, "tool_call_id", toolCallID, "tool", tool.Name)
		return w.emit(chunk.ApprovalRequested{
			Base:       chunk.NewBase(w.runID, r.model),
			ToolCallID: toolCallID,
			ToolName:   tool.Name,
			Input:      input,
			Approval:   chunk.Approval{ID: toolCallID, NeedsApproval: true},
		})
	}
	if tool.Client {
		return w.emit(chunk.ToolInputAvailable{
			Base:       chunk.NewBase(w.runID, r.model),
			ToolCallID: toolCallID,
			ToolName:   tool.Name,
			Input:      input,
		})
	}
	return r.execute(ctx, w, tool, toolCallID, input)
}

// Resume implements server.Runner. Approvals are applied first in tool call
// id order, then tool results. Decisions and results for actions the run is
// not waiting on are ignored.
func (r *Runner) Resume(ctx context.Context, runID string, payload continuation.Payload, emit server.Emitter) error {
	w := &writer{runner: r, runID: runID, emit: emit}

	for _, id := range sortedKeys(payload.Approvals) {
		approved := payload.Approvals[id]
		pending, err := r.store.PopPendingApproval(ctx, runID, id)
		if errors.Is(err, runstore.ErrNotFound) {
			r.logger.Debug(ctx, "decision for unknown approval", "run_id", runID, "tool_call_id", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("pop approval: %w", err)
		}
		r.logger.Info(ctx, "approval decided", "run_id", runID, "tool_call_id", id, "approved", approved)
		tool := r.tools[pending.ToolName]
		switch {
		case tool.Client && approved:
			if err := w.emit(chunk.ToolInputAvailable{
				Base:       chunk.NewBase(runID, r.model),
				ToolCallID: pending.ToolCallID,
				ToolName:   pending.ToolName,
				Input:      pending.Input,
			}); err != nil {
				return err
			}
		case !approved:
			if tool.Client {
				if _, err := r.store.PopPendingClientTool(ctx, runID, pending.ToolCallID); err != nil && !errors.Is(err, runstore.ErrNotFound) {
					return fmt.Errorf("pop client tool: %w", err)
				}
			}
			if err := w.toolResult(pending.ToolCallID, DeniedResult); err != nil {
				return err
			}
			if err := w.text(r.followUp(pending.ToolName, nil, errDenied)); err != nil {
				return err
			}
		default:
			if err := r.execute(ctx, w, tool, pending.ToolCallID, pending.Input); err != nil {
				return err
			}
		}
	}

	for _, id := range sortedKeys(payload.ToolResults) {
		result := payload.ToolResults[id]
		pending, err := r.store.PopPendingClientTool(ctx, runID, id)
		if errors.Is(err, runstore.ErrNotFound) {
			r.logger.Debug(ctx, "result for unknown client tool", "run_id", runID, "tool_call_id", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("pop client tool: %w", err)
		}
		var toolErr error
		content, err := resultContent(result.Output)
		if err != nil {
			return err
		}
		if result.Failed() {
			toolErr = errors.New(result.ErrorText)
			content, _ = resultContent(map[string]any{"error": result.ErrorText})
		}
		if err := w.toolResult(pending.ToolCallID, content); err != nil {
			return err
		}
		if err := w.text(r.followUp(pending.ToolName, result.Output, toolErr)); err != nil {
			return err
		}
	}
	return nil
}

// HasPending implements server.Runner.
func (r *Runner) HasPending(ctx context.Context, runID string) (bool, error) {
	return r.store.HasPending(ctx, runID)
}

func (r *Runner) execute(ctx context.Context, w *writer, tool Tool, toolCallID string, input map[string]any) error {
	var (
		output any
		err    error
	)
	if tool.Execute == nil {
		err = fmt.Errorf("tool %q has no executor", tool.Name)
	} else {
		output, err = tool.Execute(ctx, input)
	}
	content := ""
	if err != nil {
		r.logger.Warn(ctx, "tool failed", "run_id", w.runID, "tool", tool.Name, "err", err)
		content, _ = resultContent(map[string]any{"error": err.Error()})
	} else if content, err = resultContent(output); err != nil {
		return err
	}
	if err := w.toolResult(toolCallID, content); err != nil {
		return err
	}
	return w.text(r.followUp(tool.Name, output, err))
}

var errDenied = errors.New("denied")

func defaultFollowUp(tool string, _ any, err error) string {
	switch {
	case errors.Is(err, errDenied):
		return fmt.Sprintf("Skipped %s.", tool)
	case err != nil:
		return fmt.Sprintf("%s failed: %v", tool, err)
	default:
		return fmt.Sprintf("%s completed.", tool)
	}
}

// resultContent renders a tool output as tool result content. Strings are
// used as is; anything else is JSON encoded.
func resultContent(output any) (string, error) {
	if s, ok := output.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("encode tool output: %w", err)
	}
	return string(b), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
