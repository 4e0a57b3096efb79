// Package runstore records, per run, the actions a paused run waits on before
// it can continue: approvals of gated tool calls and results of client tools.
package runstore

import (
	"context"
	"errors"
	"maps"
	"time"
)

// ErrNotFound is returned when a pending action does not exist.
var ErrNotFound = errors.New("runstore: pending action not found")

const (
	// KindApproval marks a tool call waiting for a human decision.
	KindApproval Kind = "approval"
	// KindClientTool marks a tool call waiting for a client side result.
	KindClientTool Kind = "client_tool"
)

type (
	// Kind distinguishes approvals from client tools.
	Kind string

	// PendingAction is one action a run waits on.
	PendingAction struct {
		Kind       Kind           `json:"kind"`
		ToolCallID string         `json:"tool_call_id"`
		ToolName   string         `json:"tool_name"`
		Input      map[string]any `json:"tool_input,omitempty"`
		// InvocationID identifies the model invocation that produced the
		// tool call.
		InvocationID string `json:"invocation_id"`
		// ConfirmationID identifies the confirmation request issued to the
		// model runtime, when it differs from the tool call id.
		ConfirmationID string    `json:"confirmation_id,omitempty"`
		CreatedAt      time.Time `json:"created_at"`
	}

	// Store persists pending actions keyed by run id then tool call id.
	// Implementations must be safe for concurrent use.
	Store interface {
		// SetInvocationID records the current model invocation of the run.
		SetInvocationID(ctx context.Context, runID, invocationID string) error
		// InvocationID returns the current model invocation of the run or ""
		// when none was recorded.
		InvocationID(ctx context.Context, runID string) (string, error)
		// AddPendingApproval records an approval, replacing any previous one
		// for the same tool call.
		AddPendingApproval(ctx context.Context, runID string, action PendingAction) error
		// AddPendingClientTool records a client tool, replacing any previous
		// one for the same tool call.
		AddPendingClientTool(ctx context.Context, runID string, action PendingAction) error
		// PendingApproval returns the approval for the tool call or
		// ErrNotFound.
		PendingApproval(ctx context.Context, runID, toolCallID string) (PendingAction, error)
		// PendingClientTool returns the client tool for the tool call or
		// ErrNotFound.
		PendingClientTool(ctx context.Context, runID, toolCallID string) (PendingAction, error)
		// PopPendingApproval removes and returns the approval for the tool
		// call or ErrNotFound.
		PopPendingApproval(ctx context.Context, runID, toolCallID string) (PendingAction, error)
		// PopPendingClientTool removes and returns the client tool for the
		// tool call or ErrNotFound.
		PopPendingClientTool(ctx context.Context, runID, toolCallID string) (PendingAction, error)
		// HasPending reports whether the run waits on any action.
		HasPending(ctx context.Context, runID string) (bool, error)
		// Delete forgets everything recorded for the run.
		Delete(ctx context.Context, runID string) error
	}
)

// Clone returns a copy of a whose Input map is independent of the original.
func (a PendingAction) Clone() PendingAction {
	if a.Input != nil {
		a.Input = maps.Clone(a.Input)
	}
	return a
}
