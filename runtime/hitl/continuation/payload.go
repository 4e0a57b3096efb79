// Package continuation carries human decisions and client tool results back
// to a paused run.
package continuation

// Tool result states.
const (
	StateOutputAvailable = "output-available"
	StateOutputError     = "output-error"
)

type (
	// Payload is the body of a continuation. At least one of Approvals or
	// ToolResults is set by the session; both may be present when the backend
	// batches.
	Payload struct {
		// Approvals maps tool call ids to the human decision.
		Approvals map[string]bool `json:"approvals,omitempty"`
		// ToolResults maps tool call ids to client tool outcomes.
		ToolResults map[string]ToolResult `json:"tool_results,omitempty"`
	}

	// Request is the wire body of POST /api/continuation.
	Request struct {
		RunID string `json:"run_id"`
		Payload
	}

	// ToolResult is the outcome of a client executed tool.
	ToolResult struct {
		Tool      string `json:"tool"`
		Output    any    `json:"output"`
		State     string `json:"state"`
		ErrorText string `json:"errorText,omitempty"`
	}
)

// Empty reports whether p carries neither approvals nor tool results.
func (p Payload) Empty() bool {
	return len(p.Approvals) == 0 && len(p.ToolResults) == 0
}

// Failed reports whether the tool result records an execution error.
func (r ToolResult) Failed() bool {
	return r.State == StateOutputError
}
