// Package approval tracks the approval requests and client tool invocations a
// paused run is waiting on.
package approval

type (
	// Info describes an outstanding approval request.
	Info struct {
		// ID identifies the approval request. Decisions are addressed by ID.
		ID string `json:"id"`
		// ToolCallID identifies the gated tool call.
		ToolCallID string `json:"toolCallId"`
		// ToolName is the name of the gated tool.
		ToolName string `json:"toolName"`
		// Input is the decoded tool input.
		Input any `json:"input"`
		// RunID identifies the run that requested the approval. Empty when
		// unknown.
		RunID string `json:"runId,omitempty"`
	}

	// ClientTool describes a tool call that must be executed by the calling
	// environment.
	ClientTool struct {
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		Input      any    `json:"input"`
		RunID      string `json:"runId"`
	}

	// Registry holds approval requests keyed by tool call id. Iteration follows
	// insertion order; overwriting an entry keeps its original position.
	// Registry is not safe for concurrent use.
	Registry struct {
		order   []string
		entries map[string]Info
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Info)}
}

// Put inserts or replaces the entry for info.ToolCallID.
func (r *Registry) Put(info Info) {
	if r.entries == nil {
		r.entries = make(map[string]Info)
	}
	if _, ok := r.entries[info.ToolCallID]; !ok {
		r.order = append(r.order, info.ToolCallID)
	}
	r.entries[info.ToolCallID] = info
}

// Get returns the entry for toolCallID.
func (r *Registry) Get(toolCallID string) (Info, bool) {
	if r == nil {
		return Info{}, false
	}
	info, ok := r.entries[toolCallID]
	return info, ok
}

// Delete removes the entry for toolCallID and reports whether it existed.
func (r *Registry) Delete(toolCallID string) bool {
	if r == nil {
		return false
	}
	if _, ok := r.entries[toolCallID]; !ok {
		return false
	}
	delete(r.entries, toolCallID)
	for i, id := range r.order {
		if id == toolCallID {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Entries returns the entries in insertion order.
func (r *Registry) Entries() []Info {
	if r == nil {
		return nil
	}
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// Clone returns an independent copy of r.
func (r *Registry) Clone() *Registry {
	out := NewRegistry()
	if r == nil {
		return out
	}
	out.order = append(out.order, r.order...)
	for k, v := range r.entries {
		out.entries[k] = v
	}
	return out
}
