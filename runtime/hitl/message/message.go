// Package message models the conversation history that a run stream is folded
// into. A conversation is an ordered list of messages, each holding an ordered
// list of parts (text, tool calls, tool results).
//
// Messages and parts are handled by pointer and treated as immutable once
// published: code that needs to change a part allocates a new part and a new
// message around it (copy-on-write) and leaves every untouched value in place.
// Observers can therefore detect changes with pointer equality.
package message

type (
	// Role identifies the author of a message.
	Role string

	// PartType is the wire discriminator of a message part.
	PartType string

	// Message is one entry of the conversation history.
	Message struct {
		ID    string
		Role  Role
		Parts []Part
	}

	// Part is one element of a message. The concrete types are *TextPart,
	// *ToolCallPart and *ToolResultPart.
	Part interface {
		PartType() PartType
	}

	// TextPart holds message text.
	TextPart struct {
		Content string
	}

	// ToolCallPart records a tool invocation requested by the assistant along
	// with the approval and result metadata attached to it.
	ToolCallPart struct {
		// ID is the tool call identifier.
		ID string
		// Name is the tool name.
		Name string
		// Arguments is the JSON encoded tool input.
		Arguments string
		// Status is the lifecycle state of the call.
		Status Status
		// Approval is set when the call is gated by a human approval.
		Approval *Approval
		// Output marks the call as resolved. It holds the tool output or the
		// sentinel true when only the fact of resolution is known.
		Output any
	}

	// Approval identifies the approval request gating a tool call.
	Approval struct {
		ID            string
		NeedsApproval bool
	}

	// ToolResultPart carries the result of a tool call.
	ToolResultPart struct {
		ToolCallID string
		Content    string
		State      string
		Error      string
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

func (*TextPart) PartType() PartType       { return PartText }
func (*ToolCallPart) PartType() PartType   { return PartToolCall }
func (*ToolResultPart) PartType() PartType { return PartToolResult }

// WithParts returns a shallow copy of m holding parts.
func (m *Message) WithParts(parts []Part) *Message {
	out := *m
	out.Parts = parts
	return &out
}

// Clone returns a shallow copy of p. Approval is copied so that the clone can
// be rewritten without affecting p.
func (p *ToolCallPart) Clone() *ToolCallPart {
	out := *p
	if p.Approval != nil {
		a := *p.Approval
		out.Approval = &a
	}
	return &out
}

// ToolCalls returns the tool-call parts of m in order.
func (m *Message) ToolCalls() []*ToolCallPart {
	var out []*ToolCallPart
	for _, p := range m.Parts {
		if tc, ok := p.(*ToolCallPart); ok {
			out = append(out, tc)
		}
	}
	return out
}

// ToolResultIDs returns the set of tool call ids that have a result part in m.
func (m *Message) ToolResultIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, p := range m.Parts {
		if tr, ok := p.(*ToolResultPart); ok {
			ids[tr.ToolCallID] = struct{}{}
		}
	}
	return ids
}

// Text returns the concatenated text parts of m.
func (m *Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if t, ok := p.(*TextPart); ok {
			s += t.Content
		}
	}
	return s
}
