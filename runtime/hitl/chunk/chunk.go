// Package chunk defines the events emitted by a run stream. A run produces an
// ordered sequence of chunks (text deltas, tool calls, approval requests,
// completion signals) that clients fold into the conversation history and use
// to discover the actions required before the run can continue.
//
// Chunks are a closed set of concrete types implementing Chunk. Every chunk
// carries the run identifier that produced it together with the model name
// and an emission timestamp, which are passed through untouched.
package chunk

import (
	"encoding/json"
	"time"
)

type (
	// Type identifies the kind of a chunk on the wire.
	Type string

	// FinishReason explains why a run paused or finished.
	FinishReason string

	// Chunk is one discrete event of a run stream.
	Chunk interface {
		// Type returns the wire discriminator of the chunk.
		Type() Type
		// RunID returns the identifier of the run that produced the chunk. It may
		// be empty for chunks produced outside of a run.
		RunID() string
	}

	// Base holds the metadata shared by all chunks.
	Base struct {
		// ID is the run identifier.
		ID string `json:"id"`
		// Model names the model that produced the chunk. Opaque.
		Model string `json:"model"`
		// Timestamp is the emission time in Unix milliseconds. Opaque.
		Timestamp int64 `json:"timestamp"`
	}

	// Content streams assistant text. Delta is the new text and Content the
	// accumulated text for the current turn.
	Content struct {
		Base
		Content string `json:"content"`
		Delta   string `json:"delta"`
		Role    string `json:"role,omitempty"`
	}

	// Thinking streams model reasoning.
	Thinking struct {
		Base
		Content string `json:"content"`
		Delta   string `json:"delta"`
	}

	// ToolCall announces a tool invocation with finalized arguments.
	ToolCall struct {
		Base
		Index    int          `json:"index"`
		ToolCall ToolCallSpec `json:"toolCall"`
	}

	// ToolCallSpec describes the invoked function.
	ToolCallSpec struct {
		ID       string       `json:"id"`
		Kind     string       `json:"type"`
		Function FunctionCall `json:"function"`
	}

	// FunctionCall carries the tool name and its JSON encoded arguments.
	FunctionCall struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}

	// ToolResult reports the outcome of a tool executed by the run.
	ToolResult struct {
		Base
		ToolCallID string `json:"toolCallId"`
		Content    string `json:"content"`
	}

	// ToolInputAvailable signals a tool call that must be executed by the
	// calling environment (a client tool). Its result is fed back through a
	// continuation.
	ToolInputAvailable struct {
		Base
		ToolCallID string `json:"toolCallId"`
		ToolName   string `json:"toolName"`
		Input      any    `json:"input"`
	}

	// ApprovalRequested signals a tool call that requires human sign-off before
	// execution.
	ApprovalRequested struct {
		Base
		ToolCallID string   `json:"toolCallId"`
		ToolName   string   `json:"toolName"`
		Input      any      `json:"input"`
		Approval   Approval `json:"approval"`
	}

	// Approval identifies an approval request.
	Approval struct {
		ID            string `json:"id"`
		NeedsApproval bool   `json:"needsApproval"`
	}

	// Error reports a run failure.
	Error struct {
		Base
		Error ErrorInfo `json:"error"`
	}

	// ErrorInfo describes a run failure.
	ErrorInfo struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}

	// Done signals that the run paused or finished.
	Done struct {
		Base
		FinishReason FinishReason `json:"finishReason"`
		Usage        *Usage       `json:"usage,omitempty"`
	}

	// Usage reports token consumption.
	Usage struct {
		CompletionTokens int `json:"completionTokens"`
		PromptTokens     int `json:"promptTokens"`
		TotalTokens      int `json:"totalTokens"`
	}

	// Unknown carries a chunk whose type is not recognized. It is passed
	// through so newer producers do not break older consumers.
	Unknown struct {
		Base
		Kind Type            `json:"type"`
		Raw  json.RawMessage `json:"-"`
	}
)

const (
	TypeContent            Type = "content"
	TypeThinking           Type = "thinking"
	TypeToolCall           Type = "tool_call"
	TypeToolResult         Type = "tool_result"
	TypeToolInputAvailable Type = "tool-input-available"
	TypeApprovalRequested  Type = "approval-requested"
	TypeError              Type = "error"
	TypeDone               Type = "done"
)

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// RunID implements Chunk.
func (b Base) RunID() string { return b.ID }

func (Content) Type() Type            { return TypeContent }
func (Thinking) Type() Type           { return TypeThinking }
func (ToolCall) Type() Type           { return TypeToolCall }
func (ToolResult) Type() Type         { return TypeToolResult }
func (ToolInputAvailable) Type() Type { return TypeToolInputAvailable }
func (ApprovalRequested) Type() Type  { return TypeApprovalRequested }
func (Error) Type() Type              { return TypeError }
func (Done) Type() Type               { return TypeDone }
func (u Unknown) Type() Type          { return u.Kind }

// NewBase returns chunk metadata stamped with the current time.
func NewBase(runID, model string) Base {
	return Base{ID: runID, Model: model, Timestamp: NowMillis()}
}

// NowMillis returns the current time in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
