package scripted

import (
	"goa.design/hitl/runtime/hitl/chunk"
	"goa.design/hitl/runtime/hitl/server"
)

// writer stamps chunks with the run metadata and tracks the accumulated
// assistant text and tool call index of one Start or Resume call.
type writer struct {
	runner *Runner
	runID  string
	emit   server.Emitter

	content string
	index   int
}

func (w *writer) base() chunk.Base {
	return chunk.NewBase(w.runID, w.runner.model)
}

func (w *writer) text(delta string) error {
	if delta == "" {
		return nil
	}
	if w.content != "" {
		delta = " " + delta
	}
	w.content += delta
	return w.emit(chunk.Content{Base: w.base(), Content: w.content, Delta: delta, Role: "assistant"})
}

func (w *writer) toolCall(id, name, args string) error {
	c := chunk.ToolCall{
		Base:  w.base(),
		Index: w.index,
		ToolCall: chunk.ToolCallSpec{
			ID:       id,
			Kind:     "function",
			Function: chunk.FunctionCall{Name: name, Arguments: args},
		},
	}
	w.index++
	return w.emit(c)
}

func (w *writer) toolResult(toolCallID, content string) error {
	return w.emit(chunk.ToolResult{Base: w.base(), ToolCallID: toolCallID, Content: content})
}
