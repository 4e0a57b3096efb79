package message

import (
	"encoding/json"
	"fmt"
)

type (
	wireMessage struct {
		ID    string            `json:"id"`
		Role  Role              `json:"role"`
		Parts []json.RawMessage `json:"parts"`
	}

	wireText struct {
		Type    PartType `json:"type"`
		Content string   `json:"content"`
	}

	wireToolCall struct {
		Type      PartType        `json:"type"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments string          `json:"arguments"`
		State     State           `json:"state"`
		Approval  *wireApproval   `json:"approval,omitempty"`
		Output    json.RawMessage `json:"output,omitempty"`
	}

	wireApproval struct {
		ID            string `json:"id"`
		NeedsApproval bool   `json:"needsApproval"`
		Approved      *bool  `json:"approved,omitempty"`
	}

	wireToolResult struct {
		Type       PartType `json:"type"`
		ToolCallID string   `json:"toolCallId"`
		Content    string   `json:"content"`
		State      string   `json:"state,omitempty"`
		Error      string   `json:"error,omitempty"`
	}
)

// MarshalJSON encodes m using the wire shape shared with stream transports.
func (m *Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{ID: m.ID, Role: m.Role, Parts: make([]json.RawMessage, 0, len(m.Parts))}
	for _, p := range m.Parts {
		raw, err := MarshalPart(p)
		if err != nil {
			return nil, err
		}
		w.Parts = append(w.Parts, raw)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape produced by MarshalJSON. Parts with an
// unknown type are dropped.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.ID = w.ID
	m.Role = w.Role
	m.Parts = make([]Part, 0, len(w.Parts))
	for _, raw := range w.Parts {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return fmt.Errorf("message %s: %w", w.ID, err)
		}
		if p != nil {
			m.Parts = append(m.Parts, p)
		}
	}
	return nil
}

// MarshalPart encodes a single part. Tool call statuses are projected onto
// the legacy "state" string and optional "approval.approved" field.
func MarshalPart(p Part) ([]byte, error) {
	switch v := p.(type) {
	case *TextPart:
		return json.Marshal(wireText{Type: PartText, Content: v.Content})
	case *ToolCallPart:
		w := wireToolCall{
			Type:      PartToolCall,
			ID:        v.ID,
			Name:      v.Name,
			Arguments: v.Arguments,
			State:     v.Status.State(),
		}
		if v.Approval != nil {
			w.Approval = &wireApproval{ID: v.Approval.ID, NeedsApproval: v.Approval.NeedsApproval}
			if approved, ok := v.Status.Decision(); ok {
				w.Approval.Approved = &approved
			}
		}
		if v.Output != nil {
			out, err := json.Marshal(v.Output)
			if err != nil {
				return nil, fmt.Errorf("tool call %s output: %w", v.ID, err)
			}
			w.Output = out
		}
		return json.Marshal(w)
	case *ToolResultPart:
		return json.Marshal(wireToolResult{
			Type:       PartToolResult,
			ToolCallID: v.ToolCallID,
			Content:    v.Content,
			State:      v.State,
			Error:      v.Error,
		})
	default:
		return nil, fmt.Errorf("unsupported part type %T", p)
	}
}

// UnmarshalPart decodes a single part. It returns nil, nil for unknown part
// types.
func UnmarshalPart(data []byte) (Part, error) {
	var head struct {
		Type PartType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case PartText:
		var w wireText
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return &TextPart{Content: w.Content}, nil
	case PartToolCall:
		var w wireToolCall
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		hasOutput := len(w.Output) > 0 && string(w.Output) != "null"
		p := &ToolCallPart{
			ID:        w.ID,
			Name:      w.Name,
			Arguments: w.Arguments,
			Status:    statusFromWire(w.State, w.Approval, hasOutput),
		}
		if w.Approval != nil {
			p.Approval = &Approval{ID: w.Approval.ID, NeedsApproval: w.Approval.NeedsApproval}
		}
		if hasOutput {
			if err := json.Unmarshal(w.Output, &p.Output); err != nil {
				return nil, fmt.Errorf("tool call %s output: %w", w.ID, err)
			}
		}
		return p, nil
	case PartToolResult:
		var w wireToolResult
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return &ToolResultPart{ToolCallID: w.ToolCallID, Content: w.Content, State: w.State, Error: w.Error}, nil
	default:
		return nil, nil
	}
}
