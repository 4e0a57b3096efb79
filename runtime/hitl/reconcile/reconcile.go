// Package reconcile merges the approval registry fed by the run stream with the
// conversation history and derives the approvals that are still outstanding.
//
// All functions are pure: they read the messages and registry they are given
// and return new values without mutating their inputs. Rewrites are
// copy-on-write so that unaffected messages and parts keep their identity.
package reconcile

import (
	"encoding/json"
	"strings"

	"goa.design/hitl/runtime/hitl/approval"
	"goa.design/hitl/runtime/hitl/message"
)

// resolvedOutput is the output recorded on a tool call that has a result part
// in the same message. It marks resolution without duplicating the result.
const resolvedOutput = true

// MergeApprovalMetadata attaches registry and result metadata to the tool-call
// parts of assistant messages:
//
//   - a tool call without approval metadata whose id is in reg receives the
//     registry approval id and moves to ApprovalRequested;
//   - a tool call that still has no approval and no output but whose id has a
//     tool-result part in the same message is marked resolved.
//
// When nothing changes MergeApprovalMetadata returns msgs itself and false.
func MergeApprovalMetadata(msgs []*message.Message, reg *approval.Registry) ([]*message.Message, bool) {
	var out []*message.Message
	for i, m := range msgs {
		next := mergeMessage(m, reg)
		if next == m {
			continue
		}
		if out == nil {
			out = make([]*message.Message, len(msgs))
			copy(out, msgs)
		}
		out[i] = next
	}
	if out == nil {
		return msgs, false
	}
	return out, true
}

func mergeMessage(m *message.Message, reg *approval.Registry) *message.Message {
	if m.Role != message.RoleAssistant {
		return m
	}
	var results map[string]struct{}
	var parts []message.Part
	for i, p := range m.Parts {
		tc, ok := p.(*message.ToolCallPart)
		if !ok {
			continue
		}
		updated := tc
		if tc.Approval == nil {
			if req, ok := reg.Get(tc.ID); ok {
				updated = tc.Clone()
				updated.Approval = &message.Approval{ID: req.ID, NeedsApproval: true}
				if updated.Status.Kind() != message.KindResolved {
					updated.Status = message.ApprovalRequested
				}
			}
		}
		if updated.Approval == nil && updated.Output == nil {
			if results == nil {
				results = m.ToolResultIDs()
			}
			if _, ok := results[tc.ID]; ok {
				if updated == tc {
					updated = tc.Clone()
				}
				updated.Output = resolvedOutput
				updated.Status = message.Resolved
			}
		}
		if updated == tc {
			continue
		}
		if parts == nil {
			parts = make([]message.Part, len(m.Parts))
			copy(parts, m.Parts)
		}
		parts[i] = updated
	}
	if parts == nil {
		return m
	}
	return m.WithParts(parts)
}

// DerivePendingApprovals returns the approvals that still need a decision.
//
// A tool-call part is pending when it is gated (ApprovalRequested status or
// an approval flagged NeedsApproval), has no recorded decision and has no
// tool-result part anywhere in msgs. Registry entries whose tool call is not
// visible in msgs yet are appended after the message-derived approvals unless
// the tool call is already decided or has a result. Message order, part order
// and registry insertion order are preserved and each tool call id appears at
// most once.
func DerivePendingApprovals(msgs []*message.Message, reg *approval.Registry) []approval.Info {
	results := make(map[string]struct{})
	for _, m := range msgs {
		for id := range m.ToolResultIDs() {
			results[id] = struct{}{}
		}
	}

	var (
		pending  []approval.Info
		emitted  = make(map[string]struct{})
		resolved = make(map[string]struct{})
	)
	for _, m := range msgs {
		for _, tc := range m.ToolCalls() {
			_, decided := tc.Status.Decision()
			_, hasResult := results[tc.ID]
			if decided || hasResult {
				resolved[tc.ID] = struct{}{}
			}
			gated := tc.Status.Kind() == message.KindApprovalRequested ||
				(tc.Approval != nil && tc.Approval.NeedsApproval)
			if !gated || decided || hasResult {
				continue
			}
			if _, dup := emitted[tc.ID]; dup {
				continue
			}
			req, inRegistry := reg.Get(tc.ID)
			info := approval.Info{
				ID:         tc.ID,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				Input:      ParseToolArguments(tc.Arguments),
			}
			switch {
			case tc.Approval != nil && tc.Approval.ID != "":
				info.ID = tc.Approval.ID
			case inRegistry && req.ID != "":
				info.ID = req.ID
			}
			if inRegistry {
				info.RunID = req.RunID
			}
			pending = append(pending, info)
			emitted[tc.ID] = struct{}{}
		}
	}

	for _, req := range reg.Entries() {
		if _, ok := emitted[req.ToolCallID]; ok {
			continue
		}
		if _, ok := resolved[req.ToolCallID]; ok {
			continue
		}
		if _, ok := results[req.ToolCallID]; ok {
			continue
		}
		pending = append(pending, req)
		emitted[req.ToolCallID] = struct{}{}
	}
	return pending
}

// ApplyApprovalResponse records a decision on the tool-call part whose
// approval id is approvalID. Only the message holding that part is copied.
// When no part matches, msgs is returned unchanged.
func ApplyApprovalResponse(msgs []*message.Message, approvalID string, approved bool) []*message.Message {
	for i, m := range msgs {
		for j, p := range m.Parts {
			tc, ok := p.(*message.ToolCallPart)
			if !ok || tc.Approval == nil || tc.Approval.ID != approvalID {
				continue
			}
			updated := tc.Clone()
			updated.Status = message.ApprovalResponded(approved)
			parts := make([]message.Part, len(m.Parts))
			copy(parts, m.Parts)
			parts[j] = updated
			out := make([]*message.Message, len(msgs))
			copy(out, msgs)
			out[i] = m.WithParts(parts)
			return out
		}
	}
	return msgs
}

// ParseToolArguments decodes JSON encoded tool arguments. Empty or malformed
// arguments decode to an empty object: pending approvals must stay listable
// whatever the producer sent.
func ParseToolArguments(arguments string) any {
	if strings.TrimSpace(arguments) == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(arguments), &v); err != nil {
		return map[string]any{}
	}
	return v
}
