package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/hitl/runtime/hitl/approval"
	"goa.design/hitl/runtime/hitl/message"
)

func sqlCall() *message.ToolCallPart {
	return &message.ToolCallPart{
		ID:        "call-1",
		Name:      "execute_sql",
		Arguments: `{"sql":"SELECT 1"}`,
		Status:    message.InputComplete,
	}
}

func assistant(id string, parts ...message.Part) *message.Message {
	return &message.Message{ID: id, Role: message.RoleAssistant, Parts: parts}
}

func sqlRegistry() *approval.Registry {
	reg := approval.NewRegistry()
	reg.Put(approval.Info{ID: "call-1", ToolCallID: "call-1", ToolName: "execute_sql", Input: map[string]any{"sql": "SELECT 1"}, RunID: "run-1"})
	return reg
}

func TestMergeAttachesRegistryApproval(t *testing.T) {
	user := &message.Message{ID: "user-1", Role: message.RoleUser, Parts: []message.Part{&message.TextPart{Content: "hi"}}}
	text := &message.TextPart{Content: "Let me query."}
	call := sqlCall()
	msgs := []*message.Message{user, assistant("assistant-1", text, call)}

	out, changed := MergeApprovalMetadata(msgs, sqlRegistry())
	require.True(t, changed)
	require.Same(t, user, out[0], "untouched messages keep their identity")
	require.NotSame(t, msgs[1], out[1])
	require.Same(t, text, out[1].Parts[0], "untouched parts keep their identity")

	merged := out[1].Parts[1].(*message.ToolCallPart)
	require.Equal(t, &message.Approval{ID: "call-1", NeedsApproval: true}, merged.Approval)
	require.Equal(t, message.ApprovalRequested, merged.Status)
	require.Nil(t, call.Approval, "input part is not mutated")
	require.Equal(t, message.InputComplete, call.Status)

	pending := DerivePendingApprovals(out, sqlRegistry())
	require.Len(t, pending, 1)
	require.Equal(t, "call-1", pending[0].ToolCallID)
	require.Equal(t, "call-1", pending[0].ID)
	require.Equal(t, "run-1", pending[0].RunID)
	require.Equal(t, map[string]any{"sql": "SELECT 1"}, pending[0].Input)
}

func TestMergeMarksResultResolved(t *testing.T) {
	call := &message.ToolCallPart{ID: "tool-1", Name: "lookup", Arguments: "{}", Status: message.InputComplete}
	msgs := []*message.Message{assistant("a", call, &message.ToolResultPart{ToolCallID: "tool-1", Content: "42"})}

	out, changed := MergeApprovalMetadata(msgs, approval.NewRegistry())
	require.True(t, changed)
	merged := out[0].Parts[0].(*message.ToolCallPart)
	require.Equal(t, true, merged.Output)
	require.Equal(t, message.KindResolved, merged.Status.Kind())
}

func TestMergeIgnoresNonAssistantMessages(t *testing.T) {
	msgs := []*message.Message{{ID: "u", Role: message.RoleUser, Parts: []message.Part{sqlCall()}}}
	out, changed := MergeApprovalMetadata(msgs, sqlRegistry())
	require.False(t, changed)
	require.Same(t, &msgs[0], &out[0])
}

func TestMergeKeepsExistingApproval(t *testing.T) {
	call := sqlCall()
	call.Approval = &message.Approval{ID: "other", NeedsApproval: true}
	call.Status = message.ApprovalRequested
	msgs := []*message.Message{assistant("a", call)}
	out, changed := MergeApprovalMetadata(msgs, sqlRegistry())
	require.False(t, changed)
	require.Same(t, call, out[0].Parts[0])
}

func TestDerivePendingOrdersMessagesBeforeRegistry(t *testing.T) {
	reg := approval.NewRegistry()
	reg.Put(approval.Info{ID: "appr-9", ToolCallID: "call-9", ToolName: "drop_table", RunID: "run-1"})
	reg.Put(approval.Info{ID: "appr-2", ToolCallID: "call-2", ToolName: "export_csv", RunID: "run-1"})
	msgs := []*message.Message{
		assistant("a1", &message.ToolCallPart{ID: "call-1", Name: "execute_sql", Arguments: "{}", Status: message.ApprovalRequested}),
		assistant("a2", &message.ToolCallPart{ID: "call-2", Name: "export_csv", Arguments: "not json", Status: message.InputComplete,
			Approval: &message.Approval{ID: "appr-2", NeedsApproval: true}}),
	}

	pending := DerivePendingApprovals(msgs, reg)
	require.Equal(t, []approval.Info{
		{ID: "call-1", ToolCallID: "call-1", ToolName: "execute_sql", Input: map[string]any{}},
		{ID: "appr-2", ToolCallID: "call-2", ToolName: "export_csv", Input: map[string]any{}, RunID: "run-1"},
		{ID: "appr-9", ToolCallID: "call-9", ToolName: "drop_table", RunID: "run-1"},
	}, pending)
}

func TestDerivePendingUsesRegistryIDWhenPartHasNone(t *testing.T) {
	reg := approval.NewRegistry()
	reg.Put(approval.Info{ID: "appr-1", ToolCallID: "call-1", RunID: "run-3"})
	msgs := []*message.Message{assistant("a", &message.ToolCallPart{ID: "call-1", Name: "execute_sql", Status: message.ApprovalRequested})}
	pending := DerivePendingApprovals(msgs, reg)
	require.Len(t, pending, 1)
	require.Equal(t, "appr-1", pending[0].ID)
	require.Equal(t, "run-3", pending[0].RunID)
}

func TestDerivePendingSkipsDecidedAndResolved(t *testing.T) {
	reg := approval.NewRegistry()
	reg.Put(approval.Info{ID: "a", ToolCallID: "call-a"})
	reg.Put(approval.Info{ID: "b", ToolCallID: "call-b"})
	reg.Put(approval.Info{ID: "c", ToolCallID: "call-c"})
	msgs := []*message.Message{
		assistant("m1",
			&message.ToolCallPart{ID: "call-a", Status: message.ApprovalResponded(false), Approval: &message.Approval{ID: "a", NeedsApproval: true}},
			&message.ToolCallPart{ID: "call-b", Status: message.ApprovalRequested, Approval: &message.Approval{ID: "b", NeedsApproval: true}},
		),
		assistant("m2", &message.ToolResultPart{ToolCallID: "call-b"}),
		assistant("m3", &message.ToolResultPart{ToolCallID: "call-c"}),
	}
	require.Empty(t, DerivePendingApprovals(msgs, reg))
}

func TestDerivePendingDeduplicatesToolCallIDs(t *testing.T) {
	msgs := []*message.Message{
		assistant("m1", &message.ToolCallPart{ID: "call-1", Status: message.ApprovalRequested}),
		assistant("m2", &message.ToolCallPart{ID: "call-1", Status: message.ApprovalRequested}),
	}
	require.Len(t, DerivePendingApprovals(msgs, nil), 1)
}

func TestApplyApprovalResponse(t *testing.T) {
	other := assistant("m0", &message.TextPart{Content: "hello"})
	call := sqlCall()
	call.Approval = &message.Approval{ID: "call-1", NeedsApproval: true}
	call.Status = message.ApprovalRequested
	msgs := []*message.Message{other, assistant("m1", call)}

	out := ApplyApprovalResponse(msgs, "call-1", false)
	require.Same(t, other, out[0])
	updated := out[1].Parts[0].(*message.ToolCallPart)
	approved, ok := updated.Status.Decision()
	require.True(t, ok)
	require.False(t, approved)
	require.Equal(t, message.ApprovalRequested, call.Status, "input part is not mutated")
	require.Empty(t, DerivePendingApprovals(out, nil))
}

func TestApplyApprovalResponseUnknownID(t *testing.T) {
	msgs := []*message.Message{assistant("m1", sqlCall())}
	out := ApplyApprovalResponse(msgs, "missing", true)
	require.Same(t, &msgs[0], &out[0])
}

func TestParseToolArguments(t *testing.T) {
	require.Equal(t, map[string]any{"sql": "SELECT 1"}, ParseToolArguments(`{"sql":"SELECT 1"}`))
	require.Equal(t, []any{1.0, 2.0}, ParseToolArguments(`[1,2]`))
	require.Equal(t, map[string]any{}, ParseToolArguments(""))
	require.Equal(t, map[string]any{}, ParseToolArguments("{broken"))
}
