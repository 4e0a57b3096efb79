package server_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/hitl/runtime/hitl/continuation"
	"goa.design/hitl/runtime/hitl/hub/inmem"
	"goa.design/hitl/runtime/hitl/message"
	"goa.design/hitl/runtime/hitl/runner/scripted"
	storeinmem "goa.design/hitl/runtime/hitl/runstore/inmem"
	"goa.design/hitl/runtime/hitl/server"
	"goa.design/hitl/runtime/hitl/session"
	"goa.design/hitl/runtime/hitl/transport"
)

type harness struct {
	sess  *session.Session
	chat  *transport.Chat
	store *storeinmem.Store
}

func newHarness(t *testing.T, plan scripted.Plan) *harness {
	t.Helper()
	store := storeinmem.New()
	runner := scripted.New(store,
		func(context.Context, string) (scripted.Plan, error) { return plan, nil },
		scripted.WithTools(
			scripted.Tool{Name: "execute_sql", RequireApproval: true, Execute: func(context.Context, map[string]any) (any, error) {
				return map[string]any{"rows": []int{1}}, nil
			}},
			scripted.Tool{Name: "export_csv", RequireApproval: true, Client: true},
		),
	)
	srv, err := server.New(runner, inmem.New(), server.WithWaitTimeout(5*time.Second))
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	h := &harness{store: store}
	runID := func() string { return h.sess.CurrentRunID() }
	h.chat = transport.NewChat(transport.NewConnection(ts.URL, runID))
	h.sess = session.New(h.chat, continuation.New(ts.URL, runID))
	h.chat.SetHandler(h.sess)
	return h
}

func (h *harness) submit(ctx context.Context, text string) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.sess.SubmitMessage(ctx, text) }()
	return errc
}

func (h *harness) waitPending(t *testing.T) string {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.sess.PendingApprovals()) == 1 }, 5*time.Second, 10*time.Millisecond)
	return h.sess.PendingApprovals()[0].ID
}

func lastAssistant(msgs []*message.Message) *message.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.RoleAssistant {
			return msgs[i]
		}
	}
	return nil
}

func TestApprovedServerToolRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scripted.Plan{
		Text:  "Let me run that.",
		Calls: []scripted.Call{{Tool: "execute_sql", Input: map[string]any{"sql": "SELECT 1"}}},
	})

	errc := h.submit(ctx, "how many rows?")
	id := h.waitPending(t)
	pending, ok := h.sess.PendingApprovalFor(id)
	require.True(t, ok)
	require.Equal(t, "execute_sql", pending.ToolName)
	require.Equal(t, map[string]any{"sql": "SELECT 1"}, pending.Input)
	require.NotEmpty(t, pending.RunID)

	require.NoError(t, h.sess.Approve(ctx, id))
	require.NoError(t, <-errc)

	require.Empty(t, h.sess.PendingApprovals())
	last := lastAssistant(h.sess.Messages())
	require.NotNil(t, last)
	require.True(t, strings.HasSuffix(last.Text(), "execute_sql completed."), last.Text())
	calls := last.ToolCalls()
	require.Len(t, calls, 1)
	approved, decided := calls[0].Status.Decision()
	require.True(t, decided)
	require.True(t, approved)
	require.Contains(t, last.ToolResultIDs(), calls[0].ID)

	has, err := h.store.HasPending(ctx, pending.RunID)
	require.NoError(t, err)
	require.False(t, has)
}

func TestDeniedToolRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scripted.Plan{Calls: []scripted.Call{{Tool: "execute_sql", Input: map[string]any{"sql": "DROP TABLE t"}}}})

	errc := h.submit(ctx, "drop it")
	id := h.waitPending(t)
	require.NoError(t, h.sess.Deny(ctx, id))
	require.NoError(t, <-errc)

	last := lastAssistant(h.sess.Messages())
	require.Contains(t, last.Text(), "Skipped execute_sql.")
	require.Empty(t, h.sess.PendingApprovals())
}

func TestClientToolRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scripted.Plan{Calls: []scripted.Call{{Tool: "export_csv", Input: map[string]any{"artifact_id": "a1"}}}})

	errc := h.submit(ctx, "export")
	id := h.waitPending(t)
	require.NoError(t, h.sess.Approve(ctx, id))

	require.Eventually(t, func() bool {
		_, ok := h.sess.PendingClientTool()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	tool, _ := h.sess.PendingClientTool()
	require.Equal(t, "export_csv", tool.ToolName)
	require.Equal(t, map[string]any{"artifact_id": "a1"}, tool.Input)

	require.NoError(t, h.sess.ResolveClientTool(ctx, tool.ToolCallID, tool.ToolName, session.ToolResultPayload{
		Output: map[string]any{"success": true},
		State:  continuation.StateOutputAvailable,
	}))
	require.NoError(t, <-errc)

	_, ok := h.sess.PendingClientTool()
	require.False(t, ok)
	last := lastAssistant(h.sess.Messages())
	require.Contains(t, last.Text(), "export_csv completed.")
}
