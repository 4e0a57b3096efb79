package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/hitl/runtime/hitl/runstore"
	"goa.design/hitl/runtime/hitl/runstore/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) runstore.Store { return New() })
}

func TestStoreCopiesInput(t *testing.T) {
	ctx := context.Background()
	s := New()
	input := map[string]any{"sql": "SELECT 1"}
	require.NoError(t, s.AddPendingApproval(ctx, "run-1", runstore.PendingAction{ToolCallID: "call-1", Input: input}))
	input["sql"] = "DROP TABLE users"

	got, err := s.PendingApproval(ctx, "run-1", "call-1")
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", got.Input["sql"])
	got.Input["sql"] = "changed"

	again, err := s.PendingApproval(ctx, "run-1", "call-1")
	require.NoError(t, err)
	require.Equal(t, "SELECT 1", again.Input["sql"])
}

func TestStoreReset(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.AddPendingClientTool(ctx, "run-1", runstore.PendingAction{ToolCallID: "call-1"}))
	s.Reset()
	has, err := s.HasPending(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, has)
}
