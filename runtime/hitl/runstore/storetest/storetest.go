// Package storetest holds the behavioral tests shared by runstore.Store
// implementations.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/hitl/runtime/hitl/runstore"
)

// Run exercises newStore against the runstore.Store contract. newStore must
// return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) runstore.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("pending approval round trip", func(t *testing.T) {
		s := newStore(t)
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		require.NoError(t, s.AddPendingApproval(ctx, "run-1", runstore.PendingAction{
			ToolCallID:   "call-1",
			ToolName:     "execute_sql",
			Input:        map[string]any{"sql": "SELECT 1"},
			InvocationID: "inv-1",
			CreatedAt:    created,
		}))

		got, err := s.PendingApproval(ctx, "run-1", "call-1")
		require.NoError(t, err)
		require.Equal(t, runstore.KindApproval, got.Kind)
		require.Equal(t, "execute_sql", got.ToolName)
		require.Equal(t, map[string]any{"sql": "SELECT 1"}, got.Input)
		require.Equal(t, "inv-1", got.InvocationID)
		require.True(t, created.Equal(got.CreatedAt))

		_, err = s.PendingClientTool(ctx, "run-1", "call-1")
		require.ErrorIs(t, err, runstore.ErrNotFound, "kinds are kept apart")
	})

	t.Run("pop removes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddPendingClientTool(ctx, "run-1", runstore.PendingAction{ToolCallID: "call-2", ToolName: "export_csv"}))

		has, err := s.HasPending(ctx, "run-1")
		require.NoError(t, err)
		require.True(t, has)

		got, err := s.PopPendingClientTool(ctx, "run-1", "call-2")
		require.NoError(t, err)
		require.Equal(t, runstore.KindClientTool, got.Kind)
		require.False(t, got.CreatedAt.IsZero(), "creation time defaults to now")

		_, err = s.PopPendingClientTool(ctx, "run-1", "call-2")
		require.ErrorIs(t, err, runstore.ErrNotFound)
		has, err = s.HasPending(ctx, "run-1")
		require.NoError(t, err)
		require.False(t, has)
	})

	t.Run("unknown run", func(t *testing.T) {
		s := newStore(t)
		has, err := s.HasPending(ctx, "missing")
		require.NoError(t, err)
		require.False(t, has)
		_, err = s.PopPendingApproval(ctx, "missing", "call-1")
		require.ErrorIs(t, err, runstore.ErrNotFound)
		id, err := s.InvocationID(ctx, "missing")
		require.NoError(t, err)
		require.Empty(t, id)
	})

	t.Run("overwrite replaces", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddPendingApproval(ctx, "run-1", runstore.PendingAction{ToolCallID: "call-1", ToolName: "a"}))
		require.NoError(t, s.AddPendingApproval(ctx, "run-1", runstore.PendingAction{ToolCallID: "call-1", ToolName: "b"}))
		got, err := s.PopPendingApproval(ctx, "run-1", "call-1")
		require.NoError(t, err)
		require.Equal(t, "b", got.ToolName)
		has, err := s.HasPending(ctx, "run-1")
		require.NoError(t, err)
		require.False(t, has)
	})

	t.Run("runs are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddPendingApproval(ctx, "run-1", runstore.PendingAction{ToolCallID: "call-1"}))
		has, err := s.HasPending(ctx, "run-2")
		require.NoError(t, err)
		require.False(t, has)
		_, err = s.PendingApproval(ctx, "run-2", "call-1")
		require.ErrorIs(t, err, runstore.ErrNotFound)
	})

	t.Run("invocation id and delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetInvocationID(ctx, "run-1", "inv-9"))
		require.NoError(t, s.AddPendingApproval(ctx, "run-1", runstore.PendingAction{ToolCallID: "call-1"}))
		id, err := s.InvocationID(ctx, "run-1")
		require.NoError(t, err)
		require.Equal(t, "inv-9", id)

		require.NoError(t, s.Delete(ctx, "run-1"))
		has, err := s.HasPending(ctx, "run-1")
		require.NoError(t, err)
		require.False(t, has)
		id, err = s.InvocationID(ctx, "run-1")
		require.NoError(t, err)
		require.Empty(t, id)
	})

	t.Run("concurrent pops return each action once", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.AddPendingApproval(ctx, "run-1", runstore.PendingAction{ToolCallID: "call-1"}))
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.PopPendingApproval(ctx, "run-1", "call-1"); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})
}
