// Package inmem provides an in-memory runstore.Store for tests and single
// process deployments. Nothing survives a restart.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/hitl/runtime/hitl/runstore"
)

type (
	// Store implements runstore.Store with maps guarded by a RWMutex. Actions
	// are copied on the way in and out.
	Store struct {
		mu   sync.RWMutex
		runs map[string]*runState
	}

	runState struct {
		invocationID string
		approvals    map[string]runstore.PendingAction
		clientTools  map[string]runstore.PendingAction
	}
)

var _ runstore.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{runs: make(map[string]*runState)}
}

// SetInvocationID implements runstore.Store.
func (s *Store) SetInvocationID(_ context.Context, runID, invocationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getOrCreate(runID).invocationID = invocationID
	return nil
}

// InvocationID implements runstore.Store.
func (s *Store) InvocationID(_ context.Context, runID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.runs[runID]; ok {
		return st.invocationID, nil
	}
	return "", nil
}

// AddPendingApproval implements runstore.Store.
func (s *Store) AddPendingApproval(_ context.Context, runID string, action runstore.PendingAction) error {
	s.add(runID, runstore.KindApproval, action)
	return nil
}

// AddPendingClientTool implements runstore.Store.
func (s *Store) AddPendingClientTool(_ context.Context, runID string, action runstore.PendingAction) error {
	s.add(runID, runstore.KindClientTool, action)
	return nil
}

// PendingApproval implements runstore.Store.
func (s *Store) PendingApproval(_ context.Context, runID, toolCallID string) (runstore.PendingAction, error) {
	return s.get(runID, runstore.KindApproval, toolCallID, false)
}

// PendingClientTool implements runstore.Store.
func (s *Store) PendingClientTool(_ context.Context, runID, toolCallID string) (runstore.PendingAction, error) {
	return s.get(runID, runstore.KindClientTool, toolCallID, false)
}

// PopPendingApproval implements runstore.Store.
func (s *Store) PopPendingApproval(_ context.Context, runID, toolCallID string) (runstore.PendingAction, error) {
	return s.get(runID, runstore.KindApproval, toolCallID, true)
}

// PopPendingClientTool implements runstore.Store.
func (s *Store) PopPendingClientTool(_ context.Context, runID, toolCallID string) (runstore.PendingAction, error) {
	return s.get(runID, runstore.KindClientTool, toolCallID, true)
}

// HasPending implements runstore.Store.
func (s *Store) HasPending(_ context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[runID]
	if !ok {
		return false, nil
	}
	return len(st.approvals) > 0 || len(st.clientTools) > 0, nil
}

// Delete implements runstore.Store.
func (s *Store) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// Reset forgets all runs.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string]*runState)
}

func (s *Store) add(runID string, kind runstore.Kind, action runstore.PendingAction) {
	action = action.Clone()
	action.Kind = kind
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreate(runID)
	st.bucket(kind)[action.ToolCallID] = action
}

func (s *Store) get(runID string, kind runstore.Kind, toolCallID string, pop bool) (runstore.PendingAction, error) {
	if pop {
		s.mu.Lock()
		defer s.mu.Unlock()
	} else {
		s.mu.RLock()
		defer s.mu.RUnlock()
	}
	st, ok := s.runs[runID]
	if !ok {
		return runstore.PendingAction{}, runstore.ErrNotFound
	}
	bucket := st.bucket(kind)
	action, ok := bucket[toolCallID]
	if !ok {
		return runstore.PendingAction{}, runstore.ErrNotFound
	}
	if pop {
		delete(bucket, toolCallID)
	}
	return action.Clone(), nil
}

func (s *Store) getOrCreate(runID string) *runState {
	st, ok := s.runs[runID]
	if !ok {
		st = &runState{
			approvals:   make(map[string]runstore.PendingAction),
			clientTools: make(map[string]runstore.PendingAction),
		}
		s.runs[runID] = st
	}
	return st
}

func (st *runState) bucket(kind runstore.Kind) map[string]runstore.PendingAction {
	if kind == runstore.KindClientTool {
		return st.clientTools
	}
	return st.approvals
}
