package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/hitl/runtime/hitl/runstore"
)

type (
	// Options configures the store.
	Options struct {
		// Redis is the connection used to persist run state. Required.
		Redis *redis.Client
		// KeyPrefix namespaces keys. Defaults to "hitl".
		KeyPrefix string
		// TTL expires the keys of a run after the last write. Zero keeps them
		// until Delete.
		TTL time.Duration
	}

	// Store implements runstore.Store on Redis hashes.
	Store struct {
		rdb    *redis.Client
		prefix string
		ttl    time.Duration
	}
)

var _ runstore.Store = (*Store)(nil)

// popScript atomically reads and removes a hash field.
var popScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], ARGV[1])
if v then
  redis.call("HDEL", KEYS[1], ARGV[1])
end
return v
`)

// NewStore returns a store using opts.Redis.
func NewStore(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "hitl"
	}
	return &Store{rdb: opts.Redis, prefix: prefix, ttl: opts.TTL}, nil
}

// SetInvocationID implements runstore.Store.
func (s *Store) SetInvocationID(ctx context.Context, runID, invocationID string) error {
	if err := s.rdb.Set(ctx, s.invocationKey(runID), invocationID, s.ttl).Err(); err != nil {
		return fmt.Errorf("set invocation id: %w", err)
	}
	return nil
}

// InvocationID implements runstore.Store.
func (s *Store) InvocationID(ctx context.Context, runID string) (string, error) {
	id, err := s.rdb.Get(ctx, s.invocationKey(runID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get invocation id: %w", err)
	}
	return id, nil
}

// AddPendingApproval implements runstore.Store.
func (s *Store) AddPendingApproval(ctx context.Context, runID string, action runstore.PendingAction) error {
	return s.add(ctx, runID, runstore.KindApproval, action)
}

// AddPendingClientTool implements runstore.Store.
func (s *Store) AddPendingClientTool(ctx context.Context, runID string, action runstore.PendingAction) error {
	return s.add(ctx, runID, runstore.KindClientTool, action)
}

// PendingApproval implements runstore.Store.
func (s *Store) PendingApproval(ctx context.Context, runID, toolCallID string) (runstore.PendingAction, error) {
	return s.get(ctx, runID, runstore.KindApproval, toolCallID)
}

// PendingClientTool implements runstore.Store.
func (s *Store) PendingClientTool(ctx context.Context, runID, toolCallID string) (runstore.PendingAction, error) {
	return s.get(ctx, runID, runstore.KindClientTool, toolCallID)
}

// PopPendingApproval implements runstore.Store.
func (s *Store) PopPendingApproval(ctx context.Context, runID, toolCallID string) (runstore.PendingAction, error) {
	return s.pop(ctx, runID, runstore.KindApproval, toolCallID)
}

// PopPendingClientTool implements runstore.Store.
func (s *Store) PopPendingClientTool(ctx context.Context, runID, toolCallID string) (runstore.PendingAction, error) {
	return s.pop(ctx, runID, runstore.KindClientTool, toolCallID)
}

// HasPending implements runstore.Store.
func (s *Store) HasPending(ctx context.Context, runID string) (bool, error) {
	pipe := s.rdb.Pipeline()
	approvals := pipe.HLen(ctx, s.key(runID, runstore.KindApproval))
	clientTools := pipe.HLen(ctx, s.key(runID, runstore.KindClientTool))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("count pending actions: %w", err)
	}
	return approvals.Val()+clientTools.Val() > 0, nil
}

// Delete implements runstore.Store.
func (s *Store) Delete(ctx context.Context, runID string) error {
	err := s.rdb.Del(ctx,
		s.key(runID, runstore.KindApproval),
		s.key(runID, runstore.KindClientTool),
		s.invocationKey(runID),
	).Err()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

func (s *Store) add(ctx context.Context, runID string, kind runstore.Kind, action runstore.PendingAction) error {
	action.Kind = kind
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode pending action: %w", err)
	}
	key := s.key(runID, kind)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, action.ToolCallID, b)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add pending %s: %w", kind, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, runID string, kind runstore.Kind, toolCallID string) (runstore.PendingAction, error) {
	raw, err := s.rdb.HGet(ctx, s.key(runID, kind), toolCallID).Result()
	if errors.Is(err, redis.Nil) {
		return runstore.PendingAction{}, runstore.ErrNotFound
	}
	if err != nil {
		return runstore.PendingAction{}, fmt.Errorf("get pending %s: %w", kind, err)
	}
	return decode(raw)
}

func (s *Store) pop(ctx context.Context, runID string, kind runstore.Kind, toolCallID string) (runstore.PendingAction, error) {
	raw, err := popScript.Run(ctx, s.rdb, []string{s.key(runID, kind)}, toolCallID).Text()
	if errors.Is(err, redis.Nil) {
		return runstore.PendingAction{}, runstore.ErrNotFound
	}
	if err != nil {
		return runstore.PendingAction{}, fmt.Errorf("pop pending %s: %w", kind, err)
	}
	return decode(raw)
}

func decode(raw string) (runstore.PendingAction, error) {
	var action runstore.PendingAction
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		return runstore.PendingAction{}, fmt.Errorf("decode pending action: %w", err)
	}
	return action, nil
}

func (s *Store) key(runID string, kind runstore.Kind) string {
	return fmt.Sprintf("%s:run:%s:%s", s.prefix, runID, kind)
}

func (s *Store) invocationKey(runID string) string {
	return fmt.Sprintf("%s:run:%s:invocation", s.prefix, runID)
}
