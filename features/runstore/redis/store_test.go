package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/hitl/runtime/hitl/runstore"
	"goa.design/hitl/runtime/hitl/runstore/storetest"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipIntegration    bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, integration tests will be skipped: %v\n", containerErr)
		skipIntegration = true
	} else if err := connect(ctx); err != nil {
		fmt.Printf("Redis not reachable, integration tests will be skipped: %v\n", err)
		skipIntegration = true
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func connect(ctx context.Context) error {
	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		return err
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return err
	}
	testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	return testRedisClient.Ping(ctx).Err()
}

// getRedis returns the shared client after flushing the database. Skips the
// test when Docker is not available.
func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	if skipIntegration {
		t.Skip("Docker not available, skipping integration test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())
	return testRedisClient
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(Options{})
	require.Error(t, err)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) runstore.Store {
		s, err := NewStore(Options{Redis: getRedis(t)})
		require.NoError(t, err)
		return s
	})
}

func TestStoreTTL(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s, err := NewStore(Options{Redis: rdb, KeyPrefix: "test", TTL: time.Minute})
	require.NoError(t, err)

	require.NoError(t, s.AddPendingApproval(ctx, "run-1", runstore.PendingAction{ToolCallID: "call-1"}))
	require.NoError(t, s.SetInvocationID(ctx, "run-1", "inv-1"))

	ttl, err := rdb.TTL(ctx, "test:run:run-1:approval").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	ttl, err = rdb.TTL(ctx, "test:run:run-1:invocation").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}

func TestStoreRejectsCorruptEntries(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s, err := NewStore(Options{Redis: rdb})
	require.NoError(t, err)

	require.NoError(t, rdb.HSet(ctx, "hitl:run:run-1:approval", "call-1", "{not json").Err())
	_, err = s.PendingApproval(ctx, "run-1", "call-1")
	require.ErrorContains(t, err, "decode pending action")
}
