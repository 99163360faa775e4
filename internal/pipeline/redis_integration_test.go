//go:build integration

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/convoy/internal/build"
	"github.com/dyluth/convoy/internal/serial"
	"github.com/dyluth/convoy/pkg/runboard"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}
	return fmt.Sprintf("redis://%s:%s", host, port.Port()), cleanup
}

// Two orchestrators share one Redis, as two daemon replicas would.
func TestRedis_SupersessionAcrossOrchestrators(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	newReplica := func(name string) (*harness, *runboard.Client) {
		board, err := runboard.NewClient(opts, "integration")
		require.NoError(t, err)
		t.Cleanup(func() { board.Close() })

		s, err := serial.NewRedisSerializer(board.Redis(), "integration", serial.RedisOptions{
			Lease:        5 * time.Second,
			PollInterval: 50 * time.Millisecond,
		})
		require.NoError(t, err)

		h := newHarness(t, func(d *Deps) {
			d.InstanceName = name
			d.Serializer = s
			d.Runs = board
		})
		return h, board
	}

	first, board := newReplica("replica-a")
	second, _ := newReplica("replica-b")

	var once sync.Once
	started := make(chan struct{})
	first.builder.hook = func(ctx context.Context, task build.Task) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return context.Cause(ctx)
	}

	type outcome struct {
		run *runboard.Run
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		run, err := first.orch.Execute(context.Background(), pushEvent("stable-1", "chore(release): first"))
		done <- outcome{run, err}
	}()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("first replica never started building")
	}

	run, err := second.orch.Execute(context.Background(), pushEvent("stable-1", "chore(release): second"))
	require.NoError(t, err)
	assert.Equal(t, runboard.StatusSucceeded, run.Status)

	a := <-done
	assert.ErrorIs(t, a.err, serial.ErrSuperseded)
	assert.Empty(t, first.notifier.sent())
	assert.Empty(t, first.host.releases())

	stored, err := board.GetRun(context.Background(), a.run.ID)
	require.NoError(t, err)
	assert.Equal(t, runboard.StatusSuperseded, stored.Status)

	runs, err := board.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
