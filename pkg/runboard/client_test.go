package runboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func newRun(startedAtMs int64) *Run {
	return &Run{
		ID:          uuid.New().String(),
		Ref:         "refs/heads/stable-1",
		Trigger:     "push",
		Class:       "stable",
		Status:      StatusPending,
		Stage:       StageSerialize,
		StartedAtMs: startedAtMs,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.Equal(t, "test-instance", client.InstanceName())
		assert.NoError(t, client.Ping(context.Background()))
		assert.NotNil(t, client.Redis())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.ErrorContains(t, err, "instance name cannot be empty")
	})
}

func TestCreateAndGetRun(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	run := newRun(1000)
	run.Mode = "restricted-mode-X"
	run.Tasks = []TaskRecord{{Platform: "x86_64-unknown-linux-musl", Status: "pending"}}
	require.NoError(t, client.CreateRun(ctx, run))

	assert.True(t, mr.Exists(RunKey("test-instance", run.ID)))
	members, err := mr.ZMembers(RunIndexKey("test-instance"))
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID}, members)

	got, err := client.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run, got)
}

func TestGetRun_NotFound(t *testing.T) {
	client, _ := setupTestClient(t)
	_, err := client.GetRun(context.Background(), uuid.New().String())
	assert.True(t, IsNotFound(err))
}

func TestCreateRun_Invalid(t *testing.T) {
	client, _ := setupTestClient(t)
	run := newRun(1000)
	run.Trigger = "cron"
	err := client.CreateRun(context.Background(), run)
	assert.ErrorContains(t, err, "invalid trigger")
}

func TestUpdateRun_Transitions(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	run := newRun(1000)
	require.NoError(t, client.CreateRun(ctx, run))

	run.Status = StatusRunning
	run.Stage = StageBuild
	require.NoError(t, client.UpdateRun(ctx, run))

	run.Stage = StagePublish
	require.NoError(t, client.UpdateRun(ctx, run), "stage advance within running")

	run.Status = StatusFailed
	run.Reason = "publish failed"
	require.NoError(t, client.UpdateRun(ctx, run))

	run.Status = StatusSucceeded
	err := client.UpdateRun(ctx, run)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	got, err := client.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "publish failed", got.Reason)
}

func TestUpdateRun_Missing(t *testing.T) {
	client, _ := setupTestClient(t)
	err := client.UpdateRun(context.Background(), newRun(1000))
	assert.True(t, IsNotFound(err))
}

func TestListRuns_NewestFirst(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	older, middle, newer := newRun(1000), newRun(2000), newRun(3000)
	for _, r := range []*Run{middle, newer, older} {
		require.NoError(t, client.CreateRun(ctx, r))
	}

	runs, err := client.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{newer.ID, middle.ID, older.ID}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	runs, err = client.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSubscribeRunEvents(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := client.SubscribeRunEvents(ctx)
	require.NoError(t, err)
	defer sub.Close()

	run := newRun(1000)
	require.NoError(t, client.CreateRun(ctx, run))
	run.Status = StatusRunning
	require.NoError(t, client.UpdateRun(ctx, run))

	var statuses []RunStatus
	for len(statuses) < 2 {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, run.ID, ev.ID)
			statuses = append(statuses, ev.Status)
		case <-ctx.Done():
			t.Fatal("timed out waiting for run events")
		}
	}
	assert.Equal(t, []RunStatus{StatusPending, StatusRunning}, statuses)

	// Close is idempotent
	assert.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())
}
