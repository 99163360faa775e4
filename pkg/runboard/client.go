package runboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidTransition is returned when an update would move a run out of a
// terminal state or backwards.
var ErrInvalidTransition = errors.New("invalid run status transition")

// Client provides instance-scoped Redis operations for run records.
// The client is safe for concurrent use.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a run board client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Redis exposes the underlying connection so other Redis-backed components
// (the serializer) can share it.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// InstanceName returns the namespace used for every key.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// CreateRun writes a new run, indexes it by start time and publishes an event.
func (c *Client) CreateRun(ctx context.Context, r *Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	hash, err := RunToHash(r)
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, RunKey(c.instanceName, r.ID), hash)
	pipe.ZAdd(ctx, RunIndexKey(c.instanceName), redis.Z{Score: IndexScore(r.StartedAtMs), Member: r.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write run to Redis: %w", err)
	}

	return c.publish(ctx, r)
}

// GetRun retrieves a run by ID.
// Returns (nil, redis.Nil) if the run doesn't exist; use IsNotFound to check.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	hashData, err := c.rdb.HGetAll(ctx, RunKey(c.instanceName, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	run, err := HashToRun(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize run: %w", err)
	}
	return run, nil
}

// UpdateRun overwrites a run and publishes an event. The stored status must
// allow the transition to r.Status.
func (c *Client) UpdateRun(ctx context.Context, r *Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	current, err := c.GetRun(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", r.ID, err)
	}
	if !current.Status.CanTransition(r.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, r.Status)
	}

	hash, err := RunToHash(r)
	if err != nil {
		return fmt.Errorf("failed to serialize run: %w", err)
	}
	if err := c.rdb.HSet(ctx, RunKey(c.instanceName, r.ID), hash).Err(); err != nil {
		return fmt.Errorf("failed to update run in Redis: %w", err)
	}

	return c.publish(ctx, r)
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all runs.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := c.rdb.ZRevRange(ctx, RunIndexKey(c.instanceName), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run index: %w", err)
	}

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := c.GetRun(ctx, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (c *Client) publish(ctx context.Context, r *Run) error {
	runJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run for event: %w", err)
	}
	if err := c.rdb.Publish(ctx, RunEventsChannel(c.instanceName), runJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	return nil
}

// Subscription is an active subscription to run events.
// Caller must call Close() when done.
type Subscription struct {
	events <-chan *Run
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of run events. It is closed when the
// subscription is closed or its context is cancelled.
func (s *Subscription) Events() <-chan *Run {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeRunEvents subscribes to run state changes for this instance.
// Delivery is at-most-once (Redis Pub/Sub).
func (c *Client) SubscribeRunEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, RunEventsChannel(c.instanceName))

	// Wait for the subscription to be confirmed so no event published after
	// this call returns is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to run events: %w", err)
	}

	eventsChan := make(chan *Run, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var run Run
				if err := json.Unmarshal([]byte(msg.Payload), &run); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal run event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &run:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
