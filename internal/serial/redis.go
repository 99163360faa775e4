package serial

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compare-and-act scripts keep lock ownership checks atomic.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisOptions tunes the Redis serializer.
type RedisOptions struct {
	Lease        time.Duration // Holder key TTL, refreshed every Lease/3
	PollInterval time.Duration // How often a waiter retries the lock
}

// RedisSerializer serializes runs across processes sharing one Redis server.
// The holder key carries a TTL so a crashed holder cannot block a key forever.
type RedisSerializer struct {
	rdb          *redis.Client
	instanceName string
	opts         RedisOptions
}

// NewRedisSerializer creates a Redis-backed serializer namespaced by instance.
func NewRedisSerializer(rdb *redis.Client, instanceName string, opts RedisOptions) (*RedisSerializer, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &RedisSerializer{rdb: rdb, instanceName: instanceName, opts: opts}, nil
}

// LockKey returns the holder key. Pattern: convoy:{instance}:lock:{key}
func LockKey(instanceName, key string) string {
	return fmt.Sprintf("convoy:%s:lock:%s", instanceName, key)
}

// PendingKey returns the newest-waiter key. Pattern: convoy:{instance}:lock:{key}:pending
func PendingKey(instanceName, key string) string {
	return fmt.Sprintf("convoy:%s:lock:%s:pending", instanceName, key)
}

// PreemptChannel returns the channel used to signal a holder. Pattern: convoy:{instance}:lock:{key}:preempt
func PreemptChannel(instanceName, key string) string {
	return fmt.Sprintf("convoy:%s:lock:%s:preempt", instanceName, key)
}

// Acquire blocks until runID holds key, preempting any current holder.
func (r *RedisSerializer) Acquire(ctx context.Context, key, runID string) (Lease, error) {
	lockKey := LockKey(r.instanceName, key)
	pendingKey := PendingKey(r.instanceName, key)
	channel := PreemptChannel(r.instanceName, key)

	if err := r.rdb.Set(ctx, pendingKey, runID, 2*r.opts.Lease).Err(); err != nil {
		return nil, fmt.Errorf("failed to register pending run: %w", err)
	}

	signalled := ""
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		pending, err := r.rdb.Get(ctx, pendingKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read pending run: %w", err)
		}
		if pending != runID {
			return nil, ErrSuperseded
		}

		ok, err := r.rdb.SetNX(ctx, lockKey, runID, r.opts.Lease).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			releaseScript.Run(ctx, r.rdb, []string{pendingKey}, runID)
			lease, err := r.startLease(ctx, key, runID)
			if err != nil {
				releaseScript.Run(context.Background(), r.rdb, []string{lockKey}, runID)
				return nil, err
			}
			log.Printf("[Serializer] %s acquired %s", runID, key)
			return lease, nil
		}

		holder, err := r.rdb.Get(ctx, lockKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read lock holder: %w", err)
		}
		if holder != "" && holder != signalled {
			log.Printf("[Serializer] %s preempting %s on %s", runID, holder, key)
			if err := r.rdb.Publish(ctx, channel, holder).Err(); err != nil {
				return nil, fmt.Errorf("failed to signal preemption: %w", err)
			}
			signalled = holder
		}

		select {
		case <-ctx.Done():
			releaseScript.Run(context.Background(), r.rdb, []string{pendingKey}, runID)
			return nil, ctx.Err()
		case <-ticker.C:
			// Keep our pending registration alive while we wait
			r.rdb.Expire(ctx, pendingKey, 2*r.opts.Lease)
		}
	}
}

func (r *RedisSerializer) startLease(ctx context.Context, key, runID string) (*redisLease, error) {
	channel := PreemptChannel(r.instanceName, key)
	pubsub := r.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to preemption channel: %w", err)
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &redisLease{
		owner:  r,
		key:    key,
		runID:  runID,
		ctx:    leaseCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go l.watch(pubsub)
	return l, nil
}

type redisLease struct {
	owner  *RedisSerializer
	key    string
	runID  string
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once
}

func (l *redisLease) Context() context.Context { return l.ctx }
func (l *redisLease) Key() string              { return l.key }
func (l *redisLease) RunID() string            { return l.runID }

func (l *redisLease) Superseded() bool {
	return errors.Is(context.Cause(l.ctx), ErrSuperseded)
}

// watch cancels the lease on a preemption message, on a newer pending run, or
// when the lock can no longer be refreshed.
func (l *redisLease) watch(pubsub *redis.PubSub) {
	defer pubsub.Close()

	r := l.owner
	lockKey := LockKey(r.instanceName, l.key)
	pendingKey := PendingKey(r.instanceName, l.key)
	refresh := time.NewTicker(r.opts.Lease / 3)
	defer refresh.Stop()
	poll := time.NewTicker(r.opts.PollInterval)
	defer poll.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-l.done:
			return
		case <-l.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == l.runID {
				l.cancel(ErrSuperseded)
				return
			}
		case <-poll.C:
			pending, err := r.rdb.Get(l.ctx, pendingKey).Result()
			if err == nil && pending != "" && pending != l.runID {
				l.cancel(ErrSuperseded)
				return
			}
		case <-refresh.C:
			n, err := refreshScript.Run(l.ctx, r.rdb, []string{lockKey}, l.runID, r.opts.Lease.Milliseconds()).Int()
			if err != nil {
				log.Printf("[Serializer] failed to refresh lease for %s: %v", l.runID, err)
				continue
			}
			if n == 0 {
				l.cancel(ErrSuperseded)
				return
			}
		}
	}
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		close(l.done)
		l.cancel(nil)
		lockKey := LockKey(l.owner.instanceName, l.key)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.owner.rdb, []string{lockKey}, l.runID).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Printf("[Serializer] failed to release %s for %s: %v", l.key, l.runID, err)
		}
		log.Printf("[Serializer] %s released %s", l.runID, l.key)
	})
}
