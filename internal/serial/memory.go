package serial

import (
	"context"
	"errors"
	"log"
	"sync"
)

// MemorySerializer serializes runs inside a single process.
type MemorySerializer struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	holder  *memoryLease
	pending string        // newest waiting run
	changed chan struct{} // closed and replaced on every state change
}

func (s *slot) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// NewMemorySerializer creates an empty in-process serializer.
func NewMemorySerializer() *MemorySerializer {
	return &MemorySerializer{slots: make(map[string]*slot)}
}

// Acquire blocks until runID holds key, preempting any current holder.
func (m *MemorySerializer) Acquire(ctx context.Context, key, runID string) (Lease, error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{changed: make(chan struct{})}
		m.slots[key] = s
	}
	s.pending = runID
	s.broadcast()

	for {
		if s.pending != runID {
			m.mu.Unlock()
			return nil, ErrSuperseded
		}

		if s.holder == nil {
			leaseCtx, cancel := context.WithCancelCause(ctx)
			lease := &memoryLease{
				owner:  m,
				slot:   s,
				key:    key,
				runID:  runID,
				ctx:    leaseCtx,
				cancel: cancel,
			}
			s.holder = lease
			s.pending = ""
			m.mu.Unlock()
			log.Printf("[Serializer] %s acquired %s", runID, key)
			return lease, nil
		}

		if !s.holder.preempted {
			log.Printf("[Serializer] %s preempting %s on %s", runID, s.holder.runID, key)
			s.holder.preempted = true
			s.holder.cancel(ErrSuperseded)
		}

		wait := s.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			m.mu.Lock()
			if s.pending == runID {
				s.pending = ""
				s.broadcast()
			}
			m.gc(key, s)
			m.mu.Unlock()
			return nil, ctx.Err()
		}

		m.mu.Lock()
	}
}

// Held reports the run currently holding key, if any.
func (m *MemorySerializer) Held(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok || s.holder == nil {
		return "", false
	}
	return s.holder.runID, true
}

// gc drops an idle slot. Caller holds m.mu.
func (m *MemorySerializer) gc(key string, s *slot) {
	if s.holder == nil && s.pending == "" && m.slots[key] == s {
		delete(m.slots, key)
	}
}

type memoryLease struct {
	owner     *MemorySerializer
	slot      *slot
	key       string
	runID     string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	preempted bool // guarded by owner.mu
	once      sync.Once
}

func (l *memoryLease) Context() context.Context { return l.ctx }
func (l *memoryLease) Key() string              { return l.key }
func (l *memoryLease) RunID() string            { return l.runID }

func (l *memoryLease) Superseded() bool {
	return errors.Is(context.Cause(l.ctx), ErrSuperseded)
}

func (l *memoryLease) Release() {
	l.once.Do(func() {
		l.cancel(nil)
		m := l.owner
		m.mu.Lock()
		if l.slot.holder == l {
			l.slot.holder = nil
			l.slot.broadcast()
		}
		m.gc(l.key, l.slot)
		m.mu.Unlock()
		log.Printf("[Serializer] %s released %s", l.runID, l.key)
	})
}
