package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/convoy/pkg/runboard"
	"github.com/redis/go-redis/v9"
)

// MemoryRuns is a process-local RunStore for single runs from the CLI and tests.
type MemoryRuns struct {
	mu   sync.Mutex
	runs map[string]runboard.Run
	log  []runboard.Run // Every write in order
}

func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{runs: make(map[string]runboard.Run)}
}

func (m *MemoryRuns) CreateRun(ctx context.Context, r *runboard.Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = *r
	m.log = append(m.log, *r)
	return nil
}

func (m *MemoryRuns) UpdateRun(ctx context.Context, r *runboard.Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.runs[r.ID]
	if !ok {
		return redis.Nil
	}
	if !current.Status.CanTransition(r.Status) {
		return fmt.Errorf("%w: %s -> %s", runboard.ErrInvalidTransition, current.Status, r.Status)
	}
	m.runs[r.ID] = *r
	m.log = append(m.log, *r)
	return nil
}

// GetRun returns a copy of the stored run; IsNotFound reports a missing run.
func (m *MemoryRuns) GetRun(ctx context.Context, runID string) (*runboard.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, redis.Nil
	}
	return &r, nil
}

// ListRuns returns up to limit runs, newest first.
func (m *MemoryRuns) ListRuns(ctx context.Context, limit int) ([]*runboard.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*runboard.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAtMs > out[j].StartedAtMs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns every recorded write for runID in order.
func (m *MemoryRuns) History(runID string) []runboard.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []runboard.Run
	for _, r := range m.log {
		if r.ID == runID {
			out = append(out, r)
		}
	}
	return out
}
