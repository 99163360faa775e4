package build

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// TaskState records one task's outcome.
type TaskState struct {
	Platform Platform
	Status   TaskStatus
	Bundle   *Bundle
	Err      error
	Duration time.Duration
}

// MatrixResult is the joined outcome of every task in the matrix.
type MatrixResult struct {
	Tasks []TaskState // In platform order
}

// Bundles returns the bundles of succeeded tasks in platform order.
func (r *MatrixResult) Bundles() []Bundle {
	var out []Bundle
	for _, t := range r.Tasks {
		if t.Status == TaskSucceeded && t.Bundle != nil {
			out = append(out, *t.Bundle)
		}
	}
	return out
}

// Failed returns the tasks that failed.
func (r *MatrixResult) Failed() []TaskState {
	var out []TaskState
	for _, t := range r.Tasks {
		if t.Status == TaskFailed {
			out = append(out, t)
		}
	}
	return out
}

// Runner executes one build task per platform in parallel.
type Runner struct {
	builder Builder
	modeEnv string
	baseEnv []string
	onState func(TaskState)
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithBaseEnv adds environment entries passed to every task.
func WithBaseEnv(env []string) RunnerOption {
	return func(r *Runner) { r.baseEnv = append(r.baseEnv, env...) }
}

// WithStateHook registers a callback invoked on every task state change.
// The callback runs on the task's goroutine and must be safe for concurrent use.
func WithStateHook(fn func(TaskState)) RunnerOption {
	return func(r *Runner) { r.onState = fn }
}

// NewRunner creates a matrix runner. modeEnv names the variable carrying the mode override.
func NewRunner(builder Builder, modeEnv string, opts ...RunnerOption) *Runner {
	r := &Runner{builder: builder, modeEnv: modeEnv}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run builds every platform and waits for all of them. A failing task does not
// cancel its siblings; once every task is terminal the result is returned with
// an error joining all TaskErrors if any task failed.
func (r *Runner) Run(ctx context.Context, runID string, platforms []Platform, mode string) (*MatrixResult, error) {
	if len(platforms) == 0 {
		return nil, fmt.Errorf("no platforms to build")
	}

	result := &MatrixResult{Tasks: make([]TaskState, len(platforms))}
	var failed atomic.Bool
	var wg sync.WaitGroup

	for i, p := range platforms {
		result.Tasks[i] = TaskState{Platform: p, Status: TaskPending}
		r.emit(result.Tasks[i])
	}

	for i, p := range platforms {
		wg.Add(1)
		go func(i int, p Platform) {
			defer wg.Done()

			env := make([]string, 0, len(r.baseEnv)+1)
			env = append(env, r.baseEnv...)
			env = append(env, fmt.Sprintf("%s=%s", r.modeEnv, mode))

			r.emit(TaskState{Platform: p, Status: TaskRunning})
			log.Printf("[Build] %s: starting build for %s", runID, p.Triple())
			start := time.Now()

			bundle, err := r.builder.Build(ctx, Task{RunID: runID, Platform: p, Env: env})
			state := TaskState{Platform: p, Duration: time.Since(start)}
			if err != nil {
				failed.Store(true)
				state.Status = TaskFailed
				state.Err = &TaskError{Platform: p, Err: err}
				log.Printf("[Build] %s: build for %s failed after %s: %v", runID, p.Triple(), state.Duration.Round(time.Millisecond), err)
			} else {
				state.Status = TaskSucceeded
				state.Bundle = &bundle
				log.Printf("[Build] %s: build for %s succeeded in %s (%d files)", runID, p.Triple(), state.Duration.Round(time.Millisecond), len(bundle.Files))
			}

			// Each goroutine owns exactly one slot
			result.Tasks[i] = state
			r.emit(state)
		}(i, p)
	}

	wg.Wait()

	if !failed.Load() {
		return result, nil
	}

	var errs []error
	for _, t := range result.Tasks {
		if t.Err != nil {
			errs = append(errs, t.Err)
		}
	}
	return result, errors.Join(errs...)
}

func (r *Runner) emit(s TaskState) {
	if r.onState != nil {
		r.onState(s)
	}
}
