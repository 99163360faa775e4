// Package pipeline runs one release: the trigger gate, the per-branch
// serializer, the parallel build stage and the sequential release stage
// (package, upload versioned, publish, upload latest).
//
// A failed run produces exactly one failure notification. A superseded run
// stops at the next stage boundary and is not notified.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dyluth/convoy/internal/build"
	"github.com/dyluth/convoy/internal/notify"
	"github.com/dyluth/convoy/internal/pack"
	"github.com/dyluth/convoy/internal/release"
	"github.com/dyluth/convoy/internal/serial"
	"github.com/dyluth/convoy/internal/storage"
	"github.com/dyluth/convoy/internal/trigger"
	"github.com/dyluth/convoy/pkg/runboard"
	"github.com/google/uuid"
)

// MatrixRunner runs the build stage.
type MatrixRunner interface {
	Run(ctx context.Context, runID string, platforms []build.Platform, mode string) (*build.MatrixResult, error)
}

// VersionSource reports the version each product is released at.
type VersionSource interface {
	Versions(ctx context.Context) (map[string]string, error)
}

// Uploader writes archives to durable storage.
type Uploader interface {
	UploadVersioned(ctx context.Context, archives []pack.Archive) ([]storage.UploadResult, error)
	UploadLatest(ctx context.Context, archives []pack.Archive) ([]storage.UploadResult, error)
}

// Publisher publishes changed products and creates the release record.
type Publisher interface {
	Publish(ctx context.Context, class trigger.BranchClass, archives []pack.Archive) (*release.Record, error)
}

// RunStore persists run records.
type RunStore interface {
	CreateRun(ctx context.Context, r *runboard.Run) error
	UpdateRun(ctx context.Context, r *runboard.Run) error
}

// Deps wires an Orchestrator.
type Deps struct {
	InstanceName   string
	Gate           trigger.GateConfig
	Platforms      []build.Platform
	Products       []pack.Product
	ArchiveRoot    string // Scratch space; each run packages below ArchiveRoot/{run_id}
	BuildRoot      string // Optional; BuildRoot/{run_id} holds build output and is removed when the run ends
	Serializer     serial.Serializer
	Builds         MatrixRunner
	Versions       VersionSource
	Uploader       Uploader
	Publisher      Publisher
	Notifier       notify.Notifier // Defaults to notify.LogNotifier
	Runs           RunStore        // Optional
	RunURLTemplate string          // {run_id} placeholder
}

// Orchestrator executes pipeline runs. It is safe for concurrent use; runs on
// different branches proceed in parallel.
type Orchestrator struct {
	d   Deps
	now func() time.Time
}

// New validates deps and creates an Orchestrator.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.InstanceName == "":
		return nil, fmt.Errorf("instance name is required")
	case len(d.Platforms) == 0:
		return nil, fmt.Errorf("at least one platform is required")
	case len(d.Products) == 0:
		return nil, fmt.Errorf("at least one product is required")
	case d.ArchiveRoot == "":
		return nil, fmt.Errorf("archive root is required")
	case d.Serializer == nil, d.Builds == nil, d.Versions == nil, d.Uploader == nil, d.Publisher == nil:
		return nil, fmt.Errorf("serializer, builds, versions, uploader and publisher are required")
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{}
	}
	return &Orchestrator{d: d, now: time.Now}, nil
}

// Evaluate applies the trigger gate to an event.
func (o *Orchestrator) Evaluate(ev trigger.Event) trigger.Decision {
	return trigger.Evaluate(ev, o.d.Gate)
}

// Execute gates the event and, if it qualifies, runs the pipeline to
// completion. Rejected events return an error wrapping trigger.ErrGateRejected
// and a nil run.
func (o *Orchestrator) Execute(ctx context.Context, ev trigger.Event) (*runboard.Run, error) {
	decision := o.Evaluate(ev)
	if !decision.Proceed {
		o.logEvent("gate_rejected", map[string]interface{}{
			"ref":    ev.Ref,
			"kind":   string(ev.Kind),
			"reason": decision.Reason,
		})
		return nil, fmt.Errorf("%w: %s", decision.Err(), decision.Reason)
	}
	return o.Start(ctx, decision, ev)
}

// Start runs the pipeline for an event that already passed the gate.
func (o *Orchestrator) Start(ctx context.Context, decision trigger.Decision, ev trigger.Event) (*runboard.Run, error) {
	run := &runboard.Run{
		ID:          uuid.New().String(),
		Ref:         decision.Ref,
		Trigger:     string(decision.Kind),
		Class:       decision.Class.String(),
		Mode:        decision.Mode,
		CommitSHA:   ev.CommitSHA,
		Actor:       ev.Actor,
		Status:      runboard.StatusPending,
		Stage:       runboard.StageSerialize,
		Tasks:       []runboard.TaskRecord{},
		StartedAtMs: o.now().UnixMilli(),
	}
	o.save(ctx, run, true)
	o.logEvent("run_created", map[string]interface{}{
		"run_id": run.ID,
		"ref":    run.Ref,
		"kind":   run.Trigger,
		"class":  run.Class,
		"mode":   run.Mode,
	})

	key := serial.Key(decision.Ref)
	lease, err := o.d.Serializer.Acquire(ctx, key, run.ID)
	if err != nil {
		return o.finish(ctx, ctx, run, err)
	}
	defer lease.Release()

	run.Status = runboard.StatusRunning
	o.logEvent("lease_acquired", map[string]interface{}{"run_id": run.ID, "key": key})

	runCtx := lease.Context()
	err = o.stages(runCtx, run, decision)
	return o.finish(ctx, runCtx, run, err)
}

// stages runs build and release. It returns at the first failure with
// run.Stage naming the failed stage.
func (o *Orchestrator) stages(ctx context.Context, run *runboard.Run, d trigger.Decision) error {
	workDir := filepath.Join(o.d.ArchiveRoot, run.ID)
	defer os.RemoveAll(workDir)
	if o.d.BuildRoot != "" {
		defer o.removeBuildOutput(run.ID)
	}

	// Build stage: fan out, then a full barrier
	o.advance(ctx, run, runboard.StageBuild)
	result, err := o.d.Builds.Run(ctx, run.ID, o.d.Platforms, d.Mode)
	if result != nil {
		run.Tasks = taskRecords(result)
	}
	if err != nil {
		return err
	}
	if err := interrupted(ctx); err != nil {
		return err
	}
	bundles := result.Bundles()

	o.advance(ctx, run, runboard.StageVersions)
	versions, err := o.d.Versions.Versions(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve versions: %w", err)
	}

	o.advance(ctx, run, runboard.StagePackage)
	versioned, err := packageAll(bundles, func(b build.Bundle) ([]pack.Archive, error) {
		pk := &pack.Packager{Products: o.d.Products, OutputDir: filepath.Join(workDir, "versioned")}
		return pk.PackageVersioned(b, versions)
	})
	if err != nil {
		return err
	}

	// Every versioned archive is in storage before anything is published
	o.advance(ctx, run, runboard.StageUpload)
	if _, err := o.d.Uploader.UploadVersioned(ctx, versioned); err != nil {
		return err
	}
	if err := interrupted(ctx); err != nil {
		return err
	}

	o.advance(ctx, run, runboard.StagePublish)
	rec, err := o.d.Publisher.Publish(ctx, d.Class, versioned)
	if rec != nil {
		if rec.TagCreated {
			run.ReleaseTag = rec.Tag
		}
		run.ReleaseURL = rec.URL
	}
	if err != nil {
		return err
	}
	if rec == nil {
		o.logEvent("publish_noop", map[string]interface{}{"run_id": run.ID})
	}

	if d.Kind != trigger.KindPush {
		log.Printf("[Pipeline] %s: manual run, leaving %q archives untouched", run.ID, pack.LatestLabel)
		return nil
	}
	if err := interrupted(ctx); err != nil {
		return err
	}

	o.advance(ctx, run, runboard.StageLatest)
	latest, err := packageAll(bundles, func(b build.Bundle) ([]pack.Archive, error) {
		pk := &pack.Packager{Products: o.d.Products, OutputDir: filepath.Join(workDir, "latest")}
		return pk.PackageLatest(b)
	})
	if err != nil {
		return err
	}
	if _, err := o.d.Uploader.UploadLatest(ctx, latest); err != nil {
		return err
	}
	return nil
}

// finish records the terminal state and sends the failure notification.
// It is the only place a run becomes terminal.
func (o *Orchestrator) finish(ctx, runCtx context.Context, run *runboard.Run, err error) (*runboard.Run, error) {
	run.FinishedAtMs = o.now().UnixMilli()

	switch {
	case err == nil:
		run.Status = runboard.StatusSucceeded
		run.Stage = runboard.StageDone
		o.save(ctx, run, false)
		o.logEvent("run_succeeded", map[string]interface{}{
			"run_id":      run.ID,
			"release_tag": run.ReleaseTag,
			"duration_ms": run.FinishedAtMs - run.StartedAtMs,
		})
		return run, nil

	case serial.IsSuperseded(runCtx, err):
		run.Status = runboard.StatusSuperseded
		run.Reason = serial.ErrSuperseded.Error()
		o.save(ctx, run, false)
		o.logEvent("run_superseded", map[string]interface{}{
			"run_id": run.ID,
			"stage":  string(run.Stage),
		})
		return run, fmt.Errorf("run %s: %w", run.ID, serial.ErrSuperseded)

	default:
		run.Status = runboard.StatusFailed
		run.Reason = err.Error()
		o.save(ctx, run, false)
		o.logEvent("run_failed", map[string]interface{}{
			"run_id": run.ID,
			"stage":  string(run.Stage),
			"error":  err.Error(),
		})

		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		notify.BestEffort{Notifier: o.d.Notifier}.Send(nctx, notify.Alert{
			RunID:  run.ID,
			Ref:    run.Ref,
			Kind:   run.Trigger,
			Stage:  string(run.Stage),
			Reason: err.Error(),
			RunURL: notify.RunURL(o.d.RunURLTemplate, run.ID),
		})
		return run, fmt.Errorf("run %s failed during %s: %w", run.ID, run.Stage, err)
	}
}

// removeBuildOutput deletes the run's handoff tree. Every build task has
// returned by the time stages does.
func (o *Orchestrator) removeBuildOutput(runID string) {
	dir := filepath.Join(o.d.BuildRoot, runID)
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("[Pipeline] %s: failed to remove build output %s: %v", runID, dir, err)
	}
}

func (o *Orchestrator) advance(ctx context.Context, run *runboard.Run, stage runboard.Stage) {
	run.Stage = stage
	log.Printf("[Pipeline] %s: entering %s stage", run.ID, stage)
	o.save(ctx, run, false)
}

// save writes the run record. Record keeping never fails a run.
func (o *Orchestrator) save(ctx context.Context, run *runboard.Run, create bool) {
	if o.d.Runs == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	snapshot := *run
	snapshot.Tasks = append([]runboard.TaskRecord(nil), run.Tasks...)

	var err error
	if create {
		err = o.d.Runs.CreateRun(sctx, &snapshot)
	} else {
		err = o.d.Runs.UpdateRun(sctx, &snapshot)
	}
	if err != nil {
		log.Printf("[Pipeline] WARNING: failed to record run %s: %v", run.ID, err)
	}
}

// interrupted returns the cancellation cause once ctx is done.
func interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

func packageAll(bundles []build.Bundle, fn func(build.Bundle) ([]pack.Archive, error)) ([]pack.Archive, error) {
	var out []pack.Archive
	for _, b := range bundles {
		archives, err := fn(b)
		if err != nil {
			return nil, err
		}
		out = append(out, archives...)
	}
	if len(out) == 0 {
		return nil, errors.New("no archives produced: no configured product binaries found in any bundle")
	}
	return out, nil
}

func taskRecords(result *build.MatrixResult) []runboard.TaskRecord {
	records := make([]runboard.TaskRecord, len(result.Tasks))
	for i, t := range result.Tasks {
		records[i] = runboard.TaskRecord{
			Platform:   t.Platform.Triple(),
			Status:     string(t.Status),
			DurationMs: t.Duration.Milliseconds(),
		}
		if t.Err != nil {
			records[i].Error = t.Err.Error()
		}
	}
	return records
}
