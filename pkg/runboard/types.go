package runboard

import (
	"fmt"

	"github.com/google/uuid"
)

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID           string       `json:"id"`
	Ref          string       `json:"ref"`
	Trigger      string       `json:"trigger"` // push | manual
	Class        string       `json:"class"`   // stable | alpha | beta | rc | other
	Mode         string       `json:"mode,omitempty"`
	CommitSHA    string       `json:"commit_sha,omitempty"`
	Actor        string       `json:"actor,omitempty"`
	Status       RunStatus    `json:"status"`
	Stage        Stage        `json:"stage"`
	Reason       string       `json:"reason,omitempty"` // Failure or supersession reason
	ReleaseTag   string       `json:"release_tag,omitempty"`
	ReleaseURL   string       `json:"release_url,omitempty"`
	Tasks        []TaskRecord `json:"tasks"`
	StartedAtMs  int64        `json:"started_at_ms"`
	FinishedAtMs int64        `json:"finished_at_ms,omitempty"`
}

// TaskRecord summarizes one build task.
type TaskRecord struct {
	Platform   string `json:"platform"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusRunning    RunStatus = "running"
	StatusSucceeded  RunStatus = "succeeded"
	StatusFailed     RunStatus = "failed"
	StatusSuperseded RunStatus = "superseded"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSuperseded
}

// Validate checks the status is a known value.
func (s RunStatus) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusSuperseded:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// CanTransition reports whether a run may move from s to next.
// Staying in a non-terminal status is allowed so the stage can advance.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusPending:
		return s == StatusPending
	case StatusRunning:
		return true
	default:
		return next.IsTerminal()
	}
}

// Stage names the pipeline step a run is in, or failed in.
type Stage string

const (
	StageGate      Stage = "gate"
	StageSerialize Stage = "serialize"
	StageBuild     Stage = "build"
	StageVersions  Stage = "versions"
	StagePackage   Stage = "package"
	StageUpload    Stage = "upload"
	StagePublish   Stage = "publish"
	StageLatest    Stage = "latest"
	StageDone      Stage = "done"
)

// Validate checks that required fields are present and well-formed.
func (r *Run) Validate() error {
	if _, err := uuid.Parse(r.ID); err != nil {
		return fmt.Errorf("invalid run ID: %w", err)
	}
	if r.Ref == "" {
		return fmt.Errorf("ref is required")
	}
	switch r.Trigger {
	case "push", "manual":
	default:
		return fmt.Errorf("invalid trigger: %q (must be 'push' or 'manual')", r.Trigger)
	}
	if err := r.Status.Validate(); err != nil {
		return err
	}
	if r.StartedAtMs <= 0 {
		return fmt.Errorf("started_at_ms is required")
	}
	return nil
}
