package runboard

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RunToHash converts a Run to Redis hash fields. Tasks are JSON-encoded.
func RunToHash(r *Run) (map[string]interface{}, error) {
	tasks := r.Tasks
	if tasks == nil {
		tasks = []TaskRecord{}
	}
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tasks: %w", err)
	}

	return map[string]interface{}{
		"id":             r.ID,
		"ref":            r.Ref,
		"trigger":        r.Trigger,
		"class":          r.Class,
		"mode":           r.Mode,
		"commit_sha":     r.CommitSHA,
		"actor":          r.Actor,
		"status":         string(r.Status),
		"stage":          string(r.Stage),
		"reason":         r.Reason,
		"release_tag":    r.ReleaseTag,
		"release_url":    r.ReleaseURL,
		"tasks":          string(tasksJSON),
		"started_at_ms":  r.StartedAtMs,
		"finished_at_ms": r.FinishedAtMs,
	}, nil
}

// HashToRun converts Redis hash fields back to a Run.
func HashToRun(hash map[string]string) (*Run, error) {
	startedAtMs, err := strconv.ParseInt(hash["started_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at_ms field: %w", err)
	}
	finishedAtMs, _ := strconv.ParseInt(hash["finished_at_ms"], 10, 64)

	var tasks []TaskRecord
	if tasksJSON := hash["tasks"]; tasksJSON != "" {
		if err := json.Unmarshal([]byte(tasksJSON), &tasks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tasks: %w", err)
		}
	}
	if tasks == nil {
		tasks = []TaskRecord{}
	}

	return &Run{
		ID:           hash["id"],
		Ref:          hash["ref"],
		Trigger:      hash["trigger"],
		Class:        hash["class"],
		Mode:         hash["mode"],
		CommitSHA:    hash["commit_sha"],
		Actor:        hash["actor"],
		Status:       RunStatus(hash["status"]),
		Stage:        Stage(hash["stage"]),
		Reason:       hash["reason"],
		ReleaseTag:   hash["release_tag"],
		ReleaseURL:   hash["release_url"],
		Tasks:        tasks,
		StartedAtMs:  startedAtMs,
		FinishedAtMs: finishedAtMs,
	}, nil
}
