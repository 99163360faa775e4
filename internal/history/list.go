// Package history reads run records back for operators: listing with filters,
// fetching one run by full or short ID, and formatting for the terminal.
package history

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dyluth/convoy/pkg/runboard"
	"github.com/google/uuid"
)

// OutputFormat specifies how to format the run list output.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSONL   OutputFormat = "jsonl"
)

// Source is a run record store. runboard.Client and pipeline.MemoryRuns both satisfy it.
type Source interface {
	GetRun(ctx context.Context, runID string) (*runboard.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*runboard.Run, error)
}

// FilterCriteria defines filtering options for the runs command.
// All filters are ANDed together.
type FilterCriteria struct {
	SinceTimestampMs int64              // 0 = no filter
	UntilTimestampMs int64              // 0 = no filter
	BranchGlob       string             // Matched against the branch name without refs/heads/
	Status           runboard.RunStatus // Exact match, empty = no filter
	Limit            int                // Applied after filtering, 0 = no limit
}

func (fc *FilterCriteria) matches(r *runboard.Run) bool {
	if fc.SinceTimestampMs > 0 && r.StartedAtMs < fc.SinceTimestampMs {
		return false
	}
	if fc.UntilTimestampMs > 0 && r.StartedAtMs > fc.UntilTimestampMs {
		return false
	}
	if fc.BranchGlob != "" {
		matched, err := filepath.Match(fc.BranchGlob, strings.TrimPrefix(r.Ref, "refs/heads/"))
		if err != nil || !matched {
			return false
		}
	}
	if fc.Status != "" && r.Status != fc.Status {
		return false
	}
	return true
}

// ListRuns writes runs matching filters, newest first.
func ListRuns(ctx context.Context, src Source, instanceName string, format OutputFormat, filters *FilterCriteria, w io.Writer) error {
	all, err := src.ListRuns(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*runboard.Run, 0, len(all))
	for _, r := range all {
		if filters != nil && !filters.matches(r) {
			continue
		}
		runs = append(runs, r)
		if filters != nil && filters.Limit > 0 && len(runs) == filters.Limit {
			break
		}
	}

	switch format {
	case OutputFormatDefault:
		FormatTable(w, runs, instanceName)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, runs); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}

// GetRun resolves a full or short run ID and writes the run as JSON.
func GetRun(ctx context.Context, src Source, id string, w io.Writer) error {
	fullID, err := ResolveRunID(ctx, src, id)
	if err != nil {
		return err
	}

	r, err := src.GetRun(ctx, fullID)
	if err != nil {
		if runboard.IsNotFound(err) {
			return &RunNotFoundError{RunID: fullID}
		}
		return fmt.Errorf("failed to fetch run: %w", err)
	}
	return FormatSingleJSON(w, r)
}

// ResolveRunID expands a unique ID prefix to the full run ID.
func ResolveRunID(ctx context.Context, src Source, id string) (string, error) {
	if _, err := uuid.Parse(id); err == nil {
		return id, nil
	}
	if len(id) < 4 {
		return "", fmt.Errorf("run ID prefix %q is too short (need at least 4 characters)", id)
	}

	runs, err := src.ListRuns(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("failed to list runs: %w", err)
	}
	var matches []string
	for _, r := range runs {
		if strings.HasPrefix(r.ID, id) {
			matches = append(matches, r.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", &RunNotFoundError{RunID: id}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousIDError{Prefix: id, Matches: matches}
	}
}

// RunNotFoundError reports a run ID that matches nothing.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run with ID '%s' not found", e.RunID)
}

// AmbiguousIDError reports a short ID matching more than one run.
type AmbiguousIDError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousIDError) Error() string {
	return fmt.Sprintf("run ID prefix '%s' is ambiguous: %d runs match", e.Prefix, len(e.Matches))
}

// IsNotFound returns true if the error is a RunNotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*RunNotFoundError)
	return ok
}
