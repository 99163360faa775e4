// Package trigger decides whether an incoming repository event starts a release
// run and extracts the run parameters from it.
//
// Evaluate is pure: given the same Event and GateConfig it always returns the
// same Decision and performs no I/O.
package trigger

import (
	"errors"
	"strings"
)

// ErrGateRejected marks an event that does not qualify for a run. It is not a
// failure; callers treat it as a silent no-op.
var ErrGateRejected = errors.New("event rejected by trigger gate")

// Kind identifies how a run was requested.
type Kind string

const (
	KindPush   Kind = "push"
	KindManual Kind = "manual"
)

// Event is the minimal view of a repository event needed by the gate.
type Event struct {
	Kind          Kind   `json:"kind"`
	Owner         string `json:"owner"`          // Repository owner the event originated from
	Ref           string `json:"ref"`            // Branch reference, e.g. refs/heads/stable-1
	CommitMessage string `json:"commit_message"` // Leading commit message (push only)
	CommitSHA     string `json:"commit_sha,omitempty"`
	Mode          string `json:"mode,omitempty"` // Mode override (manual only)
	Actor         string `json:"actor,omitempty"`
}

// GateConfig holds the gate's fixed parameters.
type GateConfig struct {
	Owner         string
	ReleaseMarker string
}

// Decision is the gate's verdict plus the extracted run parameters.
type Decision struct {
	Proceed bool
	Reason  string // Why the event was skipped; empty when Proceed
	Class   BranchClass
	Mode    string
	Kind    Kind
	Ref     string
}

// Err returns ErrGateRejected for skipped events and nil otherwise.
func (d Decision) Err() error {
	if d.Proceed {
		return nil
	}
	return ErrGateRejected
}

// Evaluate applies the trigger rules to an event.
func Evaluate(ev Event, cfg GateConfig) Decision {
	d := Decision{
		Class: ClassifyBranch(ev.Ref),
		Kind:  ev.Kind,
		Ref:   ev.Ref,
	}

	if !strings.EqualFold(ev.Owner, cfg.Owner) {
		d.Reason = "event does not originate from the authorized owner"
		return d
	}

	switch ev.Kind {
	case KindManual:
		d.Mode = strings.TrimSpace(ev.Mode)
		d.Proceed = true
	case KindPush:
		marker := cfg.ReleaseMarker
		if marker == "" || !strings.HasPrefix(leadingLine(ev.CommitMessage), marker) {
			d.Reason = "leading commit message does not carry the release marker"
			return d
		}
		if !d.Class.Releasable() {
			d.Reason = "branch " + BranchName(ev.Ref) + " is not a release branch"
			return d
		}
		d.Proceed = true
	default:
		d.Reason = "unsupported event kind " + string(ev.Kind)
	}

	return d
}

func leadingLine(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}
