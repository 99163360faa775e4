package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GitHub webhook event names accepted by ParseGitHubEvent
const (
	GitHubPush             = "push"
	GitHubWorkflowDispatch = "workflow_dispatch"
)

type githubRepository struct {
	Owner struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	} `json:"owner"`
}

type githubPush struct {
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Repository githubRepository `json:"repository"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"commits"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

type githubDispatch struct {
	Ref        string            `json:"ref"`
	Inputs     map[string]string `json:"inputs"`
	Repository githubRepository  `json:"repository"`
	Sender     struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// ErrUnsupportedEvent is returned for webhook events that never start a run.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// ModeInput is the workflow_dispatch input carrying the mode override.
const ModeInput = "mode"

// ParseGitHubEvent decodes a GitHub webhook payload into an Event.
func ParseGitHubEvent(eventName string, payload []byte) (Event, error) {
	switch eventName {
	case GitHubPush:
		var p githubPush
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("failed to decode push payload: %w", err)
		}
		ev := Event{
			Kind:      KindPush,
			Owner:     ownerLogin(p.Repository),
			Ref:       p.Ref,
			CommitSHA: p.After,
			Actor:     p.Sender.Login,
		}
		switch {
		case p.HeadCommit != nil:
			ev.CommitMessage = p.HeadCommit.Message
			ev.CommitSHA = p.HeadCommit.ID
		case len(p.Commits) > 0:
			last := p.Commits[len(p.Commits)-1]
			ev.CommitMessage = last.Message
			ev.CommitSHA = last.ID
		}
		return ev, nil

	case GitHubWorkflowDispatch:
		var p githubDispatch
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("failed to decode workflow_dispatch payload: %w", err)
		}
		return Event{
			Kind:  KindManual,
			Owner: ownerLogin(p.Repository),
			Ref:   p.Ref,
			Mode:  p.Inputs[ModeInput],
			Actor: p.Sender.Login,
		}, nil

	default:
		return Event{}, fmt.Errorf("%w %q", ErrUnsupportedEvent, eventName)
	}
}

func ownerLogin(r githubRepository) string {
	if r.Owner.Login != "" {
		return r.Owner.Login
	}
	return r.Owner.Name
}

// VerifySignature checks a X-Hub-Signature-256 header against the payload.
func VerifySignature(secret string, payload []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 header value for a payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
