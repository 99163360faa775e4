// Package notify delivers the single failure alert emitted for a failed run.
// Delivery is best-effort: errors are logged and never returned to the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrNotificationFailed wraps every delivery failure.
var ErrNotificationFailed = errors.New("notification failed")

// Alert describes a failed run.
type Alert struct {
	RunID  string `json:"run_id"`
	Ref    string `json:"ref"`
	Kind   string `json:"trigger"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
	RunURL string `json:"run_url"` // Diagnostic log location
}

// Text renders the alert as a single message.
func (a Alert) Text() string {
	return fmt.Sprintf(":rotating_light: Release run %s on %s failed during %s: %s\nLogs: %s",
		a.RunID, a.Ref, a.Stage, a.Reason, a.RunURL)
}

// Notifier delivers an alert.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// RunURL expands the {run_id} placeholder in template.
func RunURL(template, runID string) string {
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{run_id}", runID)
}

// WebhookNotifier posts Slack-compatible {"text": ...} payloads.
type WebhookNotifier struct {
	url  string
	http *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
	}
}

type webhookPayload struct {
	Text string `json:"text"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(webhookPayload{Text: alert.Text()})
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %w", ErrNotificationFailed, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrNotificationFailed, err)
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(request)
	if err != nil {
		return fmt.Errorf("%w: request failed: %w", ErrNotificationFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %s", ErrNotificationFailed, resp.Status)
	}
	return nil
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, alert Alert) error {
	log.Printf("[Notify] %s", alert.Text())
	return nil
}

// BestEffort wraps a Notifier so delivery never fails the caller.
type BestEffort struct {
	Notifier Notifier
}

// Send delivers alert and logs any failure. It reports whether delivery succeeded.
func (b BestEffort) Send(ctx context.Context, alert Alert) bool {
	if b.Notifier == nil {
		return false
	}
	if err := b.Notifier.Notify(ctx, alert); err != nil {
		log.Printf("[Notify] WARNING: failed to deliver alert for run %s: %v", alert.RunID, err)
		return false
	}
	return true
}
