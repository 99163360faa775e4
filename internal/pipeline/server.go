package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dyluth/convoy/internal/trigger"
)

// maxPayloadSize bounds webhook bodies (GitHub caps payloads at 25MB)
const maxPayloadSize = 25 << 20

// Pinger reports backend connectivity for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server receives webhook events and runs pipelines in the background.
//
//	POST /webhook  202 run started, 204 event skipped, 401 bad signature
//	GET  /healthz  200 healthy, 503 Redis unreachable
type Server struct {
	orch   *Orchestrator
	secret string
	pinger Pinger
	server *http.Server

	runCtx    context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// NewServer creates a webhook server. An empty secret disables signature checks;
// a nil pinger reports healthy without a Redis check.
func NewServer(orch *Orchestrator, secret string, pinger Pinger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		orch:      orch,
		secret:    secret,
		pinger:    pinger,
		runCtx:    ctx,
		cancelAll: cancel,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	return mux
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Server] HTTP server error: %v", err)
		}
	}()

	log.Printf("[Server] Listening on %s", addr)
	return nil
}

// Shutdown stops accepting events, cancels in-flight runs and waits for them
// to record their final state.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("runs still in flight at shutdown: %w", ctx.Err())
	}
	return err
}

// Wait blocks until every run started so far has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// WebhookResponse is the JSON body returned for accepted and skipped events.
type WebhookResponse struct {
	Status string `json:"status"` // accepted | pong
	Ref    string `json:"ref,omitempty"`
	Class  string `json:"class,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if s.secret != "" && !trigger.VerifySignature(s.secret, payload, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	eventName := r.Header.Get("X-GitHub-Event")
	if eventName == "ping" {
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "pong"})
		return
	}

	ev, err := trigger.ParseGitHubEvent(eventName, payload)
	if errors.Is(err, trigger.ErrUnsupportedEvent) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	decision := s.orch.Evaluate(ev)
	if !decision.Proceed {
		s.orch.logEvent("gate_rejected", map[string]interface{}{
			"ref":    ev.Ref,
			"kind":   string(ev.Kind),
			"reason": decision.Reason,
		})
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.orch.Start(s.runCtx, decision, ev); err != nil {
			log.Printf("[Server] Run for %s ended: %v", ev.Ref, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, WebhookResponse{
		Status: "accepted",
		Ref:    decision.Ref,
		Class:  decision.Class.String(),
	})
}

// HealthResponse is the JSON response structure for health checks.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// healthCheckHandler returns 200 OK if Redis is reachable, 503 otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{Status: "healthy"}
	if s.pinger == nil {
		writeJSON(w, http.StatusOK, response)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Redis = "connected"
	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
