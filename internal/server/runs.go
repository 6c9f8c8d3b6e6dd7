package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/flowcore/internal/service/workflow"
)

// activeRun tracks a single in-flight workflow execution.
type activeRun struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	Source     string                `json:"source"` // "api", "webhook", "cron"
	StartedAt  time.Time             `json:"started_at"`
	Cancel     context.CancelFunc    `json:"-"`
	Events     *workflow.EventStream `json:"-"`
}

// activeRunResponse is the JSON-safe representation of an active run.
type activeRunResponse struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Source     string `json:"source"`
	StartedAt  string `json:"started_at"`
	Duration   string `json:"duration"`
}

// activeRunsResponse wraps a list of active runs for JSON output.
type activeRunsResponse struct {
	Runs []activeRunResponse `json:"runs"`
}

// registerRun creates a cancellable context, registers the run, and returns
// the run ID, derived context, and a cleanup function that must be deferred.
func (s *Server) registerRun(parent context.Context, workflowID, source string) (string, context.Context, func()) {
	runID := "run_" + ulid.Make().String()
	ctx, cancel := context.WithCancel(parent)

	run := &activeRun{
		ID:         runID,
		WorkflowID: workflowID,
		Source:     source,
		StartedAt:  time.Now(),
		Cancel:     cancel,
		Events:     workflow.NewEventStream(runID),
	}
	s.activeRuns.Store(runID, run)

	cleanup := func() {
		// The run record (and its event stream) outlives cancellation by a
		// grace period so a client watching /v1/runs/{id}/events can still
		// read the execution.finished/error event and replay history after
		// the goroutine driving the engine has already returned.
		time.AfterFunc(runEventRetention, func() { s.activeRuns.Delete(runID) })
		cancel()
	}

	return runID, ctx, cleanup
}

// runEventRetention is how long a finished run's record (and buffered event
// history) stays available for /v1/runs/{id}/events after it completes.
const runEventRetention = 30 * time.Second

// RunEventsAPI handles GET /v1/runs/:run_id/events, an SSE stream of a run's
// node/execution lifecycle events. Pass ?since=N to resume from sequence N
// (e.g. after a reconnect) instead of replaying the whole history.
func (s *Server) RunEventsAPI(w http.ResponseWriter, r *http.Request) {
	runID := extractRunID(r)
	if runID == "" {
		httpResponse(w, "run id is required", http.StatusBadRequest)
		return
	}

	val, ok := s.activeRuns.Load(runID)
	if !ok {
		httpResponse(w, fmt.Sprintf("run %q not found", runID), http.StatusNotFound)
		return
	}
	run := val.(*activeRun)

	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			since = n
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpResponse(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, backlog, unsub := run.Events.Subscribe(since)
	defer unsub()

	writeEvent := func(ev workflow.Event) {
		fmt.Fprintf(w, "id: %d\nevent: %s\n", ev.Seq, ev.Type)
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for _, ev := range backlog {
		writeEvent(ev)
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(ev)
		case <-r.Context().Done():
			return
		}
	}
}

// ListActiveRunsAPI handles GET /api/v1/runs.
func (s *Server) ListActiveRunsAPI(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	var runs []activeRunResponse

	s.activeRuns.Range(func(key, value any) bool {
		run := value.(*activeRun)
		runs = append(runs, activeRunResponse{
			ID:         run.ID,
			WorkflowID: run.WorkflowID,
			Source:     run.Source,
			StartedAt:  run.StartedAt.UTC().Format(time.RFC3339),
			Duration:   now.Sub(run.StartedAt).Truncate(time.Second).String(),
		})
		return true
	})

	if runs == nil {
		runs = []activeRunResponse{}
	}

	httpResponseJSON(w, activeRunsResponse{Runs: runs}, http.StatusOK)
}

// CancelRunAPI handles POST /api/v1/runs/:run_id/cancel.
func (s *Server) CancelRunAPI(w http.ResponseWriter, r *http.Request) {
	runID := extractRunID(r)
	if runID == "" {
		httpResponse(w, "run id is required", http.StatusBadRequest)
		return
	}

	val, ok := s.activeRuns.Load(runID)
	if !ok {
		httpResponse(w, fmt.Sprintf("run %q not found or already completed", runID), http.StatusNotFound)
		return
	}

	run := val.(*activeRun)
	run.Cancel()

	httpResponseJSON(w, map[string]any{
		"message": "cancel signal sent",
		"run_id":  runID,
	}, http.StatusOK)
}

// extractRunID extracts the run ID from a /api/v1/runs/{run_id}/cancel or
// /api/v1/runs/{run_id}/events URL.
func extractRunID(r *http.Request) string {
	path := r.URL.Path
	const prefix = "/api/v1/runs/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}

	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimSuffix(rest, "/cancel")
	rest = strings.TrimSuffix(rest, "/events")
	rest = strings.TrimSuffix(rest, "/")

	return rest
}
