package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegisterRunTracksAndCleansUpActiveRun(t *testing.T) {
	s := &Server{}

	runID, ctx, cleanup := s.registerRun(context.Background(), "wf1", "api")
	if runID == "" {
		t.Fatal("expected a non-empty run ID")
	}

	val, ok := s.activeRuns.Load(runID)
	if !ok {
		t.Fatal("expected the run to be tracked in activeRuns")
	}
	run := val.(*activeRun)
	if run.WorkflowID != "wf1" || run.Source != "api" {
		t.Fatalf("unexpected run record: %+v", run)
	}
	if run.Events == nil {
		t.Fatal("expected registerRun to attach an event stream")
	}

	cleanup()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected cleanup to cancel the run's context")
	}

	// cleanup defers record deletion by runEventRetention so a client still
	// streaming events can read the run's final events; it must not be gone
	// immediately.
	if _, ok := s.activeRuns.Load(runID); !ok {
		t.Fatal("expected the run record to survive until runEventRetention elapses")
	}
}

func TestExtractRunIDFromCancelAndEventsURLs(t *testing.T) {
	cases := map[string]string{
		"/api/v1/runs/run_abc/cancel": "run_abc",
		"/api/v1/runs/run_abc/events": "run_abc",
		"/api/v1/runs/run_abc/":       "run_abc",
		"/api/v1/other":                "",
	}
	for path, want := range cases {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		if got := extractRunID(r); got != want {
			t.Errorf("extractRunID(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestCancelRunAPIUnknownRun(t *testing.T) {
	s := &Server{}
	r := httptest.NewRequest(http.MethodPost, "/api/v1/runs/nope/cancel", nil)
	w := httptest.NewRecorder()

	s.CancelRunAPI(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCancelRunAPICancelsContext(t *testing.T) {
	s := &Server{}
	runID, ctx, _ := s.registerRun(context.Background(), "wf1", "api")

	r := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
	w := httptest.NewRecorder()
	s.CancelRunAPI(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected the run's context to be cancelled")
	}
}

func TestRunEventsAPIStreamsBacklogThenLiveEvents(t *testing.T) {
	s := &Server{}
	runID, _, cleanup := s.registerRun(context.Background(), "wf1", "api")
	defer cleanup()

	val, _ := s.activeRuns.Load(runID)
	run := val.(*activeRun)
	run.Events.Publish("execution.started", "", nil)

	reqCtx, reqCancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID+"/events", nil).WithContext(reqCtx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.RunEventsAPI(w, r)
		close(done)
	}()

	// Give the handler time to flush the backlog, then publish a live event
	// and verify it shows up before tearing the stream down.
	time.Sleep(50 * time.Millisecond)
	run.Events.Publish("node.started", "n1", nil)
	time.Sleep(50 * time.Millisecond)
	reqCancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected RunEventsAPI to return after context cancellation")
	}

	body := w.Body.String()
	if !strings.Contains(body, "execution.started") {
		t.Fatalf("expected backlog event in body, got %q", body)
	}
	if !strings.Contains(body, "node.started") {
		t.Fatalf("expected live event in body, got %q", body)
	}
}

func TestRunEventsAPIUnknownRun(t *testing.T) {
	s := &Server{}
	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope/events", nil)
	w := httptest.NewRecorder()

	s.RunEventsAPI(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
