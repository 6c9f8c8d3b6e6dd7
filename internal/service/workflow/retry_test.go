package workflow

import (
	"context"
	"errors"
	"testing"
)

// countingNoder fails its first N-1 calls, then succeeds.
type countingNoder struct {
	failUntil int
	calls     int
}

func (n *countingNoder) Type() string { return "counting" }

func (n *countingNoder) Validate(context.Context, *Registry) error { return nil }

func (n *countingNoder) Run(context.Context, *Registry, map[string]any) (NodeResult, error) {
	n.calls++
	if n.calls < n.failUntil {
		return nil, errors.New("transient failure")
	}
	return NewResult(map[string]any{"ok": true}), nil
}

func TestPolicyFromDataDefaults(t *testing.T) {
	p := policyFromData(nil)
	if p.maxTries != 1 || p.onError != onErrorStop || p.waitBetween != 0 || p.timeout != 0 {
		t.Fatalf("unexpected default policy: %+v", p)
	}
}

func TestPolicyFromDataParsesFields(t *testing.T) {
	p := policyFromData(map[string]any{
		"retry_max_tries":    float64(3), // JSON numbers decode as float64
		"retry_wait_seconds": float64(0.01),
		"on_error":           "continue_regular",
		"timeout_seconds":    float64(5),
	})
	if p.maxTries != 3 {
		t.Errorf("maxTries = %d, want 3", p.maxTries)
	}
	if p.onError != onErrorContinueRegular {
		t.Errorf("onError = %q, want continue_regular", p.onError)
	}
	if p.timeout.Seconds() != 5 {
		t.Errorf("timeout = %v, want 5s", p.timeout)
	}
}

func TestRunNodeWithPolicyRetriesThenSucceeds(t *testing.T) {
	n := &countingNoder{failUntil: 3}
	reg := NewRegistry(nil, nil, nil, nil, nil, nil, nil)
	reg.Events = NewEventStream("run1")

	policy := nodePolicy{maxTries: 3, onError: onErrorStop}
	result, proceed, err := runNodeWithPolicy(context.Background(), reg, n, "n1", policy, nil)
	if err != nil {
		t.Fatalf("runNodeWithPolicy: %v", err)
	}
	if !proceed {
		t.Fatal("expected proceed=true on eventual success")
	}
	if result.Data()["ok"] != true {
		t.Fatalf("unexpected result data: %v", result.Data())
	}
	if n.calls != 3 {
		t.Fatalf("calls = %d, want 3", n.calls)
	}

	_, backlog, unsub := reg.Events.Subscribe(0)
	defer unsub()
	var sawRetry, sawCompleted bool
	for _, ev := range backlog {
		switch ev.Type {
		case EventNodeRetrying:
			sawRetry = true
		case EventNodeCompleted:
			sawCompleted = true
		}
	}
	if !sawRetry || !sawCompleted {
		t.Fatalf("expected retrying and completed events, got %+v", backlog)
	}
}

func TestRunNodeWithPolicyStopPropagatesError(t *testing.T) {
	n := &countingNoder{failUntil: 100}
	reg := NewRegistry(nil, nil, nil, nil, nil, nil, nil)

	policy := nodePolicy{maxTries: 2, onError: onErrorStop}
	_, proceed, err := runNodeWithPolicy(context.Background(), reg, n, "n1", policy, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !proceed {
		t.Fatal("stop policy should report proceed=true so caller propagates the error")
	}
	if n.calls != 2 {
		t.Fatalf("calls = %d, want 2 (maxTries)", n.calls)
	}
}

func TestRunNodeWithPolicyContinueRegularSwallowsError(t *testing.T) {
	n := &countingNoder{failUntil: 100}
	reg := NewRegistry(nil, nil, nil, nil, nil, nil, nil)

	policy := nodePolicy{maxTries: 1, onError: onErrorContinueRegular}
	result, proceed, err := runNodeWithPolicy(context.Background(), reg, n, "n1", policy, nil)
	if err != nil {
		t.Fatalf("continue_regular must not propagate the error, got %v", err)
	}
	if proceed {
		t.Fatal("expected proceed=false: nothing to route downstream")
	}
	if result != nil {
		t.Fatalf("expected nil result, got %v", result)
	}
	if len(reg.Errors()) != 0 {
		t.Fatalf("continue_regular must not record the error, got %v", reg.Errors())
	}
}

func TestRunNodeWithPolicyContinueErrorRecordsError(t *testing.T) {
	n := &countingNoder{failUntil: 100}
	reg := NewRegistry(nil, nil, nil, nil, nil, nil, nil)

	policy := nodePolicy{maxTries: 1, onError: onErrorContinueError}
	if _, _, err := runNodeWithPolicy(context.Background(), reg, n, "n1", policy, nil); err != nil {
		t.Fatalf("continue_error must not propagate the error, got %v", err)
	}
	if len(reg.Errors()) != 1 {
		t.Fatalf("expected one recorded error, got %v", reg.Errors())
	}
}

func TestEventStreamSubscribeReplaysHistory(t *testing.T) {
	s := NewEventStream("run1")
	s.Publish(EventExecutionStarted, "", nil)
	s.Publish(EventNodeStarted, "n1", nil)

	ch, backlog, unsub := s.Subscribe(0)
	defer unsub()
	if len(backlog) != 2 {
		t.Fatalf("backlog = %d events, want 2", len(backlog))
	}

	s.Publish(EventNodeCompleted, "n1", nil)
	select {
	case ev := <-ch:
		if ev.Type != EventNodeCompleted {
			t.Fatalf("got event %q, want node.completed", ev.Type)
		}
	default:
		t.Fatal("expected a live event on the subscriber channel")
	}
}
