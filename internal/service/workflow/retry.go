package workflow

import (
	"context"
	"errors"
	"time"
)

// nodePolicy is the per-node retry/error/timeout configuration, read from
// generic keys any node's Data map may carry alongside its own
// type-specific config:
//
//	"retry_max_tries"    int     — attempts before giving up (default 1)
//	"retry_wait_seconds" float64 — delay between attempts
//	"on_error"           string  — "stop" (default), "continue_regular" or
//	                               "continue_error"
//	"timeout_seconds"    float64 — per-attempt deadline, 0 means none
type nodePolicy struct {
	maxTries    int
	waitBetween time.Duration
	onError     string
	timeout     time.Duration
}

const (
	onErrorStop            = "stop"
	onErrorContinueRegular = "continue_regular"
	onErrorContinueError   = "continue_error"
)

func policyFromData(data map[string]any) nodePolicy {
	p := nodePolicy{maxTries: 1, onError: onErrorStop}

	if v, ok := data["retry_max_tries"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			p.maxTries = n
		}
	}
	if v, ok := data["retry_wait_seconds"]; ok {
		if f, ok := toFloat(v); ok && f > 0 {
			p.waitBetween = time.Duration(f * float64(time.Second))
		}
	}
	if v, ok := data["on_error"].(string); ok && v != "" {
		p.onError = v
	}
	if v, ok := data["timeout_seconds"]; ok {
		if f, ok := toFloat(v); ok && f > 0 {
			p.timeout = time.Duration(f * float64(time.Second))
		}
	}

	return p
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// runNodeWithPolicy runs noder.Run under the node's retry/timeout policy,
// publishing node.started/node.retrying/node.completed/node.failed events
// as it goes. On terminal failure it reports whether the caller should stop
// the whole run (onError == "stop"), skip propagating the error and carry
// on (onError == "continue_regular"), or record the error on the registry
// and carry on (onError == "continue_error").
func runNodeWithPolicy(ctx context.Context, reg *Registry, noder Noder, nodeID string, policy nodePolicy, inputs map[string]any) (NodeResult, bool, error) {
	publish(reg, EventNodeStarted, nodeID, nil)

	var lastErr error
	for attempt := 1; attempt <= policy.maxTries; attempt++ {
		runCtx := ctx
		var cancel context.CancelFunc
		if policy.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, policy.timeout)
		}

		result, err := noder.Run(runCtx, reg, inputs)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			publish(reg, EventNodeCompleted, nodeID, map[string]any{"attempt": attempt})
			return result, true, nil
		}

		lastErr = err
		if errors.Is(err, ErrStopBranch) || errors.Is(ctx.Err(), context.Canceled) {
			return nil, true, err
		}

		if attempt < policy.maxTries {
			publish(reg, EventNodeRetrying, nodeID, map[string]any{"attempt": attempt, "error": err.Error()})
			if policy.waitBetween > 0 {
				select {
				case <-time.After(policy.waitBetween):
				case <-ctx.Done():
					return nil, true, ctx.Err()
				}
			}
		}
	}

	publish(reg, EventNodeFailed, nodeID, map[string]any{"error": lastErr.Error()})

	switch policy.onError {
	case onErrorContinueRegular:
		return nil, false, nil
	case onErrorContinueError:
		reg.AddError(lastErr)
		return nil, false, nil
	default:
		return nil, true, lastErr
	}
}

// publish is a nil-safe helper: reg.Events is nil in contexts that don't
// stream events (e.g. unit tests), so every call site doesn't need its own
// nil check.
func publish(reg *Registry, evType EventType, nodeID string, data map[string]any) {
	if reg == nil || reg.Events == nil {
		return
	}
	reg.Events.Publish(evType, nodeID, data)
}
