package tooladapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rakunlabs/flowcore/internal/engine"
)

const calendarBaseURL = "https://www.googleapis.com/calendar/v3"

// calendarAdapter talks to Google Calendar's REST API directly over the
// shared transport; there is no Go SDK among the teacher's dependencies, so
// this is the generic HTTP adapter's transport with Calendar-specific
// operation mapping layered on top (list_events, create_event, update_event,
// delete_event), following spec.md §4.4's per-provider grounding.
type calendarAdapter struct {
	t *transport
}

func newCalendarAdapter(t *transport) *calendarAdapter { return &calendarAdapter{t: t} }

func (a *calendarAdapter) Call(ctx context.Context, operation string, params map[string]any, cred engine.CredentialHandle) (map[string]any, error) {
	calendarID, _ := params["calendar_id"].(string)
	if calendarID == "" {
		calendarID = "primary"
	}

	var (
		method string
		path   string
		body   any
	)

	switch operation {
	case "list_events":
		method = http.MethodGet
		q := url.Values{}
		if tMin, ok := params["time_min"].(string); ok && tMin != "" {
			q.Set("timeMin", tMin)
		}
		if tMax, ok := params["time_max"].(string); ok && tMax != "" {
			q.Set("timeMax", tMax)
		}
		if maxResults, ok := params["max_results"]; ok {
			q.Set("maxResults", fmt.Sprintf("%v", maxResults))
		}
		path = "/calendars/" + url.PathEscape(calendarID) + "/events"
		if encoded := q.Encode(); encoded != "" {
			path += "?" + encoded
		}

	case "create_event":
		method = http.MethodPost
		path = "/calendars/" + url.PathEscape(calendarID) + "/events"
		body = params["event"]

	case "update_event":
		eventID, _ := params["event_id"].(string)
		if eventID == "" {
			return nil, engine.NewError(engine.ErrKindValidation, "google_calendar: 'event_id' is required for update_event")
		}
		method = http.MethodPatch
		path = "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)
		body = params["event"]

	case "delete_event":
		eventID, _ := params["event_id"].(string)
		if eventID == "" {
			return nil, engine.NewError(engine.ErrKindValidation, "google_calendar: 'event_id' is required for delete_event")
		}
		method = http.MethodDelete
		path = "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)

	default:
		return nil, engine.NewError(engine.ErrKindValidation, "google_calendar: unknown operation "+operation)
	}

	build := func(ctx context.Context, accessToken string) (*http.Request, error) {
		var bodyReader io.Reader
		if body != nil {
			r, err := encodeJSON(body)
			if err != nil {
				return nil, fmt.Errorf("encode body: %w", err)
			}
			bodyReader = r
		}
		req, err := http.NewRequestWithContext(ctx, method, calendarBaseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	}

	resp, respBody, err := a.t.do(ctx, limiterKey("google_calendar", cred), cred, build)
	return responseResult(resp, respBody), err
}
