// Package eventmodel defines the data types that flow through the
// extract-partition-ship pipeline: the raw Event read from the source
// store, the time Window that admits it, and the RunSummary returned
// once a run completes.
package eventmodel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the atomic record scanned from the source store. Payload is
// preserved verbatim — it is never validated against a schema.
type Event struct {
	EventID  string          `json:"event_id"`
	ClientID string          `json:"client_id"`
	Time     string          `json:"time"`
	Payload  json.RawMessage `json:"payload"`
}

// ParsedTime parses Time as RFC 3339. Events are rejected (see
// partition.Partitioner.Admit) when this fails.
func (e Event) ParsedTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, e.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event %s time %q: %w", e.EventID, e.Time, err)
	}
	return t, nil
}

// Window is the half-open UTC interval [Start, End) that selects
// events for one run.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in the window's half-open interval.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// WindowForInvocation computes the default window for an invocation at
// wall-clock time now: End is the floor of now to the hour, Start is
// End - hours. Deterministic from now, so retried invocations within
// the same hour select the same window.
func WindowForInvocation(now time.Time, hours int) Window {
	if hours <= 0 {
		hours = 1
	}
	now = now.UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
	start := end.Add(-time.Duration(hours) * time.Hour)
	return Window{Start: start, End: end}
}

// ClientErrorDetail is one entry in RunSummary's bounded per-client
// error ledger.
type ClientErrorDetail struct {
	ClientID string `json:"client_id"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
}

// RunSummary is the per-invocation record returned by
// orchestrator.Run and emitted as telemetry.
type RunSummary struct {
	RunID          string              `json:"run_id"`
	WindowStart    time.Time           `json:"window_start"`
	WindowEnd      time.Time           `json:"window_end"`
	EventsScanned  int64               `json:"events_scanned"`
	EventsInWindow int64               `json:"events_in_window"`
	EventsRejected int64               `json:"events_rejected"`
	ClientsSeen    int                 `json:"clients_seen"`
	ObjectsWritten int64               `json:"objects_written"`
	ObjectsFailed  int64               `json:"objects_failed"`
	BytesWritten   int64               `json:"bytes_written"`
	DurationMS     int64               `json:"duration_ms"`
	Partial        bool                `json:"partial"`
	ClientErrors   []ClientErrorDetail `json:"client_errors,omitempty"`
}
