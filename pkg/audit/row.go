// Package audit exports Cache and TaskCache lifecycle events to an analytics
// store in batches.
package audit

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-datacache/pkg/cache"
)

// Sources an EventRow can describe.
const (
	SourceEntry = "entry"
	SourceTask  = "task"
)

// EventRow is one recorded lifecycle event.
type EventRow struct {
	Source      string              `bigquery:"source"`
	Event       string              `bigquery:"event"`
	Action      bigquery.NullString `bigquery:"action"`
	Key         string              `bigquery:"key"`
	Hash        bigquery.NullString `bigquery:"hash"`
	TaskID      bigquery.NullInt64  `bigquery:"task_id"`
	Status      string              `bigquery:"status"`
	FetchStatus bigquery.NullString `bigquery:"fetch_status"`
	Error       bigquery.NullString `bigquery:"error"`
	// FailureCount is the fetch failure count for entries and the attempt
	// failure count for tasks.
	FailureCount int64     `bigquery:"failure_count"`
	RecordedAt   time.Time `bigquery:"recorded_at"`
}

func encodeKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func errString(err error) bigquery.NullString {
	if err == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: err.Error(), Valid: true}
}

func actionString(a cache.ActionKind) bigquery.NullString {
	if a == 0 {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: a.String(), Valid: true}
}

// EntryRow converts a Cache event into an EventRow.
func EntryRow(ev cache.Event, at time.Time) *EventRow {
	st := ev.State
	event := ev.Type.String()
	if ev.Collected {
		event = "collected"
	}
	return &EventRow{
		Source:       SourceEntry,
		Event:        event,
		Action:       actionString(ev.Action),
		Key:          encodeKey(ev.Entry.Key()),
		Hash:         bigquery.NullString{StringVal: ev.Entry.Hash(), Valid: true},
		Status:       st.Status.String(),
		FetchStatus:  bigquery.NullString{StringVal: st.FetchStatus.String(), Valid: true},
		Error:        errString(st.Error),
		FailureCount: int64(st.FetchFailureCount),
		RecordedAt:   at,
	}
}

// TaskRow converts a TaskCache event into an EventRow.
func TaskRow(ev cache.TaskEvent, at time.Time) *EventRow {
	st := ev.State
	key := ""
	if k := ev.Task.Options().Key; k != nil {
		key = encodeKey(k)
	}
	return &EventRow{
		Source:       SourceTask,
		Event:        ev.Type.String(),
		Action:       actionString(ev.Action),
		Key:          key,
		TaskID:       bigquery.NullInt64{Int64: ev.Task.ID(), Valid: true},
		Status:       st.Status.String(),
		Error:        errString(st.Error),
		FailureCount: int64(st.FailureCount),
		RecordedAt:   at,
	}
}
