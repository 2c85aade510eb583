package inspector

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/client"
	"github.com/illmade-knight/go-datacache/pkg/keys"
)

// EntryView is the JSON snapshot of an Entry.
type EntryView struct {
	Key           keys.Key   `json:"key"`
	Hash          string     `json:"hash"`
	Status        string     `json:"status"`
	FetchStatus   string     `json:"fetchStatus"`
	Observers     int        `json:"observers"`
	Stale         bool       `json:"stale"`
	Invalidated   bool       `json:"invalidated"`
	DataUpdatedAt *time.Time `json:"dataUpdatedAt,omitempty"`
	FailureCount  int        `json:"failureCount"`
	Error         string     `json:"error,omitempty"`
}

// TaskView is the JSON snapshot of a Task.
type TaskView struct {
	ID           int64      `json:"id"`
	Label        string     `json:"label"`
	Key          keys.Key   `json:"key,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	Status       string     `json:"status"`
	Paused       bool       `json:"paused"`
	FailureCount int        `json:"failureCount"`
	Error        string     `json:"error,omitempty"`
	SubmittedAt  *time.Time `json:"submittedAt,omitempty"`
}

func entryView(e *cache.Entry) EntryView {
	st := e.State()
	v := EntryView{
		Key:          e.Key(),
		Hash:         e.Hash(),
		Status:       st.Status.String(),
		FetchStatus:  st.FetchStatus.String(),
		Observers:    e.ObserverCount(),
		Stale:        e.IsStale(),
		Invalidated:  st.IsInvalidated,
		FailureCount: st.FetchFailureCount,
	}
	if !st.DataUpdatedAt.IsZero() {
		at := st.DataUpdatedAt
		v.DataUpdatedAt = &at
	}
	if st.Error != nil {
		v.Error = st.Error.Error()
	}
	return v
}

func taskView(t *cache.Task) TaskView {
	st := t.State()
	v := TaskView{
		ID:           t.ID(),
		Label:        t.Label(),
		Key:          t.Options().Key,
		Scope:        t.Scope(),
		Status:       st.Status.String(),
		Paused:       st.IsPaused,
		FailureCount: st.FailureCount,
	}
	if !st.SubmittedAt.IsZero() {
		at := st.SubmittedAt
		v.SubmittedAt = &at
	}
	if st.Error != nil {
		v.Error = st.Error.Error()
	}
	return v
}

// parseKey reads the optional "key" query parameter, a JSON array.
func parseKey(r *http.Request) (keys.Key, error) {
	raw := r.URL.Query().Get("key")
	if raw == "" {
		return nil, nil
	}
	var key keys.Key
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey(r)
	if err != nil {
		http.Error(w, "key must be a JSON array", http.StatusBadRequest)
		return
	}
	f := cache.Filter{Key: key}
	switch r.URL.Query().Get("stale") {
	case "true":
		f.Stale = cache.StaleOnly
	case "false":
		f.Stale = cache.FreshOnly
	}

	entries := s.client.FindMatching(f)
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Hash < views[j].Hash })
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.client.Tasks().GetAll()
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView(t))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	s.writeJSON(w, http.StatusOK, views)
}

type invalidateRequest struct {
	Key keys.Key `json:"key"`
	// Refetch is one of active (default), inactive, all or none.
	Refetch string `json:"refetch"`
}

var refetchTypes = map[string]client.RefetchType{
	"":         client.RefetchActive,
	"active":   client.RefetchActive,
	"inactive": client.RefetchInactive,
	"all":      client.RefetchAll,
	"none":     client.RefetchNone,
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rt, ok := refetchTypes[req.Refetch]
	if !ok {
		http.Error(w, "unknown refetch type", http.StatusBadRequest)
		return
	}

	f := cache.Filter{Key: req.Key}
	matched := len(s.client.FindMatching(f))
	err := s.client.InvalidateMatching(r.Context(), f, client.InvalidateOptions{
		RefetchType:    rt,
		RefetchOptions: client.RefetchOptions{ReturnErrors: true},
	})
	resp := map[string]any{"invalidated": matched}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Refetch after invalidation failed.")
		resp["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode inspector response.")
	}
}
