package cache

import "github.com/illmade-knight/go-datacache/pkg/keys"

// TypeFilter selects entries by whether they are observed.
type TypeFilter int

const (
	TypeAll TypeFilter = iota
	TypeActive
	TypeInactive
)

// StaleFilter selects entries by staleness.
type StaleFilter int

const (
	StaleAny StaleFilter = iota
	StaleOnly
	FreshOnly
)

// Filter selects entries. The zero Filter matches every Entry.
type Filter struct {
	// Key matches entries whose key starts with it, or equals it when Exact
	// is set.
	Key   keys.Key
	Exact bool
	Type  TypeFilter
	Stale StaleFilter
	// FetchStatus, when set, must equal the Entry's fetch status.
	FetchStatus FetchStatus
	Predicate   func(*Entry) bool
}

// Matches reports whether e passes every condition of the filter.
func (f Filter) Matches(e *Entry) bool {
	if f.Key != nil {
		if f.Exact {
			hash, err := Options{Key: f.Key, HashFn: e.Options().HashFn}.Fingerprint()
			if err != nil || hash != e.Hash() {
				return false
			}
		} else if !keys.PartialMatch(e.Key(), f.Key) {
			return false
		}
	}
	switch f.Type {
	case TypeActive:
		if !e.IsActive() {
			return false
		}
	case TypeInactive:
		if e.IsActive() {
			return false
		}
	}
	switch f.Stale {
	case StaleOnly:
		if !e.IsStale() {
			return false
		}
	case FreshOnly:
		if e.IsStale() {
			return false
		}
	}
	if f.FetchStatus != 0 && e.State().FetchStatus != f.FetchStatus {
		return false
	}
	if f.Predicate != nil && !f.Predicate(e) {
		return false
	}
	return true
}

// TaskFilter selects tasks. The zero TaskFilter matches every Task.
type TaskFilter struct {
	Key   keys.Key
	Exact bool
	// Status, when set, must equal the Task's status.
	Status    TaskStatus
	Scope     string
	Predicate func(*Task) bool
}

// Matches reports whether t passes every condition of the filter.
func (f TaskFilter) Matches(t *Task) bool {
	if f.Key != nil {
		if t.opts.Key == nil {
			return false
		}
		if f.Exact {
			if !keys.ExactMatch(t.opts.Key, f.Key) {
				return false
			}
		} else if !keys.PartialMatch(t.opts.Key, f.Key) {
			return false
		}
	}
	if f.Status != 0 && t.State().Status != f.Status {
		return false
	}
	if f.Scope != "" && t.opts.Scope != f.Scope {
		return false
	}
	if f.Predicate != nil && !f.Predicate(t) {
		return false
	}
	return true
}
