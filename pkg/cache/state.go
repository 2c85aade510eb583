package cache

import (
	"fmt"
	"time"
)

// Status says whether an Entry holds data or an error.
type Status int

const (
	StatusPending Status = iota + 1
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// FetchStatus says whether a fetch is running for an Entry.
type FetchStatus int

const (
	FetchIdle FetchStatus = iota + 1
	FetchFetching
	FetchPaused
)

func (s FetchStatus) String() string {
	switch s {
	case FetchIdle:
		return "idle"
	case FetchFetching:
		return "fetching"
	case FetchPaused:
		return "paused"
	default:
		return fmt.Sprintf("FetchStatus(%d)", int(s))
	}
}

// State is a snapshot of an Entry.
type State struct {
	Data             any
	DataUpdateCount  int
	DataUpdatedAt    time.Time
	Error            error
	ErrorUpdateCount int
	ErrorUpdatedAt   time.Time

	FetchFailureCount  int
	FetchFailureReason error
	FetchMeta          map[string]any

	IsInvalidated bool
	Status        Status
	FetchStatus   FetchStatus
}

// HasData reports whether the state holds a value.
func (s State) HasData() bool {
	return s.Data != nil
}

func initialState(o Options, now time.Time) State {
	s := State{Status: StatusPending, FetchStatus: FetchIdle}
	if o.InitialData == nil {
		return s
	}
	s.Data = o.InitialData
	s.Status = StatusSuccess
	s.DataUpdatedAt = o.InitialDataUpdatedAt
	if s.DataUpdatedAt.IsZero() {
		s.DataUpdatedAt = now
	}
	return s
}

// ActionKind names the transition that produced an update event.
type ActionKind int

const (
	ActionFailed ActionKind = iota + 1
	ActionFetch
	ActionPause
	ActionContinue
	ActionSuccess
	ActionError
	ActionInvalidate
	ActionSetState
	ActionPending
)

func (k ActionKind) String() string {
	switch k {
	case ActionFailed:
		return "failed"
	case ActionFetch:
		return "fetch"
	case ActionPause:
		return "pause"
	case ActionContinue:
		return "continue"
	case ActionSuccess:
		return "success"
	case ActionError:
		return "error"
	case ActionInvalidate:
		return "invalidate"
	case ActionSetState:
		return "setState"
	case ActionPending:
		return "pending"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// entryAction is the closed set of Entry transitions.
type entryAction interface {
	kind() ActionKind
}

type failedAction struct {
	failureCount int
	err          error
}

type fetchAction struct {
	meta     map[string]any
	fetching bool
}

type pauseAction struct{}

type continueAction struct{}

type successAction struct {
	data      any
	updatedAt time.Time
	manual    bool
}

type errorAction struct {
	err error
	at  time.Time
}

type invalidateAction struct{}

type setStateAction struct {
	state State
}

func (failedAction) kind() ActionKind     { return ActionFailed }
func (fetchAction) kind() ActionKind      { return ActionFetch }
func (pauseAction) kind() ActionKind      { return ActionPause }
func (continueAction) kind() ActionKind   { return ActionContinue }
func (successAction) kind() ActionKind    { return ActionSuccess }
func (errorAction) kind() ActionKind      { return ActionError }
func (invalidateAction) kind() ActionKind { return ActionInvalidate }
func (setStateAction) kind() ActionKind   { return ActionSetState }

func reduce(s State, a entryAction) State {
	switch a := a.(type) {
	case failedAction:
		s.FetchFailureCount = a.failureCount
		s.FetchFailureReason = a.err
	case pauseAction:
		s.FetchStatus = FetchPaused
	case continueAction:
		s.FetchStatus = FetchFetching
	case fetchAction:
		s.FetchFailureCount = 0
		s.FetchFailureReason = nil
		s.FetchMeta = a.meta
		s.FetchStatus = FetchPaused
		if a.fetching {
			s.FetchStatus = FetchFetching
		}
		if s.Data == nil {
			s.Error = nil
			s.Status = StatusPending
		}
	case successAction:
		s.Data = a.data
		s.DataUpdateCount++
		s.DataUpdatedAt = a.updatedAt
		s.Error = nil
		s.IsInvalidated = false
		s.Status = StatusSuccess
		if !a.manual {
			s.FetchStatus = FetchIdle
			s.FetchFailureCount = 0
			s.FetchFailureReason = nil
		}
	case errorAction:
		s.Error = a.err
		s.ErrorUpdateCount++
		s.ErrorUpdatedAt = a.at
		s.FetchFailureCount++
		s.FetchFailureReason = a.err
		s.FetchStatus = FetchIdle
		s.Status = StatusError
		s.IsInvalidated = true
	case invalidateAction:
		s.IsInvalidated = true
	case setStateAction:
		s = a.state
	default:
		panic(fmt.Sprintf("cache: unhandled entry action %T", a))
	}
	return s
}
