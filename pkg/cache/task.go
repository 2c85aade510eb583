package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/keys"
	"github.com/illmade-knight/go-datacache/pkg/retry"
	"github.com/rs/zerolog"
)

// TaskStatus is the lifecycle status of a Task.
type TaskStatus int

const (
	TaskIdle TaskStatus = iota + 1
	TaskPending
	TaskSuccess
	TaskError
)

func (s TaskStatus) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskPending:
		return "pending"
	case TaskSuccess:
		return "success"
	case TaskError:
		return "error"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// TaskState is a snapshot of a Task.
type TaskState struct {
	// Context is the value produced by the OnBeforeStart hook.
	Context       any
	Data          any
	Error         error
	FailureCount  int
	FailureReason error
	IsPaused      bool
	Status        TaskStatus
	Variables     any
	SubmittedAt   time.Time
}

// WriteFunc performs a write. The context is cancelled when the Task's
// Retryer is cancelled.
type WriteFunc func(ctx context.Context, variables any) (any, error)

// TaskOptions configure a Task. Hooks may return an error; failures are
// reported through Env.OnHookError and never change the Task's result.
type TaskOptions struct {
	Key   keys.Key
	Write WriteFunc
	// Scope serializes tasks: among tasks sharing a non-empty scope only one
	// runs at a time, in creation order.
	Scope string

	// Retry defaults to retry.Never.
	Retry       retry.Policy
	RetryDelay  retry.DelayFunc
	NetworkMode retry.NetworkMode
	GCTime      time.Duration

	OnBeforeStart func(variables any) (any, error)
	OnSuccess     func(data, variables, tctx any) error
	OnError       func(err error, variables, tctx any) error
	OnSettled     func(data any, err error, variables, tctx any) error

	Meta map[string]any
}

// Merge returns o with every field that is set in over replaced.
func (o TaskOptions) Merge(over TaskOptions) TaskOptions {
	if over.Key != nil {
		o.Key = over.Key
	}
	if over.Write != nil {
		o.Write = over.Write
	}
	if over.Scope != "" {
		o.Scope = over.Scope
	}
	if over.Retry != nil {
		o.Retry = over.Retry
	}
	if over.RetryDelay != nil {
		o.RetryDelay = over.RetryDelay
	}
	if over.NetworkMode != "" {
		o.NetworkMode = over.NetworkMode
	}
	if over.GCTime != 0 {
		o.GCTime = over.GCTime
	}
	if over.OnBeforeStart != nil {
		o.OnBeforeStart = over.OnBeforeStart
	}
	if over.OnSuccess != nil {
		o.OnSuccess = over.OnSuccess
	}
	if over.OnError != nil {
		o.OnError = over.OnError
	}
	if over.OnSettled != nil {
		o.OnSettled = over.OnSettled
	}
	if over.Meta != nil {
		o.Meta = over.Meta
	}
	return o
}

// taskAction is the closed set of Task transitions.
type taskAction interface {
	kind() ActionKind
}

type taskFailedAction struct {
	failureCount int
	err          error
}

type taskPendingAction struct {
	variables any
	context   any
	paused    bool
	at        time.Time
}

type taskPauseAction struct{}

type taskContinueAction struct{}

type taskSuccessAction struct {
	data any
}

type taskErrorAction struct {
	err error
}

func (taskFailedAction) kind() ActionKind   { return ActionFailed }
func (taskPendingAction) kind() ActionKind  { return ActionPending }
func (taskPauseAction) kind() ActionKind    { return ActionPause }
func (taskContinueAction) kind() ActionKind { return ActionContinue }
func (taskSuccessAction) kind() ActionKind  { return ActionSuccess }
func (taskErrorAction) kind() ActionKind    { return ActionError }

func reduceTask(s TaskState, a taskAction) TaskState {
	switch a := a.(type) {
	case taskFailedAction:
		s.FailureCount = a.failureCount
		s.FailureReason = a.err
	case taskPauseAction:
		s.IsPaused = true
	case taskContinueAction:
		s.IsPaused = false
	case taskPendingAction:
		s = TaskState{
			Context:     a.context,
			IsPaused:    a.paused,
			Status:      TaskPending,
			Variables:   a.variables,
			SubmittedAt: a.at,
		}
	case taskSuccessAction:
		s.Data = a.data
		s.FailureCount = 0
		s.FailureReason = nil
		s.Error = nil
		s.Status = TaskSuccess
		s.IsPaused = false
	case taskErrorAction:
		s.Data = nil
		s.Error = a.err
		s.FailureCount++
		s.FailureReason = a.err
		s.IsPaused = false
		s.Status = TaskError
	default:
		panic(fmt.Sprintf("cache: unhandled task action %T", a))
	}
	return s
}

// execution is one run of a Task. done is closed once the outcome has been
// committed.
type execution struct {
	done  chan struct{}
	value any
	err   error
}

// Task is one write. Create tasks with TaskCache.Build.
type Task struct {
	cache  *TaskCache
	env    Env
	logger zerolog.Logger
	id     int64
	label  string
	opts   TaskOptions
	gc     *gcTimer

	mu        sync.Mutex
	state     TaskState
	retryer   *retry.Retryer
	exec      *execution
	observers []*TaskObserver
}

// ID is the Task's position in creation order.
func (t *Task) ID() int64 { return t.id }

// Label is the Task's unique label.
func (t *Task) Label() string { return t.label }

// Options returns the Task's options.
func (t *Task) Options() TaskOptions { return t.opts }

// Scope returns the Task's scope, or "".
func (t *Task) Scope() string { return t.opts.Scope }

// State returns a snapshot of the Task's state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Execute runs the write with variables and waits for its result. ctx only
// bounds the wait: the write, its hooks and the hand-over to the next task in
// the scope complete regardless.
func (t *Task) Execute(ctx context.Context, variables any) (any, error) {
	exec := t.start(variables, false)
	select {
	case <-exec.done:
		return exec.value, exec.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Continue resumes a paused Task, or re-executes a pending Task that has no
// running write, using its stored variables.
func (t *Task) Continue() {
	t.mu.Lock()
	r := t.retryer
	restored := r == nil && t.state.Status == TaskPending
	variables := t.state.Variables
	t.mu.Unlock()
	switch {
	case r != nil:
		r.Continue()
	case restored:
		t.start(variables, true)
	}
}

func (t *Task) start(variables any, restored bool) *execution {
	exec := &execution{done: make(chan struct{})}
	t.mu.Lock()
	t.exec = exec
	t.mu.Unlock()
	go t.execute(exec, variables, restored)
	return exec
}

func (t *Task) execute(exec *execution, variables any, restored bool) {
	defer close(exec.done)
	defer t.cache.RunNext(t)

	if t.opts.Write == nil {
		exec.err = fmt.Errorf("task %d: %w", t.id, ErrMissingWrite)
		t.dispatch(taskErrorAction{err: exec.err})
		return
	}
	policy := t.opts.Retry
	if policy == nil {
		policy = retry.Never
	}
	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			return t.opts.Write(ctx, variables)
		},
		Context:     t.env.Context,
		Retry:       policy,
		RetryDelay:  t.opts.RetryDelay,
		NetworkMode: t.opts.NetworkMode,
		IsServer:    t.env.IsServer,
		CanRun:      func() bool { return t.cache.CanRun(t) },
		Focus:       t.env.Focus,
		Online:      t.env.Online,
		Clock:       t.env.Clock,
		Logger:      t.logger.With().Str("component", "Retryer").Logger(),
		OnFail: func(failureCount int, err error) {
			t.dispatch(taskFailedAction{failureCount: failureCount, err: err})
		},
		OnPause:    func() { t.dispatch(taskPauseAction{}) },
		OnContinue: func() { t.dispatch(taskContinueAction{}) },
	})
	t.mu.Lock()
	t.retryer = r
	t.mu.Unlock()

	hooks := t.cache.hooks
	report := t.env.OnHookError
	if restored {
		t.dispatch(taskContinueAction{})
	} else {
		t.dispatch(taskPendingAction{variables: variables, paused: !r.CanStart(), at: t.env.Clock.Now()})
		if hooks.OnBeforeStart != nil {
			callHook(report, "TaskCache.OnBeforeStart", func() error { return hooks.OnBeforeStart(variables, t) })
		}
		if t.opts.OnBeforeStart != nil {
			var tctx any
			callHook(report, "OnBeforeStart", func() (err error) {
				tctx, err = t.opts.OnBeforeStart(variables)
				return err
			})
			if tctx != nil {
				st := t.State()
				t.dispatch(taskPendingAction{variables: variables, context: tctx, paused: st.IsPaused, at: st.SubmittedAt})
			}
		}
	}
	t.logger.Debug().Str("scope", t.opts.Scope).Msg("Task started.")

	data, err := r.Start().Wait(context.Background())
	tctx := t.State().Context
	if err == nil {
		if hooks.OnSuccess != nil {
			callHook(report, "TaskCache.OnSuccess", func() error { return hooks.OnSuccess(data, variables, tctx, t) })
		}
		if t.opts.OnSuccess != nil {
			callHook(report, "OnSuccess", func() error { return t.opts.OnSuccess(data, variables, tctx) })
		}
		if hooks.OnSettled != nil {
			callHook(report, "TaskCache.OnSettled", func() error { return hooks.OnSettled(data, nil, variables, tctx, t) })
		}
		if t.opts.OnSettled != nil {
			callHook(report, "OnSettled", func() error { return t.opts.OnSettled(data, nil, variables, tctx) })
		}
		t.dispatch(taskSuccessAction{data: data})
		t.logger.Debug().Msg("Task succeeded.")
		exec.value = data
		return
	}

	if hooks.OnError != nil {
		callHook(report, "TaskCache.OnError", func() error { return hooks.OnError(err, variables, tctx, t) })
	}
	if t.opts.OnError != nil {
		callHook(report, "OnError", func() error { return t.opts.OnError(err, variables, tctx) })
	}
	if hooks.OnSettled != nil {
		callHook(report, "TaskCache.OnSettled", func() error { return hooks.OnSettled(nil, err, variables, tctx, t) })
	}
	if t.opts.OnSettled != nil {
		callHook(report, "OnSettled", func() error { return t.opts.OnSettled(nil, err, variables, tctx) })
	}
	t.dispatch(taskErrorAction{err: err})
	t.logger.Debug().Err(err).Msg("Task failed.")
	exec.err = err
}

// Cancel cancels the running write, if any.
func (t *Task) Cancel(opts retry.CancelOptions) {
	t.mu.Lock()
	r := t.retryer
	t.mu.Unlock()
	if r != nil {
		r.Cancel(opts)
	}
}

// Wait blocks until the current execution settles or ctx is done.
func (t *Task) Wait(ctx context.Context) (any, error) {
	t.mu.Lock()
	exec := t.exec
	t.mu.Unlock()
	if exec == nil {
		return nil, nil
	}
	select {
	case <-exec.done:
		return exec.value, exec.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) dispatch(a taskAction) {
	t.mu.Lock()
	t.state = reduceTask(t.state, a)
	st, obs := t.state, append([]*TaskObserver(nil), t.observers...)
	t.mu.Unlock()
	t.env.Bus.Batch(func() {
		for _, o := range obs {
			o.onUpdate()
		}
		t.cache.publish(TaskEvent{Type: EventUpdated, Task: t, State: st, Action: a.kind()})
	})
}

func (t *Task) scheduleGC() {
	t.gc.schedule(t.optionalRemove)
}

// optionalRemove drops an unobserved Task; pending tasks get another round.
func (t *Task) optionalRemove() {
	t.mu.Lock()
	observed := len(t.observers) > 0
	pending := t.state.Status == TaskPending
	t.mu.Unlock()
	switch {
	case observed:
	case pending:
		t.scheduleGC()
	default:
		t.cache.Remove(t)
	}
}

// TaskObserver is a consumer attached to a Task.
type TaskObserver struct {
	task     *Task
	listener func(TaskState)
	queued   atomic.Bool
	release  sync.Once
}

// Observe attaches an observer to the Task. listener, if not nil, receives the
// Task's state after every notification pass that touched it.
func (t *Task) Observe(listener func(TaskState)) *TaskObserver {
	o := &TaskObserver{task: t, listener: listener}
	t.mu.Lock()
	t.observers = append(t.observers, o)
	st := t.state
	t.mu.Unlock()
	t.gc.clear()
	t.cache.publish(TaskEvent{Type: EventObserverAdded, Task: t, State: st})
	return o
}

// Release detaches the observer and arms the Task's gc timer.
func (o *TaskObserver) Release() {
	o.release.Do(func() {
		t := o.task
		t.mu.Lock()
		for i, other := range t.observers {
			if other == o {
				t.observers = append(t.observers[:i:i], t.observers[i+1:]...)
				break
			}
		}
		st := t.state
		t.mu.Unlock()
		t.scheduleGC()
		t.cache.publish(TaskEvent{Type: EventObserverRemoved, Task: t, State: st})
	})
}

func (o *TaskObserver) onUpdate() {
	if o.listener == nil || !o.queued.CompareAndSwap(false, true) {
		return
	}
	o.task.env.Bus.Schedule(func() {
		o.queued.Store(false)
		o.listener(o.task.State())
	})
}
