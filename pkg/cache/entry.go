package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/keys"
	"github.com/illmade-knight/go-datacache/pkg/retry"
	"github.com/rs/zerolog"
)

// fetchRun is one fetch of an Entry. done is closed once the outcome has been
// committed to the Entry's state.
type fetchRun struct {
	retryer *retry.Retryer
	revert  State
	done    chan struct{}
	value   any
	err     error
}

func (r *fetchRun) wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Entry is one cached read, identified by its key's fingerprint. Create
// entries with Cache.Build.
type Entry struct {
	cache  *Cache
	env    Env
	logger zerolog.Logger
	key    keys.Key
	hash   string
	gc     *gcTimer

	mu        sync.Mutex
	opts      Options
	state     State
	initial   State
	run       *fetchRun
	observers []*Observer
}

func newEntry(c *Cache, opts Options, hash string, state *State) *Entry {
	env := c.env
	gcTime := opts.GCTime
	if gcTime == 0 {
		gcTime = env.defaultGCTime()
	}
	opts.Hash = hash
	e := &Entry{
		cache:  c,
		env:    env,
		logger: c.logger.With().Str("hash", hash).Logger(),
		key:    opts.Key,
		hash:   hash,
		gc:     newGCTimer(env.Clock, gcTime),
		opts:   opts,
	}
	e.initial = initialState(opts, env.Clock.Now())
	e.state = e.initial
	if state != nil {
		e.state = *state
	}
	e.scheduleGC()
	return e
}

// Key returns the Entry's key.
func (e *Entry) Key() keys.Key { return e.key }

// Hash returns the Entry's fingerprint.
func (e *Entry) Hash() string { return e.hash }

// State returns a snapshot of the Entry's state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Options returns the Entry's current options.
func (e *Entry) Options() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

// SetOptions replaces the Entry's options. The key and fingerprint never
// change, and a missing fetch function keeps the previous one.
func (e *Entry) SetOptions(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setOptionsLocked(opts)
}

func (e *Entry) setOptionsLocked(opts Options) {
	if opts.Fetch == nil {
		opts.Fetch = e.opts.Fetch
	}
	opts.Key = e.key
	opts.Hash = e.hash
	e.opts = opts
	gcTime := opts.GCTime
	if gcTime == 0 {
		gcTime = e.env.defaultGCTime()
	}
	e.gc.update(gcTime)
}

// GCTime returns the idle timeout currently applied to the Entry.
func (e *Entry) GCTime() time.Duration {
	return e.gc.current()
}

// Pending is a fetch that has been started or joined.
type Pending struct {
	run *fetchRun
}

// Wait blocks until the fetch settles or ctx is done. Cancelling ctx leaves
// the fetch running.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	return p.run.wait(ctx)
}

// Done is closed once the fetch's outcome is committed to the Entry.
func (p *Pending) Done() <-chan struct{} {
	return p.run.done
}

// Fetch runs the Entry's fetch function and returns its result. See Start.
//
// ctx only bounds the caller's wait: cancelling it leaves the shared fetch
// running.
func (e *Entry) Fetch(ctx context.Context, opts *Options, fo FetchOptions) (any, error) {
	p, err := e.Start(opts, fo)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Start begins a fetch without waiting for it. While a fetch is in flight,
// callers join it instead of starting another, unless fo.CancelRefetch is set
// and the Entry already holds data, in which case the in-flight fetch is
// cancelled silently and replaced. A non-nil opts replaces the Entry's options
// first.
func (e *Entry) Start(opts *Options, fo FetchOptions) (*Pending, error) {
	e.mu.Lock()
	var superseded *fetchRun
	if e.state.FetchStatus != FetchIdle && e.run != nil && e.run.retryer.Status() != retry.StatusRejected {
		if e.state.Data != nil && fo.CancelRefetch {
			superseded = e.run
		} else {
			run := e.run
			e.mu.Unlock()
			run.retryer.ContinueRetry()
			return &Pending{run: run}, nil
		}
	}
	if opts != nil {
		e.setOptionsLocked(*opts)
	}
	o := e.opts
	if o.Disabled {
		e.mu.Unlock()
		return nil, fmt.Errorf("fetch %s: %w", e.hash, ErrFetchDisabled)
	}
	if o.Fetch == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("fetch %s: %w", e.hash, ErrMissingFetch)
	}

	meta := fo.Meta
	if meta == nil {
		meta = o.Meta
	}
	fc := FetchContext{Key: e.key, Hash: e.hash, Meta: meta, State: e.state}
	mode := o.networkMode()
	run := &fetchRun{revert: e.state, done: make(chan struct{})}
	run.retryer = retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			if o.Persister != nil {
				return o.Persister.Persist(ctx, fc, o.Fetch)
			}
			return o.Fetch(ctx, fc)
		},
		Context:     e.env.Context,
		Retry:       o.Retry,
		RetryDelay:  o.RetryDelay,
		NetworkMode: mode,
		IsServer:    e.env.IsServer,
		Focus:       e.env.Focus,
		Online:      e.env.Online,
		Clock:       e.env.Clock,
		Logger:      e.logger.With().Str("component", "Retryer").Logger(),
		OnFail: func(failureCount int, err error) {
			e.dispatch(failedAction{failureCount: failureCount, err: err})
		},
		OnPause:    func() { e.dispatch(pauseAction{}) },
		OnContinue: func() { e.dispatch(continueAction{}) },
	})
	e.run = run

	var (
		published bool
		st        State
		obs       []*Observer
	)
	if e.state.FetchStatus == FetchIdle || fo.Meta != nil {
		e.state = reduce(e.state, fetchAction{
			meta:     meta,
			fetching: retry.CanFetch(mode, e.env.Online.Value()),
		})
		published, st, obs = true, e.state, e.observersLocked()
	}
	e.mu.Unlock()

	if superseded != nil {
		superseded.retryer.Cancel(retry.CancelOptions{Silent: true})
	}
	if published {
		e.publish(ActionFetch, st, obs)
	}
	e.logger.Debug().Str("network_mode", string(mode)).Msg("Fetch started.")

	run.retryer.Start()
	go e.settle(run)
	return &Pending{run: run}, nil
}

// settle commits the outcome of run to the Entry's state.
func (e *Entry) settle(run *fetchRun) {
	defer close(run.done)
	<-run.retryer.Done()
	value, err := run.retryer.Result()

	e.mu.Lock()
	current := e.run
	e.mu.Unlock()
	if current != run {
		// Replaced by a newer fetch: callers of this run get that one's result.
		<-current.done
		run.value, run.err = current.value, current.err
		return
	}

	if err == nil && value == nil {
		err = fmt.Errorf("fetch %s: %w", e.hash, ErrUndefinedData)
	}
	if err == nil {
		data := e.SetData(value, SetDataOptions{})
		run.value = data
		hooks := e.cache.hooks
		if hooks.OnSuccess != nil {
			callHook(e.env.OnHookError, "OnSuccess", func() error { return hooks.OnSuccess(data, e) })
		}
		if hooks.OnSettled != nil {
			callHook(e.env.OnHookError, "OnSettled", func() error { return hooks.OnSettled(data, nil, e) })
		}
		e.logger.Debug().Msg("Fetch succeeded.")
		e.scheduleGC()
		return
	}

	run.err = err
	if cancelled, ok := retry.AsCancelled(err); ok {
		switch {
		case cancelled.Revert:
			revert := run.revert
			revert.FetchStatus = FetchIdle
			e.SetState(revert)
		case cancelled.Silent:
			e.mu.Lock()
			st := e.state
			e.mu.Unlock()
			st.FetchStatus = FetchIdle
			e.SetState(st)
		default:
			e.dispatch(errorAction{err: err, at: e.env.Clock.Now()})
		}
		e.logger.Debug().Bool("revert", cancelled.Revert).Bool("silent", cancelled.Silent).Msg("Fetch cancelled.")
		e.scheduleGC()
		return
	}

	e.dispatch(errorAction{err: err, at: e.env.Clock.Now()})
	hooks := e.cache.hooks
	if hooks.OnError != nil {
		callHook(e.env.OnHookError, "OnError", func() error { return hooks.OnError(err, e) })
	}
	if hooks.OnSettled != nil {
		callHook(e.env.OnHookError, "OnSettled", func() error { return hooks.OnSettled(nil, err, e) })
	}
	e.logger.Debug().Err(err).Msg("Fetch failed.")
	e.scheduleGC()
}

// SetData writes value as the Entry's data without fetching, sharing
// unchanged parts of the previous data. A nil value is ignored. It returns the
// data actually stored.
func (e *Entry) SetData(value any, so SetDataOptions) any {
	e.mu.Lock()
	if value == nil {
		data := e.state.Data
		e.mu.Unlock()
		return data
	}
	data := e.opts.share(e.state.Data, value)
	at := so.UpdatedAt
	if at.IsZero() {
		at = e.env.Clock.Now()
	}
	e.state = reduce(e.state, successAction{data: data, updatedAt: at, manual: so.Manual})
	st, obs := e.state, e.observersLocked()
	e.mu.Unlock()
	e.publish(ActionSuccess, st, obs)
	return data
}

// SetState replaces the Entry's state.
func (e *Entry) SetState(s State) {
	e.dispatch(setStateAction{state: s})
}

// Invalidate marks the Entry's data stale. It does not refetch.
func (e *Entry) Invalidate() {
	e.mu.Lock()
	invalidated := e.state.IsInvalidated
	e.mu.Unlock()
	if !invalidated {
		e.dispatch(invalidateAction{})
	}
}

// Cancel cancels the in-flight fetch, if any, and returns once the outcome has
// been committed to the Entry's state.
func (e *Entry) Cancel(opts retry.CancelOptions) {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run == nil {
		return
	}
	run.retryer.Cancel(opts)
	<-run.done
}

// Destroy stops the Entry's gc timer and silently cancels its fetch.
func (e *Entry) Destroy() {
	e.gc.clear()
	e.Cancel(retry.CancelOptions{Silent: true})
}

// Reset destroys the Entry's fetch and restores its initial state.
func (e *Entry) Reset() {
	e.Destroy()
	e.SetState(e.initial)
}

// IsActive reports whether any enabled observer watches the Entry.
func (e *Entry) IsActive() bool {
	for _, o := range e.observersSnapshot() {
		if o.enabled() {
			return true
		}
	}
	return false
}

// IsDisabled reports whether the Entry cannot fetch on its own: every observer
// is disabled, or it is unobserved and either disabled or never fetched.
func (e *Entry) IsDisabled() bool {
	obs := e.observersSnapshot()
	if len(obs) > 0 {
		for _, o := range obs {
			if o.enabled() {
				return false
			}
		}
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.Disabled || e.state.DataUpdateCount+e.state.ErrorUpdateCount == 0
}

// IsStatic reports whether an observer considers the data permanently fresh.
func (e *Entry) IsStatic() bool {
	for _, o := range e.observersSnapshot() {
		if o.enabled() && o.staleTime() == StaleStatic {
			return true
		}
	}
	return false
}

// IsStale reports whether the Entry's data should be refetched. Observed
// entries are stale if any observer says so; unobserved entries when they
// have no data or were invalidated.
func (e *Entry) IsStale() bool {
	obs := e.observersSnapshot()
	if len(obs) > 0 {
		for _, o := range obs {
			if o.IsStale() {
				return true
			}
		}
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Data == nil || e.state.IsInvalidated
}

// IsStaleByTime reports whether data older than staleTime, invalidated or
// missing should be refetched.
func (e *Entry) IsStaleByTime(staleTime time.Duration) bool {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	return staleByTime(st, staleTime, e.env.Clock.Now())
}

func staleByTime(s State, staleTime time.Duration, now time.Time) bool {
	if s.Data == nil {
		return true
	}
	if staleTime == StaleStatic {
		return false
	}
	if s.IsInvalidated {
		return true
	}
	if staleTime == Infinite {
		return false
	}
	return !now.Before(s.DataUpdatedAt.Add(staleTime))
}

// OnFocus refetches the Entry if an observer asks for it on window focus and
// nudges a paused fetch.
func (e *Entry) OnFocus() {
	for _, o := range e.observersSnapshot() {
		if o.shouldFetchOn(o.opts.RefetchOnWindowFocus, e.Options().RefetchOnWindowFocus) {
			e.background(FetchOptions{})
			break
		}
	}
	e.continueRun()
}

// OnOnline refetches the Entry if an observer asks for it on reconnect and
// nudges a paused fetch.
func (e *Entry) OnOnline() {
	for _, o := range e.observersSnapshot() {
		if o.shouldFetchOn(o.opts.RefetchOnReconnect, e.Options().RefetchOnReconnect) {
			e.background(FetchOptions{})
			break
		}
	}
	e.continueRun()
}

func (e *Entry) continueRun() {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run != nil {
		run.retryer.Continue()
	}
}

// background fetches without a waiting caller.
func (e *Entry) background(fo FetchOptions) {
	go func() {
		if _, err := e.Fetch(e.env.Context, nil, fo); err != nil && !retry.IsCancelled(err) {
			e.logger.Debug().Err(err).Msg("Background fetch failed.")
		}
	}()
}

// ObserverCount returns the number of attached observers.
func (e *Entry) ObserverCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.observers)
}

func (e *Entry) observersSnapshot() []*Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observersLocked()
}

func (e *Entry) observersLocked() []*Observer {
	return append([]*Observer(nil), e.observers...)
}

func (e *Entry) dispatch(a entryAction) {
	e.mu.Lock()
	e.state = reduce(e.state, a)
	st, obs := e.state, e.observersLocked()
	e.mu.Unlock()
	e.publish(a.kind(), st, obs)
}

// publish notifies observers and cache listeners in one batch.
func (e *Entry) publish(kind ActionKind, st State, obs []*Observer) {
	e.env.Bus.Batch(func() {
		for _, o := range obs {
			o.onUpdate()
		}
		e.cache.publish(Event{Type: EventUpdated, Entry: e, State: st, Action: kind})
	})
}

func (e *Entry) scheduleGC() {
	e.gc.schedule(e.optionalRemove)
}

// optionalRemove evicts the Entry once nobody observes it and no fetch runs.
func (e *Entry) optionalRemove() {
	e.mu.Lock()
	idle := len(e.observers) == 0 && e.state.FetchStatus == FetchIdle
	e.mu.Unlock()
	if idle {
		e.logger.Debug().Msg("Entry collected.")
		e.cache.remove(e, true)
	}
}
