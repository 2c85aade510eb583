package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverOptions configure how an observer keeps its Entry fresh. Unset
// fields fall back to the Entry's options.
type ObserverOptions struct {
	// Disabled stops the observer from triggering fetches.
	Disabled             bool
	StaleTime            time.Duration
	RefetchOnMount       RefetchMode
	RefetchOnWindowFocus RefetchMode
	RefetchOnReconnect   RefetchMode
}

// Observer is a consumer attached to an Entry. While attached it keeps the
// Entry from being collected and receives coalesced state updates.
type Observer struct {
	entry    *Entry
	opts     ObserverOptions
	listener func(State)

	queued  atomic.Bool
	release sync.Once
}

// Observe attaches an observer to the Entry. listener, if not nil, receives
// the Entry's state after every notification pass that touched it. The
// observer fetches on attach when the Entry has no data or its mount policy
// asks for it.
func (e *Entry) Observe(opts ObserverOptions, listener func(State)) *Observer {
	o := &Observer{entry: e, opts: opts, listener: listener}
	e.mu.Lock()
	e.observers = append(e.observers, o)
	st := e.state
	e.mu.Unlock()

	e.gc.clear()
	e.cache.publish(Event{Type: EventObserverAdded, Entry: e, State: st})
	if o.shouldFetchOnMount() {
		e.background(FetchOptions{})
	}
	return o
}

// Entry returns the observed Entry.
func (o *Observer) Entry() *Entry { return o.entry }

// State returns the observed Entry's state.
func (o *Observer) State() State { return o.entry.State() }

// IsStale reports whether the observer considers the Entry's data stale.
func (o *Observer) IsStale() bool {
	return o.enabled() && o.entry.IsStaleByTime(o.staleTime())
}

// Refetch fetches the Entry, cancelling an in-flight fetch if it has data.
func (o *Observer) Refetch(ctx context.Context) (any, error) {
	return o.entry.Fetch(ctx, nil, FetchOptions{CancelRefetch: true})
}

// Release detaches the observer. When the last observer leaves, a retrying
// fetch stops after its current attempt and the gc timer is armed. Calling
// Release more than once is a no-op.
func (o *Observer) Release() {
	o.release.Do(func() {
		o.entry.removeObserver(o)
	})
}

func (e *Entry) removeObserver(o *Observer) {
	e.mu.Lock()
	found := false
	for i, other := range e.observers {
		if other == o {
			e.observers = append(e.observers[:i:i], e.observers[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return
	}
	last := len(e.observers) == 0
	run, st := e.run, e.state
	e.mu.Unlock()

	if last {
		if run != nil {
			run.retryer.CancelRetry()
		}
		e.scheduleGC()
	}
	e.cache.publish(Event{Type: EventObserverRemoved, Entry: e, State: st})
}

// onUpdate queues one delivery per notification pass.
func (o *Observer) onUpdate() {
	if o.listener == nil || !o.queued.CompareAndSwap(false, true) {
		return
	}
	o.entry.env.Bus.Schedule(func() {
		o.queued.Store(false)
		o.listener(o.entry.State())
	})
}

func (o *Observer) enabled() bool {
	return !o.opts.Disabled
}

func (o *Observer) staleTime() time.Duration {
	if o.opts.StaleTime != 0 {
		return o.opts.StaleTime
	}
	return o.entry.Options().StaleTime
}

func (o *Observer) shouldFetchOnMount() bool {
	if !o.enabled() {
		return false
	}
	if o.entry.State().Data == nil {
		return true
	}
	return o.shouldFetchOn(o.opts.RefetchOnMount, o.entry.Options().RefetchOnMount)
}

// shouldFetchOn resolves mode against the Entry's fallback and decides
// whether a refetch is due.
func (o *Observer) shouldFetchOn(mode, fallback RefetchMode) bool {
	if mode == RefetchDefault {
		mode = fallback
	}
	if !o.enabled() {
		return false
	}
	switch mode {
	case RefetchAlways:
		return true
	case RefetchNever:
		return false
	default:
		return o.entry.IsStaleByTime(o.staleTime())
	}
}
