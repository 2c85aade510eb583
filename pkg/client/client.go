// Package client is the facade applications use: it resolves per-key
// defaults, decides when cached data is fresh enough to serve, applies bulk
// operations to entries matching a filter and wires liveness signals to the
// caches.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/keys"
	"github.com/illmade-knight/go-datacache/pkg/notify"
	"github.com/illmade-knight/go-datacache/pkg/retry"
	"github.com/rs/zerolog"
)

// Config assembles a Client. Nil caches are created from Env.
type Config struct {
	Env       cache.Env
	Cache     *cache.Cache
	Tasks     *cache.TaskCache
	Hooks     cache.Hooks
	TaskHooks cache.TaskHooks
	Defaults  Defaults
}

// Defaults apply to every Entry and Task before any per-key defaults.
type Defaults struct {
	Entry cache.Options
	Task  cache.TaskOptions
}

type entryDefaults struct {
	key  keys.Key
	opts cache.Options
}

type taskDefaults struct {
	key  keys.Key
	opts cache.TaskOptions
}

// Client is the entry point for reading, writing and invalidating cached
// data.
type Client struct {
	env    cache.Env
	cache  *cache.Cache
	tasks  *cache.TaskCache
	logger zerolog.Logger

	mu            sync.RWMutex
	defaults      Defaults
	entryDefaults []entryDefaults
	taskDefaults  []taskDefaults
	mounts        int
	subs          []*notify.Subscription
}

// New creates a Client.
func New(cfg Config) *Client {
	c := cfg.Cache
	if c == nil {
		c = cache.New(cfg.Env, cfg.Hooks)
	}
	tasks := cfg.Tasks
	if tasks == nil {
		tasks = cache.NewTaskCache(c.Env(), cfg.TaskHooks)
	}
	env := c.Env()
	return &Client{
		env:      env,
		cache:    c,
		tasks:    tasks,
		logger:   env.Logger.With().Str("component", "Client").Logger(),
		defaults: cfg.Defaults,
	}
}

// Cache returns the Client's entry cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Tasks returns the Client's task cache.
func (c *Client) Tasks() *cache.TaskCache { return c.tasks }

// Mount subscribes the Client to the focus and online signals. Whenever one
// flips to true, paused tasks are resumed and entries refetch as their
// observers ask. Mount calls nest; only the first subscribes.
func (c *Client) Mount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounts++
	if c.mounts != 1 {
		return
	}
	c.subs = []*notify.Subscription{
		c.env.Focus.Subscribe(func(focused bool) {
			if focused {
				c.ResumePausedTasks()
				c.cache.OnFocus()
			}
		}),
		c.env.Online.Subscribe(func(online bool) {
			if online {
				c.ResumePausedTasks()
				c.cache.OnOnline()
			}
		}),
	}
	c.logger.Debug().Msg("Client mounted.")
}

// Unmount undoes one Mount. The last Unmount releases the signal
// subscriptions.
func (c *Client) Unmount() {
	c.mu.Lock()
	c.mounts--
	if c.mounts > 0 {
		c.mu.Unlock()
		return
	}
	c.mounts = 0
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Release()
	}
}

// ResumePausedTasks continues every paused Task.
func (c *Client) ResumePausedTasks() {
	c.tasks.ResumePaused()
}

// Fetch returns the cached value for opts.Key if it is fresh under
// opts.StaleTime, otherwise it fetches and waits for the result.
func (c *Client) Fetch(ctx context.Context, opts cache.Options) (any, error) {
	resolved := c.ResolveOptions(opts)
	e, err := c.cache.Build(resolved, nil)
	if err != nil {
		return nil, err
	}
	if e.IsStaleByTime(resolved.StaleTime) {
		return e.Fetch(ctx, &resolved, cache.FetchOptions{})
	}
	c.logger.Debug().Str("hash", e.Hash()).Msg("Serving fresh data.")
	return e.State().Data, nil
}

// Prefetch is Fetch without a result; failures are logged.
func (c *Client) Prefetch(ctx context.Context, opts cache.Options) {
	if _, err := c.Fetch(ctx, opts); err != nil {
		c.logger.Debug().Err(err).Msg("Prefetch failed.")
	}
}

// EnsureData returns cached data if there is any, fetching only when the
// Entry is empty. With revalidateIfStale, stale data is served while a
// background refetch runs.
func (c *Client) EnsureData(ctx context.Context, opts cache.Options, revalidateIfStale bool) (any, error) {
	resolved := c.ResolveOptions(opts)
	e, err := c.cache.Build(resolved, nil)
	if err != nil {
		return nil, err
	}
	data := e.State().Data
	if data == nil {
		return c.Fetch(ctx, opts)
	}
	if revalidateIfStale && e.IsStaleByTime(resolved.StaleTime) {
		go c.Prefetch(c.env.Context, opts)
	}
	return data, nil
}

// GetData returns the data cached under key, or nil.
func (c *Client) GetData(key keys.Key) any {
	e := c.entry(key)
	if e == nil {
		return nil
	}
	return e.State().Data
}

// GetState returns the state of the Entry cached under key.
func (c *Client) GetState(key keys.Key) (cache.State, bool) {
	e := c.entry(key)
	if e == nil {
		return cache.State{}, false
	}
	return e.State(), true
}

func (c *Client) entry(key keys.Key) *cache.Entry {
	hash, err := c.ResolveOptions(cache.Options{Key: key}).Fingerprint()
	if err != nil {
		return nil
	}
	return c.cache.Get(hash)
}

// SetData writes value under key, creating the Entry if needed. A nil value
// is ignored. It returns the stored data.
func (c *Client) SetData(key keys.Key, value any) (any, error) {
	return c.UpdateData(key, func(any) any { return value })
}

// UpdateData replaces the data under key with update(previous). Returning nil
// leaves the Entry untouched.
func (c *Client) UpdateData(key keys.Key, update func(prev any) any) (any, error) {
	resolved := c.ResolveOptions(cache.Options{Key: key})
	hash, err := resolved.Fingerprint()
	if err != nil {
		return nil, err
	}
	var prev any
	if e := c.cache.Get(hash); e != nil {
		prev = e.State().Data
	}
	value := update(prev)
	if value == nil {
		return prev, nil
	}
	e, err := c.cache.Build(resolved, nil)
	if err != nil {
		return nil, err
	}
	return e.SetData(value, cache.SetDataOptions{Manual: true}), nil
}

// KeyData pairs an Entry's key with its data.
type KeyData struct {
	Key  keys.Key
	Data any
}

// GetDataMatching returns the data of every Entry matching f.
func (c *Client) GetDataMatching(f cache.Filter) []KeyData {
	entries := c.cache.FindAll(f)
	out := make([]KeyData, 0, len(entries))
	for _, e := range entries {
		out = append(out, KeyData{Key: e.Key(), Data: e.State().Data})
	}
	return out
}

// SetDataMatching applies update to every Entry matching f in one
// notification pass.
func (c *Client) SetDataMatching(f cache.Filter, update func(prev any) any) []KeyData {
	var out []KeyData
	c.env.Bus.Batch(func() {
		for _, e := range c.cache.FindAll(f) {
			value := update(e.State().Data)
			if value == nil {
				continue
			}
			data := e.SetData(value, cache.SetDataOptions{Manual: true})
			out = append(out, KeyData{Key: e.Key(), Data: data})
		}
	})
	return out
}

// FindMatching returns every Entry matching f.
func (c *Client) FindMatching(f cache.Filter) []*cache.Entry {
	return c.cache.FindAll(f)
}

// IsFetching counts entries matching f that are fetching.
func (c *Client) IsFetching(f cache.Filter) int {
	f.FetchStatus = cache.FetchFetching
	return len(c.cache.FindAll(f))
}

// IsMutating counts tasks matching f that are pending.
func (c *Client) IsMutating(f cache.TaskFilter) int {
	f.Status = cache.TaskPending
	return len(c.tasks.FindAll(f))
}

// RefetchType selects which invalidated entries are refetched.
type RefetchType int

const (
	RefetchActive RefetchType = iota
	RefetchInactive
	RefetchAll
	RefetchNone
)

// InvalidateOptions tune InvalidateMatching.
type InvalidateOptions struct {
	RefetchType RefetchType
	RefetchOptions
}

// RefetchOptions tune RefetchMatching.
type RefetchOptions struct {
	// KeepInFlight joins running fetches instead of cancelling them.
	KeepInFlight bool
	// ReturnErrors reports fetch failures instead of swallowing them.
	ReturnErrors bool
}

// InvalidateMatching marks every Entry matching f stale and refetches the ones
// selected by opts.RefetchType.
func (c *Client) InvalidateMatching(ctx context.Context, f cache.Filter, opts InvalidateOptions) error {
	c.env.Bus.Batch(func() {
		for _, e := range c.cache.FindAll(f) {
			e.Invalidate()
		}
	})
	switch opts.RefetchType {
	case RefetchNone:
		return nil
	case RefetchInactive:
		f.Type = cache.TypeInactive
	case RefetchAll:
		f.Type = cache.TypeAll
	default:
		f.Type = cache.TypeActive
	}
	return c.RefetchMatching(ctx, f, opts.RefetchOptions)
}

// RefetchMatching refetches every enabled, non-static Entry matching f and
// waits for them. Fetches that are paused waiting for liveness are not waited
// for.
func (c *Client) RefetchMatching(ctx context.Context, f cache.Filter, opts RefetchOptions) error {
	var pending []*cache.Pending
	c.env.Bus.Batch(func() {
		for _, e := range c.cache.FindAll(f) {
			if e.IsDisabled() || e.IsStatic() {
				continue
			}
			p, err := e.Start(nil, cache.FetchOptions{CancelRefetch: !opts.KeepInFlight})
			if err != nil {
				c.logger.Debug().Err(err).Str("hash", e.Hash()).Msg("Refetch skipped.")
				continue
			}
			if e.State().FetchStatus == cache.FetchPaused {
				continue
			}
			pending = append(pending, p)
		}
	})

	var errs []error
	for _, p := range pending {
		if _, err := p.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if opts.ReturnErrors && !retry.IsCancelled(err) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// CancelMatching cancels the fetches of every Entry matching f, reverting
// them to their state before the fetch unless opts says otherwise.
func (c *Client) CancelMatching(f cache.Filter, opts *retry.CancelOptions) {
	o := retry.CancelOptions{Revert: true}
	if opts != nil {
		o = *opts
	}
	c.env.Bus.Batch(func() {
		for _, e := range c.cache.FindAll(f) {
			e.Cancel(o)
		}
	})
}

// RemoveMatching drops every Entry matching f.
func (c *Client) RemoveMatching(f cache.Filter) {
	c.env.Bus.Batch(func() {
		for _, e := range c.cache.FindAll(f) {
			c.cache.Remove(e)
		}
	})
}

// ResetMatching restores every Entry matching f to its initial state and
// refetches the active ones.
func (c *Client) ResetMatching(ctx context.Context, f cache.Filter, opts RefetchOptions) error {
	c.env.Bus.Batch(func() {
		for _, e := range c.cache.FindAll(f) {
			e.Reset()
		}
	})
	f.Type = cache.TypeActive
	return c.RefetchMatching(ctx, f, opts)
}

// Mutate builds a Task from opts and the Client's defaults and executes it.
func (c *Client) Mutate(ctx context.Context, opts cache.TaskOptions, variables any) (any, error) {
	task := c.tasks.Build(c.ResolveTaskOptions(opts), nil)
	return task.Execute(ctx, variables)
}

// Clear empties both caches.
func (c *Client) Clear() {
	c.cache.Clear()
	c.tasks.Clear()
}

// SetDefaultOptions replaces the Client-wide defaults.
func (c *Client) SetDefaultOptions(d Defaults) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults = d
}

// DefaultOptions returns the Client-wide defaults.
func (c *Client) DefaultOptions() Defaults {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaults
}

// SetEntryDefaults registers defaults for every Entry whose key starts with
// key. Registering the same key again replaces its defaults.
func (c *Client) SetEntryDefaults(key keys.Key, opts cache.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.entryDefaults {
		if keys.ExactMatch(d.key, key) {
			c.entryDefaults[i].opts = opts
			return
		}
	}
	c.entryDefaults = append(c.entryDefaults, entryDefaults{key: key, opts: opts})
}

// EntryDefaults merges every registered default matching key, in
// registration order.
func (c *Client) EntryDefaults(key keys.Key) cache.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out cache.Options
	for _, d := range c.entryDefaults {
		if keys.PartialMatch(key, d.key) {
			out = out.Merge(d.opts)
		}
	}
	return out
}

// SetTaskDefaults registers defaults for every Task whose key starts with key.
func (c *Client) SetTaskDefaults(key keys.Key, opts cache.TaskOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.taskDefaults {
		if keys.ExactMatch(d.key, key) {
			c.taskDefaults[i].opts = opts
			return
		}
	}
	c.taskDefaults = append(c.taskDefaults, taskDefaults{key: key, opts: opts})
}

// TaskDefaults merges every registered task default matching key.
func (c *Client) TaskDefaults(key keys.Key) cache.TaskOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out cache.TaskOptions
	if key == nil {
		return out
	}
	for _, d := range c.taskDefaults {
		if keys.PartialMatch(key, d.key) {
			out = out.Merge(d.opts)
		}
	}
	return out
}

// ResolveOptions layers the Client defaults, the per-key defaults and opts.
func (c *Client) ResolveOptions(opts cache.Options) cache.Options {
	base := c.DefaultOptions().Entry
	return base.Merge(c.EntryDefaults(opts.Key)).Merge(opts)
}

// ResolveTaskOptions layers the Client defaults, the per-key defaults and
// opts.
func (c *Client) ResolveTaskOptions(opts cache.TaskOptions) cache.TaskOptions {
	base := c.DefaultOptions().Task
	return base.Merge(c.TaskDefaults(opts.Key)).Merge(opts)
}

// Fetch is Client.Fetch with a typed result.
func Fetch[T any](ctx context.Context, c *Client, opts cache.Options) (T, error) {
	var zero T
	v, err := c.Fetch(ctx, opts)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cached value for %v is %T, not %T", opts.Key, v, zero)
	}
	return t, nil
}

// GetDataAs returns the data cached under key if it has type T.
func GetDataAs[T any](c *Client, key keys.Key) (T, bool) {
	t, ok := c.GetData(key).(T)
	return t, ok
}

// Mutate executes a Task whose write function is typed.
func Mutate[V, R any](ctx context.Context, c *Client, opts cache.TaskOptions, write func(ctx context.Context, variables V) (R, error), variables V) (R, error) {
	var zero R
	opts.Write = func(ctx context.Context, v any) (any, error) {
		typed, _ := v.(V)
		return write(ctx, typed)
	}
	v, err := c.Mutate(ctx, opts, variables)
	if err != nil {
		return zero, err
	}
	r, ok := v.(R)
	if !ok {
		return zero, fmt.Errorf("write returned %T, not %T", v, zero)
	}
	return r, nil
}
