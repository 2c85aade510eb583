package cache

import (
	"fmt"
	"sync"

	"github.com/illmade-knight/go-datacache/pkg/notify"
	"github.com/rs/zerolog"
)

// Hooks run for every Entry of a Cache when a fetch settles. Returned errors
// and panics are reported through Env.OnHookError.
type Hooks struct {
	OnSuccess func(data any, e *Entry) error
	OnError   func(err error, e *Entry) error
	OnSettled func(data any, err error, e *Entry) error
}

// Cache owns the entries of one client, keyed by fingerprint.
type Cache struct {
	env    Env
	logger zerolog.Logger
	hooks  Hooks

	mu        sync.RWMutex
	entries   map[string]*Entry
	listeners listeners[Event]
}

// New creates an empty Cache.
func New(env Env, hooks Hooks) *Cache {
	env = env.withDefaults()
	return &Cache{
		env:     env,
		logger:  env.Logger.With().Str("component", "Cache").Logger(),
		hooks:   hooks,
		entries: make(map[string]*Entry),
	}
}

// Env returns the services the Cache schedules through.
func (c *Cache) Env() Env { return c.env }

// Build returns the Entry for opts' fingerprint, creating it with state (or
// the state derived from opts' initial data) if it does not exist.
func (c *Cache) Build(opts Options, state *State) (*Entry, error) {
	hash, err := opts.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("build entry: %w", err)
	}
	c.mu.Lock()
	if e, ok := c.entries[hash]; ok {
		c.mu.Unlock()
		return e, nil
	}
	e := newEntry(c, opts, hash, state)
	c.entries[hash] = e
	c.mu.Unlock()

	c.logger.Debug().Str("hash", hash).Msg("Entry added.")
	c.publish(Event{Type: EventAdded, Entry: e, State: e.State()})
	return e, nil
}

// Get returns the Entry with the given fingerprint, or nil.
func (c *Cache) Get(hash string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[hash]
}

// GetAll returns every Entry.
func (c *Cache) GetAll() []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Find returns the first Entry matching f. The key comparison is exact unless
// the filter has no key.
func (c *Cache) Find(f Filter) *Entry {
	f.Exact = true
	for _, e := range c.GetAll() {
		if f.Matches(e) {
			return e
		}
	}
	return nil
}

// FindAll returns every Entry matching f.
func (c *Cache) FindAll(f Filter) []*Entry {
	var out []*Entry
	for _, e := range c.GetAll() {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Remove destroys e and drops it from the Cache.
func (c *Cache) Remove(e *Entry) {
	c.remove(e, false)
}

func (c *Cache) remove(e *Entry, collected bool) {
	c.mu.Lock()
	current, ok := c.entries[e.hash]
	removed := ok && current == e
	if removed {
		delete(c.entries, e.hash)
	}
	c.mu.Unlock()

	if removed {
		e.gc.retire()
	}
	e.Destroy()
	if removed {
		c.logger.Debug().Str("hash", e.hash).Msg("Entry removed.")
		c.publish(Event{Type: EventRemoved, Entry: e, State: e.State(), Collected: collected})
	}
}

// Clear removes every Entry.
func (c *Cache) Clear() {
	c.env.Bus.Batch(func() {
		for _, e := range c.GetAll() {
			c.Remove(e)
		}
	})
}

// Subscribe registers fn for every Entry event.
func (c *Cache) Subscribe(fn func(Event)) *notify.Subscription {
	return c.listeners.add(fn)
}

// OnFocus lets every Entry react to the window regaining focus.
func (c *Cache) OnFocus() {
	c.env.Bus.Batch(func() {
		for _, e := range c.GetAll() {
			e.OnFocus()
		}
	})
}

// OnOnline lets every Entry react to the network coming back.
func (c *Cache) OnOnline() {
	c.env.Bus.Batch(func() {
		for _, e := range c.GetAll() {
			e.OnOnline()
		}
	})
}

func (c *Cache) publish(ev Event) {
	c.listeners.publish(c.env.Bus, ev)
}
