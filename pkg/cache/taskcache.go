package cache

import (
	"sync"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-datacache/pkg/notify"
	"github.com/rs/zerolog"
)

// TaskHooks run for every Task of a TaskCache, before the Task's own hooks.
type TaskHooks struct {
	OnBeforeStart func(variables any, t *Task) error
	OnSuccess     func(data, variables, tctx any, t *Task) error
	OnError       func(err error, variables, tctx any, t *Task) error
	OnSettled     func(data any, err error, variables, tctx any, t *Task) error
}

// TaskCache owns the tasks of one client and serializes tasks that share a
// scope.
type TaskCache struct {
	env    Env
	logger zerolog.Logger
	hooks  TaskHooks

	mu        sync.Mutex
	nextID    int64
	tasks     []*Task
	scopes    map[string][]*Task
	owners    map[string]*Task
	listeners listeners[TaskEvent]
}

// NewTaskCache creates an empty TaskCache.
func NewTaskCache(env Env, hooks TaskHooks) *TaskCache {
	env = env.withDefaults()
	return &TaskCache{
		env:    env,
		logger: env.Logger.With().Str("component", "TaskCache").Logger(),
		hooks:  hooks,
		scopes: make(map[string][]*Task),
		owners: make(map[string]*Task),
	}
}

// Env returns the TaskCache's resolved environment.
func (c *TaskCache) Env() Env { return c.env }

// Build creates a Task and adds it to the cache. state, if not nil, seeds
// the Task, which lets a pending Task be restored and resumed with Continue.
func (c *TaskCache) Build(opts TaskOptions, state *TaskState) *Task {
	gcTime := opts.GCTime
	if gcTime == 0 {
		gcTime = c.env.defaultGCTime()
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	t := &Task{
		cache: c,
		env:   c.env,
		id:    id,
		label: uuid.NewString(),
		opts:  opts,
		gc:    newGCTimer(c.env.Clock, gcTime),
		state: TaskState{Status: TaskIdle},
	}
	t.logger = c.logger.With().Int64("task", id).Str("label", t.label).Logger()
	if state != nil {
		t.state = *state
	}
	c.Add(t)
	return t
}

// Add registers t and arms its gc timer.
func (c *TaskCache) Add(t *Task) {
	c.mu.Lock()
	c.tasks = append(c.tasks, t)
	if scope := t.opts.Scope; scope != "" {
		c.scopes[scope] = append(c.scopes[scope], t)
	}
	c.mu.Unlock()
	t.scheduleGC()
	c.publish(TaskEvent{Type: EventAdded, Task: t, State: t.State()})
}

// Remove drops t from the cache.
func (c *TaskCache) Remove(t *Task) {
	c.mu.Lock()
	found := false
	for i, other := range c.tasks {
		if other == t {
			c.tasks = append(c.tasks[:i:i], c.tasks[i+1:]...)
			found = true
			break
		}
	}
	if scope := t.opts.Scope; scope != "" {
		scoped := c.scopes[scope]
		for i, other := range scoped {
			if other == t {
				scoped = append(scoped[:i:i], scoped[i+1:]...)
				break
			}
		}
		if len(scoped) == 0 {
			delete(c.scopes, scope)
		} else {
			c.scopes[scope] = scoped
		}
		if c.owners[scope] == t {
			delete(c.owners, scope)
		}
	}
	c.mu.Unlock()

	if !found {
		t.gc.clear()
		return
	}
	t.gc.retire()
	c.publish(TaskEvent{Type: EventRemoved, Task: t, State: t.State()})
}

// Clear removes every Task.
func (c *TaskCache) Clear() {
	c.env.Bus.Batch(func() {
		for _, t := range c.GetAll() {
			c.Remove(t)
		}
	})
}

// GetAll returns every Task in creation order.
func (c *TaskCache) GetAll() []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Task(nil), c.tasks...)
}

// Find returns the first Task matching f, comparing keys exactly.
func (c *TaskCache) Find(f TaskFilter) *Task {
	f.Exact = true
	for _, t := range c.GetAll() {
		if f.Matches(t) {
			return t
		}
	}
	return nil
}

// FindAll returns every Task matching f.
func (c *TaskCache) FindAll(f TaskFilter) []*Task {
	var out []*Task
	for _, t := range c.GetAll() {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}

// CanRun reports whether t may run its write now. Unscoped tasks always may.
// Within a scope, the earliest-created pending Task takes ownership and keeps
// it until it settles.
func (c *TaskCache) CanRun(t *Task) bool {
	scope := t.opts.Scope
	if scope == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.owners[scope]; ok {
		return owner == t
	}
	for _, other := range c.scopes[scope] {
		if other.State().Status != TaskPending {
			continue
		}
		if other != t {
			return false
		}
		c.owners[scope] = t
		return true
	}
	return true
}

// RunNext releases t's hold on its scope and resumes the oldest other paused
// Task in that scope.
func (c *TaskCache) RunNext(t *Task) {
	scope := t.opts.Scope
	if scope == "" {
		return
	}
	c.mu.Lock()
	if c.owners[scope] == t {
		delete(c.owners, scope)
	}
	var next *Task
	for _, other := range c.scopes[scope] {
		if other != t && other.State().IsPaused {
			next = other
			break
		}
	}
	c.mu.Unlock()
	if next != nil {
		c.logger.Debug().Str("scope", scope).Int64("task", next.id).Msg("Resuming next task in scope.")
		next.Continue()
	}
}

// ResumePaused continues every paused Task.
func (c *TaskCache) ResumePaused() {
	c.env.Bus.Batch(func() {
		for _, t := range c.GetAll() {
			if t.State().IsPaused {
				t.Continue()
			}
		}
	})
}

// Subscribe registers fn for every Task event.
func (c *TaskCache) Subscribe(fn func(TaskEvent)) *notify.Subscription {
	return c.listeners.add(fn)
}

func (c *TaskCache) publish(ev TaskEvent) {
	c.listeners.publish(c.env.Bus, ev)
}
