package cache

import (
	"fmt"
	"sync"

	"github.com/illmade-knight/go-datacache/pkg/notify"
)

// EventType names a lifecycle event of an Entry or a Task.
type EventType int

const (
	EventAdded EventType = iota + 1
	EventRemoved
	EventUpdated
	EventObserverAdded
	EventObserverRemoved
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventUpdated:
		return "updated"
	case EventObserverAdded:
		return "observerAdded"
	case EventObserverRemoved:
		return "observerRemoved"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event reports a change to an Entry. State is the Entry's state right after
// the change; Action is only set for EventUpdated. Collected marks an
// EventRemoved caused by garbage collection rather than an explicit removal.
type Event struct {
	Type      EventType
	Entry     *Entry
	State     State
	Action    ActionKind
	Collected bool
}

// TaskEvent reports a change to a Task.
type TaskEvent struct {
	Type   EventType
	Task   *Task
	State  TaskState
	Action ActionKind
}

// listeners is a set of callbacks delivered through the notification bus.
type listeners[E any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(E)
}

func (l *listeners[E]) add(fn func(E)) *notify.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(E))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	return notify.NewSubscription(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	})
}

func (l *listeners[E]) publish(bus *notify.Bus, ev E) {
	l.mu.Lock()
	fns := make([]func(E), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	bus.Batch(func() {
		for _, fn := range fns {
			fn := fn
			bus.Schedule(func() { fn(ev) })
		}
	})
}
