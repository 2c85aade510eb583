// Package liveness models the external signals that gate whether retries and
// paused work may proceed: whether the consuming surface is focused and
// whether the network is reachable.
//
// A Signal is a boolean with many subscribers and at most one external
// Source. The Source is only attached while the Signal has subscribers.
package liveness

import (
	"io"
	"sync"

	"github.com/illmade-knight/go-datacache/pkg/notify"
	"github.com/rs/zerolog"
)

// Source feeds a Signal from the outside world. Attach starts delivering
// updates and returns a handle that stops them when closed.
type Source interface {
	Attach(update func(bool)) io.Closer
}

// Signal is an observable boolean with reference-counted source activation.
type Signal struct {
	name   string
	logger zerolog.Logger

	mu          sync.Mutex
	value       bool
	explicit    bool
	defaultVal  bool
	source      Source
	attached    io.Closer
	nextID      uint64
	subscribers map[uint64]func(bool)
}

// NewSignal creates a Signal reporting defaultValue until it is set.
func NewSignal(name string, defaultValue bool, logger zerolog.Logger) *Signal {
	return &Signal{
		name:        name,
		logger:      logger.With().Str("component", "LivenessSignal").Str("signal", name).Logger(),
		defaultVal:  defaultValue,
		subscribers: make(map[uint64]func(bool)),
	}
}

// NewFocus creates a focus signal. Hosts without a notion of focus are
// always focused.
func NewFocus(logger zerolog.Logger) *Signal {
	return NewSignal("focus", true, logger)
}

// NewOnline creates a network signal. Hosts without a network source are
// always online.
func NewOnline(logger zerolog.Logger) *Signal {
	return NewSignal("online", true, logger)
}

// Name returns the signal's name.
func (s *Signal) Name() string {
	return s.name
}

// Value returns the current state.
func (s *Signal) Value() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *Signal) currentLocked() bool {
	if s.explicit {
		return s.value
	}
	return s.defaultVal
}

// Set updates the state and notifies subscribers if it changed.
func (s *Signal) Set(v bool) {
	s.mu.Lock()
	changed := s.currentLocked() != v
	s.value = v
	s.explicit = true
	if !changed {
		s.mu.Unlock()
		return
	}
	listeners := make([]func(bool), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	s.logger.Debug().Bool("value", v).Msg("Liveness signal changed.")
	for _, fn := range listeners {
		fn(v)
	}
}

// SetSource replaces the external source. If the signal currently has
// subscribers the old source is detached and the new one attached.
func (s *Signal) SetSource(src Source) {
	s.mu.Lock()
	old := s.attached
	s.attached = nil
	s.source = src
	active := len(s.subscribers) > 0
	s.mu.Unlock()

	closeQuietly(old, s.logger)
	if active {
		s.attach()
	}
}

// HasSubscribers reports whether anything is listening.
func (s *Signal) HasSubscribers() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers) > 0
}

// Subscribe registers fn for state changes. The first subscriber attaches the
// source.
func (s *Signal) Subscribe(fn func(bool)) *notify.Subscription {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	first := len(s.subscribers) == 1
	s.mu.Unlock()

	if first {
		s.attach()
	}
	return notify.NewSubscription(func() { s.unsubscribe(id) })
}

func (s *Signal) unsubscribe(id uint64) {
	s.mu.Lock()
	if _, ok := s.subscribers[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subscribers, id)
	var detach io.Closer
	if len(s.subscribers) == 0 {
		detach = s.attached
		s.attached = nil
	}
	s.mu.Unlock()
	closeQuietly(detach, s.logger)
}

func (s *Signal) attach() {
	s.mu.Lock()
	src := s.source
	if src == nil || s.attached != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	closer := src.Attach(s.Set)

	s.mu.Lock()
	if s.source != src || len(s.subscribers) == 0 || s.attached != nil {
		s.mu.Unlock()
		closeQuietly(closer, s.logger)
		return
	}
	s.attached = closer
	s.mu.Unlock()
}

func closeQuietly(c io.Closer, logger zerolog.Logger) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to detach liveness source.")
	}
}
