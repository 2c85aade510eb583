// Package notify coalesces state-change notifications.
//
// Callbacks scheduled while a Batch is open are queued and delivered in one
// pass once the outermost Batch returns, so that observers of any number of
// cache entries touched by one logical operation see a single consistent
// update instead of every intermediate state.
package notify

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Scheduler runs a flush pass. The default runs it inline.
type Scheduler func(flush func())

// NotifyFunc invokes a single queued callback.
type NotifyFunc func(callback func())

// BatchNotifyFunc wraps a whole flush pass.
type BatchNotifyFunc func(pass func())

// Bus is a notification batcher. The zero value is not usable; call NewBus.
type Bus struct {
	logger zerolog.Logger

	mu          sync.Mutex
	depth       int
	queue       []func()
	schedule    Scheduler
	notify      NotifyFunc
	batchNotify BatchNotifyFunc
}

// NewBus creates a Bus that delivers inline when no batch is open.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:      logger.With().Str("component", "NotificationBus").Logger(),
		schedule:    func(flush func()) { flush() },
		notify:      func(callback func()) { callback() },
		batchNotify: func(pass func()) { pass() },
	}
}

// SetScheduler replaces the function used to run flush passes.
func (b *Bus) SetScheduler(s Scheduler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schedule = s
}

// SetNotifyFunc replaces the function used to invoke each callback.
func (b *Bus) SetNotifyFunc(fn NotifyFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

// SetBatchNotifyFunc replaces the function wrapping each flush pass.
func (b *Bus) SetBatchNotifyFunc(fn BatchNotifyFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchNotify = fn
}

// Batch runs fn and delivers every callback scheduled during it once the
// outermost Batch exits.
func (b *Bus) Batch(fn func()) {
	b.mu.Lock()
	b.depth++
	b.mu.Unlock()
	defer b.exit()
	fn()
}

// Schedule queues callback if a batch is open, otherwise delivers it through
// the scheduler straight away.
func (b *Bus) Schedule(callback func()) {
	b.mu.Lock()
	if b.depth > 0 {
		b.queue = append(b.queue, callback)
		b.mu.Unlock()
		return
	}
	schedule, notify := b.schedule, b.notify
	b.mu.Unlock()
	schedule(func() { b.invoke(notify, callback) })
}

// BatchCalls wraps fn so that every call is routed through Schedule.
func (b *Bus) BatchCalls(fn func()) func() {
	return func() {
		b.Schedule(fn)
	}
}

// exit closes one batch level. The goroutine closing the outermost level
// keeps the depth held while it drains, so batches closed by other goroutines
// in the meantime are absorbed into the same drain rather than flushing
// concurrently.
func (b *Bus) exit() {
	b.mu.Lock()
	if b.depth > 1 {
		b.depth--
		b.mu.Unlock()
		return
	}
	for len(b.queue) > 0 {
		queue := b.queue
		b.queue = nil
		schedule, notify, batchNotify := b.schedule, b.notify, b.batchNotify
		b.mu.Unlock()
		schedule(func() {
			batchNotify(func() {
				for _, callback := range queue {
					b.invoke(notify, callback)
				}
			})
		})
		b.mu.Lock()
	}
	b.depth--
	b.mu.Unlock()
}

func (b *Bus) invoke(notify NotifyFunc, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Err(fmt.Errorf("%v", r)).Msg("Notification callback panicked.")
		}
	}()
	notify(callback)
}
