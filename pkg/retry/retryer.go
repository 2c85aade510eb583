// Package retry runs a single asynchronous operation to completion with
// exponential backoff, pausing while liveness signals say work should not
// proceed and supporting cooperative cancellation.
package retry

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-datacache/pkg/clock"
	"github.com/rs/zerolog"
)

// Gate is a boolean liveness signal. *liveness.Signal satisfies it.
type Gate interface {
	Value() bool
}

// Status is the externally visible state of a Retryer.
type Status int

const (
	StatusPending Status = iota
	StatusResolved
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Config describes one operation and how to retry it.
type Config struct {
	// Fn is the operation. Its context is cancelled when the Retryer is
	// cancelled or settles.
	Fn func(ctx context.Context) (any, error)
	// Context is the parent of the context handed to Fn.
	Context context.Context

	Retry       Policy
	RetryDelay  DelayFunc
	NetworkMode NetworkMode
	// IsServer selects the server retry default when Retry is nil.
	IsServer bool
	// CanRun is an extra gate consulted with the liveness signals.
	CanRun func() bool

	Focus  Gate
	Online Gate
	Clock  clock.Clock
	Logger zerolog.Logger

	OnFail     func(failureCount int, err error)
	OnPause    func()
	OnContinue func()
}

// Retryer runs Config.Fn until it succeeds, the retry policy gives up or it is
// cancelled. A settled Retryer cannot be restarted.
type Retryer struct {
	cfg   Config
	ctx   context.Context
	abort context.CancelFunc

	startOnce sync.Once
	done      chan struct{}
	wake      chan struct{}

	mu             sync.Mutex
	status         Status
	value          any
	err            error
	failureCount   int
	retryCancelled bool
	paused         bool
}

// New prepares a Retryer; call Start to begin.
func New(cfg Config) *Retryer {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Retry == nil {
		cfg.Retry = DefaultPolicy(cfg.IsServer)
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = DefaultDelay
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = ModeOnline
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	ctx, abort := context.WithCancel(cfg.Context)
	return &Retryer{
		cfg:   cfg,
		ctx:   ctx,
		abort: abort,
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
}

// Start begins running the operation in the background. It starts paused if
// the operation is not currently allowed to run. Calling Start again is a
// no-op.
func (r *Retryer) Start() *Retryer {
	r.startOnce.Do(func() {
		go r.run()
	})
	return r
}

// Done is closed once the Retryer has settled.
func (r *Retryer) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the Retryer settles or ctx is done.
func (r *Retryer) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled value or error. It is only meaningful after Done
// has been closed.
func (r *Retryer) Result() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

// Status reports whether the Retryer is pending, resolved or rejected.
func (r *Retryer) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// FailureCount is the number of failed attempts so far.
func (r *Retryer) FailureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failureCount
}

// IsPaused reports whether the Retryer is waiting for liveness to return.
func (r *Retryer) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Cancel rejects the Retryer immediately with a CancelledError and cancels
// the operation's context. It has no effect once settled.
func (r *Retryer) Cancel(opts CancelOptions) {
	r.settle(StatusRejected, nil, &CancelledError{Revert: opts.Revert, Silent: opts.Silent})
}

// Continue nudges a paused Retryer to re-check whether it may proceed.
func (r *Retryer) Continue() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// CancelRetry makes the next retry decision fail without another attempt.
func (r *Retryer) CancelRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCancelled = true
}

// ContinueRetry undoes CancelRetry.
func (r *Retryer) ContinueRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCancelled = false
}

// CanStart reports whether a first attempt may run now.
func (r *Retryer) CanStart() bool {
	return CanFetch(r.cfg.NetworkMode, gateValue(r.cfg.Online)) && r.canRun()
}

func (r *Retryer) canContinue() bool {
	if !gateValue(r.cfg.Focus) {
		return false
	}
	if r.cfg.NetworkMode != ModeAlways && !gateValue(r.cfg.Online) {
		return false
	}
	return r.canRun()
}

func (r *Retryer) canRun() bool {
	if r.cfg.CanRun == nil {
		return true
	}
	return r.cfg.CanRun()
}

func gateValue(g Gate) bool {
	if g == nil {
		return true
	}
	return g.Value()
}

func (r *Retryer) run() {
	if !r.CanStart() && !r.pause(r.CanStart) {
		return
	}
	for {
		value, err := r.invoke()
		if r.settled() {
			return
		}
		if err == nil {
			r.settle(StatusResolved, value, nil)
			return
		}

		r.mu.Lock()
		delay := r.cfg.RetryDelay(r.failureCount, err)
		shouldRetry := !r.retryCancelled && r.cfg.Retry.ShouldRetry(r.failureCount, err)
		if !shouldRetry {
			r.mu.Unlock()
			r.cfg.Logger.Debug().Err(err).Msg("Attempt failed, giving up.")
			r.settle(StatusRejected, nil, err)
			return
		}
		r.failureCount++
		failures := r.failureCount
		r.mu.Unlock()
		r.cfg.Logger.Debug().Err(err).Int("failure_count", failures).Dur("delay", delay).Msg("Attempt failed, retrying.")

		if r.cfg.OnFail != nil {
			r.cfg.OnFail(failures, err)
		}

		select {
		case <-r.done:
			return
		case <-r.cfg.Clock.After(delay):
		}

		if !r.canContinue() && !r.pause(r.canContinue) {
			return
		}

		r.mu.Lock()
		cancelled := r.retryCancelled
		r.mu.Unlock()
		if cancelled {
			r.settle(StatusRejected, nil, err)
			return
		}
	}
}

func (r *Retryer) invoke() (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("operation panicked: %v", p)
			r.cfg.Logger.Error().Err(err).Msg("Operation panicked.")
		}
	}()
	return r.cfg.Fn(r.ctx)
}

// pause blocks until a Continue nudge finds allowed true. allowed is checked
// once more after OnPause so a gate that opened while the pause was being
// published is not missed. It returns false if the Retryer settled while
// paused.
func (r *Retryer) pause(allowed func() bool) bool {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	if r.cfg.OnPause != nil {
		r.cfg.OnPause()
	}
	r.cfg.Logger.Debug().Msg("Paused.")

	resumed := allowed()
	for !resumed {
		select {
		case <-r.done:
			r.setPaused(false)
			return false
		case <-r.wake:
			resumed = allowed()
		}
	}

	r.setPaused(false)
	if r.settled() {
		return false
	}
	if r.cfg.OnContinue != nil {
		r.cfg.OnContinue()
	}
	r.cfg.Logger.Debug().Msg("Continuing.")
	return true
}

func (r *Retryer) setPaused(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = v
}

func (r *Retryer) settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status != StatusPending
}

// settle records the outcome once and releases the operation's context;
// later calls report false.
func (r *Retryer) settle(status Status, value any, err error) bool {
	r.mu.Lock()
	if r.status != StatusPending {
		r.mu.Unlock()
		return false
	}
	r.status = status
	r.value = value
	r.err = err
	r.mu.Unlock()
	close(r.done)
	r.abort()
	return true
}
