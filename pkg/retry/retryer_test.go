package retry_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/liveness"
	"github.com/illmade-knight/go-datacache/pkg/retry"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRetryer_Success(t *testing.T) {
	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) { return 42, nil },
	}).Start()

	v, err := r.Wait(waitCtx(t))

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, retry.StatusResolved, r.Status())
}

func TestRetryer_BoundedRetry(t *testing.T) {
	// Arrange
	var calls atomic.Int32
	boom := errors.New("boom")
	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			calls.Add(1)
			return nil, boom
		},
		Retry:      retry.Count(2),
		RetryDelay: retry.Fixed(0),
	})

	// Act
	_, err := r.Start().Wait(waitCtx(t))

	// Assert
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load(), "one initial attempt plus two retries")
	assert.Equal(t, retry.StatusRejected, r.Status())
	assert.Equal(t, 2, r.FailureCount())
}

func TestRetryer_FailsTwiceThenSucceeds(t *testing.T) {
	// Arrange
	errs := []error{errors.New("E1"), errors.New("E2")}
	var calls atomic.Int32
	type failure struct {
		count int
		msg   string
	}
	var mu sync.Mutex
	var failures []failure

	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			n := calls.Add(1)
			if int(n) <= len(errs) {
				return nil, errs[n-1]
			}
			return 42, nil
		},
		Retry:      retry.Count(3),
		RetryDelay: retry.Fixed(time.Millisecond),
		OnFail: func(count int, err error) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, failure{count, err.Error()})
		},
	})

	// Act
	v, err := r.Start().Wait(waitCtx(t))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []failure{{1, "E1"}, {2, "E2"}}, failures)
}

func TestRetryer_ServerDefaultsToNoRetry(t *testing.T) {
	var calls atomic.Int32
	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			calls.Add(1)
			return nil, errors.New("nope")
		},
		IsServer: true,
	})

	_, err := r.Start().Wait(waitCtx(t))

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryer_UsesBackoffDelay(t *testing.T) {
	// Arrange
	fc := clockwork.NewFakeClockAt(epoch)
	var calls atomic.Int32
	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
		Clock: fc,
	}).Start()

	// Act: the first retry waits DefaultDelay(0) = 1s
	require.NoError(t, fc.BlockUntilContext(waitCtx(t), 1))
	fc.Advance(999 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	fc.Advance(time.Millisecond)

	// Assert
	v, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryer_PausesWhileOffline(t *testing.T) {
	// Arrange
	fc := clockwork.NewFakeClockAt(epoch)
	online := liveness.NewOnline(zerolog.Nop())
	var calls atomic.Int32
	paused := make(chan struct{}, 1)
	continued := make(chan struct{}, 1)

	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("network down")
			}
			return "back", nil
		},
		Clock:      fc,
		Online:     online,
		OnPause:    func() { paused <- struct{}{} },
		OnContinue: func() { continued <- struct{}{} },
	}).Start()

	// Act: go offline during the backoff wait
	require.NoError(t, fc.BlockUntilContext(waitCtx(t), 1))
	online.Set(false)
	fc.Advance(time.Second)

	// Assert: paused, no further attempt
	select {
	case <-paused:
	case <-time.After(2 * time.Second):
		t.Fatal("retryer never paused")
	}
	assert.True(t, r.IsPaused())
	r.Continue() // still offline: ignored
	assert.Equal(t, int32(1), calls.Load())

	// Act: back online
	online.Set(true)
	r.Continue()

	// Assert: exactly one resumed attempt
	<-continued
	v, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "back", v)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, r.IsPaused())
}

func TestRetryer_StartsPausedWhenNotAllowed(t *testing.T) {
	// Arrange
	var allowed atomic.Bool
	var calls atomic.Int32
	paused := make(chan struct{}, 1)
	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			calls.Add(1)
			return 1, nil
		},
		CanRun:  allowed.Load,
		OnPause: func() { paused <- struct{}{} },
	})
	require.False(t, r.CanStart())

	// Act
	r.Start()
	<-paused
	assert.Equal(t, int32(0), calls.Load())

	allowed.Store(true)
	r.Continue()

	// Assert
	v, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRetryer_GateOpeningWhilePausingIsNotMissed(t *testing.T) {
	// Arrange: the gate opens while the pause is being published, so no
	// Continue nudge ever arrives.
	var allowed atomic.Bool
	online := liveness.NewOnline(zerolog.Nop())
	online.Set(false)
	r := retry.New(retry.Config{
		Fn:      func(ctx context.Context) (any, error) { return "written", nil },
		CanRun:  allowed.Load,
		Online:  online,
		OnPause: func() { allowed.Store(true); online.Set(true) },
	})

	// Act
	v, err := r.Start().Wait(waitCtx(t))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "written", v)
	assert.False(t, r.IsPaused())
}

func TestRetryer_LogsPanics(t *testing.T) {
	var buf safeBuffer
	r := retry.New(retry.Config{
		Fn:     func(ctx context.Context) (any, error) { panic("kaboom") },
		Retry:  retry.Never,
		Logger: zerolog.New(&buf),
	})

	_, err := r.Start().Wait(waitCtx(t))

	require.ErrorContains(t, err, "kaboom")
	assert.Contains(t, buf.String(), "Operation panicked.")
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRetryer_OfflineFirstStartsOffline(t *testing.T) {
	online := liveness.NewOnline(zerolog.Nop())
	online.Set(false)

	r := retry.New(retry.Config{
		Fn:          func(ctx context.Context) (any, error) { return "cached", nil },
		Online:      online,
		NetworkMode: retry.ModeOfflineFirst,
	})
	require.True(t, r.CanStart())

	v, err := r.Start().Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "cached", v)
}

func TestRetryer_Cancel(t *testing.T) {
	// Arrange
	started := make(chan struct{})
	aborted := make(chan struct{})
	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			close(aborted)
			return nil, ctx.Err()
		},
	}).Start()
	<-started

	// Act
	r.Cancel(retry.CancelOptions{Revert: true})

	// Assert: the caller sees the cancellation immediately
	_, err := r.Wait(waitCtx(t))
	ce, ok := retry.AsCancelled(err)
	require.True(t, ok)
	assert.True(t, ce.Revert)
	assert.False(t, ce.Silent)
	assert.Equal(t, retry.StatusRejected, r.Status())

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("operation context was not cancelled")
	}

	// Cancelling again is a no-op.
	r.Cancel(retry.CancelOptions{Silent: true})
	_, err = r.Result()
	ce, _ = retry.AsCancelled(err)
	assert.True(t, ce.Revert)
}

func TestRetryer_CancelWhilePaused(t *testing.T) {
	online := liveness.NewOnline(zerolog.Nop())
	online.Set(false)
	paused := make(chan struct{}, 1)
	r := retry.New(retry.Config{
		Fn:      func(ctx context.Context) (any, error) { return 1, nil },
		Online:  online,
		OnPause: func() { paused <- struct{}{} },
	}).Start()
	<-paused

	r.Cancel(retry.CancelOptions{})

	_, err := r.Wait(waitCtx(t))
	assert.True(t, retry.IsCancelled(err))
}

func TestRetryer_CancelRetry(t *testing.T) {
	// Arrange
	fc := clockwork.NewFakeClockAt(epoch)
	var calls atomic.Int32
	boom := errors.New("boom")
	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			calls.Add(1)
			return nil, boom
		},
		Retry: retry.Always,
		Clock: fc,
	}).Start()

	// Act: stop retrying while the backoff timer is armed
	require.NoError(t, fc.BlockUntilContext(waitCtx(t), 1))
	r.CancelRetry()
	fc.Advance(time.Second)

	// Assert
	_, err := r.Wait(waitCtx(t))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryer_PanicBecomesError(t *testing.T) {
	r := retry.New(retry.Config{
		Fn:    func(ctx context.Context) (any, error) { panic("kaboom") },
		Retry: retry.Never,
	}).Start()

	_, err := r.Wait(waitCtx(t))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRetryer_WaitHonoursCallerContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := retry.New(retry.Config{
		Fn: func(ctx context.Context) (any, error) {
			<-block
			return 1, nil
		},
	}).Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, retry.StatusPending, r.Status())
}
