package cache

import (
	"context"
	"math"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/clock"
	"github.com/illmade-knight/go-datacache/pkg/liveness"
	"github.com/illmade-knight/go-datacache/pkg/notify"
	"github.com/rs/zerolog"
)

const (
	// Infinite disables a timeout: entries with an Infinite GCTime are never
	// collected and data with an Infinite StaleTime only goes stale when
	// invalidated.
	Infinite time.Duration = math.MaxInt64
	// StaleStatic marks data that never goes stale, not even when
	// invalidated.
	StaleStatic time.Duration = -1
	// DefaultGCTime is how long an unobserved, idle entry is kept.
	DefaultGCTime = 5 * time.Minute
)

// Env bundles the services that entries and tasks schedule through. It is
// built once by the owner of the caches and shared by reference.
type Env struct {
	Clock  clock.Clock
	Bus    *notify.Bus
	Focus  *liveness.Signal
	Online *liveness.Signal
	Logger zerolog.Logger
	// IsServer switches retry and gc defaults to their server values.
	IsServer bool
	// Context is the parent of every fetch and write function's context.
	Context context.Context
	// OnHookError receives failing hooks; by default they are logged.
	OnHookError HookErrorFunc
}

func (e Env) withDefaults() Env {
	if e.Clock == nil {
		e.Clock = clock.System()
	}
	if e.Bus == nil {
		e.Bus = notify.NewBus(e.Logger)
	}
	if e.Focus == nil {
		e.Focus = liveness.NewFocus(e.Logger)
	}
	if e.Online == nil {
		e.Online = liveness.NewOnline(e.Logger)
	}
	if e.Context == nil {
		e.Context = context.Background()
	}
	if e.OnHookError == nil {
		e.OnHookError = logHookError(e.Logger)
	}
	return e
}

func (e Env) defaultGCTime() time.Duration {
	if e.IsServer {
		return Infinite
	}
	return DefaultGCTime
}
