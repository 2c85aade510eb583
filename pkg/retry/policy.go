package retry

import (
	"math"
	"time"
)

// Policy decides whether another attempt should be made after failureCount
// failures, the latest being err.
type Policy interface {
	ShouldRetry(failureCount int, err error) bool
}

// Count retries up to n times.
type Count int

// ShouldRetry implements Policy.
func (c Count) ShouldRetry(failureCount int, _ error) bool {
	return failureCount < int(c)
}

// Func adapts a predicate to a Policy.
type Func func(failureCount int, err error) bool

// ShouldRetry implements Policy.
func (f Func) ShouldRetry(failureCount int, err error) bool {
	return f(failureCount, err)
}

type always struct{}

func (always) ShouldRetry(int, error) bool { return true }

var (
	// Always retries forever.
	Always Policy = always{}
	// Never fails on the first error.
	Never Policy = Count(0)
)

// DefaultRetries is the retry budget when no policy is configured.
const DefaultRetries = 3

// DefaultPolicy returns the policy used when none is configured: three
// retries, or none on a server where nobody would observe a late success.
func DefaultPolicy(isServer bool) Policy {
	if isServer {
		return Never
	}
	return Count(DefaultRetries)
}

// DelayFunc computes how long to wait before the next attempt.
type DelayFunc func(failureCount int, err error) time.Duration

const (
	baseDelay = time.Second
	maxDelay  = 30 * time.Second
)

// DefaultDelay is exponential backoff: min(1s * 2^failureCount, 30s).
func DefaultDelay(failureCount int, _ error) time.Duration {
	if failureCount < 0 {
		failureCount = 0
	}
	// 2^5 seconds already exceeds the cap.
	if failureCount >= 5 {
		return maxDelay
	}
	d := time.Duration(float64(baseDelay) * math.Pow(2, float64(failureCount)))
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Fixed waits the same duration before every attempt.
func Fixed(d time.Duration) DelayFunc {
	return func(int, error) time.Duration { return d }
}

// NetworkMode controls how network liveness gates an operation.
type NetworkMode string

const (
	// ModeOnline never starts or retries while offline.
	ModeOnline NetworkMode = "online"
	// ModeAlways ignores the network signal entirely.
	ModeAlways NetworkMode = "always"
	// ModeOfflineFirst starts once regardless of the network but pauses
	// retries while offline.
	ModeOfflineFirst NetworkMode = "offlineFirst"
)

// CanFetch reports whether an operation in this mode may start given the
// network state. The empty mode behaves like ModeOnline.
func CanFetch(mode NetworkMode, online bool) bool {
	switch mode {
	case ModeAlways, ModeOfflineFirst:
		return true
	default:
		return online
	}
}
