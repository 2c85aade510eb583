package cache

import (
	"sync"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/clock"
)

// gcTimer arms the idle timeout shared by entries and tasks.
type gcTimer struct {
	mu     sync.Mutex
	clock  clock.Clock
	gcTime time.Duration
	timer  clock.Timer
	// retired is set once the owner left its cache; it is never re-armed.
	retired bool
}

func newGCTimer(clk clock.Clock, gcTime time.Duration) *gcTimer {
	return &gcTimer{clock: clk, gcTime: gcTime}
}

// schedule (re)arms the timer for the current gc time. An Infinite or
// negative gc time disables collection.
func (g *gcTimer) schedule(onExpire func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
	if g.retired || g.gcTime < 0 || g.gcTime == Infinite {
		return
	}
	g.timer = g.clock.AfterFunc(g.gcTime, onExpire)
}

// update raises the gc time; a shorter value never shortens it.
func (g *gcTimer) update(gcTime time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gcTime > g.gcTime {
		g.gcTime = gcTime
	}
}

func (g *gcTimer) current() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gcTime
}

func (g *gcTimer) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
}

// retire stops the timer for good.
func (g *gcTimer) retire() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retired = true
	g.stopLocked()
}

func (g *gcTimer) stopLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
