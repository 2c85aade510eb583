package liveness

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/clock"
	"github.com/rs/zerolog"
)

// Manual is a Source driven by code, e.g. a host application that learns
// about focus or connectivity through its own channels.
type Manual struct {
	mu      sync.Mutex
	nextID  uint64
	targets map[uint64]func(bool)
}

// NewManual creates a Manual source.
func NewManual() *Manual {
	return &Manual{targets: make(map[uint64]func(bool))}
}

// Attach implements Source.
func (m *Manual) Attach(update func(bool)) io.Closer {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.targets[id] = update
	return closerFunc(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.targets, id)
		return nil
	})
}

// Push delivers v to every attached signal.
func (m *Manual) Push(v bool) {
	m.mu.Lock()
	targets := make([]func(bool), 0, len(m.targets))
	for _, fn := range m.targets {
		targets = append(targets, fn)
	}
	m.mu.Unlock()
	for _, fn := range targets {
		fn(v)
	}
}

// Attached reports how many signals are currently attached.
func (m *Manual) Attached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// DialFunc opens a connection; it matches (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialProbeConfig configures a DialProbe.
type DialProbeConfig struct {
	// Address is the host:port that must be reachable for the network to be
	// considered online.
	Address string
	// Interval between probes.
	Interval time.Duration
	// Timeout for a single probe.
	Timeout time.Duration
}

// DialProbe is a network Source for Go hosts: it periodically opens a TCP
// connection to a known address and reports whether that succeeded.
type DialProbe struct {
	cfg    DialProbeConfig
	clock  clock.Clock
	dial   DialFunc
	logger zerolog.Logger
}

// NewDialProbe creates a DialProbe. A nil dial uses net.Dialer.
func NewDialProbe(cfg DialProbeConfig, clk clock.Clock, dial DialFunc, logger zerolog.Logger) *DialProbe {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	return &DialProbe{
		cfg:    cfg,
		clock:  clk,
		dial:   dial,
		logger: logger.With().Str("component", "DialProbe").Str("address", cfg.Address).Logger(),
	}
}

// Attach implements Source. The first probe runs immediately.
func (p *DialProbe) Attach(update func(bool)) io.Closer {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			online := p.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			update(online)
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(p.cfg.Interval):
			}
		}
	}()
	return closerFunc(func() error {
		cancel()
		return nil
	})
}

func (p *DialProbe) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	conn, err := p.dial(probeCtx, "tcp", p.cfg.Address)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug().Err(err).Msg("Network probe failed.")
		}
		return false
	}
	_ = conn.Close()
	return true
}
