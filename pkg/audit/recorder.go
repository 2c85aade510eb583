package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/clock"
	"github.com/illmade-knight/go-datacache/pkg/notify"
	"github.com/rs/zerolog"
)

// RecorderConfig holds configuration for a Recorder.
type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	// BufferSize bounds the rows waiting for the worker. Rows arriving while
	// the buffer is full are dropped.
	BufferSize int
	// Filter drops rows it returns false for. Nil keeps every row.
	Filter func(*EventRow) bool
	// Clock drives the flush interval. Nil uses the system clock.
	Clock clock.Clock
}

// NewRecorderDefaults provides a config with sensible defaults.
func NewRecorderDefaults() *RecorderConfig {
	return &RecorderConfig{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		WriteTimeout:  30 * time.Second,
		BufferSize:    1000,
	}
}

// SkipObserverEvents is a Filter that drops observer bookkeeping events.
func SkipObserverEvents(r *EventRow) bool {
	return r.Event != cache.EventObserverAdded.String() && r.Event != cache.EventObserverRemoved.String()
}

// Recorder turns cache events into EventRows and flushes them to a
// BatchWriter by size or interval.
type Recorder struct {
	cfg    *RecorderConfig
	writer BatchWriter
	logger zerolog.Logger

	inMu    sync.RWMutex
	input   chan *EventRow
	stopped bool
	dropped atomic.Int64

	subsMu sync.Mutex
	subs   []*notify.Subscription

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder creates a Recorder writing to writer.
func NewRecorder(cfg *RecorderConfig, writer BatchWriter, logger zerolog.Logger) *Recorder {
	defaults := NewRecorderDefaults()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.BufferSize < cfg.BatchSize {
		cfg.BufferSize = cfg.BatchSize * 2
	}
	return &Recorder{
		cfg:    cfg,
		writer: writer,
		logger: logger.With().Str("component", "AuditRecorder").Logger(),
		input:  make(chan *EventRow, cfg.BufferSize),
	}
}

// Attach records every event of c.
func (r *Recorder) Attach(c *cache.Cache) {
	now := c.Env().Clock.Now
	r.track(c.Subscribe(func(ev cache.Event) { r.Record(EntryRow(ev, now())) }))
}

// AttachTasks records every event of tc.
func (r *Recorder) AttachTasks(tc *cache.TaskCache) {
	now := tc.Env().Clock.Now
	r.track(tc.Subscribe(func(ev cache.TaskEvent) { r.Record(TaskRow(ev, now())) }))
}

func (r *Recorder) track(sub *notify.Subscription) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs = append(r.subs, sub)
}

// Record queues a row without blocking.
func (r *Recorder) Record(row *EventRow) {
	if r.cfg.Filter != nil && !r.cfg.Filter(row) {
		return
	}
	r.inMu.RLock()
	defer r.inMu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.input <- row:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn().Msg("Audit buffer full, dropping rows.")
		}
	}
}

// Dropped reports how many rows were dropped because the buffer was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Start begins the batching worker.
func (r *Recorder) Start(ctx context.Context) {
	r.logger.Info().
		Int("batch_size", r.cfg.BatchSize).
		Dur("flush_interval", r.cfg.FlushInterval).
		Msg("Starting audit recorder...")
	r.wg.Add(1)
	go r.worker(ctx)
}

// Stop detaches from all caches, flushes pending rows and closes the writer.
func (r *Recorder) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		r.subsMu.Lock()
		for _, sub := range r.subs {
			sub.Release()
		}
		r.subs = nil
		r.subsMu.Unlock()

		r.inMu.Lock()
		r.stopped = true
		close(r.input)
		r.inMu.Unlock()

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			r.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for audit recorder to stop.")
			err = ctx.Err()
			return
		}
		if closeErr := r.writer.Close(); closeErr != nil {
			r.logger.Error().Err(closeErr).Msg("Error closing audit writer.")
		}
		r.logger.Info().Msg("Audit recorder stopped.")
	})
	return err
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()
	batch := make([]*EventRow, 0, r.cfg.BatchSize)
	ticker := r.cfg.Clock.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background(), batch)
			return

		case row, ok := <-r.input:
			if !ok {
				r.flush(ctx, batch)
				return
			}
			batch = append(batch, row)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(ctx, batch)
				batch = make([]*EventRow, 0, r.cfg.BatchSize)
				ticker.Reset(r.cfg.FlushInterval)
			}

		case <-ticker.Chan():
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = make([]*EventRow, 0, r.cfg.BatchSize)
			}
		}
	}
}

func (r *Recorder) flush(ctx context.Context, batch []*EventRow) {
	if len(batch) == 0 {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()
	if err := r.writer.WriteBatch(writeCtx, batch); err != nil {
		r.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("Failed to write audit batch.")
		return
	}
	r.logger.Debug().Int("batch_size", len(batch)).Msg("Flushed audit batch.")
}
