package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/clock"
	"github.com/rs/zerolog"
)

// DecodeFunc turns stored JSON back into an Entry value.
type DecodeFunc func(hash string, data json.RawMessage) (any, error)

// Config holds the settings for a Persister.
type Config struct {
	// MaxAge discards records older than this. Zero keeps records forever.
	MaxAge time.Duration
	// Buster discards records written with a different buster string.
	Buster string
	// WriteTimeout bounds each background write-back.
	WriteTimeout time.Duration
	// Decode defaults to decoding into an untyped value.
	Decode DecodeFunc
	Clock  clock.Clock
}

// Persister serves Entries from a Store while they have no data and writes
// every fetched value back to the Store.
type Persister struct {
	store  Store
	cfg    Config
	logger zerolog.Logger

	// mu orders wg.Add in writeBack against wg.Wait in Flush and Close.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ cache.Persister = (*Persister)(nil)

// NewPersister creates a Persister over store.
func NewPersister(store Store, cfg Config, logger zerolog.Logger) *Persister {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Decode == nil {
		cfg.Decode = decodeAny
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Persister{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "Persister").Logger(),
	}
}

// Persist implements cache.Persister.
func (p *Persister) Persist(ctx context.Context, fc cache.FetchContext, fetch cache.FetchFunc) (any, error) {
	if !fc.State.HasData() {
		value, ok := p.restore(ctx, fc.Hash)
		if ok {
			return value, nil
		}
	}

	value, err := fetch(ctx, fc)
	if err != nil {
		return nil, err
	}
	if value != nil {
		p.writeBack(fc.Hash, value)
	}
	return value, nil
}

// restore never fails: store errors are logged and treated as a miss.
func (p *Persister) restore(ctx context.Context, hash string) (any, bool) {
	rec, err := p.store.Get(ctx, hash)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			p.logger.Error().Err(err).Str("hash", hash).Msg("Failed to read persisted record.")
		}
		return nil, false
	}

	if reason := p.reject(rec); reason != "" {
		p.logger.Debug().Str("hash", hash).Str("reason", reason).Msg("Discarding persisted record.")
		if err := p.store.Delete(ctx, hash); err != nil && !errors.Is(err, ErrNotFound) {
			p.logger.Warn().Err(err).Str("hash", hash).Msg("Failed to delete persisted record.")
		}
		return nil, false
	}

	value, err := p.cfg.Decode(hash, rec.Data)
	if err != nil || value == nil {
		p.logger.Warn().Err(err).Str("hash", hash).Msg("Failed to decode persisted record.")
		return nil, false
	}
	p.logger.Debug().Str("hash", hash).Msg("Restored persisted record.")
	return value, true
}

func (p *Persister) reject(rec Record) string {
	if rec.Buster != p.cfg.Buster {
		return "buster"
	}
	if p.cfg.MaxAge > 0 && p.cfg.Clock.Now().Sub(rec.UpdatedAt) > p.cfg.MaxAge {
		return "expired"
	}
	return ""
}

func (p *Persister) writeBack(hash string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		p.logger.Error().Err(err).Str("hash", hash).Msg("Failed to marshal value for persisting.")
		return
	}
	rec := Record{Key: hash, Data: data, UpdatedAt: p.cfg.Clock.Now(), Buster: p.cfg.Buster}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.logger.Debug().Str("hash", hash).Msg("Persister closed, value not persisted.")
		return
	}
	p.wg.Add(1)
	p.mu.RUnlock()
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		if err := p.store.Set(ctx, hash, rec); err != nil {
			p.logger.Error().Err(err).Str("hash", hash).Msg("Failed to persist value in background.")
		}
	}()
}

// Remove deletes the record for hash.
func (p *Persister) Remove(ctx context.Context, hash string) error {
	if err := p.store.Delete(ctx, hash); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete persisted record %s: %w", hash, err)
	}
	return nil
}

// Flush waits for in-flight background writes. Write-backs started while it
// waits are held until it returns.
func (p *Persister) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wg.Wait()
}

// Close flushes pending writes and closes the store. Later write-backs are
// dropped.
func (p *Persister) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.wg.Wait()
	p.mu.Unlock()
	return p.store.Close()
}

func decodeAny(_ string, data json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeAs returns a DecodeFunc that unmarshals records into T.
func DecodeAs[T any]() DecodeFunc {
	return func(_ string, data json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
