package persist_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/keys"
	"github.com/illmade-knight/go-datacache/pkg/persist"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type profile struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func newPersister(t *testing.T, cfg persist.Config) (*persist.Persister, *persist.MemoryStore, *clockwork.FakeClock) {
	t.Helper()
	store, err := persist.NewMemoryStore(10)
	require.NoError(t, err)
	fc := clockwork.NewFakeClockAt(epoch)
	cfg.Clock = fc
	return persist.NewPersister(store, cfg, zerolog.Nop()), store, fc
}

func countingFetch(calls *atomic.Int32, value any) cache.FetchFunc {
	return func(ctx context.Context, fc cache.FetchContext) (any, error) {
		calls.Add(1)
		return value, nil
	}
}

func seed(t *testing.T, store persist.Store, hash string, value any, at time.Time, buster string) {
	t.Helper()
	data, err := json.Marshal(value)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), hash, persist.Record{Key: hash, Data: data, UpdatedAt: at, Buster: buster}))
}

func TestPersister_Persist(t *testing.T) {
	ctx := context.Background()

	t.Run("miss fetches and writes back", func(t *testing.T) {
		// Arrange
		p, store, _ := newPersister(t, persist.Config{Buster: "v1"})
		var calls atomic.Int32

		// Act
		v, err := p.Persist(ctx, cache.FetchContext{Hash: "h"}, countingFetch(&calls, "fresh"))
		p.Flush()

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
		assert.Equal(t, int32(1), calls.Load())
		rec, err := store.Get(ctx, "h")
		require.NoError(t, err)
		assert.JSONEq(t, `"fresh"`, string(rec.Data))
		assert.Equal(t, "v1", rec.Buster)
		assert.Equal(t, epoch, rec.UpdatedAt)
	})

	t.Run("hit is served without fetching", func(t *testing.T) {
		p, store, _ := newPersister(t, persist.Config{})
		seed(t, store, "h", map[string]any{"n": 1}, epoch, "")
		var calls atomic.Int32

		v, err := p.Persist(ctx, cache.FetchContext{Hash: "h"}, countingFetch(&calls, "fresh"))

		require.NoError(t, err)
		assert.Equal(t, map[string]any{"n": float64(1)}, v)
		assert.Zero(t, calls.Load())
	})

	t.Run("expired record is deleted", func(t *testing.T) {
		p, store, fc := newPersister(t, persist.Config{MaxAge: time.Hour})
		seed(t, store, "h", "old", epoch, "")
		fc.Advance(time.Hour + time.Second)
		var calls atomic.Int32

		v, err := p.Persist(ctx, cache.FetchContext{Hash: "h"}, countingFetch(&calls, "fresh"))
		p.Flush()

		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
		assert.Equal(t, int32(1), calls.Load())
		rec, err := store.Get(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, fc.Now(), rec.UpdatedAt, "the expired record was replaced")
	})

	t.Run("buster mismatch discards record", func(t *testing.T) {
		p, store, _ := newPersister(t, persist.Config{Buster: "v2"})
		seed(t, store, "h", "old", epoch, "v1")
		var calls atomic.Int32

		v, err := p.Persist(ctx, cache.FetchContext{Hash: "h"}, countingFetch(&calls, "fresh"))

		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("entries with data always fetch", func(t *testing.T) {
		p, store, _ := newPersister(t, persist.Config{})
		seed(t, store, "h", "old", epoch, "")
		var calls atomic.Int32
		fc := cache.FetchContext{Hash: "h", State: cache.State{Data: "cached", Status: cache.StatusSuccess}}

		v, err := p.Persist(ctx, fc, countingFetch(&calls, "fresh"))

		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("fetch errors are returned and nothing is written", func(t *testing.T) {
		p, store, _ := newPersister(t, persist.Config{})
		boom := errors.New("boom")

		_, err := p.Persist(ctx, cache.FetchContext{Hash: "h"}, func(context.Context, cache.FetchContext) (any, error) {
			return nil, boom
		})
		p.Flush()

		require.ErrorIs(t, err, boom)
		assert.Zero(t, store.Len())
	})

	t.Run("flush runs alongside write-backs", func(t *testing.T) {
		p, store, _ := newPersister(t, persist.Config{})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			hash := fmt.Sprintf("h%d", i)
			go func() {
				defer wg.Done()
				_, _ = p.Persist(ctx, cache.FetchContext{Hash: hash}, countingFetch(new(atomic.Int32), "v"))
			}()
			go func() {
				defer wg.Done()
				p.Flush()
			}()
		}
		wg.Wait()
		p.Flush()

		assert.Equal(t, 8, store.Len())
	})

	t.Run("write-backs after close are dropped", func(t *testing.T) {
		p, store, _ := newPersister(t, persist.Config{})
		require.NoError(t, p.Close())

		v, err := p.Persist(ctx, cache.FetchContext{Hash: "h"}, countingFetch(new(atomic.Int32), "late"))
		p.Flush()

		require.NoError(t, err)
		assert.Equal(t, "late", v)
		assert.Zero(t, store.Len())
		require.NoError(t, p.Close())
	})

	t.Run("typed decoding", func(t *testing.T) {
		p, store, _ := newPersister(t, persist.Config{Decode: persist.DecodeAs[profile]()})
		seed(t, store, "h", profile{Name: "ada", Age: 36}, epoch, "")

		v, err := p.Persist(ctx, cache.FetchContext{Hash: "h"}, countingFetch(new(atomic.Int32), nil))

		require.NoError(t, err)
		assert.Equal(t, profile{Name: "ada", Age: 36}, v)
	})
}

func TestPersister_RestoresEntryBeforeFetching(t *testing.T) {
	// Arrange
	p, store, fc := newPersister(t, persist.Config{Decode: persist.DecodeAs[profile]()})
	c := cache.New(cache.Env{Clock: fc, Logger: zerolog.Nop()}, cache.Hooks{})
	key := keys.Key{"profile", 1}
	hash, err := keys.Hash(key)
	require.NoError(t, err)
	seed(t, store, hash, profile{Name: "ada"}, epoch, "")
	var calls atomic.Int32
	e, err := c.Build(cache.Options{Key: key, Fetch: countingFetch(&calls, profile{Name: "grace"}), Persister: p}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Act
	first, err := e.Fetch(ctx, nil, cache.FetchOptions{})
	require.NoError(t, err)
	second, err := e.Fetch(ctx, nil, cache.FetchOptions{})
	require.NoError(t, err)
	p.Flush()

	// Assert
	assert.Equal(t, profile{Name: "ada"}, first)
	assert.Equal(t, profile{Name: "grace"}, second)
	assert.Equal(t, int32(1), calls.Load())
	rec, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"grace","age":0}`, string(rec.Data))

	require.NoError(t, p.Remove(ctx, hash))
	_, err = store.Get(ctx, hash)
	assert.ErrorIs(t, err, persist.ErrNotFound)
}
