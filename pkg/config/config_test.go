package config_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/config"
	"github.com/illmade-knight/go-datacache/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()

	require.NoError(t, err)
	assert.Nil(t, cfg.Cache.GCTime)
	assert.Nil(t, cfg.Cache.Retry)
	assert.Empty(t, cfg.Cache.NetworkMode)
	assert.True(t, cfg.Cache.RefetchOnWindowFocus)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "cache_events", cfg.BigQuery.TableID)
	assert.Equal(t, ":8089", cfg.Inspector.Port)
	assert.Empty(t, cfg.Persist.Store)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATACACHE_STALE_TIME", "30s")
	t.Setenv("DATACACHE_NETWORK_MODE", "offlineFirst")
	t.Setenv("DATACACHE_REFETCH_ON_FOCUS", "false")
	t.Setenv("DATACACHE_PERSIST_STORE", "redis")
	t.Setenv("DATACACHE_PUBSUB_TOPIC_ID", "cache-sync")
	t.Setenv("DATACACHE_GC_TIME", "1m")
	t.Setenv("DATACACHE_RETRY", "5")

	cfg, err := config.Load()

	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Cache.StaleTime)
	assert.Equal(t, "redis", cfg.Persist.Store)
	assert.Equal(t, "cache-sync", cfg.Pubsub.TopicID)

	d := cfg.Cache.Defaults()
	assert.Equal(t, 30*time.Second, d.Entry.StaleTime)
	assert.Equal(t, retry.ModeOfflineFirst, d.Entry.NetworkMode)
	assert.Equal(t, cache.RefetchNever, d.Entry.RefetchOnWindowFocus)
	assert.Equal(t, cache.RefetchIfStale, d.Entry.RefetchOnReconnect)
	assert.Equal(t, time.Minute, d.Entry.GCTime)
	assert.Equal(t, time.Minute, d.Task.GCTime)
	assert.True(t, d.Entry.Retry.ShouldRetry(4, nil))
	assert.False(t, d.Entry.Retry.ShouldRetry(5, nil))
	assert.Nil(t, d.Task.Retry)
}

func TestCacheConfig_UnsetValuesLeaveEngineDefaults(t *testing.T) {
	t.Setenv("DATACACHE_SERVER", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	d := cfg.Cache.Defaults()

	assert.True(t, cfg.Cache.Server)
	assert.Nil(t, d.Entry.Retry, "the retryer picks the server default")
	assert.Zero(t, d.Entry.GCTime, "the entry picks the server gc time")
	assert.Empty(t, d.Entry.NetworkMode, "a persister can still select offlineFirst")
	assert.Nil(t, d.Task.Retry)
	assert.Zero(t, d.Task.GCTime)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("unparseable duration", func(t *testing.T) {
		t.Setenv("DATACACHE_GC_TIME", "soon")
		_, err := config.Load()
		require.ErrorContains(t, err, "parse env:")
	})

	t.Run("unknown network mode", func(t *testing.T) {
		t.Setenv("DATACACHE_NETWORK_MODE", "sometimes")
		_, err := config.Load()
		require.ErrorContains(t, err, "invalid network mode")
	})

	t.Run("negative retry", func(t *testing.T) {
		t.Setenv("DATACACHE_RETRY", "-1")
		_, err := config.Load()
		require.ErrorContains(t, err, "must not be negative")
	})

	t.Run("negative audit flush interval", func(t *testing.T) {
		t.Setenv("DATACACHE_AUDIT_FLUSH_INTERVAL", "-5s")
		_, err := config.Load()
		require.ErrorContains(t, err, "audit flush interval must not be negative")
	})

	t.Run("unknown store", func(t *testing.T) {
		t.Setenv("DATACACHE_PERSIST_STORE", "floppy")
		_, err := config.Load()
		require.ErrorContains(t, err, "unknown persist store")
	})
}
