package service_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/alicebob/miniredis/v2"
	"github.com/illmade-knight/go-datacache/pkg/audit"
	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/config"
	"github.com/illmade-knight/go-datacache/pkg/keys"
	"github.com/illmade-knight/go-datacache/pkg/service"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type memWriter struct {
	mu   sync.Mutex
	rows []*audit.EventRow
}

func (w *memWriter) WriteBatch(_ context.Context, rows []*audit.EventRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, rows...)
	return nil
}

func (w *memWriter) Close() error { return nil }

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DATACACHE_INSPECTOR_PORT", "127.0.0.1:0")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_RedisPersistenceAuditAndInspector(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	t.Setenv("DATACACHE_PERSIST_STORE", "redis")
	t.Setenv("DATACACHE_REDIS_ADDR", mr.Addr())
	t.Setenv("DATACACHE_AUDIT_BATCH_SIZE", "1")
	cfg := loadConfig(t)
	ctx := testCtx(t)
	w := &memWriter{}

	svc, err := service.New(ctx, cfg, zerolog.Nop(), service.WithAuditWriter(w))
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	// Act
	v, err := svc.Client().Fetch(ctx, cache.Options{
		Key:   keys.Key{"greeting"},
		Fetch: func(context.Context, cache.FetchContext) (any, error) { return "hello", nil },
	})
	require.NoError(t, err)
	svc.Persister().Flush()

	// Assert
	assert.Equal(t, "hello", v)
	hash, err := keys.Hash(keys.Key{"greeting"})
	require.NoError(t, err)
	assert.True(t, mr.Exists(cfg.Redis.Prefix+hash), "fetched values are persisted")

	resp, err := http.Get("http://" + svc.Inspector().Addr() + "/entries")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, svc.Shutdown(ctx))
	assert.Positive(t, w.count())
}

func TestService_RestoresFromStoreAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("DATACACHE_PERSIST_STORE", "redis")
	t.Setenv("DATACACHE_REDIS_ADDR", mr.Addr())
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Inspector.Port = ""
	ctx := testCtx(t)
	opts := func(value string) cache.Options {
		return cache.Options{
			Key:   keys.Key{"profile"},
			Fetch: func(context.Context, cache.FetchContext) (any, error) { return value, nil },
		}
	}

	first, err := service.New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	_, err = first.Client().Fetch(ctx, opts("v1"))
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(ctx))

	second, err := service.New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = second.Shutdown(ctx) }()
	v, err := second.Client().Fetch(ctx, opts("v2"))

	require.NoError(t, err)
	assert.Equal(t, "v1", v, "the restarted process serves the persisted value first")
	assert.Nil(t, second.Inspector())
}

func TestService_Broadcasting(t *testing.T) {
	// Arrange
	ctx := testCtx(t)
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ps, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	topic, err := ps.CreateTopic(ctx, "sync")
	require.NoError(t, err)
	_, err = ps.CreateSubscription(ctx, "sync-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	t.Setenv("DATACACHE_PUBSUB_TOPIC_ID", "sync")
	t.Setenv("DATACACHE_PUBSUB_SUBSCRIPTION_ID", "sync-sub")
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Inspector.Port = ""

	// Act
	svc, err := service.New(ctx, cfg, zerolog.Nop(), service.WithPubsubClient(ps))
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))

	// Assert
	require.NotNil(t, svc.Broadcaster())
	assert.NotEmpty(t, svc.Broadcaster().Origin())
	require.NoError(t, svc.Shutdown(ctx))
}

func TestService_ServerModeDefaults(t *testing.T) {
	// Arrange
	t.Setenv("DATACACHE_SERVER", "true")
	t.Setenv("DATACACHE_PERSIST_STORE", "memory")
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Inspector.Port = ""
	ctx := testCtx(t)
	fc := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	svc, err := service.New(ctx, cfg, zerolog.Nop(), service.WithEnv(cache.Env{Clock: fc}))
	require.NoError(t, err)
	defer func() { _ = svc.Shutdown(ctx) }()

	var calls atomic.Int32
	opts := cache.Options{
		Key: keys.Key{"server"},
		Fetch: func(context.Context, cache.FetchContext) (any, error) {
			calls.Add(1)
			return nil, errors.New("upstream down")
		},
	}

	// Act
	_, err = svc.Client().Fetch(ctx, opts)
	fc.Advance(10 * time.Minute)

	// Assert
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "servers do not retry by default")
	e := svc.Client().Cache().Find(cache.Filter{Key: keys.Key{"server"}})
	require.NotNil(t, e, "servers never collect idle entries by default")
	assert.Equal(t, cache.Infinite, e.GCTime())

	resolved := svc.Client().ResolveOptions(opts)
	assert.NotNil(t, resolved.Persister)
	assert.Empty(t, resolved.NetworkMode, "left for the persister to select offlineFirst")
}

func TestService_InvalidConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Cache.NetworkMode = "sometimes"

	_, err := service.New(context.Background(), cfg, zerolog.Nop())

	require.Error(t, err)
}
