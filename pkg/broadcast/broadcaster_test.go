package broadcast_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-datacache/pkg/broadcast"
	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/keys"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	projectID = "test-project"
	topicID   = "cache-sync"
)

// setupTestPubsub creates a mock Pub/Sub server with one topic and a
// subscription per process.
func setupTestPubsub(t *testing.T, subIDs ...string) *pubsub.Client {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	for _, id := range subIDs {
		_, err := client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{Topic: topic})
		require.NoError(t, err)
	}
	return client
}

type process struct {
	cache       *cache.Cache
	broadcaster *broadcast.Broadcaster
}

func startProcess(t *testing.T, client *pubsub.Client, subID string) *process {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := cache.New(cache.Env{Logger: zerolog.Nop()}, cache.Hooks{})
	b, err := broadcast.New(ctx, broadcast.NewDefaults(topicID, subID), client, c, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = b.Stop(stopCtx)
	})
	return &process{cache: c, broadcaster: b}
}

func (p *process) entry(t *testing.T, key keys.Key) *cache.Entry {
	t.Helper()
	e, err := p.cache.Build(cache.Options{Key: key, GCTime: cache.Infinite}, nil)
	require.NoError(t, err)
	return e
}

func TestBroadcaster_StopWhileChangesArePublished(t *testing.T) {
	// Arrange
	client := setupTestPubsub(t, "sub-a")
	p := startProcess(t, client, "sub-a")
	e := p.entry(t, keys.Key{"busy"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			e.SetData(i, cache.SetDataOptions{})
		}
	}()

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.broadcaster.Stop(ctx)

	// Assert
	require.NoError(t, err)
	<-done
	e.SetData("after stop", cache.SetDataOptions{})
	assert.Equal(t, "after stop", e.State().Data)
}

func TestBroadcaster_SyncsChangesBetweenProcesses(t *testing.T) {
	// Arrange
	client := setupTestPubsub(t, "sub-a", "sub-b")
	a := startProcess(t, client, "sub-a")
	b := startProcess(t, client, "sub-b")
	require.NotEqual(t, a.broadcaster.Origin(), b.broadcaster.Origin())

	key := keys.Key{"user", 1}
	ea := a.entry(t, key)
	eb := b.entry(t, key)

	var updatesOnA atomic.Int32
	sub := a.cache.Subscribe(func(ev cache.Event) {
		if ev.Type == cache.EventUpdated && ev.Action == cache.ActionSuccess {
			updatesOnA.Add(1)
		}
	})
	defer sub.Release()

	t.Run("updates", func(t *testing.T) {
		ea.SetData(map[string]any{"name": "ada"}, cache.SetDataOptions{})

		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual(map[string]any{"name": "ada"}, eb.State().Data)
		}, 5*time.Second, 10*time.Millisecond)
		assert.True(t, ea.State().DataUpdatedAt.Equal(eb.State().DataUpdatedAt))
	})

	t.Run("invalidations", func(t *testing.T) {
		ea.Invalidate()

		require.Eventually(t, func() bool { return eb.State().IsInvalidated }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("removals", func(t *testing.T) {
		a.cache.Remove(ea)

		require.Eventually(t, func() bool { return b.cache.Get(eb.Hash()) == nil }, 5*time.Second, 10*time.Millisecond)
	})

	// The update applied on b must not have echoed back to a.
	assert.Equal(t, int32(1), updatesOnA.Load())
}

func TestBroadcaster_Apply(t *testing.T) {
	client := setupTestPubsub(t)
	p := startProcess(t, client, "")
	e := p.entry(t, keys.Key{"doc"})
	e.SetData("local", cache.SetDataOptions{})
	local := e.State().DataUpdatedAt

	t.Run("older updates are ignored", func(t *testing.T) {
		err := p.broadcaster.Apply(broadcast.Message{
			Kind: broadcast.KindUpdated, Hash: e.Hash(), Data: json.RawMessage(`"remote"`), UpdatedAt: local.Add(-time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, "local", e.State().Data)
	})

	t.Run("newer updates win", func(t *testing.T) {
		err := p.broadcaster.Apply(broadcast.Message{
			Kind: broadcast.KindUpdated, Hash: e.Hash(), Data: json.RawMessage(`"remote"`), UpdatedAt: local.Add(time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, "remote", e.State().Data)
	})

	t.Run("unknown entries are left alone", func(t *testing.T) {
		err := p.broadcaster.Apply(broadcast.Message{Kind: broadcast.KindInvalidated, Hash: `["nobody"]`})
		require.NoError(t, err)
		assert.Nil(t, p.cache.Get(`["nobody"]`))
	})

	t.Run("invalid messages", func(t *testing.T) {
		require.Error(t, p.broadcaster.Apply(broadcast.Message{Kind: "renamed", Hash: e.Hash()}))
		require.Error(t, p.broadcaster.Apply(broadcast.Message{Kind: broadcast.KindUpdated, Hash: e.Hash()}))
		require.Error(t, p.broadcaster.Apply(broadcast.Message{Kind: broadcast.KindRemoved}))
	})
}

func TestNew_MissingTopic(t *testing.T) {
	client := setupTestPubsub(t)
	cfg := broadcast.NewDefaults("no-such-topic", "")

	_, err := broadcast.New(context.Background(), cfg, client, cache.New(cache.Env{}, cache.Hooks{}), zerolog.Nop())

	require.ErrorContains(t, err, "does not exist")
}
