// Package broadcast keeps the caches of several processes in step by
// exchanging cache changes over Google Cloud Pub/Sub.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/notify"
	"github.com/rs/zerolog"
)

// Config holds configuration for a Broadcaster.
type Config struct {
	ProjectID string
	TopicID   string
	// SubscriptionID is optional. Without it the Broadcaster only publishes.
	SubscriptionID             string
	MaxOutstandingMessages     int
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
	// Decode defaults to decoding into an untyped value.
	Decode DecodeFunc
}

// NewDefaults provides a config with sensible defaults.
func NewDefaults(topicID, subscriptionID string) *Config {
	return &Config{
		TopicID:                    topicID,
		SubscriptionID:             subscriptionID,
		MaxOutstandingMessages:     100,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
}

// Broadcaster publishes local cache changes and applies remote ones.
//
// Successful updates, explicit removals and invalidations are published.
// Garbage collection is local and never published. Remote messages only
// touch Entries that already exist locally, and an update only applies when
// it is newer than the local data.
type Broadcaster struct {
	cache  *cache.Cache
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	origin string
	decode DecodeFunc
	logger zerolog.Logger

	confirmTimeout time.Duration

	mu       sync.Mutex
	applying map[string]int

	events     *notify.Subscription
	cancelRecv context.CancelFunc

	// lifeMu orders wg.Add in publish against Stop's wg.Wait.
	lifeMu   sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New validates the topic (and subscription, if configured) and returns a
// Broadcaster for c. Call Start to begin exchanging messages.
func New(ctx context.Context, cfg *Config, client *pubsub.Client, c *cache.Cache, logger zerolog.Logger) (*Broadcaster, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for broadcaster")
	}
	if c == nil {
		return nil, fmt.Errorf("cache cannot be nil for broadcaster")
	}

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	var sub *pubsub.Subscription
	if cfg.SubscriptionID != "" {
		sub = client.Subscription(cfg.SubscriptionID)
		ok, err := sub.Exists(existsCtx)
		if !ok || err != nil {
			return nil, fmt.Errorf("subscription %s does not exist: %w", cfg.SubscriptionID, err)
		}
		if cfg.MaxOutstandingMessages > 0 {
			sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
		}
	}

	decode := cfg.Decode
	if decode == nil {
		decode = decodeAny
	}
	origin := uuid.NewString()

	logger.Info().Str("topic_id", cfg.TopicID).Str("origin", origin).Msg("Broadcaster initialized.")
	return &Broadcaster{
		cache:          c,
		topic:          topic,
		sub:            sub,
		origin:         origin,
		decode:         decode,
		logger:         logger.With().Str("component", "Broadcaster").Str("origin", origin).Logger(),
		confirmTimeout: cfg.PublishConfirmationTimeout,
		applying:       make(map[string]int),
	}, nil
}

// Origin identifies this process on the topic.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// Start subscribes to the cache and, with a subscription configured, starts
// the receive loop.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.events = b.cache.Subscribe(b.onEvent)
	if b.sub == nil {
		return nil
	}

	recvCtx, cancel := context.WithCancel(ctx)
	b.cancelRecv = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.logger.Info().Msg("Broadcast receive loop started.")
		err := b.sub.Receive(recvCtx, b.receive)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
		b.logger.Info().Msg("Broadcast receive loop stopped.")
	}()
	return nil
}

// Stop stops publishing and receiving, flushing buffered messages within
// the context's deadline.
func (b *Broadcaster) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		if b.events != nil {
			b.events.Release()
		}
		if b.cancelRecv != nil {
			b.cancelRecv()
		}
		b.lifeMu.Lock()
		b.stopped = true
		b.lifeMu.Unlock()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			b.topic.Stop()
			close(done)
		}()
		select {
		case <-done:
			b.logger.Info().Msg("Broadcaster stopped.")
		case <-ctx.Done():
			b.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for broadcaster to stop.")
			err = ctx.Err()
		}
	})
	return err
}

func (b *Broadcaster) onEvent(ev cache.Event) {
	if b.suppressed(ev.Entry.Hash()) {
		return
	}

	var msg Message
	switch {
	case ev.Type == cache.EventUpdated && ev.Action == cache.ActionSuccess:
		data, err := json.Marshal(ev.State.Data)
		if err != nil {
			b.logger.Error().Err(err).Str("hash", ev.Entry.Hash()).Msg("Failed to marshal entry data for broadcast.")
			return
		}
		msg = Message{Kind: KindUpdated, Data: data, UpdatedAt: ev.State.DataUpdatedAt}
	case ev.Type == cache.EventUpdated && ev.Action == cache.ActionInvalidate:
		msg = Message{Kind: KindInvalidated}
	case ev.Type == cache.EventRemoved && !ev.Collected:
		msg = Message{Kind: KindRemoved}
	default:
		return
	}
	msg.Hash = ev.Entry.Hash()
	if key, err := json.Marshal(ev.Entry.Key()); err == nil {
		msg.Key = key
	}
	b.publish(msg)
}

func (b *Broadcaster) publish(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("hash", msg.Hash).Msg("Failed to marshal broadcast message.")
		return
	}

	b.lifeMu.RLock()
	if b.stopped {
		b.lifeMu.RUnlock()
		b.logger.Debug().Str("hash", msg.Hash).Msg("Broadcaster stopped, change not broadcast.")
		return
	}
	res := b.topic.Publish(context.Background(), &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{attrOrigin: b.origin, attrKind: string(msg.Kind)},
	})
	b.wg.Add(1)
	b.lifeMu.RUnlock()
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.confirmTimeout)
		defer cancel()
		id, err := res.Get(ctx)
		if err != nil {
			b.logger.Error().Err(err).Str("hash", msg.Hash).Msg("Failed to get publish result.")
			return
		}
		b.logger.Debug().Str("hash", msg.Hash).Str("kind", string(msg.Kind)).Str("pubsub_msg_id", id).Msg("Change broadcast.")
	}()
}

func (b *Broadcaster) receive(_ context.Context, m *pubsub.Message) {
	if m.Attributes[attrOrigin] == b.origin {
		m.Ack()
		return
	}

	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		b.logger.Warn().Err(err).Str("msg_id", m.ID).Msg("Dropping malformed broadcast message.")
		m.Ack()
		return
	}
	if err := b.Apply(msg); err != nil {
		b.logger.Warn().Err(err).Str("msg_id", m.ID).Msg("Dropping broadcast message.")
	}
	m.Ack()
}

// Apply applies a remote change to the local cache without publishing it.
func (b *Broadcaster) Apply(msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	e := b.cache.Get(msg.Hash)
	if e == nil {
		return nil
	}

	b.suppress(msg.Hash)
	defer b.unsuppress(msg.Hash)

	switch msg.Kind {
	case KindUpdated:
		if !msg.UpdatedAt.After(e.State().DataUpdatedAt) {
			return nil
		}
		value, err := b.decode(msg.Hash, msg.Data)
		if err != nil {
			return fmt.Errorf("decode data for %s: %w", msg.Hash, err)
		}
		e.SetData(value, cache.SetDataOptions{UpdatedAt: msg.UpdatedAt, Manual: true})
	case KindInvalidated:
		e.Invalidate()
	case KindRemoved:
		b.cache.Remove(e)
	}
	b.logger.Debug().Str("hash", msg.Hash).Str("kind", string(msg.Kind)).Msg("Applied remote change.")
	return nil
}

func (b *Broadcaster) suppress(hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applying[hash]++
}

func (b *Broadcaster) unsuppress(hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applying[hash]--; b.applying[hash] <= 0 {
		delete(b.applying, hash)
	}
}

func (b *Broadcaster) suppressed(hash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applying[hash] > 0
}
