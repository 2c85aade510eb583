// Package service assembles a Client and its supporting components from a
// config.Config and manages their lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-datacache/pkg/audit"
	"github.com/illmade-knight/go-datacache/pkg/broadcast"
	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/client"
	"github.com/illmade-knight/go-datacache/pkg/clock"
	"github.com/illmade-knight/go-datacache/pkg/config"
	"github.com/illmade-knight/go-datacache/pkg/inspector"
	"github.com/illmade-knight/go-datacache/pkg/liveness"
	"github.com/illmade-knight/go-datacache/pkg/persist"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Option injects pre-built dependencies, mostly for tests.
type Option func(*deps)

type deps struct {
	pubsub      *pubsub.Client
	firestore   *firestore.Client
	gcs         persist.GCSClient
	auditWriter audit.BatchWriter
	env         cache.Env
}

// WithPubsubClient uses client for broadcasting instead of dialing one.
func WithPubsubClient(c *pubsub.Client) Option { return func(d *deps) { d.pubsub = c } }

// WithFirestoreClient uses c for the Firestore store.
func WithFirestoreClient(c *firestore.Client) Option { return func(d *deps) { d.firestore = c } }

// WithGCSClient uses c for the GCS store.
func WithGCSClient(c persist.GCSClient) Option { return func(d *deps) { d.gcs = c } }

// WithAuditWriter records audit rows to w instead of BigQuery.
func WithAuditWriter(w audit.BatchWriter) Option { return func(d *deps) { d.auditWriter = w } }

// WithEnv seeds the cache environment; unset fields are filled from config.
func WithEnv(env cache.Env) Option { return func(d *deps) { d.env = env } }

// Service owns a Client and the optional persister, broadcaster, audit
// recorder and inspector configured for it.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	client      *client.Client
	persister   *persist.Persister
	broadcaster *broadcast.Broadcaster
	recorder    *audit.Recorder
	inspector   *inspector.Server

	// closers release clients the Service created itself, in order.
	closers []func() error
}

// New builds a Service. Components whose configuration is empty are
// skipped: no store means no persistence, no topic means no broadcasting,
// no dataset (and no injected writer) means no audit, no port means no
// inspector.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &deps{}
	for _, opt := range opts {
		opt(d)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		logger = logger.Level(lvl)
	}
	s := &Service{cfg: cfg, logger: logger.With().Str("component", "Service").Logger()}

	env := d.env
	env.Logger = logger
	env.IsServer = env.IsServer || cfg.Cache.Server
	if env.Clock == nil {
		env.Clock = clock.System()
	}
	if cfg.Probe.Address != "" && env.Online == nil {
		env.Online = liveness.NewOnline(logger)
		env.Online.SetSource(liveness.NewDialProbe(liveness.DialProbeConfig{
			Address:  cfg.Probe.Address,
			Interval: cfg.Probe.Interval,
			Timeout:  cfg.Probe.Timeout,
		}, env.Clock, nil, logger))
	}

	defaults := cfg.Cache.Defaults()
	if cfg.Persist.Store != "" {
		store, err := s.newStore(ctx, d)
		if err != nil {
			s.close()
			return nil, err
		}
		s.persister = persist.NewPersister(store, persist.Config{
			MaxAge:       cfg.Persist.MaxAge,
			Buster:       cfg.Persist.Buster,
			WriteTimeout: cfg.Persist.WriteTimeout,
			Clock:        env.Clock,
		}, logger)
		s.closers = append([]func() error{s.persister.Close}, s.closers...)
		defaults.Entry.Persister = s.persister
	}

	s.client = client.New(client.Config{Env: env, Defaults: defaults})

	if cfg.Pubsub.TopicID != "" {
		if err := s.newBroadcaster(ctx, d); err != nil {
			s.close()
			return nil, err
		}
	}
	if d.auditWriter != nil || cfg.BigQuery.DatasetID != "" {
		if err := s.newRecorder(ctx, d); err != nil {
			s.close()
			return nil, err
		}
	}
	if cfg.Inspector.Port != "" {
		s.inspector = inspector.New(logger, cfg.Inspector.Port, s.client)
	}
	return s, nil
}

func clientOptions(credentialsFile string) []option.ClientOption {
	if credentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
}

func (s *Service) newStore(ctx context.Context, d *deps) (persist.Store, error) {
	cfg := s.cfg
	switch cfg.Persist.Store {
	case "memory":
		return persist.NewMemoryStore(cfg.Persist.MemorySize)
	case "redis":
		return persist.NewRedisStore(ctx, &persist.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		}, s.logger)
	case "firestore":
		fs := d.firestore
		if fs == nil {
			var err error
			fs, err = firestore.NewClient(ctx, cfg.Firestore.ProjectID, clientOptions(cfg.Firestore.CredentialsFile)...)
			if err != nil {
				return nil, fmt.Errorf("firestore.NewClient: %w", err)
			}
			s.closers = append(s.closers, fs.Close)
		}
		return persist.NewFirestoreStore(&persist.FirestoreConfig{
			ProjectID:      cfg.Firestore.ProjectID,
			CollectionName: cfg.Firestore.Collection,
		}, fs, s.logger)
	case "gcs":
		gcs := d.gcs
		if gcs == nil {
			sc, err := storage.NewClient(ctx, clientOptions(cfg.GCS.CredentialsFile)...)
			if err != nil {
				return nil, fmt.Errorf("storage.NewClient: %w", err)
			}
			s.closers = append(s.closers, sc.Close)
			gcs = persist.NewGCSClientAdapter(sc)
		}
		return persist.NewGCSStore(persist.GCSConfig{BucketName: cfg.GCS.Bucket, ObjectPrefix: cfg.GCS.Prefix}, gcs, s.logger)
	default:
		return nil, fmt.Errorf("unknown persist store %q", cfg.Persist.Store)
	}
}

func (s *Service) newBroadcaster(ctx context.Context, d *deps) error {
	ps := d.pubsub
	if ps == nil {
		var err error
		ps, err = pubsub.NewClient(ctx, s.cfg.Pubsub.ProjectID, clientOptions(s.cfg.Pubsub.CredentialsFile)...)
		if err != nil {
			return fmt.Errorf("pubsub.NewClient: %w", err)
		}
		s.closers = append(s.closers, ps.Close)
	}
	b, err := broadcast.New(ctx, broadcast.NewDefaults(s.cfg.Pubsub.TopicID, s.cfg.Pubsub.SubscriptionID), ps, s.client.Cache(), s.logger)
	if err != nil {
		return err
	}
	s.broadcaster = b
	return nil
}

func (s *Service) newRecorder(ctx context.Context, d *deps) error {
	w := d.auditWriter
	if w == nil {
		bq, err := audit.NewBigQueryClient(ctx, s.cfg.BigQuery.ProjectID, s.cfg.BigQuery.CredentialsFile, s.logger)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, bq.Close)
		w, err = audit.NewBigQueryWriter(ctx, bq, &audit.BigQueryConfig{
			DatasetID: s.cfg.BigQuery.DatasetID,
			TableID:   s.cfg.BigQuery.TableID,
		}, s.logger)
		if err != nil {
			return err
		}
	}
	rc := audit.NewRecorderDefaults()
	rc.BatchSize = s.cfg.BigQuery.BatchSize
	rc.FlushInterval = s.cfg.BigQuery.FlushInterval
	rc.Filter = audit.SkipObserverEvents
	rc.Clock = s.client.Cache().Env().Clock
	s.recorder = audit.NewRecorder(rc, w, s.logger)
	s.recorder.Attach(s.client.Cache())
	s.recorder.AttachTasks(s.client.Tasks())
	return nil
}

// Client returns the Service's Client.
func (s *Service) Client() *client.Client { return s.client }

// Persister returns the configured Persister, or nil.
func (s *Service) Persister() *persist.Persister { return s.persister }

// Inspector returns the inspection server, or nil.
func (s *Service) Inspector() *inspector.Server { return s.inspector }

// Broadcaster returns the configured Broadcaster, or nil.
func (s *Service) Broadcaster() *broadcast.Broadcaster { return s.broadcaster }

// Start mounts the Client and starts every configured component.
func (s *Service) Start(ctx context.Context) error {
	s.client.Mount()
	if s.recorder != nil {
		s.recorder.Start(ctx)
	}
	if s.broadcaster != nil {
		if err := s.broadcaster.Start(ctx); err != nil {
			return err
		}
	}
	if s.inspector != nil {
		if err := s.inspector.Start(); err != nil {
			return err
		}
	}
	s.logger.Info().Msg("Service started.")
	return nil
}

// Shutdown stops components in reverse order and releases owned clients.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.inspector != nil {
		errs = append(errs, s.inspector.Shutdown(ctx))
	}
	if s.broadcaster != nil {
		errs = append(errs, s.broadcaster.Stop(ctx))
	}
	if s.recorder != nil {
		errs = append(errs, s.recorder.Stop(ctx))
	}
	s.client.Unmount()
	errs = append(errs, s.close())
	s.logger.Info().Msg("Service stopped.")
	return errors.Join(errs...)
}

func (s *Service) close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	s.closers = nil
	return errors.Join(errs...)
}
