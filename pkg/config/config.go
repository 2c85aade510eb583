// Package config loads the engine's settings from DATACACHE_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/illmade-knight/go-datacache/pkg/cache"
	"github.com/illmade-knight/go-datacache/pkg/client"
	"github.com/illmade-knight/go-datacache/pkg/retry"
)

// CacheConfig holds the defaults applied to every Entry and Task. Unset
// retry counts, gc time and network mode fall through to the engine's own
// defaults, which depend on Server and on whether a persister is installed.
type CacheConfig struct {
	StaleTime            time.Duration  `env:"DATACACHE_STALE_TIME"`
	GCTime               *time.Duration `env:"DATACACHE_GC_TIME"`
	Retry                *int           `env:"DATACACHE_RETRY"`
	TaskRetry            *int           `env:"DATACACHE_TASK_RETRY"`
	NetworkMode          string         `env:"DATACACHE_NETWORK_MODE"`
	Server               bool           `env:"DATACACHE_SERVER"`
	RefetchOnWindowFocus bool           `env:"DATACACHE_REFETCH_ON_FOCUS"      envDefault:"true"`
	RefetchOnReconnect   bool           `env:"DATACACHE_REFETCH_ON_RECONNECT"  envDefault:"true"`
}

// ProbeConfig configures the network reachability probe behind the online
// signal. An empty address leaves the signal without a source.
type ProbeConfig struct {
	Address  string        `env:"DATACACHE_PROBE_ADDRESS"`
	Interval time.Duration `env:"DATACACHE_PROBE_INTERVAL" envDefault:"10s"`
	Timeout  time.Duration `env:"DATACACHE_PROBE_TIMEOUT"  envDefault:"2s"`
}

// PersistConfig selects and tunes the durable store behind persisted entries.
type PersistConfig struct {
	// Store is one of memory, redis, firestore or gcs. Empty disables
	// persistence.
	Store        string        `env:"DATACACHE_PERSIST_STORE"`
	MaxAge       time.Duration `env:"DATACACHE_PERSIST_MAX_AGE"       envDefault:"24h"`
	Buster       string        `env:"DATACACHE_PERSIST_BUSTER"`
	WriteTimeout time.Duration `env:"DATACACHE_PERSIST_WRITE_TIMEOUT" envDefault:"5s"`
	MemorySize   int           `env:"DATACACHE_PERSIST_MEMORY_SIZE"   envDefault:"1000"`
}

// RedisConfig configures persist.RedisStore.
type RedisConfig struct {
	Addr     string        `env:"DATACACHE_REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string        `env:"DATACACHE_REDIS_PASSWORD"`
	DB       int           `env:"DATACACHE_REDIS_DB"`
	Prefix   string        `env:"DATACACHE_REDIS_PREFIX"   envDefault:"datacache:"`
	TTL      time.Duration `env:"DATACACHE_REDIS_TTL"      envDefault:"24h"`
}

// FirestoreConfig configures persist.FirestoreStore.
type FirestoreConfig struct {
	ProjectID       string `env:"DATACACHE_FIRESTORE_PROJECT_ID"`
	Collection      string `env:"DATACACHE_FIRESTORE_COLLECTION" envDefault:"datacache"`
	CredentialsFile string `env:"DATACACHE_FIRESTORE_CREDENTIALS_FILE"`
}

// GCSConfig configures persist.GCSStore.
type GCSConfig struct {
	ProjectID       string `env:"DATACACHE_GCS_PROJECT_ID"`
	Bucket          string `env:"DATACACHE_GCS_BUCKET"`
	Prefix          string `env:"DATACACHE_GCS_PREFIX" envDefault:"datacache/"`
	CredentialsFile string `env:"DATACACHE_GCS_CREDENTIALS_FILE"`
}

// PubsubConfig configures the broadcast package.
type PubsubConfig struct {
	ProjectID       string `env:"DATACACHE_PUBSUB_PROJECT_ID"`
	TopicID         string `env:"DATACACHE_PUBSUB_TOPIC_ID"`
	SubscriptionID  string `env:"DATACACHE_PUBSUB_SUBSCRIPTION_ID"`
	CredentialsFile string `env:"DATACACHE_PUBSUB_CREDENTIALS_FILE"`
}

// BigQueryConfig configures the audit package.
type BigQueryConfig struct {
	ProjectID       string        `env:"DATACACHE_BIGQUERY_PROJECT_ID"`
	DatasetID       string        `env:"DATACACHE_BIGQUERY_DATASET_ID"`
	TableID         string        `env:"DATACACHE_BIGQUERY_TABLE_ID"     envDefault:"cache_events"`
	BatchSize       int           `env:"DATACACHE_AUDIT_BATCH_SIZE"      envDefault:"100"`
	FlushInterval   time.Duration `env:"DATACACHE_AUDIT_FLUSH_INTERVAL"  envDefault:"5s"`
	CredentialsFile string        `env:"DATACACHE_BIGQUERY_CREDENTIALS_FILE"`
}

// InspectorConfig configures the inspection HTTP server.
type InspectorConfig struct {
	Port string `env:"DATACACHE_INSPECTOR_PORT" envDefault:":8089"`
}

// Config is the complete engine configuration.
type Config struct {
	LogLevel  string `env:"DATACACHE_LOG_LEVEL" envDefault:"info"`
	Cache     CacheConfig
	Probe     ProbeConfig
	Persist   PersistConfig
	Redis     RedisConfig
	Firestore FirestoreConfig
	GCS       GCSConfig
	Pubsub    PubsubConfig
	BigQuery  BigQueryConfig
	Inspector InspectorConfig
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c *Config) Validate() error {
	switch retry.NetworkMode(c.Cache.NetworkMode) {
	case "", retry.ModeOnline, retry.ModeAlways, retry.ModeOfflineFirst:
	default:
		return fmt.Errorf("invalid network mode %q", c.Cache.NetworkMode)
	}
	if negative(c.Cache.Retry) || negative(c.Cache.TaskRetry) {
		return fmt.Errorf("retry counts must not be negative")
	}
	// Zero leaves the recorder's default in place.
	if c.BigQuery.FlushInterval < 0 {
		return fmt.Errorf("audit flush interval must not be negative, got %s", c.BigQuery.FlushInterval)
	}
	switch c.Persist.Store {
	case "", "memory", "redis", "firestore", "gcs":
	default:
		return fmt.Errorf("unknown persist store %q", c.Persist.Store)
	}
	return nil
}

// Defaults converts the cache settings into Client defaults.
func (c CacheConfig) Defaults() client.Defaults {
	d := client.Defaults{
		Entry: cache.Options{
			StaleTime:            c.StaleTime,
			NetworkMode:          retry.NetworkMode(c.NetworkMode),
			RefetchOnWindowFocus: refetchMode(c.RefetchOnWindowFocus),
			RefetchOnReconnect:   refetchMode(c.RefetchOnReconnect),
		},
		Task: cache.TaskOptions{
			NetworkMode: retry.NetworkMode(c.NetworkMode),
		},
	}
	if c.GCTime != nil {
		d.Entry.GCTime = *c.GCTime
		d.Task.GCTime = *c.GCTime
	}
	if c.Retry != nil {
		d.Entry.Retry = retry.Count(*c.Retry)
	}
	if c.TaskRetry != nil {
		d.Task.Retry = retry.Count(*c.TaskRetry)
	}
	return d
}

func negative(n *int) bool { return n != nil && *n < 0 }

func refetchMode(enabled bool) cache.RefetchMode {
	if enabled {
		return cache.RefetchIfStale
	}
	return cache.RefetchNever
}
