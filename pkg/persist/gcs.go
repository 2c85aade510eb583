package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/rs/zerolog"
)

// GCSConfig holds the configuration for GCSStore.
type GCSConfig struct {
	BucketName string
	// ObjectPrefix is joined with each encoded hash to form the object name.
	ObjectPrefix string
}

// GCSStore keeps each Record as a JSON object in a bucket.
type GCSStore struct {
	bucket GCSBucketHandle
	prefix string
	logger zerolog.Logger
}

// NewGCSStore creates a GCSStore.
func NewGCSStore(cfg GCSConfig, client GCSClient, logger zerolog.Logger) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSStore{
		bucket: client.Bucket(cfg.BucketName),
		prefix: cfg.ObjectPrefix,
		logger: logger.With().Str("component", "GCSStore").Str("bucket", cfg.BucketName).Logger(),
	}, nil
}

func (s *GCSStore) objectName(hash string) string {
	return path.Join(s.prefix, docID(hash)+".json")
}

// Get reads the object for hash.
func (s *GCSStore) Get(ctx context.Context, hash string) (Record, error) {
	r, err := s.bucket.Object(s.objectName(hash)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("gcs read %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()

	var rec Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode record %s: %w", hash, err)
	}
	return rec, nil
}

// Set writes the object for hash. The write only takes effect once the
// writer is closed successfully.
func (s *GCSStore) Set(ctx context.Context, hash string, rec Record) (err error) {
	name := s.objectName(hash)
	w := s.bucket.Object(name).NewWriter(ctx)
	defer func() {
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close GCS writer for %s: %w", name, closeErr)
		}
	}()

	if err := json.NewEncoder(w).Encode(rec); err != nil {
		return fmt.Errorf("failed to write record %s: %w", name, err)
	}
	s.logger.Debug().Str("object_name", name).Msg("Stored record in GCS.")
	return nil
}

// Delete removes the object for hash.
func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	err := s.bucket.Object(s.objectName(hash)).Delete(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("gcs delete %s: %w", hash, err)
	}
	return err
}

// Close does not close the injected client.
func (s *GCSStore) Close() error {
	return nil
}

var _ Store = (*GCSStore)(nil)
