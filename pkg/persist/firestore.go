package persist

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds the configuration for FirestoreStore.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// firestoreRecord is the document layout. Data is kept as a JSON string so
// arbitrary values survive the round trip.
type firestoreRecord struct {
	Key       string    `firestore:"key"`
	Data      string    `firestore:"data"`
	UpdatedAt time.Time `firestore:"updatedAt"`
	Buster    string    `firestore:"buster"`
}

// FirestoreStore keeps one document per Entry hash in a collection. It suits
// low volume deployments; use RedisStore for anything busier.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreStore creates a FirestoreStore. The client's lifecycle is
// managed by the caller.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// Firestore document ids may not contain '/', which Entry hashes can.
func (s *FirestoreStore) doc(hash string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(docID(hash))
}

// Get reads the document for hash.
func (s *FirestoreStore) Get(ctx context.Context, hash string) (Record, error) {
	snap, err := s.doc(hash).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("firestore get for %s: %w", hash, err)
	}

	var doc firestoreRecord
	if err := snap.DataTo(&doc); err != nil {
		return Record{}, fmt.Errorf("firestore DataTo for %s: %w", hash, err)
	}
	return Record{Key: doc.Key, Data: []byte(doc.Data), UpdatedAt: doc.UpdatedAt, Buster: doc.Buster}, nil
}

// Set writes the document for hash.
func (s *FirestoreStore) Set(ctx context.Context, hash string, rec Record) error {
	doc := firestoreRecord{Key: rec.Key, Data: string(rec.Data), UpdatedAt: rec.UpdatedAt, Buster: rec.Buster}
	if _, err := s.doc(hash).Set(ctx, doc); err != nil {
		return fmt.Errorf("firestore set for %s: %w", hash, err)
	}
	s.logger.Debug().Str("hash", hash).Msg("Stored record in Firestore.")
	return nil
}

// Delete removes the document for hash.
func (s *FirestoreStore) Delete(ctx context.Context, hash string) error {
	if _, err := s.doc(hash).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete for %s: %w", hash, err)
	}
	return nil
}

// Close does not close the injected client.
func (s *FirestoreStore) Close() error {
	return nil
}

var _ Store = (*FirestoreStore)(nil)
