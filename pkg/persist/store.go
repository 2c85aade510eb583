// Package persist keeps Entry values in a durable store so a restarted
// process can serve them before its first fetch completes.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when no record exists for a hash.
var ErrNotFound = errors.New("persist: record not found")

// Record is the stored form of an Entry value.
type Record struct {
	// Key is the Entry hash the record was written for.
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Buster    string          `json:"buster,omitempty"`
}

// Store is a durable key-value store for Records, addressed by Entry hash.
type Store interface {
	Get(ctx context.Context, hash string) (Record, error)
	Set(ctx context.Context, hash string, rec Record) error
	Delete(ctx context.Context, hash string) error
	Close() error
}
