package cache

import (
	"context"
	"time"

	"github.com/illmade-knight/go-datacache/pkg/keys"
	"github.com/illmade-knight/go-datacache/pkg/retry"
)

// FetchContext describes the fetch an Entry is about to run.
type FetchContext struct {
	Key  keys.Key
	Hash string
	Meta map[string]any
	// State is the Entry's state when the fetch was requested.
	State State
}

// FetchFunc loads the value for an Entry. The context is cancelled when the
// fetch is cancelled. A nil value with a nil error is a contract violation.
type FetchFunc func(ctx context.Context, fc FetchContext) (any, error)

// Persister intercepts an Entry's fetch, typically to serve and store values
// in a durable store. It must honour the FetchFunc contract.
type Persister interface {
	Persist(ctx context.Context, fc FetchContext, fetch FetchFunc) (any, error)
}

// ShareFunc merges a new value into the previous one, returning prev (or
// parts of it) where nothing changed.
type ShareFunc func(prev, next any) any

// RefetchMode controls whether an observed Entry refetches on mount, window
// focus or reconnect.
type RefetchMode int

const (
	// RefetchDefault resolves to RefetchIfStale.
	RefetchDefault RefetchMode = iota
	RefetchIfStale
	RefetchAlways
	RefetchNever
)

// Options configure an Entry. Zero values mean "unset" and fall back to the
// cache defaults when options are merged.
type Options struct {
	Key    keys.Key
	Hash   string
	HashFn keys.HashFunc

	Fetch FetchFunc
	// Disabled marks the fetch function as deliberately switched off.
	// Fetching a disabled Entry fails with ErrFetchDisabled.
	Disabled bool

	Retry       retry.Policy
	RetryDelay  retry.DelayFunc
	NetworkMode retry.NetworkMode

	// GCTime is how long the Entry survives unobserved and idle.
	GCTime time.Duration
	// StaleTime is how long data stays fresh. Infinite keeps it fresh until
	// invalidated and StaleStatic keeps it fresh forever.
	StaleTime time.Duration

	InitialData          any
	InitialDataUpdatedAt time.Time

	StructuralSharing        ShareFunc
	DisableStructuralSharing bool

	// Persister wraps Fetch. An Entry with a Persister and no NetworkMode
	// runs offlineFirst.
	Persister Persister

	RefetchOnWindowFocus RefetchMode
	RefetchOnReconnect   RefetchMode
	RefetchOnMount       RefetchMode

	Meta map[string]any
}

// Merge returns o with every field that is set in over replaced.
func (o Options) Merge(over Options) Options {
	if over.Key != nil {
		o.Key = over.Key
	}
	if over.Hash != "" {
		o.Hash = over.Hash
	}
	if over.HashFn != nil {
		o.HashFn = over.HashFn
	}
	if over.Fetch != nil {
		o.Fetch = over.Fetch
	}
	if over.Disabled {
		o.Disabled = true
	}
	if over.Retry != nil {
		o.Retry = over.Retry
	}
	if over.RetryDelay != nil {
		o.RetryDelay = over.RetryDelay
	}
	if over.NetworkMode != "" {
		o.NetworkMode = over.NetworkMode
	}
	if over.GCTime != 0 {
		o.GCTime = over.GCTime
	}
	if over.StaleTime != 0 {
		o.StaleTime = over.StaleTime
	}
	if over.InitialData != nil {
		o.InitialData = over.InitialData
	}
	if !over.InitialDataUpdatedAt.IsZero() {
		o.InitialDataUpdatedAt = over.InitialDataUpdatedAt
	}
	if over.StructuralSharing != nil {
		o.StructuralSharing = over.StructuralSharing
	}
	if over.DisableStructuralSharing {
		o.DisableStructuralSharing = true
	}
	if over.Persister != nil {
		o.Persister = over.Persister
	}
	if over.RefetchOnWindowFocus != RefetchDefault {
		o.RefetchOnWindowFocus = over.RefetchOnWindowFocus
	}
	if over.RefetchOnReconnect != RefetchDefault {
		o.RefetchOnReconnect = over.RefetchOnReconnect
	}
	if over.RefetchOnMount != RefetchDefault {
		o.RefetchOnMount = over.RefetchOnMount
	}
	if over.Meta != nil {
		o.Meta = over.Meta
	}
	return o
}

// Fingerprint returns the hash identifying the Entry these options describe.
func (o Options) Fingerprint() (string, error) {
	if o.Hash != "" {
		return o.Hash, nil
	}
	if o.HashFn != nil {
		return o.HashFn(o.Key)
	}
	return keys.Hash(o.Key)
}

func (o Options) networkMode() retry.NetworkMode {
	if o.NetworkMode != "" {
		return o.NetworkMode
	}
	if o.Persister != nil {
		return retry.ModeOfflineFirst
	}
	return retry.ModeOnline
}

func (o Options) share(prev, next any) any {
	if o.DisableStructuralSharing || prev == nil {
		return next
	}
	if o.StructuralSharing != nil {
		return o.StructuralSharing(prev, next)
	}
	return ReplaceEqualDeep(prev, next)
}

// FetchOptions tune a single fetch call.
type FetchOptions struct {
	// CancelRefetch cancels an in-flight fetch and starts over, but only
	// when the Entry already holds data. Otherwise the call joins it.
	CancelRefetch bool
	Meta          map[string]any
}

// SetDataOptions tune Entry.SetData.
type SetDataOptions struct {
	UpdatedAt time.Time
	// Manual leaves the fetch status and failure counters alone.
	Manual bool
}
