package cache

import "errors"

var (
	// ErrUndefinedData is returned when a fetch function succeeds without a
	// value.
	ErrUndefinedData = errors.New("fetch function returned no data")
	// ErrFetchDisabled is returned when fetching an Entry whose fetch
	// function is disabled.
	ErrFetchDisabled = errors.New("fetch function is disabled")
	// ErrMissingFetch is returned when an Entry has no fetch function.
	ErrMissingFetch = errors.New("missing fetch function")
	// ErrMissingWrite is returned when a Task has no write function.
	ErrMissingWrite = errors.New("missing write function")
)
