package retry

import "errors"

// CancelOptions controls how a cancelled operation is reported.
type CancelOptions struct {
	// Revert asks the owner to restore the state it had before the operation
	// started.
	Revert bool
	// Silent asks the owner to suppress the error and keep its current state.
	Silent bool
}

// CancelledError is returned by a Retryer that was cancelled.
type CancelledError struct {
	Revert bool
	Silent bool
}

func (e *CancelledError) Error() string {
	return "operation cancelled"
}

// IsCancelled reports whether err is, or wraps, a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}

// AsCancelled extracts the CancelledError from err.
func AsCancelled(err error) (*CancelledError, bool) {
	var ce *CancelledError
	ok := errors.As(err, &ce)
	return ce, ok
}
