package cache

import (
	"fmt"

	"github.com/rs/zerolog"
)

// HookErrorFunc receives failures of user hooks. It runs on its own
// goroutine.
type HookErrorFunc func(hook string, err error)

func logHookError(logger zerolog.Logger) HookErrorFunc {
	return func(hook string, err error) {
		logger.Warn().Err(err).Str("hook", hook).Msg("Hook failed.")
	}
}

// callHook runs fn, turning a panic into an error. Failures are handed to
// report asynchronously and never reach the caller.
func callHook(report HookErrorFunc, hook string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("hook panicked: %v", r)
			}
		}()
		return fn()
	}()
	if err != nil {
		go report(hook, err)
	}
}
