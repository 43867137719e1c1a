package viewcache

import (
	"fmt"
)

// ReleaseHookFunc is called after ReleaseCaches has released one or more
// caches, with the number released.
type ReleaseHookFunc func(view string, timestamp int64, released int)

type config struct {
	releaseHook ReleaseHookFunc
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	var cfg config
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithReleaseHook sets a function to call after caches are released. The
// hook is called without holding any lock of the Source, and may call back
// into it.
func WithReleaseHook(hook ReleaseHookFunc) Option {
	return func(cfg *config) error {
		cfg.releaseHook = hook
		return nil
	}
}
