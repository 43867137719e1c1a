package cacheserver

import (
	"fmt"
)

const defaultMaxConcurrentRequests = 64

type config struct {
	maxConcurrent int
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		maxConcurrent: defaultMaxConcurrentRequests,
	}

	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithMaxConcurrentRequests sets the number of requests from one connection
// that are handled at the same time. Reading from a connection pauses while
// the limit is reached.
func WithMaxConcurrentRequests(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("max concurrent requests must be positive: %d", n)
		}
		c.maxConcurrent = n
		return nil
	}
}
