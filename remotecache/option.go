package remotecache

import (
	"fmt"
	"time"

	"github.com/calcgrid/go-libviewcache/syncclient"
)

const defaultIdentifierCacheSize = 4096

type config struct {
	timeout             time.Duration
	identifierCacheSize int
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		timeout:             syncclient.DefaultTimeout,
		identifierCacheSize: defaultIdentifierCacheSize,
	}

	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithTimeout sets how long each request waits for its response. A value of
// zero disables the timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("timeout must not be negative: %s", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

// WithIdentifierCacheSize sets the number of specification to identifier
// mappings that an IdentifierSource keeps locally.
func WithIdentifierCacheSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return fmt.Errorf("identifier cache size must be positive: %d", size)
		}
		c.identifierCacheSize = size
		return nil
	}
}
