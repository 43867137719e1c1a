package syncclient

import (
	"fmt"
	"time"
)

// DefaultTimeout is how long SendRequest waits for a response when no
// timeout option is given.
const DefaultTimeout = 10 * time.Second

type config struct {
	timeout time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		timeout: DefaultTimeout,
	}

	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithTimeout sets how long SendRequest waits for a response. A value of zero
// disables the timeout, leaving only the caller's context to end the wait.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("timeout must not be negative: %s", timeout)
		}
		c.timeout = timeout
		return nil
	}
}
