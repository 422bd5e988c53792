package signing

import (
	"errors"
	"time"
)

type Option func(*options) error

type options struct {
	maxPending    int
	pendingMaxAge time.Duration
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		maxPending:    1000,
		pendingMaxAge: 10 * time.Minute,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithMaxPending bounds the recovered signatures buffered while the quorum
// that signed them is unknown.
func WithMaxPending(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return errors.New("max pending cannot be negative")
		}
		o.maxPending = n
		return nil
	}
}

// WithPendingMaxAge sets how long a buffered recovered signature is retried.
func WithPendingMaxAge(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("pending max age must be positive")
		}
		o.pendingMaxAge = d
		return nil
	}
}
