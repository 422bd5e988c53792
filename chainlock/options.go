package chainlock

import (
	"errors"
	"time"
)

type Option func(*options) error

type options struct {
	maxPending    int
	pendingMaxAge time.Duration
	seenGroups    int
	seenPerGroup  int
	path          string
	magic         uint32
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		maxPending:    32,
		pendingMaxAge: 10 * time.Minute,
		seenGroups:    16,
		seenPerGroup:  8,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithMaxPending bounds the chain locks waiting for their block. The oldest
// is dropped on overflow.
func WithMaxPending(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.New("max pending must be at least 1")
		}
		o.maxPending = n
		return nil
	}
}

// WithPendingMaxAge sets how long a chain lock waits for its block.
func WithPendingMaxAge(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("pending max age must be positive")
		}
		o.pendingMaxAge = d
		return nil
	}
}

func WithPersistence(path string, magic uint32) Option {
	return func(o *options) error {
		if path == "" {
			return errors.New("persistence path cannot be empty")
		}
		o.path = path
		o.magic = magic
		return nil
	}
}
