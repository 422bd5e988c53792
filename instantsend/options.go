package instantsend

import (
	"errors"
	"time"

	"github.com/dashpay/go-llmq/dash"
)

type Option func(*options) error

type options struct {
	deterministicType dash.LLMQType
	maxPending        int
	pendingMaxAge     time.Duration
	seenCacheSize     int
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		deterministicType: dash.LLMQNone,
		maxPending:        256,
		pendingMaxAge:     10 * time.Minute,
		seenCacheSize:     1024,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithDeterministicLLMQType enables deterministic locks signed by quorums of
// the rotated type t.
func WithDeterministicLLMQType(t dash.LLMQType) Option {
	return func(o *options) error {
		if !t.Known() {
			return dash.ErrUnknownLLMQType
		}
		o.deterministicType = t
		return nil
	}
}

// WithMaxPending bounds the locks waiting for their quorum or cycle block,
// and separately the recovered signatures waiting for their transaction.
func WithMaxPending(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.New("max pending must be at least 1")
		}
		o.maxPending = n
		return nil
	}
}

func WithPendingMaxAge(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.New("pending max age must be positive")
		}
		o.pendingMaxAge = d
		return nil
	}
}
