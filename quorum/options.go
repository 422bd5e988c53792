package quorum

import (
	"errors"
	"fmt"

	"github.com/dashpay/go-llmq/blssig"
	"github.com/dashpay/go-llmq/dash"
)

type Option func(*options) error

type options struct {
	// windows holds the number of quorums retained per enabled type.
	windows          map[dash.LLMQType]int
	verifier         *blssig.Verifier
	memberCacheSize  int
	maxPending       int
	verifyQuorumRoot bool
	path             string
	magic            uint32
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		windows:          make(map[dash.LLMQType]int),
		memberCacheSize:  256,
		maxPending:       128,
		verifyQuorumRoot: true,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	if len(opts.windows) == 0 {
		return nil, errors.New("at least one llmq type must be enabled")
	}
	if opts.verifier == nil {
		opts.verifier = blssig.NewVerifier()
	}
	return opts, nil
}

// WithLLMQType enables building and retaining quorums of t. A window of 0
// keeps the type's KeepOldConnections most recent quorums.
func WithLLMQType(t dash.LLMQType, window int) Option {
	return func(o *options) error {
		params, err := t.Params()
		if err != nil {
			return err
		}
		if window == 0 {
			window = params.KeepOldConnections
		}
		if window < params.SigningActiveQuorumCount {
			return fmt.Errorf("window %d of %s is below its %d signing quorums",
				window, params.Name, params.SigningActiveQuorumCount)
		}
		o.windows[t] = window
		return nil
	}
}

func WithVerifier(v *blssig.Verifier) Option {
	return func(o *options) error {
		o.verifier = v
		return nil
	}
}

func WithMemberCacheSize(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return errors.New("member cache size must be at least 1")
		}
		o.memberCacheSize = n
		return nil
	}
}

// WithMaxPending bounds the commitments kept while their members cannot be
// computed.
func WithMaxPending(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return errors.New("max pending cannot be negative")
		}
		o.maxPending = n
		return nil
	}
}

// WithQuorumRootCheck toggles checking the coinbase quorum merkle root.
func WithQuorumRootCheck(enabled bool) Option {
	return func(o *options) error {
		o.verifyQuorumRoot = enabled
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
