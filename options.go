package llmq

import (
	"github.com/dashpay/go-llmq/blssig"
)

type Option func(*options) error

type options struct {
	headerCheck bool
	verifier    *blssig.Verifier
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{headerCheck: true}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	if opts.verifier == nil {
		opts.verifier = blssig.NewVerifier()
	}
	return opts, nil
}

// WithHeaderCheck toggles checking each masternode list diff's coinbase
// proof against the header index. It is on by default.
func WithHeaderCheck(enabled bool) Option {
	return func(o *options) error {
		o.headerCheck = enabled
		return nil
	}
}

// WithVerifier shares a BLS verifier, and its public key cache, between
// contexts.
func WithVerifier(v *blssig.Verifier) Option {
	return func(o *options) error {
		o.verifier = v
		return nil
	}
}
