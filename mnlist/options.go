package mnlist

import (
	"errors"

	"github.com/dashpay/go-llmq/chain"
)

// DefaultHistory is the number of lists kept by default, enough to cover the
// DKG interval of the 24 block LLMQ types.
const DefaultHistory = 24 + 8

type Option func(*options) error

type options struct {
	history int
	headers chain.HeaderIndex
	path    string
	magic   uint32
}

func newOptions(o ...Option) (*options, error) {
	opts := &options{
		history: DefaultHistory,
	}
	for _, apply := range o {
		if err := apply(opts); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// WithHistory sets how many published lists are retained for ListAt.
func WithHistory(k int) Option {
	return func(o *options) error {
		if k < 1 {
			return errors.New("history must be at least 1")
		}
		o.history = k
		return nil
	}
}

// WithHeaderIndex makes the store check each diff's coinbase proof against
// the merkle root of the block header it claims to lead to.
func WithHeaderIndex(headers chain.HeaderIndex) Option {
	return func(o *options) error {
		o.headers = headers
		return nil
	}
}

// WithPersistence enables Save and Load using a flat file at path, tagged
// with the network magic.
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
