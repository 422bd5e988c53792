// Package chain describes the proof-of-work header chain that the LLMQ core
// consults but does not validate.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dashpay/go-llmq/dash"
)

var ErrUnknownBlock = errors.New("unknown block")

type Header struct {
	Hash       dash.Hash
	PrevHash   dash.Hash
	MerkleRoot dash.Hash
	Height     uint32
	Time       time.Time
}

func (h *Header) String() string {
	return fmt.Sprintf("%d@%s", h.Height, h.Hash)
}

// HeaderIndex is the view of the local header chain. Implementations must be
// safe for concurrent use.
type HeaderIndex interface {
	// GetHeader returns the header with the given hash on any branch, or
	// ErrUnknownBlock.
	GetHeader(ctx context.Context, hash dash.Hash) (*Header, error)
	// GetHeaderByHeight returns the header at height on the best chain.
	GetHeaderByHeight(ctx context.Context, height uint32) (*Header, error)
	// GetTip returns the tip of the best chain.
	GetTip(ctx context.Context) (*Header, error)
}

// Ancestor walks back from hash to the block at height. It returns
// ErrUnknownBlock if any block on the way is unknown and an error if height
// is above the starting block.
func Ancestor(ctx context.Context, idx HeaderIndex, hash dash.Hash, height uint32) (*Header, error) {
	h, err := idx.GetHeader(ctx, hash)
	if err != nil {
		return nil, err
	}
	if h.Height < height {
		return nil, fmt.Errorf("block %s is below requested ancestor height %d", h, height)
	}
	if best, err := idx.GetHeaderByHeight(ctx, h.Height); err == nil && best.Hash == h.Hash {
		// On the best chain, ancestors can be looked up directly.
		return idx.GetHeaderByHeight(ctx, height)
	}
	for h.Height > height {
		if h, err = idx.GetHeader(ctx, h.PrevHash); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// IsDescendant reports whether block descends from (or is) ancestor.
func IsDescendant(ctx context.Context, idx HeaderIndex, block, ancestor *Header) (bool, error) {
	if block.Height < ancestor.Height {
		return false, nil
	}
	a, err := Ancestor(ctx, idx, block.Hash, ancestor.Height)
	if err != nil {
		return false, err
	}
	return a.Hash == ancestor.Hash, nil
}
