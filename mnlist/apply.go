package mnlist

import (
	"fmt"

	"github.com/dashpay/go-llmq/dash"
)

// ApplyDiff derives the list that diff leads to from current. It never
// modifies current. The result's merkle root must match the root committed in
// the diff's coinbase, otherwise ErrCommitmentMismatch is returned.
func ApplyDiff(current *List, diff *Diff) (*List, error) {
	if diff.PrevBlockHash != current.BlockHash() {
		return nil, fmt.Errorf("%w: diff base %s does not match list at %s",
			dash.ErrMalformedDiff, diff.PrevBlockHash, current.BlockHash())
	}
	if err := verifyCoinbaseProof(diff); err != nil {
		return nil, err
	}
	height := diff.Height()
	if !current.IsEmpty() && height <= current.Height() {
		return nil, fmt.Errorf("%w: height %d does not extend list at height %d",
			dash.ErrMalformedDiff, height, current.Height())
	}

	next := current.derive(diff.BlockHash, height)
	for _, h := range diff.Removed {
		if !next.remove(h) {
			return nil, fmt.Errorf("%w: removal of unknown masternode %s", dash.ErrMalformedDiff, h)
		}
	}

	seen := make(map[dash.Hash]struct{}, len(diff.Entries))
	for _, e := range diff.Entries {
		if _, dup := seen[e.ProRegTxHash]; dup {
			return nil, fmt.Errorf("%w: masternode %s listed twice", dash.ErrMalformedDiff, e.ProRegTxHash)
		}
		seen[e.ProRegTxHash] = struct{}{}

		if old, ok := next.Get(e.ProRegTxHash); ok && old.Collateral != e.Collateral {
			return nil, fmt.Errorf("%w: update of %s changes its collateral", dash.ErrMalformedDiff, e.ProRegTxHash)
		}
		if owner, ok := next.GetByCollateral(e.Collateral); ok && owner.ProRegTxHash != e.ProRegTxHash {
			return nil, fmt.Errorf("%w: collateral %s of %s already used by %s",
				dash.ErrMalformedDiff, e.Collateral, e.ProRegTxHash, owner.ProRegTxHash)
		}
		next.put(e)
	}

	if root := next.MerkleRoot(); root != diff.Coinbase.Payload.MerkleRootMNList {
		return nil, fmt.Errorf("%w: computed %s, coinbase commits to %s at height %d",
			dash.ErrCommitmentMismatch, root, diff.Coinbase.Payload.MerkleRootMNList, height)
	}
	return next, nil
}

// verifyCoinbaseProof checks that the partial merkle tree proves the coinbase
// as the first transaction. The proven root is compared to the block header
// by the Store when it has a header index.
func verifyCoinbaseProof(diff *Diff) error {
	_, matches, indexes, err := diff.CoinbaseProof.ExtractMatches()
	if err != nil {
		return fmt.Errorf("%w: coinbase proof: %w", dash.ErrMalformedDiff, err)
	}
	if len(matches) != 1 || indexes[0] != 0 || matches[0] != diff.Coinbase.TxID() {
		return fmt.Errorf("%w: coinbase proof does not prove the coinbase", dash.ErrMalformedDiff)
	}
	return nil
}
