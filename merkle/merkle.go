// Package merkle implements Bitcoin style SHA256d merkle trees: the plain root
// over a list of leaves, as committed for the masternode list in the
// coinbase, and partial merkle trees proving a subset of a block's
// transactions.
package merkle

import (
	"github.com/dashpay/go-llmq/dash"
)

// Root returns the merkle root of leaves. Odd levels pair their last node
// with itself. The root of an empty list is the zero hash.
func Root(leaves []dash.Hash) dash.Hash {
	if len(leaves) == 0 {
		return dash.ZeroHash
	}
	level := make([]dash.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, internalHash(level[i], right))
		}
		level = next
	}
	return level[0]
}

func internalHash(left, right dash.Hash) dash.Hash {
	return dash.DoubleHash(left[:], right[:])
}
