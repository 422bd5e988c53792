package merkle

import (
	"errors"
	"fmt"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
)

// maxTransactions bounds the leaf count of a partial tree; no block can hold
// more transactions than this.
const maxTransactions = 2_000_000 / 60

var ErrInvalidPartialTree = errors.New("invalid partial merkle tree")

// PartialTree is a pruned merkle tree proving that a set of leaves belongs to
// a root, in the wire format of Bitcoin's merkleblock message.
type PartialTree struct {
	Transactions uint32
	Hashes       []dash.Hash
	Flags        []bool
}

// NewPartialTree builds the partial tree proving the leaves flagged in match.
func NewPartialTree(leaves []dash.Hash, match []bool) *PartialTree {
	pt := &PartialTree{Transactions: uint32(len(leaves))}
	height := 0
	for pt.width(height) > 1 {
		height++
	}
	pt.build(height, 0, leaves, match)
	return pt
}

func (pt *PartialTree) width(height int) uint32 {
	return (pt.Transactions + (1 << height) - 1) >> height
}

func (pt *PartialTree) hashAt(height int, pos uint32, leaves []dash.Hash) dash.Hash {
	if height == 0 {
		return leaves[pos]
	}
	left := pt.hashAt(height-1, pos*2, leaves)
	right := left
	if pos*2+1 < pt.width(height-1) {
		right = pt.hashAt(height-1, pos*2+1, leaves)
	}
	return internalHash(left, right)
}

func (pt *PartialTree) build(height int, pos uint32, leaves []dash.Hash, match []bool) {
	parentOfMatch := false
	for p := pos << height; p < (pos+1)<<height && p < pt.Transactions; p++ {
		parentOfMatch = parentOfMatch || match[p]
	}
	pt.Flags = append(pt.Flags, parentOfMatch)
	if height == 0 || !parentOfMatch {
		pt.Hashes = append(pt.Hashes, pt.hashAt(height, pos, leaves))
		return
	}
	pt.build(height-1, pos*2, leaves, match)
	if pos*2+1 < pt.width(height-1) {
		pt.build(height-1, pos*2+1, leaves, match)
	}
}

type extraction struct {
	bitsUsed, hashesUsed int
	matches              []dash.Hash
	indexes              []uint32
}

func (pt *PartialTree) extract(height int, pos uint32, ex *extraction) (dash.Hash, error) {
	if ex.bitsUsed >= len(pt.Flags) {
		return dash.ZeroHash, fmt.Errorf("%w: overflowed flag bits", ErrInvalidPartialTree)
	}
	parentOfMatch := pt.Flags[ex.bitsUsed]
	ex.bitsUsed++
	if height == 0 || !parentOfMatch {
		if ex.hashesUsed >= len(pt.Hashes) {
			return dash.ZeroHash, fmt.Errorf("%w: overflowed hashes", ErrInvalidPartialTree)
		}
		h := pt.Hashes[ex.hashesUsed]
		ex.hashesUsed++
		if height == 0 && parentOfMatch {
			ex.matches = append(ex.matches, h)
			ex.indexes = append(ex.indexes, pos)
		}
		return h, nil
	}
	left, err := pt.extract(height-1, pos*2, ex)
	if err != nil {
		return dash.ZeroHash, err
	}
	right := left
	if pos*2+1 < pt.width(height-1) {
		if right, err = pt.extract(height-1, pos*2+1, ex); err != nil {
			return dash.ZeroHash, err
		}
		if right == left {
			// Identical siblings allow forging duplicate transactions.
			return dash.ZeroHash, fmt.Errorf("%w: duplicate sibling hashes", ErrInvalidPartialTree)
		}
	}
	return internalHash(left, right), nil
}

// ExtractMatches recomputes the root and returns it with the matched leaves
// and their positions.
func (pt *PartialTree) ExtractMatches() (dash.Hash, []dash.Hash, []uint32, error) {
	switch {
	case pt.Transactions == 0:
		return dash.ZeroHash, nil, nil, fmt.Errorf("%w: no transactions", ErrInvalidPartialTree)
	case pt.Transactions > maxTransactions:
		return dash.ZeroHash, nil, nil, fmt.Errorf("%w: too many transactions", ErrInvalidPartialTree)
	case len(pt.Hashes) > int(pt.Transactions):
		return dash.ZeroHash, nil, nil, fmt.Errorf("%w: more hashes than transactions", ErrInvalidPartialTree)
	case len(pt.Flags) < len(pt.Hashes):
		return dash.ZeroHash, nil, nil, fmt.Errorf("%w: fewer flag bits than hashes", ErrInvalidPartialTree)
	}
	height := 0
	for pt.width(height) > 1 {
		height++
	}
	var ex extraction
	root, err := pt.extract(height, 0, &ex)
	if err != nil {
		return dash.ZeroHash, nil, nil, err
	}
	if (ex.bitsUsed+7)/8 != (len(pt.Flags)+7)/8 {
		return dash.ZeroHash, nil, nil, fmt.Errorf("%w: unused flag bits", ErrInvalidPartialTree)
	}
	if ex.hashesUsed != len(pt.Hashes) {
		return dash.ZeroHash, nil, nil, fmt.Errorf("%w: unused hashes", ErrInvalidPartialTree)
	}
	return root, ex.matches, ex.indexes, nil
}

func (pt *PartialTree) Encode(w *encoding.Writer) {
	w.WriteUint32(pt.Transactions)
	w.WriteVarInt(uint64(len(pt.Hashes)))
	for _, h := range pt.Hashes {
		w.WriteHash(h)
	}
	w.WriteVarBytes(encoding.PackBits(pt.Flags))
}

func DecodePartialTree(r *encoding.Reader) *PartialTree {
	pt := &PartialTree{Transactions: r.ReadUint32()}
	n := r.ReadCount(maxTransactions)
	pt.Hashes = make([]dash.Hash, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		pt.Hashes = append(pt.Hashes, r.ReadHash())
	}
	flags := r.ReadVarBytes(maxTransactions, "flags")
	pt.Flags = make([]bool, len(flags)*8)
	for i := range pt.Flags {
		pt.Flags[i] = flags[i/8]&(1<<(i%8)) != 0
	}
	return pt
}
