package mnlist

import (
	"bytes"
	"net/netip"

	"github.com/google/btree"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/merkle"
)

const btreeDegree = 32

func entryLess(a, b *Entry) bool {
	return bytes.Compare(a.ProRegTxHash[:], b.ProRegTxHash[:]) < 0
}

type collateralRef struct {
	outpoint     dash.OutPoint
	proRegTxHash dash.Hash
}

func collateralLess(a, b collateralRef) bool {
	if c := bytes.Compare(a.outpoint.Hash[:], b.outpoint.Hash[:]); c != 0 {
		return c < 0
	}
	return a.outpoint.Index < b.outpoint.Index
}

type serviceRef struct {
	service      netip.AddrPort
	proRegTxHash dash.Hash
}

func serviceLess(a, b serviceRef) bool {
	if c := a.service.Compare(b.service); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.proRegTxHash[:], b.proRegTxHash[:]) < 0
}

// List is an immutable snapshot of the masternode list at a block. Entries
// iterate in ascending proRegTxHash byte order, the order the merkle root
// commits to.
type List struct {
	blockHash dash.Hash
	height    uint32

	entries      *btree.BTreeG[*Entry]
	byCollateral *btree.BTreeG[collateralRef]
	byService    *btree.BTreeG[serviceRef]
}

// NewList returns an empty list, the base of a diff from genesis.
func NewList() *List {
	return &List{
		entries:      btree.NewG(btreeDegree, entryLess),
		byCollateral: btree.NewG(btreeDegree, collateralLess),
		byService:    btree.NewG(btreeDegree, serviceLess),
	}
}

// derive returns a copy-on-write copy of l at another block. Only the code
// building a new list may mutate the result.
func (l *List) derive(blockHash dash.Hash, height uint32) *List {
	return &List{
		blockHash:    blockHash,
		height:       height,
		entries:      l.entries.Clone(),
		byCollateral: l.byCollateral.Clone(),
		byService:    l.byService.Clone(),
	}
}

func (l *List) BlockHash() dash.Hash { return l.blockHash }
func (l *List) Height() uint32       { return l.height }
func (l *List) Len() int             { return l.entries.Len() }

// IsEmpty reports whether this is the empty genesis base list.
func (l *List) IsEmpty() bool {
	return l.blockHash == dash.ZeroHash && l.entries.Len() == 0
}

func (l *List) Get(proRegTxHash dash.Hash) (*Entry, bool) {
	return l.entries.Get(&Entry{ProRegTxHash: proRegTxHash})
}

func (l *List) GetByCollateral(outpoint dash.OutPoint) (*Entry, bool) {
	ref, ok := l.byCollateral.Get(collateralRef{outpoint: outpoint})
	if !ok {
		return nil, false
	}
	return l.Get(ref.proRegTxHash)
}

// GetByService returns the masternode announcing service. If several do, the
// one with the lowest proRegTxHash wins.
func (l *List) GetByService(service netip.AddrPort) (*Entry, bool) {
	var found *Entry
	l.byService.AscendGreaterOrEqual(serviceRef{service: service}, func(ref serviceRef) bool {
		if ref.service == service {
			found, _ = l.Get(ref.proRegTxHash)
		}
		return false
	})
	return found, found != nil
}

// ForEach calls fn for every entry in canonical order until fn returns false.
func (l *List) ForEach(fn func(*Entry) bool) {
	l.entries.Ascend(fn)
}

// ForEachValid is ForEach restricted to entries that are not PoSe banned.
func (l *List) ForEachValid(fn func(*Entry) bool) {
	l.entries.Ascend(func(e *Entry) bool {
		if !e.IsValid {
			return true
		}
		return fn(e)
	})
}

func (l *List) ValidCount() int {
	var n int
	l.ForEachValid(func(*Entry) bool {
		n++
		return true
	})
	return n
}

// Entries returns all entries in canonical order.
func (l *List) Entries() []*Entry {
	out := make([]*Entry, 0, l.entries.Len())
	l.ForEach(func(e *Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// MerkleRoot is the root committed in the coinbase of the list's block.
func (l *List) MerkleRoot() dash.Hash {
	hashes := make([]dash.Hash, 0, l.entries.Len())
	l.ForEach(func(e *Entry) bool {
		hashes = append(hashes, e.Hash())
		return true
	})
	return merkle.Root(hashes)
}

func (l *List) put(e *Entry) {
	if old, ok := l.entries.ReplaceOrInsert(e); ok {
		l.unindex(old)
	}
	l.byCollateral.ReplaceOrInsert(collateralRef{outpoint: e.Collateral, proRegTxHash: e.ProRegTxHash})
	l.byService.ReplaceOrInsert(serviceRef{service: e.Service, proRegTxHash: e.ProRegTxHash})
}

func (l *List) remove(proRegTxHash dash.Hash) bool {
	old, ok := l.entries.Delete(&Entry{ProRegTxHash: proRegTxHash})
	if ok {
		l.unindex(old)
	}
	return ok
}

func (l *List) unindex(e *Entry) {
	l.byCollateral.Delete(collateralRef{outpoint: e.Collateral})
	l.byService.Delete(serviceRef{service: e.Service, proRegTxHash: e.ProRegTxHash})
}
