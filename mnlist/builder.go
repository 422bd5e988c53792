package mnlist

import (
	"encoding/binary"
	"math"

	"github.com/btcsuite/btcd/wire"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/merkle"
)

// BuildDiff assembles the diff a full node would serve for a block with a
// single transaction: from base to the list with removed deleted and entries
// added or updated. It commits to the resulting merkle root and is used to
// drive stores in tests and simulations.
func BuildDiff(base *List, blockHash dash.Hash, height uint32, removed []dash.Hash, entries []*Entry) *Diff {
	next := base.derive(blockHash, height)
	for _, h := range removed {
		next.remove(h)
	}
	for _, e := range entries {
		next.put(e)
	}
	heightScript := binary.LittleEndian.AppendUint32(nil, height)
	d := &Diff{
		Version:       DiffVersion,
		PrevBlockHash: base.BlockHash(),
		BlockHash:     blockHash,
		Coinbase: &CoinbaseTx{
			Version: specialTxVersion,
			Type:    TxTypeCoinbase,
			TxIn: []*wire.TxIn{{
				PreviousOutPoint: wire.OutPoint{Index: math.MaxUint32},
				SignatureScript:  heightScript,
				Sequence:         math.MaxUint32,
			}},
			TxOut: []*wire.TxOut{{Value: 0, PkScript: []byte{0x6a}}},
			Payload: CoinbasePayload{
				Version:          cbTxVersionQuorums,
				Height:           height,
				MerkleRootMNList: next.MerkleRoot(),
			},
		},
		Removed: removed,
		Entries: entries,
	}
	d.Seal()
	return d
}

// Seal recomputes the coinbase proof after the coinbase has been modified.
// The proof root, the block's merkle root, is the coinbase txid.
func (d *Diff) Seal() {
	d.CoinbaseProof = merkle.NewPartialTree([]dash.Hash{d.Coinbase.TxID()}, []bool{true})
}
