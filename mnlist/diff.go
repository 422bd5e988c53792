package mnlist

import (
	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
	"github.com/dashpay/go-llmq/merkle"
)

const (
	maxListSize = 1 << 17
	maxQuorums  = 1 << 12
	DiffVersion = 1
)

// Diff transforms the masternode list at PrevBlockHash into the list at
// BlockHash.
type Diff struct {
	Version       uint16
	PrevBlockHash dash.Hash
	BlockHash     dash.Hash
	// CoinbaseProof proves Coinbase is the first transaction of BlockHash.
	CoinbaseProof *merkle.PartialTree
	Coinbase      *CoinbaseTx

	Removed []dash.Hash
	// Entries holds new masternodes and the full new state of updated ones.
	// An entry whose proRegTxHash is already in the base list is an update.
	Entries []*Entry

	// The quorum section is optional on the wire; nil slices mean no
	// quorum changes.
	DeletedQuorums []commitment.Ref
	NewQuorums     []*commitment.Commitment
}

// Height is the height of the block the diff leads to.
func (d *Diff) Height() uint32 { return d.Coinbase.Payload.Height }

func (d *Diff) HasQuorumChanges() bool {
	return len(d.DeletedQuorums) != 0 || len(d.NewQuorums) != 0
}

func (d *Diff) Encode(w *encoding.Writer) {
	w.WriteUint16(d.Version)
	w.WriteHash(d.PrevBlockHash)
	w.WriteHash(d.BlockHash)
	d.CoinbaseProof.Encode(w)
	d.Coinbase.Encode(w)
	w.WriteVarInt(uint64(len(d.Removed)))
	for _, h := range d.Removed {
		w.WriteHash(h)
	}
	w.WriteVarInt(uint64(len(d.Entries)))
	for _, e := range d.Entries {
		e.Encode(w)
	}
	if d.DeletedQuorums == nil && d.NewQuorums == nil {
		return
	}
	w.WriteVarInt(uint64(len(d.DeletedQuorums)))
	for _, ref := range d.DeletedQuorums {
		w.WriteUint8(uint8(ref.LLMQType))
		w.WriteHash(ref.QuorumHash)
	}
	w.WriteVarInt(uint64(len(d.NewQuorums)))
	for _, c := range d.NewQuorums {
		c.Encode(w)
	}
}

func (d *Diff) Marshal() []byte {
	w := encoding.NewWriter()
	d.Encode(w)
	return w.Bytes()
}

// UnmarshalDiff decodes a masternode list diff. The result is only known to
// be well formed; ApplyDiff checks it against the base list.
func UnmarshalDiff(b []byte) (*Diff, error) {
	r := encoding.NewReader(b)
	d := &Diff{
		Version:       r.ReadUint16(),
		PrevBlockHash: r.ReadHash(),
		BlockHash:     r.ReadHash(),
	}
	d.CoinbaseProof = merkle.DecodePartialTree(r)
	d.Coinbase = DecodeCoinbaseTx(r)

	n := r.ReadCount(maxListSize)
	for i := 0; i < n && r.Err() == nil; i++ {
		d.Removed = append(d.Removed, r.ReadHash())
	}
	n = r.ReadCount(maxListSize)
	for i := 0; i < n && r.Err() == nil; i++ {
		d.Entries = append(d.Entries, DecodeEntry(r))
	}

	if r.Err() == nil && r.Len() > 0 {
		n = r.ReadCount(maxQuorums)
		d.DeletedQuorums = make([]commitment.Ref, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			ref := commitment.Ref{LLMQType: dash.LLMQType(r.ReadUint8())}
			ref.QuorumHash = r.ReadHash()
			d.DeletedQuorums = append(d.DeletedQuorums, ref)
		}
		n = r.ReadCount(maxQuorums)
		d.NewQuorums = make([]*commitment.Commitment, 0, n)
		for i := 0; i < n && r.Err() == nil; i++ {
			d.NewQuorums = append(d.NewQuorums, commitment.Decode(r))
		}
	}
	if err := r.Finish(); err != nil {
		return nil, dash.Malformed("masternode list diff", err)
	}
	return d, nil
}
