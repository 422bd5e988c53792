// Package chainlock tracks the best quorum-signed chain lock and enforces
// that the local chain never leaves the locked branch.
package chainlock

import (
	"fmt"

	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
)

// ChainLock attests that BlockHash is final at Height.
type ChainLock struct {
	Height    uint32
	BlockHash dash.Hash
	Signature []byte
}

func (cl *ChainLock) String() string {
	return fmt.Sprintf("clsig{%d %s}", cl.Height, cl.BlockHash)
}

// RequestID is the signing request id the quorum signs the block hash under.
func (cl *ChainLock) RequestID() dash.Hash {
	return dash.ChainLockRequestID(cl.Height)
}

func (cl *ChainLock) Hash() dash.Hash {
	return dash.DoubleHash(cl.Marshal())
}

func (cl *ChainLock) Encode(w *encoding.Writer) {
	w.WriteUint32(cl.Height)
	w.WriteHash(cl.BlockHash)
	if len(cl.Signature) == commitment.SignatureSize {
		w.WriteBytes(cl.Signature)
	} else {
		w.WriteBytes(make([]byte, commitment.SignatureSize))
	}
}

func (cl *ChainLock) Marshal() []byte {
	w := encoding.NewWriter()
	cl.Encode(w)
	return w.Bytes()
}

func DecodeChainLock(r *encoding.Reader) *ChainLock {
	cl := &ChainLock{Height: r.ReadUint32()}
	cl.BlockHash = r.ReadHash()
	cl.Signature = r.ReadBytes(commitment.SignatureSize)
	return cl
}

func UnmarshalChainLock(b []byte) (*ChainLock, error) {
	r := encoding.NewReader(b)
	cl := DecodeChainLock(r)
	if err := r.Finish(); err != nil {
		return nil, dash.Malformed("chain lock", err)
	}
	return cl, nil
}
