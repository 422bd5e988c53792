package mnlist

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
)

const (
	// TxTypeCoinbase is the special transaction type of a coinbase carrying
	// a CbTx payload.
	TxTypeCoinbase uint16 = 5

	specialTxVersion   = 3
	maxScriptSize      = 10_000
	maxPayloadSize     = 1 << 16
	maxCoinbaseInOuts  = 1 << 12
	clSignatureSize    = 96
	cbTxVersionQuorums = 2
	cbTxVersionCL      = 3
)

// CoinbasePayload is the CbTx extra payload committing to the masternode
// list and the active quorums at the block.
type CoinbasePayload struct {
	Version           uint16
	Height            uint32
	MerkleRootMNList  dash.Hash
	MerkleRootQuorums dash.Hash
	// BestCLHeightDiff and BestCLSignature carry the best chain lock known
	// to the block's miner, as a distance below Height.
	BestCLHeightDiff  uint64
	BestCLSignature   []byte
	CreditPoolBalance int64
}

// HasQuorumRoot reports whether MerkleRootQuorums is part of the payload.
func (p *CoinbasePayload) HasQuorumRoot() bool { return p.Version >= cbTxVersionQuorums }

// HasBestChainLock reports whether the payload carries a chain lock.
func (p *CoinbasePayload) HasBestChainLock() bool {
	return p.Version >= cbTxVersionCL && len(p.BestCLSignature) == clSignatureSize && !isZero(p.BestCLSignature)
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func (p *CoinbasePayload) encode(w *encoding.Writer) {
	w.WriteUint16(p.Version)
	w.WriteUint32(p.Height)
	w.WriteHash(p.MerkleRootMNList)
	if p.Version >= cbTxVersionQuorums {
		w.WriteHash(p.MerkleRootQuorums)
	}
	if p.Version >= cbTxVersionCL {
		w.WriteVarInt(p.BestCLHeightDiff)
		sig := p.BestCLSignature
		if len(sig) != clSignatureSize {
			sig = make([]byte, clSignatureSize)
		}
		w.WriteBytes(sig)
		w.WriteInt64(p.CreditPoolBalance)
	}
}

func decodePayload(b []byte) (CoinbasePayload, error) {
	r := encoding.NewReader(b)
	p := CoinbasePayload{
		Version: r.ReadUint16(),
		Height:  r.ReadUint32(),
	}
	p.MerkleRootMNList = r.ReadHash()
	if p.Version >= cbTxVersionQuorums {
		p.MerkleRootQuorums = r.ReadHash()
	}
	if p.Version >= cbTxVersionCL {
		p.BestCLHeightDiff = r.ReadVarInt()
		p.BestCLSignature = r.ReadBytes(clSignatureSize)
		p.CreditPoolBalance = r.ReadInt64()
	}
	if p.Version == 0 {
		r.Fail(fmt.Errorf("cbtx version 0"))
	}
	return p, r.Finish()
}

// CoinbaseTx is the coinbase special transaction of a block.
type CoinbaseTx struct {
	Version  uint16
	Type     uint16
	TxIn     []*wire.TxIn
	TxOut    []*wire.TxOut
	LockTime uint32
	Payload  CoinbasePayload
}

func (tx *CoinbaseTx) Encode(w *encoding.Writer) {
	w.WriteUint16(tx.Version)
	w.WriteUint16(tx.Type)
	w.WriteVarInt(uint64(len(tx.TxIn)))
	for _, in := range tx.TxIn {
		w.WriteOutPoint(in.PreviousOutPoint)
		w.WriteVarBytes(in.SignatureScript)
		w.WriteUint32(in.Sequence)
	}
	w.WriteVarInt(uint64(len(tx.TxOut)))
	for _, out := range tx.TxOut {
		w.WriteInt64(out.Value)
		w.WriteVarBytes(out.PkScript)
	}
	w.WriteUint32(tx.LockTime)
	payload := encoding.NewWriter()
	tx.Payload.encode(payload)
	w.WriteVarBytes(payload.Bytes())
}

func (tx *CoinbaseTx) Marshal() []byte {
	w := encoding.NewWriter()
	tx.Encode(w)
	return w.Bytes()
}

// TxID is the transaction hash, the leaf proven by a diff's merkle proof.
func (tx *CoinbaseTx) TxID() dash.Hash {
	return dash.DoubleHash(tx.Marshal())
}

// DecodeCoinbaseTx reads a coinbase special transaction. Errors are left on r.
func DecodeCoinbaseTx(r *encoding.Reader) *CoinbaseTx {
	tx := &CoinbaseTx{
		Version: r.ReadUint16(),
		Type:    r.ReadUint16(),
	}
	nIn := r.ReadCount(maxCoinbaseInOuts)
	for i := 0; i < nIn && r.Err() == nil; i++ {
		in := &wire.TxIn{PreviousOutPoint: r.ReadOutPoint()}
		in.SignatureScript = r.ReadVarBytes(maxScriptSize, "signature script")
		in.Sequence = r.ReadUint32()
		tx.TxIn = append(tx.TxIn, in)
	}
	nOut := r.ReadCount(maxCoinbaseInOuts)
	for i := 0; i < nOut && r.Err() == nil; i++ {
		out := &wire.TxOut{Value: r.ReadInt64()}
		out.PkScript = r.ReadVarBytes(maxScriptSize, "pk script")
		tx.TxOut = append(tx.TxOut, out)
	}
	tx.LockTime = r.ReadUint32()
	if r.Err() != nil {
		return tx
	}
	if tx.Version < specialTxVersion || tx.Type != TxTypeCoinbase {
		r.Fail(fmt.Errorf("not a coinbase special transaction: version %d type %d", tx.Version, tx.Type))
		return tx
	}
	raw := r.ReadVarBytes(maxPayloadSize, "cbtx payload")
	if r.Err() != nil {
		return tx
	}
	payload, err := decodePayload(raw)
	if err != nil {
		r.Fail(fmt.Errorf("cbtx payload: %w", err))
	}
	tx.Payload = payload
	return tx
}
