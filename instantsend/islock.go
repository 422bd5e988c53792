// Package instantsend records quorum-signed instant locks on transactions
// and detects locks that double spend an input.
package instantsend

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
)

const (
	// VersionLegacy locks are signed by the quorum selected at the tip.
	VersionLegacy uint8 = 0
	// VersionDeterministic locks name the DKG cycle whose rotated quorums
	// signed them.
	VersionDeterministic uint8 = 1
)

const maxInputs = 1 << 16

// InstantLock locks the inputs of transaction TxID to it.
type InstantLock struct {
	Version   uint8
	Inputs    []dash.OutPoint
	TxID      dash.Hash
	CycleHash dash.Hash
	Signature []byte
}

func (l *InstantLock) String() string {
	return fmt.Sprintf("islock{v%d tx=%s inputs=%d}", l.Version, l.TxID, len(l.Inputs))
}

func (l *InstantLock) IsDeterministic() bool { return l.Version != VersionLegacy }

// RequestID is the signing request id the quorum signs the txid under.
func (l *InstantLock) RequestID() dash.Hash {
	return dash.InstantSendRequestID(l.Inputs)
}

// Hash identifies the lock. It covers the wire form of the message the lock
// was received in.
func (l *InstantLock) Hash() dash.Hash {
	return dash.DoubleHash(l.Marshal())
}

// Encode writes an islock message, or an isdlock message for deterministic
// locks.
func (l *InstantLock) Encode(w *encoding.Writer) {
	if l.IsDeterministic() {
		w.WriteUint8(l.Version)
	}
	w.WriteVarInt(uint64(len(l.Inputs)))
	for _, in := range l.Inputs {
		w.WriteOutPoint(in)
	}
	w.WriteHash(l.TxID)
	if l.IsDeterministic() {
		w.WriteHash(l.CycleHash)
	}
	if len(l.Signature) == commitment.SignatureSize {
		w.WriteBytes(l.Signature)
	} else {
		w.WriteBytes(make([]byte, commitment.SignatureSize))
	}
}

func (l *InstantLock) Marshal() []byte {
	w := encoding.NewWriter()
	l.Encode(w)
	return w.Bytes()
}

// DecodeInstantLock reads an isdlock message if deterministic is set and an
// islock message otherwise.
func DecodeInstantLock(r *encoding.Reader, deterministic bool) *InstantLock {
	l := &InstantLock{}
	if deterministic {
		l.Version = r.ReadUint8()
		if r.Err() == nil && l.Version == VersionLegacy {
			r.Fail(errors.New("deterministic lock with legacy version"))
		}
	}
	n := r.ReadCount(maxInputs)
	for i := 0; i < n && r.Err() == nil; i++ {
		l.Inputs = append(l.Inputs, r.ReadOutPoint())
	}
	l.TxID = r.ReadHash()
	if deterministic {
		l.CycleHash = r.ReadHash()
	}
	l.Signature = r.ReadBytes(commitment.SignatureSize)
	return l
}

func UnmarshalInstantLock(b []byte, deterministic bool) (*InstantLock, error) {
	r := encoding.NewReader(b)
	l := DecodeInstantLock(r, deterministic)
	if err := r.Finish(); err != nil {
		return nil, dash.Malformed("instant lock", err)
	}
	return l, nil
}

// PreVerify checks the lock's structure: a non-zero txid and at least one
// input, none of them repeated.
func (l *InstantLock) PreVerify() error {
	if l.TxID == dash.ZeroHash {
		return dash.Malformed("instant lock", errors.New("zero txid"))
	}
	if len(l.Inputs) == 0 {
		return dash.Malformed("instant lock", errors.New("no inputs"))
	}
	seen := make(map[dash.OutPoint]struct{}, len(l.Inputs))
	for _, in := range l.Inputs {
		if _, dup := seen[in]; dup {
			return dash.Malformed("instant lock", fmt.Errorf("duplicate input %s", in))
		}
		seen[in] = struct{}{}
	}
	return nil
}

// Transaction is what the manager needs to know about a transaction to match
// it with recovered signatures and locks.
type Transaction struct {
	TxID   dash.Hash
	Inputs []dash.OutPoint
}

// TransactionFromMsgTx takes the txid and inputs of a classic transaction.
// Special transactions carry an extra payload btcd does not know about and
// must go through UnmarshalTransaction.
func TransactionFromMsgTx(tx *wire.MsgTx) *Transaction {
	t := &Transaction{TxID: tx.TxHash()}
	for _, in := range tx.TxIn {
		t.Inputs = append(t.Inputs, in.PreviousOutPoint)
	}
	return t
}

const (
	specialTxVersion = 3
	maxScriptSize    = 10_000
	maxExtraPayload  = 1 << 20
)

// UnmarshalTransaction decodes a serialized Dash transaction, including the
// extra payload of version 3 special transactions. The txid is the double
// SHA-256 of the whole serialization.
func UnmarshalTransaction(b []byte) (*Transaction, error) {
	r := encoding.NewReader(b)
	version := r.ReadUint16()
	txType := r.ReadUint16()
	t := &Transaction{}
	nIn := r.ReadCount(maxInputs)
	for i := 0; i < nIn && r.Err() == nil; i++ {
		t.Inputs = append(t.Inputs, r.ReadOutPoint())
		r.ReadVarBytes(maxScriptSize, "signature script")
		r.ReadUint32()
	}
	nOut := r.ReadCount(maxInputs)
	for i := 0; i < nOut && r.Err() == nil; i++ {
		r.ReadInt64()
		r.ReadVarBytes(maxScriptSize, "pk script")
	}
	r.ReadUint32()
	if version >= specialTxVersion && txType != 0 {
		r.ReadVarBytes(maxExtraPayload, "extra payload")
	}
	if err := r.Finish(); err != nil {
		return nil, dash.Malformed("transaction", err)
	}
	t.TxID = dash.DoubleHash(b)
	return t, nil
}
