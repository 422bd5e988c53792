package mnlist

import (
	"fmt"
	"net/netip"

	"github.com/dashpay/go-llmq/blssig"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
)

// Type distinguishes regular masternodes from high performance (evo) nodes
// that also serve the platform.
type Type uint16

const (
	TypeRegular Type = 0
	TypeEvo     Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeRegular:
		return "regular"
	case TypeEvo:
		return "evo"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// Entry is a registered masternode as seen by a simplified masternode list.
//
// Entries are shared between list snapshots and must never be modified once
// they have been handed to a List.
type Entry struct {
	// ProRegTxHash is the identity of the masternode, the hash of its
	// registration transaction.
	ProRegTxHash  dash.Hash
	ConfirmedHash dash.Hash
	Collateral    dash.OutPoint
	Service       netip.AddrPort

	OperatorPublicKey []byte
	OwnerKeyID        blssig.KeyID
	VotingKeyID       blssig.KeyID
	IsValid           bool
	Type              Type

	PlatformHTTPPort uint16
	PlatformNodeID   blssig.KeyID
}

func (e *Entry) String() string {
	return fmt.Sprintf("MN{%s %s valid=%t}", e.ProRegTxHash, e.Service, e.IsValid)
}

// OperatorKey returns the BLS operator key used for quorum signing.
func (e *Entry) OperatorKey() blssig.KeyMaterial {
	return blssig.NewBLSKey(e.OperatorPublicKey)
}

// VerifyVotingSignature checks a compact secp256k1 signature over hash made
// with the masternode's voting key.
func (e *Entry) VerifyVotingSignature(hash dash.Hash, sig []byte) error {
	return blssig.VerifyByKeyID(e.VotingKeyID, hash[:], sig)
}

// IsPlatformNode reports whether key is this evo node's platform node key.
func (e *Entry) IsPlatformNode(key blssig.KeyMaterial) bool {
	return e.Type == TypeEvo && key.Scheme() == blssig.SchemeEd25519 && key.ID() == e.PlatformNodeID
}

// Confirmed reports whether the registration has been confirmed on chain.
// Unconfirmed masternodes are never selected for quorums.
func (e *Entry) Confirmed() bool {
	return e.ConfirmedHash != dash.ZeroHash
}

// ConfirmedHashWithProRegTxHash is the per-entry input to quorum member
// scores.
func (e *Entry) ConfirmedHashWithProRegTxHash() dash.Hash {
	return dash.DoubleHash(e.ProRegTxHash[:], e.ConfirmedHash[:])
}

// Hash is the leaf of the masternode list merkle root.
func (e *Entry) Hash() dash.Hash {
	return dash.DoubleHash(e.Marshal())
}

func (e *Entry) Encode(w *encoding.Writer) {
	w.WriteHash(e.ProRegTxHash)
	w.WriteHash(e.ConfirmedHash)
	w.WriteOutPoint(e.Collateral)
	addr := e.Service.Addr().As16()
	w.WriteBytes(addr[:])
	w.WriteUint16BE(e.Service.Port())
	operator := e.OperatorPublicKey
	if len(operator) != blssig.PublicKeySize {
		operator = make([]byte, blssig.PublicKeySize)
	}
	w.WriteBytes(operator)
	w.WriteBytes(e.OwnerKeyID[:])
	w.WriteBytes(e.VotingKeyID[:])
	w.WriteBool(e.IsValid)
	w.WriteUint16(uint16(e.Type))
	if e.Type == TypeEvo {
		w.WriteUint16(e.PlatformHTTPPort)
		w.WriteBytes(e.PlatformNodeID[:])
	}
}

func (e *Entry) Marshal() []byte {
	w := encoding.NewWriter()
	e.Encode(w)
	return w.Bytes()
}

// DecodeEntry reads an entry. Errors are left on r.
func DecodeEntry(r *encoding.Reader) *Entry {
	e := &Entry{
		ProRegTxHash:  r.ReadHash(),
		ConfirmedHash: r.ReadHash(),
		Collateral:    r.ReadOutPoint(),
	}
	var addr [16]byte
	r.ReadInto(addr[:])
	port := r.ReadUint16BE()
	e.Service = netip.AddrPortFrom(netip.AddrFrom16(addr).Unmap(), port)
	e.OperatorPublicKey = r.ReadBytes(blssig.PublicKeySize)
	r.ReadInto(e.OwnerKeyID[:])
	r.ReadInto(e.VotingKeyID[:])
	e.IsValid = r.ReadBool()
	e.Type = Type(r.ReadUint16())
	switch e.Type {
	case TypeRegular:
	case TypeEvo:
		e.PlatformHTTPPort = r.ReadUint16()
		r.ReadInto(e.PlatformNodeID[:])
	default:
		r.Fail(fmt.Errorf("unknown masternode type %s", e.Type))
	}
	return e
}

func UnmarshalEntry(b []byte) (*Entry, error) {
	r := encoding.NewReader(b)
	e := DecodeEntry(r)
	if err := r.Finish(); err != nil {
		return nil, dash.Malformed("masternode entry", err)
	}
	return e, nil
}
