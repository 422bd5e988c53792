// Package commitment decodes the final commitments a DKG session mines on
// chain. A commitment binds a quorum (type, quorumHash) to its threshold
// public key and records which selected members took part.
package commitment

import (
	"bytes"
	"fmt"

	"github.com/filecoin-project/go-bitfield"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
)

const (
	PublicKeySize = 48
	SignatureSize = 96

	// maxMembers bounds the bit vectors of a commitment. No LLMQ type has
	// more than 400 members.
	maxMembers = 1024
)

// Commitment versions. The indexed versions carry a quorumIndex and belong to
// rotated quorum types.
const (
	VersionLegacy        uint16 = 1
	VersionLegacyIndexed uint16 = 2
	VersionBasic         uint16 = 3
	VersionBasicIndexed  uint16 = 4
)

// Ref names a quorum by type and hash.
type Ref struct {
	LLMQType   dash.LLMQType
	QuorumHash dash.Hash
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.LLMQType, r.QuorumHash)
}

// Commitment is a final quorum commitment.
type Commitment struct {
	Version     uint16
	LLMQType    dash.LLMQType
	QuorumHash  dash.Hash
	QuorumIndex uint16
	// Signers and ValidMembers are indexed by member position.
	Signers         []bool
	ValidMembers    []bool
	QuorumPublicKey []byte
	QuorumVvecHash  dash.Hash
	QuorumSig       []byte
	MembersSig      []byte
}

func (c *Commitment) Ref() Ref {
	return Ref{LLMQType: c.LLMQType, QuorumHash: c.QuorumHash}
}

// IsIndexed reports whether the commitment belongs to a rotated quorum.
func (c *Commitment) IsIndexed() bool {
	return c.Version == VersionLegacyIndexed || c.Version == VersionBasicIndexed
}

func countBits(bits []bool) int {
	var n int
	for _, b := range bits {
		if b {
			n++
		}
	}
	return n
}

func (c *Commitment) CountSigners() int      { return countBits(c.Signers) }
func (c *Commitment) CountValidMembers() int { return countBits(c.ValidMembers) }

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// IsNull reports whether this is a null commitment: one mined for a DKG
// session that failed, with no signers and no keys.
func (c *Commitment) IsNull() bool {
	return c.CountSigners() == 0 &&
		c.CountValidMembers() == 0 &&
		isZero(c.QuorumPublicKey) &&
		c.QuorumVvecHash == dash.ZeroHash &&
		isZero(c.QuorumSig) &&
		isZero(c.MembersSig)
}

// SigningHash is the message the members and the quorum sign to commit.
func (c *Commitment) SigningHash() dash.Hash {
	return dash.BuildCommitmentHash(c.LLMQType, c.QuorumHash, c.ValidMembers, c.QuorumPublicKey, c.QuorumVvecHash)
}

// Hash is the hash of the full serialization, the leaf of the coinbase
// quorum merkle root.
func (c *Commitment) Hash() dash.Hash {
	return dash.DoubleHash(c.Marshal())
}

// ValidMembersBitField returns the valid member positions as a bitfield.
func (c *Commitment) ValidMembersBitField() bitfield.BitField {
	return toBitField(c.ValidMembers)
}

// SignersBitField returns the signer positions as a bitfield.
func (c *Commitment) SignersBitField() bitfield.BitField {
	return toBitField(c.Signers)
}

func toBitField(bits []bool) bitfield.BitField {
	set := make([]uint64, 0, len(bits))
	for i, b := range bits {
		if b {
			set = append(set, uint64(i))
		}
	}
	return bitfield.NewFromSet(set)
}

// VerifyStructure checks everything that does not need the member list: the
// version, the type, the bit vector sizes and counts and the presence of
// keys. Null commitments pass if their sizes are right.
func (c *Commitment) VerifyStructure() error {
	params, err := c.LLMQType.Params()
	if err != nil {
		return fmt.Errorf("%w: %w", dash.ErrInvalidCommitment, err)
	}
	if c.Version < VersionLegacy || c.Version > VersionBasicIndexed {
		return fmt.Errorf("%w: version %d", dash.ErrInvalidCommitment, c.Version)
	}
	if c.IsIndexed() != params.UseRotation {
		return fmt.Errorf("%w: version %d for %s", dash.ErrInvalidCommitment, c.Version, c.LLMQType)
	}
	if len(c.Signers) != params.Size || len(c.ValidMembers) != params.Size {
		return fmt.Errorf("%w: bit vector sizes %d/%d, expected %d",
			dash.ErrInvalidCommitment, len(c.Signers), len(c.ValidMembers), params.Size)
	}
	if c.IsNull() {
		return nil
	}
	if n := c.CountValidMembers(); n < params.MinSize {
		return fmt.Errorf("%w: %d valid members < %d", dash.ErrInvalidCommitment, n, params.MinSize)
	}
	if n := c.CountSigners(); n < params.MinSize {
		return fmt.Errorf("%w: %d signers < %d", dash.ErrInvalidCommitment, n, params.MinSize)
	}
	if c.QuorumVvecHash == dash.ZeroHash {
		return fmt.Errorf("%w: zero verification vector hash", dash.ErrInvalidCommitment)
	}
	if isZero(c.QuorumPublicKey) {
		return fmt.Errorf("%w: missing quorum public key", dash.ErrInvalidCommitment)
	}
	return nil
}

func (c *Commitment) Encode(w *encoding.Writer) {
	w.WriteUint16(c.Version)
	w.WriteUint8(uint8(c.LLMQType))
	w.WriteHash(c.QuorumHash)
	if c.IsIndexed() {
		w.WriteUint16(c.QuorumIndex)
	}
	w.WriteBits(c.Signers)
	w.WriteBits(c.ValidMembers)
	w.WriteBytes(padded(c.QuorumPublicKey, PublicKeySize))
	w.WriteHash(c.QuorumVvecHash)
	w.WriteBytes(padded(c.QuorumSig, SignatureSize))
	w.WriteBytes(padded(c.MembersSig, SignatureSize))
}

// padded returns b if it has the fixed size n, or n zero bytes otherwise.
func padded(b []byte, n int) []byte {
	if len(b) == n {
		return b
	}
	return make([]byte, n)
}

func (c *Commitment) Marshal() []byte {
	w := encoding.NewWriter()
	c.Encode(w)
	return w.Bytes()
}

// Decode reads a commitment. Errors are left on r.
func Decode(r *encoding.Reader) *Commitment {
	c := &Commitment{
		Version:  r.ReadUint16(),
		LLMQType: dash.LLMQType(r.ReadUint8()),
	}
	c.QuorumHash = r.ReadHash()
	if c.IsIndexed() {
		c.QuorumIndex = r.ReadUint16()
	}
	c.Signers = r.ReadBits(maxMembers)
	c.ValidMembers = r.ReadBits(maxMembers)
	c.QuorumPublicKey = r.ReadBytes(PublicKeySize)
	c.QuorumVvecHash = r.ReadHash()
	c.QuorumSig = r.ReadBytes(SignatureSize)
	c.MembersSig = r.ReadBytes(SignatureSize)
	return c
}

func Unmarshal(b []byte) (*Commitment, error) {
	r := encoding.NewReader(b)
	c := Decode(r)
	if err := r.Finish(); err != nil {
		return nil, dash.Malformed("final commitment", err)
	}
	return c, nil
}

func (c *Commitment) Equal(o *Commitment) bool {
	return bytes.Equal(c.Marshal(), o.Marshal())
}
