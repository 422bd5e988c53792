package quorum

import (
	"fmt"

	"github.com/dashpay/go-llmq/blssig"
	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/mnlist"
)

// VerifyCommitment checks a non-null final commitment against the members it
// was made by: the structure, that no bit is set past the member count, the
// members' aggregate signature and the quorum's own signature.
func VerifyCommitment(v *blssig.Verifier, c *commitment.Commitment, members []*mnlist.Entry) error {
	if err := c.VerifyStructure(); err != nil {
		return err
	}
	if c.IsNull() {
		return fmt.Errorf("%w: null commitment", dash.ErrInvalidCommitment)
	}
	for i := len(members); i < len(c.ValidMembers); i++ {
		if c.ValidMembers[i] || c.Signers[i] {
			return fmt.Errorf("%w: bit %d set with only %d members", dash.ErrInvalidCommitment, i, len(members))
		}
	}

	hash := c.SigningHash()
	pubs := make([][]byte, 0, len(members))
	for i, m := range members {
		if c.Signers[i] {
			pubs = append(pubs, m.OperatorPublicKey)
		}
	}
	if err := v.VerifySecureAggregate(pubs, hash[:], c.MembersSig); err != nil {
		return fmt.Errorf("%w: members signature: %w", dash.ErrInvalidCommitment, err)
	}
	if err := v.Verify(c.QuorumPublicKey, hash[:], c.QuorumSig); err != nil {
		return fmt.Errorf("%w: quorum signature: %w", dash.ErrInvalidCommitment, err)
	}
	return nil
}
