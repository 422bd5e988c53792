package dash

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedWireData is returned when a message cannot be decoded. The
	// peer that sent it should be penalized.
	ErrMalformedWireData = errors.New("malformed wire data")
	// ErrCommitmentMismatch is returned when the masternode list resulting from
	// a diff does not match the merkle root committed in the coinbase.
	ErrCommitmentMismatch = errors.New("masternode list commitment mismatch")
	// ErrMalformedDiff is returned when a diff does not apply to the list it
	// claims to extend.
	ErrMalformedDiff = errors.New("malformed masternode list diff")
	// ErrInvalidCommitment is returned when a final quorum commitment fails
	// verification.
	ErrInvalidCommitment = errors.New("invalid quorum commitment")
	// ErrNotAMember is returned for votes from outside the quorum's valid
	// member set.
	ErrNotAMember = errors.New("not a valid quorum member")
	// ErrConflictingRecoveredSignature is returned when a second, different
	// message is signed for a request id that already has one.
	ErrConflictingRecoveredSignature = errors.New("conflicting recovered signature")
	// ErrChainLockConflict is returned when a chain lock would reorg an older
	// chain lock, or a tip does not descend from the best chain lock.
	ErrChainLockConflict = errors.New("chain lock conflict")
	// ErrInstantLockConflict is returned when two instant locks spend the same
	// input for different transactions.
	ErrInstantLockConflict = errors.New("instant lock conflict")
	// ErrStorageCorruption is returned when persisted state fails its
	// integrity checks.
	ErrStorageCorruption = errors.New("storage corruption")

	ErrQuorumNotFound   = errors.New("quorum not found")
	ErrUnknownLLMQType  = errors.New("unknown llmq type")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Malformed wraps a decoding failure of the named object.
func Malformed(what string, err error) error {
	return fmt.Errorf("decoding %s: %w: %w", what, ErrMalformedWireData, err)
}

// IsPeerFault reports whether err proves the sender of the offending data
// misbehaved, as opposed to a local or transient condition.
func IsPeerFault(err error) bool {
	return errors.Is(err, ErrMalformedWireData) ||
		errors.Is(err, ErrCommitmentMismatch) ||
		errors.Is(err, ErrMalformedDiff) ||
		errors.Is(err, ErrInvalidCommitment) ||
		errors.Is(err, ErrInvalidSignature)
}
