package dash

import (
	"github.com/dashpay/go-llmq/internal/encoding"
)

const (
	chainLockRequestPrefix   = "clsig"
	instantSendRequestPrefix = "islock"
)

// SignHeightOffset is how far below the signing height the quorum set used
// for signing is taken from.
const SignHeightOffset = 8

// ChainLockLookahead bounds how far above the local tip a recovered
// signature is matched against chain lock request ids while its block is
// still unknown.
const ChainLockLookahead = 100

// ChainLockHeight returns the height in (tip, tip+ChainLockLookahead] whose
// chain lock request id is id.
func ChainLockHeight(id Hash, tip uint32) (uint32, bool) {
	for h := tip + 1; h <= tip+ChainLockLookahead; h++ {
		if ChainLockRequestID(h) == id {
			return h, true
		}
	}
	return 0, false
}

// ChainLockRequestID derives the signing request id of a chain lock at height.
func ChainLockRequestID(height uint32) Hash {
	w := encoding.NewWriter()
	w.WriteVarString(chainLockRequestPrefix)
	w.WriteUint32(height)
	return DoubleHash(w.Bytes())
}

// InstantSendRequestID derives the signing request id of an instant lock
// over the given inputs, in the order they appear in the transaction.
func InstantSendRequestID(inputs []OutPoint) Hash {
	w := encoding.NewWriter()
	w.WriteVarString(instantSendRequestPrefix)
	w.WriteVarInt(uint64(len(inputs)))
	for _, in := range inputs {
		w.WriteOutPoint(in)
	}
	return DoubleHash(w.Bytes())
}

// BuildSignHash is the message quorum members actually sign for a request.
func BuildSignHash(llmqType LLMQType, quorumHash, id, msgHash Hash) Hash {
	w := encoding.NewWriter()
	w.WriteUint8(uint8(llmqType))
	w.WriteHash(quorumHash)
	w.WriteHash(id)
	w.WriteHash(msgHash)
	return DoubleHash(w.Bytes())
}

// BuildLLMQBlockHash is the selection modifier for quorums of llmqType based
// on blockHash.
func BuildLLMQBlockHash(llmqType LLMQType, blockHash Hash) Hash {
	w := encoding.NewWriter()
	w.WriteUint8(uint8(llmqType))
	w.WriteHash(blockHash)
	return DoubleHash(w.Bytes())
}

// BuildCommitmentHash is the message signed by the members of a new quorum
// and by the quorum itself in its final commitment.
func BuildCommitmentHash(llmqType LLMQType, quorumHash Hash, validMembers []bool, quorumPublicKey []byte, vvecHash Hash) Hash {
	w := encoding.NewWriter()
	w.WriteUint8(uint8(llmqType))
	w.WriteHash(quorumHash)
	w.WriteBits(validMembers)
	w.WriteBytes(quorumPublicKey)
	w.WriteHash(vvecHash)
	return DoubleHash(w.Bytes())
}

// QuorumSelectionHash orders the active quorums when picking one to sign id.
func QuorumSelectionHash(llmqType LLMQType, quorumHash, id Hash) Hash {
	w := encoding.NewWriter()
	w.WriteUint8(uint8(llmqType))
	w.WriteHash(quorumHash)
	w.WriteHash(id)
	return DoubleHash(w.Bytes())
}
