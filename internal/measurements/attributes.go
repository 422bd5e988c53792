package measurements

import (
	"context"
	"errors"
	"os"

	"github.com/ipfs/go-datastore"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dashpay/go-llmq/dash"
)

const statusKey = attribute.Key("status")

var (
	AttrStatusSuccess  = statusKey.String("success")
	AttrStatusError    = statusKey.String("error-other")
	AttrStatusPanic    = statusKey.String("error-panic")
	AttrStatusCanceled = statusKey.String("error-canceled")
	AttrStatusTimeout  = statusKey.String("error-timeout")
	AttrStatusNotFound = statusKey.String("error-not-found")
	AttrStatusCorrupt  = statusKey.String("error-corrupt")
	// AttrStatusRejected marks data proven bad by its content; the peer that
	// sent it misbehaved.
	AttrStatusRejected = statusKey.String("rejected")
	// AttrStatusConflict marks valid data contradicting what is already
	// known: two signatures for one id, two locks on one input or block height.
	AttrStatusConflict = statusKey.String("conflict")
	AttrStatusIgnored  = statusKey.String("ignored")

	attrLLMQType = attribute.Key("llmq_type")
)

// LLMQType labels a measurement with the quorum type name.
func LLMQType(t dash.LLMQType) attribute.KeyValue {
	return attrLLMQType.String(t.String())
}

func Status(ctx context.Context, err error) attribute.KeyValue {
	switch cErr := ctx.Err(); {
	case err == nil:
		return AttrStatusSuccess
	case errors.Is(err, datastore.ErrNotFound):
		return AttrStatusNotFound
	case dash.IsPeerFault(err):
		return AttrStatusRejected
	case errors.Is(err, dash.ErrConflictingRecoveredSignature),
		errors.Is(err, dash.ErrChainLockConflict),
		errors.Is(err, dash.ErrInstantLockConflict):
		return AttrStatusConflict
	case errors.Is(err, dash.ErrStorageCorruption):
		return AttrStatusCorrupt
	case os.IsTimeout(err),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(cErr, context.DeadlineExceeded):
		return AttrStatusTimeout
	case errors.Is(cErr, context.Canceled):
		return AttrStatusCanceled
	default:
		return AttrStatusError
	}
}
