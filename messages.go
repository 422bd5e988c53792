package llmq

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/chainlock"
	"github.com/dashpay/go-llmq/instantsend"
	"github.com/dashpay/go-llmq/internal/measurements"
	"github.com/dashpay/go-llmq/mnlist"
	"github.com/dashpay/go-llmq/recsig"
)

// Network message commands handled by ProcessMessage.
const (
	CmdMnListDiff     = "mnlistdiff"
	CmdChainLock      = "clsig"
	CmdInstantLock    = "islock"
	CmdDetInstantLock = "isdlock"
	CmdRecoveredSig   = "qsigrec"
	CmdSigShare       = "qsigshare"
	CmdTx             = "tx"
)

var ErrUnknownCommand = errors.New("unknown message command")

// ProcessMessage decodes the payload of a network message and hands it to
// the component that handles the command. Transactions are only recorded
// so that recovered signatures over them can become instant locks. A message
// already processed successfully is ignored.
func (c *Context) ProcessMessage(ctx context.Context, command string, payload []byte) (_err error) {
	if c.seen.Contains([]byte(command), payload) {
		metrics.messages.Add(ctx, 1, metric.WithAttributes(attrCommand.String(command), measurements.AttrStatusIgnored))
		return nil
	}
	defer func() {
		if _err == nil {
			c.seen.Add([]byte(command), payload)
		}
		attrs := metric.WithAttributes(attrCommand.String(command), measurements.Status(ctx, _err))
		metrics.messages.Add(ctx, 1, attrs)
		metrics.messageBytes.Record(ctx, int64(len(payload)), metric.WithAttributes(attrCommand.String(command)))
		if _err != nil {
			log.Debugw("failed to process message", "command", command, "error", _err)
		}
	}()

	switch command {
	case CmdMnListDiff:
		diff, err := mnlist.UnmarshalDiff(payload)
		if err != nil {
			return err
		}
		_, err = c.MasternodeLists.ApplyDiff(ctx, diff)
		return err
	case CmdChainLock:
		cl, err := chainlock.UnmarshalChainLock(payload)
		if err != nil {
			return err
		}
		return c.ChainLocks.ProcessChainLock(ctx, cl)
	case CmdInstantLock, CmdDetInstantLock:
		l, err := instantsend.UnmarshalInstantLock(payload, command == CmdDetInstantLock)
		if err != nil {
			return err
		}
		return c.InstantSend.ProcessInstantLock(ctx, l)
	case CmdRecoveredSig:
		rs, err := recsig.UnmarshalRecoveredSignature(payload)
		if err != nil {
			return err
		}
		return c.Signing.ProcessRecoveredSig(ctx, rs)
	case CmdSigShare:
		v, err := recsig.UnmarshalVote(payload)
		if err != nil {
			return err
		}
		return c.Signing.ProcessVote(ctx, v)
	case CmdTx:
		tx, err := instantsend.UnmarshalTransaction(payload)
		if err != nil {
			return err
		}
		c.InstantSend.AddTransaction(tx)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}
