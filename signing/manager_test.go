package signing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/clock"
	"github.com/dashpay/go-llmq/internal/llmqtest"
	"github.com/dashpay/go-llmq/recsig"
	"github.com/dashpay/go-llmq/signing"
)

type recorder struct {
	mu   sync.Mutex
	sigs []*recsig.RecoveredSignature
}

func (r *recorder) HandleNewRecoveredSig(_ context.Context, rs *recsig.RecoveredSignature) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, rs)
}

func (r *recorder) received() []*recsig.RecoveredSignature {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*recsig.RecoveredSignature(nil), r.sigs...)
}

type panicker struct{}

func (panicker) HandleNewRecoveredSig(context.Context, *recsig.RecoveredSignature) { panic("boom") }

func newManager(t *testing.T, o ...signing.Option) (*llmqtest.Net, *signing.Manager, *recorder) {
	net := llmqtest.NewNet(t)
	db := recsig.NewDB(ds_sync.MutexWrap(datastore.NewMapDatastore()))
	m, err := signing.NewManager(net.Quorums, db, o...)
	require.NoError(t, err)
	rec := &recorder{}
	m.AddRecoveredSigListener(panicker{})
	m.AddRecoveredSigListener(rec)
	return net, m, rec
}

func vote(t *testing.T, q *llmqtest.Quorum, member int, id, msgHash dash.Hash) *recsig.Vote {
	return &recsig.Vote{
		LLMQType:    q.Commitment.LLMQType,
		QuorumHash:  q.Commitment.QuorumHash,
		MemberIndex: uint16(member),
		ID:          id,
		MsgHash:     msgHash,
		Signature:   q.SignShare(t, member, id, msgHash),
	}
}

func TestManager_RecoversAtThreshold(t *testing.T) {
	ctx := context.Background()
	net, m, rec := newManager(t)
	q := net.NewQuorum()
	id, msg := dash.DoubleHash([]byte("id")), dash.DoubleHash([]byte("msg"))

	require.NoError(t, m.ProcessVote(ctx, vote(t, q, 0, id, msg)))
	require.NoError(t, m.ProcessVote(ctx, vote(t, q, 0, id, msg)), "duplicate share is a no-op")
	require.False(t, m.HasRecoveredSigForID(ctx, dash.LLMQTest, id))
	count, err := m.Votes(dash.LLMQTest, id, msg).Count()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	ch := make(chan *recsig.RecoveredSignature, 1)
	m.Subscribe(ch)
	require.NoError(t, m.ProcessVote(ctx, vote(t, q, 2, id, msg)))
	require.True(t, m.HasRecoveredSigForID(ctx, dash.LLMQTest, id))

	got := rec.received()
	require.Len(t, got, 1, "listeners run after a panicking one")
	require.Equal(t, q.Commitment.QuorumHash, got[0].QuorumHash)
	require.NoError(t, net.Quorums.VerifyRecoveredSig(dash.LLMQTest, q.Commitment.QuorumHash, id, msg, got[0].Signature))
	require.Equal(t, q.Sign(t, id, msg), got[0].Signature)
	require.Equal(t, got[0], <-ch)

	count, err = m.Votes(dash.LLMQTest, id, msg).Count()
	require.NoError(t, err)
	require.Zero(t, count, "the session ends once recovered")

	// Late shares for the same message are ignored, other messages conflict.
	require.NoError(t, m.ProcessVote(ctx, vote(t, q, 1, id, msg)))
	other := dash.DoubleHash([]byte("other"))
	require.ErrorIs(t, m.ProcessVote(ctx, vote(t, q, 1, id, other)), dash.ErrConflictingRecoveredSignature)
	require.Len(t, rec.received(), 1)
}

func TestManager_RejectsVotes(t *testing.T) {
	ctx := context.Background()
	net, m, _ := newManager(t)
	q := net.NewQuorum()
	id, msg := dash.DoubleHash([]byte("id")), dash.DoubleHash([]byte("msg"))

	v := vote(t, q, 0, id, msg)
	v.QuorumHash = dash.DoubleHash([]byte("unknown"))
	require.ErrorIs(t, m.ProcessVote(ctx, v), dash.ErrQuorumNotFound)

	v = vote(t, q, 0, id, msg)
	v.MemberIndex = 3
	require.ErrorIs(t, m.ProcessVote(ctx, v), dash.ErrNotAMember)

	// With the verification vector known, bad shares are caught one by one.
	require.NoError(t, net.Quorums.SetVerificationVector(q.Commitment.Ref(), q.Keys.VerificationVector))
	v = vote(t, q, 0, id, msg)
	v.Signature = q.SignShare(t, 1, id, msg)
	require.ErrorIs(t, m.ProcessVote(ctx, v), dash.ErrInvalidSignature)
	count, err := m.Votes(dash.LLMQTest, id, msg).Count()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestManager_BadShareWithoutVerificationVector(t *testing.T) {
	id, msg := dash.DoubleHash([]byte("id")), dash.DoubleHash([]byte("msg"))
	for _, bad := range []int{0, 1, 2} {
		t.Run(fmt.Sprintf("bad share from member %d", bad), func(t *testing.T) {
			ctx := context.Background()
			net, m, rec := newManager(t)
			q := net.NewQuorum()

			for member := 0; member < 3; member++ {
				v := vote(t, q, member, id, msg)
				if member == bad {
					v.Signature = q.SignShare(t, member, id, dash.DoubleHash([]byte("other")))
				}
				require.NoError(t, m.ProcessVote(ctx, v))
				if member == 1 && bad < 2 {
					require.False(t, m.HasRecoveredSigForID(ctx, dash.LLMQTest, id), "recovery with a bad share fails")
				}
			}
			require.True(t, m.HasRecoveredSigForID(ctx, dash.LLMQTest, id))
			require.Len(t, rec.received(), 1)
			rs, err := m.DB().GetRecoveredSigByID(ctx, dash.LLMQTest, id)
			require.NoError(t, err)
			require.Equal(t, q.Sign(t, id, msg), rs.Signature)
		})
	}
}

func TestManager_ProcessRecoveredSig(t *testing.T) {
	ctx := context.Background()
	net, m, rec := newManager(t)
	q := net.NewQuorum()
	id, msg := dash.DoubleHash([]byte("id")), dash.DoubleHash([]byte("msg"))

	rs := &recsig.RecoveredSignature{LLMQType: dash.LLMQTest, ID: id, MsgHash: msg, Signature: q.Sign(t, id, msg)}
	require.NoError(t, m.ProcessRecoveredSig(ctx, rs))
	require.Equal(t, q.Commitment.QuorumHash, rs.QuorumHash, "the signing quorum is resolved")
	require.Len(t, rec.received(), 1)

	again := &recsig.RecoveredSignature{LLMQType: dash.LLMQTest, ID: id, MsgHash: msg, Signature: q.Sign(t, id, msg)}
	require.NoError(t, m.ProcessRecoveredSig(ctx, again))
	require.Len(t, rec.received(), 1, "known signatures are not announced twice")

	other := dash.DoubleHash([]byte("other"))
	conflict := &recsig.RecoveredSignature{LLMQType: dash.LLMQTest, ID: id, MsgHash: other, Signature: q.Sign(t, id, other)}
	require.ErrorIs(t, m.ProcessRecoveredSig(ctx, conflict), dash.ErrConflictingRecoveredSignature)

	// A signature for an id we voted on differently conflicts too.
	id2 := dash.DoubleHash([]byte("id2"))
	require.NoError(t, m.DB().WriteVoteForID(ctx, dash.LLMQTest, id2, msg))
	conflict = &recsig.RecoveredSignature{LLMQType: dash.LLMQTest, ID: id2, MsgHash: other, Signature: q.Sign(t, id2, other)}
	require.ErrorIs(t, m.ProcessRecoveredSig(ctx, conflict), dash.ErrConflictingRecoveredSignature)

	forged := &recsig.RecoveredSignature{LLMQType: dash.LLMQTest, ID: id2, MsgHash: msg, Signature: q.Sign(t, id2, other)}
	require.ErrorIs(t, m.ProcessRecoveredSig(ctx, forged), dash.ErrInvalidSignature)

	unknown := &recsig.RecoveredSignature{LLMQType: dash.LLMQType(42), ID: id2, MsgHash: msg, Signature: q.Sign(t, id2, msg)}
	require.ErrorIs(t, m.ProcessRecoveredSig(ctx, unknown), dash.ErrUnknownLLMQType)
}

func TestManager_PendingUntilQuorumKnown(t *testing.T) {
	ctx, clk := clock.WithMockClock(context.Background())
	net, m, rec := newManager(t, signing.WithPendingMaxAge(time.Minute))
	q := llmqtest.NewQuorum(t, net.Store.Current(), dash.LLMQTest, net.Masternodes)
	id, msg := dash.DoubleHash([]byte("id")), dash.DoubleHash([]byte("msg"))

	rs := &recsig.RecoveredSignature{
		LLMQType:   dash.LLMQTest,
		QuorumHash: q.Commitment.QuorumHash,
		ID:         id,
		MsgHash:    msg,
		Signature:  q.Sign(t, id, msg),
	}
	require.NoError(t, m.ProcessRecoveredSig(ctx, rs))
	require.Equal(t, 1, m.PendingCount())

	progress, err := m.ProcessPending(ctx)
	require.NoError(t, err)
	require.False(t, progress)
	require.Equal(t, 1, m.PendingCount())

	net.Mine(q.Commitment)
	progress, err = m.ProcessPending(ctx)
	require.NoError(t, err)
	require.True(t, progress)
	require.Zero(t, m.PendingCount())
	require.True(t, m.HasRecoveredSigForID(ctx, dash.LLMQTest, id))
	require.Len(t, rec.received(), 1)

	// Signatures that wait too long are dropped.
	stale := *rs
	stale.QuorumHash = dash.DoubleHash([]byte("never"))
	stale.ID = dash.DoubleHash([]byte("stale"))
	require.NoError(t, m.ProcessRecoveredSig(ctx, &stale))
	clk.Add(2 * time.Minute)
	progress, err = m.ProcessPending(ctx)
	require.NoError(t, err)
	require.True(t, progress)
	require.Zero(t, m.PendingCount())
}

func TestManager_MaxPending(t *testing.T) {
	ctx := context.Background()
	_, m, _ := newManager(t, signing.WithMaxPending(2))
	for i := byte(0); i < 4; i++ {
		require.NoError(t, m.ProcessRecoveredSig(ctx, &recsig.RecoveredSignature{
			LLMQType:   dash.LLMQTest,
			QuorumHash: dash.DoubleHash([]byte{i}),
			ID:         dash.DoubleHash([]byte{'i', i}),
			Signature:  make([]byte, recsig.SignatureSize),
		}))
	}
	require.Equal(t, 2, m.PendingCount())
}

func TestManager_Cleanup(t *testing.T) {
	ctx, clk := clock.WithMockClock(context.Background())
	clk.Add(24 * time.Hour)
	net, m, _ := newManager(t)
	q := net.NewQuorum()

	oldID, newID := dash.DoubleHash([]byte("old")), dash.DoubleHash([]byte("new"))
	msg := dash.DoubleHash([]byte("msg"))
	require.NoError(t, m.ProcessVote(ctx, vote(t, q, 0, oldID, msg)))
	require.NoError(t, m.ProcessVote(ctx, vote(t, q, 1, oldID, msg)))
	require.NoError(t, m.ProcessVote(ctx, vote(t, q, 0, newID, msg)))
	require.True(t, m.HasRecoveredSigForID(ctx, dash.LLMQTest, oldID))

	clk.Add(2 * time.Hour)
	require.NoError(t, m.Cleanup(ctx, time.Hour))
	require.False(t, m.HasRecoveredSigForID(ctx, dash.LLMQTest, oldID))
	count, err := m.Votes(dash.LLMQTest, newID, msg).Count()
	require.NoError(t, err)
	require.Zero(t, count, "stale sessions are dropped")
}

func TestManager_VerifyRecoveredSig(t *testing.T) {
	net, m, _ := newManager(t)
	q := net.NewQuorum()
	net.MineTo(20)
	id, msg := dash.DoubleHash([]byte("id")), dash.DoubleHash([]byte("msg"))

	require.NoError(t, m.VerifyRecoveredSig(dash.LLMQTest, net.Height(), id, msg, q.Sign(t, id, msg)))
	require.ErrorIs(t, m.VerifyRecoveredSig(dash.LLMQTest, net.Height(), id, msg, q.Sign(t, id, id)), dash.ErrInvalidSignature)
	require.ErrorIs(t, m.VerifyRecoveredSig(dash.LLMQTest, 3, id, msg, q.Sign(t, id, msg)), dash.ErrQuorumNotFound)
}
