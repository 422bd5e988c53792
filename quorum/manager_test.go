package quorum_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/llmqtest"
	"github.com/dashpay/go-llmq/mnlist"
	"github.com/dashpay/go-llmq/quorum"
)

type testNet struct {
	t      *testing.T
	store  *mnlist.Store
	mgr    *quorum.Manager
	mns    []*llmqtest.Masternode
	active []*commitment.Commitment
}

func newTestNet(t *testing.T, history int, o ...quorum.Option) *testNet {
	store, err := mnlist.NewStore(mnlist.WithHistory(history))
	require.NoError(t, err)
	if len(o) == 0 {
		o = []quorum.Option{quorum.WithLLMQType(dash.LLMQTest, 3)}
	}
	mgr, err := quorum.NewManager(store, o...)
	require.NoError(t, err)
	store.AddProcessor(mgr)

	n := &testNet{t: t, store: store, mgr: mgr, mns: llmqtest.NewMasternodes(t, 5)}
	diff := mnlist.BuildDiff(mnlist.NewList(), llmqtest.BlockHash(0), 0, nil, llmqtest.Entries(n.mns))
	_, err = store.ApplyDiff(context.Background(), diff)
	require.NoError(t, err)
	return n
}

// next builds the diff for the block after the tip, mining the given
// commitments.
func (n *testNet) next(added ...*commitment.Commitment) (*mnlist.Diff, []*commitment.Commitment) {
	cur := n.store.Current()
	height := cur.Height() + 1
	diff := mnlist.BuildDiff(cur, llmqtest.BlockHash(height), height, nil, nil)
	active := llmqtest.MineQuorums(diff, n.active, nil, added...)
	return diff, active
}

func (n *testNet) mine(added ...*commitment.Commitment) {
	diff, active := n.next(added...)
	_, err := n.store.ApplyDiff(context.Background(), diff)
	require.NoError(n.t, err)
	n.active = active
}

// quorumAtTip creates a quorum based at the current tip and mines it in the
// next block.
func (n *testNet) quorumAtTip() *llmqtest.Quorum {
	q := llmqtest.NewQuorum(n.t, n.store.Current(), dash.LLMQTest, n.mns)
	n.mine(q.Commitment)
	return q
}

func TestManager_Window(t *testing.T) {
	n := newTestNet(t, 8)
	var qs []*llmqtest.Quorum
	for i := 0; i < 4; i++ {
		qs = append(qs, n.quorumAtTip())
	}

	_, ok := n.mgr.GetQuorum(dash.LLMQTest, qs[0].Commitment.QuorumHash)
	require.False(t, ok, "oldest quorum left the window")
	for _, lq := range qs[1:] {
		q, ok := n.mgr.GetQuorum(dash.LLMQTest, lq.Commitment.QuorumHash)
		require.True(t, ok)
		require.Equal(t, q.Height+1, q.MinedHeight)
	}

	scanned := n.mgr.ScanQuorums(dash.LLMQTest, 10)
	require.Len(t, scanned, 3)
	require.Equal(t, qs[3].Commitment.QuorumHash, scanned[0].Hash())
	require.Equal(t, qs[1].Commitment.QuorumHash, scanned[2].Hash())
	require.Len(t, n.mgr.ScanQuorums(dash.LLMQTest, 2), 2)

	scanned = n.mgr.ScanQuorumsAt(dash.LLMQTest, 3, 10)
	require.Len(t, scanned, 2)
	require.Equal(t, qs[2].Commitment.QuorumHash, scanned[0].Hash())

	// Every mined commitment stays active on chain even when out of the window.
	require.Len(t, n.mgr.ActiveCommitments(dash.LLMQTest), 4)
	require.Empty(t, n.mgr.ScanQuorums(dash.LLMQDevnet, 10))
}

func TestManager_DeletedQuorum(t *testing.T) {
	n := newTestNet(t, 8)
	q := n.quorumAtTip()

	cur := n.store.Current()
	diff := mnlist.BuildDiff(cur, llmqtest.BlockHash(cur.Height()+1), cur.Height()+1, nil, nil)
	n.active = llmqtest.MineQuorums(diff, n.active, []commitment.Ref{q.Commitment.Ref()})
	_, err := n.store.ApplyDiff(context.Background(), diff)
	require.NoError(t, err)
	require.Empty(t, n.mgr.ActiveCommitments(dash.LLMQTest))
	// The quorum may still verify signatures until it leaves the window.
	_, ok := n.mgr.GetQuorum(dash.LLMQTest, q.Commitment.QuorumHash)
	require.True(t, ok)
}

func TestManager_RejectsBadDiffs(t *testing.T) {
	n := newTestNet(t, 8)
	tip := n.store.Current()

	t.Run("quorum root", func(t *testing.T) {
		q := llmqtest.NewQuorum(t, tip, dash.LLMQTest, n.mns)
		diff, _ := n.next(q.Commitment)
		diff.Coinbase.Payload.MerkleRootQuorums = dash.DoubleHash([]byte("wrong"))
		diff.Seal()
		_, err := n.store.ApplyDiff(context.Background(), diff)
		require.ErrorIs(t, err, dash.ErrCommitmentMismatch)
	})
	t.Run("bad signature", func(t *testing.T) {
		q := llmqtest.NewQuorum(t, tip, dash.LLMQTest, n.mns)
		other := llmqtest.NewQuorum(t, tip, dash.LLMQTest, n.mns)
		c := *q.Commitment
		c.QuorumSig = other.Commitment.QuorumSig
		diff, _ := n.next(&c)
		_, err := n.store.ApplyDiff(context.Background(), diff)
		require.ErrorIs(t, err, dash.ErrInvalidCommitment)
		require.True(t, dash.IsPeerFault(err))
	})
	t.Run("malformed structure", func(t *testing.T) {
		q := llmqtest.NewQuorum(t, tip, dash.LLMQTest, n.mns)
		c := *q.Commitment
		c.Version = commitment.VersionBasicIndexed
		diff, _ := n.next(&c)
		_, err := n.store.ApplyDiff(context.Background(), diff)
		require.ErrorIs(t, err, dash.ErrInvalidCommitment)
	})

	require.Equal(t, tip, n.store.Current())
	require.Empty(t, n.mgr.ActiveCommitments(dash.LLMQTest))
	require.Empty(t, n.mgr.ScanQuorums(dash.LLMQTest, 10))

	// The valid version still goes through afterwards.
	n.quorumAtTip()
	require.Len(t, n.mgr.ScanQuorums(dash.LLMQTest, 10), 1)
}

func TestManager_PendingUntilListArrives(t *testing.T) {
	n := newTestNet(t, 1)
	base := n.store.Current()
	q := llmqtest.NewQuorum(t, base, dash.LLMQTest, n.mns)
	n.mine()
	n.mine()
	n.mine(q.Commitment)

	_, ok := n.mgr.GetQuorum(dash.LLMQTest, q.Commitment.QuorumHash)
	require.False(t, ok)
	require.Equal(t, []commitment.Ref{q.Commitment.Ref()}, n.mgr.Pending())

	built, err := n.mgr.ActivateWithList(context.Background(), n.store.Current())
	require.NoError(t, err)
	require.Zero(t, built)

	built, err = n.mgr.ActivateWithList(context.Background(), base)
	require.NoError(t, err)
	require.Equal(t, 1, built)
	got, ok := n.mgr.GetQuorum(dash.LLMQTest, q.Commitment.QuorumHash)
	require.True(t, ok)
	require.Equal(t, uint32(3), got.MinedHeight)
	require.Empty(t, n.mgr.Pending())
}

func TestManager_SelectQuorumForSigning(t *testing.T) {
	n := newTestNet(t, 8)
	first := n.quorumAtTip()
	second := n.quorumAtTip()
	id := dash.DoubleHash([]byte("request"))

	_, err := n.mgr.SelectQuorumForSigning(dash.LLMQTest, dash.SignHeightOffset, id)
	require.ErrorIs(t, err, dash.ErrQuorumNotFound)

	q, err := n.mgr.SelectQuorumForSigning(dash.LLMQTest, 1+dash.SignHeightOffset, id)
	require.NoError(t, err)
	require.Equal(t, first.Commitment.QuorumHash, q.Hash())

	want := first.Commitment.QuorumHash
	if dash.HashLess(
		dash.QuorumSelectionHash(dash.LLMQTest, second.Commitment.QuorumHash, id),
		dash.QuorumSelectionHash(dash.LLMQTest, first.Commitment.QuorumHash, id)) {
		want = second.Commitment.QuorumHash
	}
	q, err = n.mgr.SelectQuorumForSigning(dash.LLMQTest, 100, id)
	require.NoError(t, err)
	require.Equal(t, want, q.Hash())

	msg := dash.DoubleHash([]byte("message"))
	lq := first
	if want == second.Commitment.QuorumHash {
		lq = second
	}
	sig := lq.Sign(t, id, msg)
	require.NoError(t, n.mgr.VerifyRecoveredSig(dash.LLMQTest, want, id, msg, sig))
	require.ErrorIs(t, n.mgr.VerifyRecoveredSig(dash.LLMQTest, want, id, id, sig), dash.ErrInvalidSignature)
	require.ErrorIs(t, n.mgr.VerifyRecoveredSig(dash.LLMQTest, id, id, msg, sig), dash.ErrQuorumNotFound)

	require.NoError(t, n.mgr.SetVerificationVector(lq.Commitment.Ref(), lq.Keys.VerificationVector))
	require.True(t, q.HasVerificationVector())
}

func TestManager_RotatedQuorums(t *testing.T) {
	const typ = dash.LLMQTestDIP0024
	n := newTestNet(t, 8, quorum.WithLLMQType(typ, 0))
	base := n.store.Current()
	params, err := typ.Params()
	require.NoError(t, err)

	// Four cycles over the same list; each keeps two positions so that
	// every quarter draws a different masternode.
	mns := append(n.mns, llmqtest.NewMasternodes(t, 8)[5:]...)
	diff := mnlist.BuildDiff(base, llmqtest.BlockHash(1), 1, nil, llmqtest.Entries(mns[5:]))
	n.active = llmqtest.MineQuorums(diff, n.active, nil)
	list, err := n.store.ApplyDiff(context.Background(), diff)
	require.NoError(t, err)
	require.Equal(t, 8, list.Len())

	var cycles []quorum.SnapshotCycle
	for k := int32(0); k < 4; k++ {
		cycles = append(cycles, quorum.SnapshotCycle{List: list, Snapshot: &quorum.Snapshot{
			ActiveQuorumMembers: make([]bool, 8),
			SkipListMode:        quorum.ModeKeepEntries,
			SkipList:            []int32{2 * k, 1},
		}})
	}
	order := quorum.SelectMembers(list, typ, list.BlockHash(), 100)
	var lqs []*llmqtest.Quorum
	for index := uint16(0); index < 2; index++ {
		members := []*mnlist.Entry{order[index], order[2+index], order[4+index], order[6+index]}
		require.Len(t, members, params.Size)
		lqs = append(lqs, llmqtest.NewQuorumWithMembers(t, typ, llmqtest.BlockHash(1+uint32(index)), index, members, mns))
	}
	n.mine(lqs[0].Commitment, lqs[1].Commitment)
	require.Len(t, n.mgr.Pending(), 2)

	for _, lq := range lqs {
		q, err := n.mgr.BuildQuorumFromSnapshot(context.Background(), lq.Commitment.Ref(), cycles)
		require.NoError(t, err)
		require.Equal(t, lq.Members, q.Members)
	}
	require.Empty(t, n.mgr.Pending())

	// The top bits of the id pick the quorum index.
	for index, top := range []byte{0x80, 0x40} {
		var id dash.Hash
		id[31] = top
		require.Equal(t, uint64(index), binary.LittleEndian.Uint64(id[24:])>>62&1)
		q, err := n.mgr.SelectQuorumForSigning(typ, 2+dash.SignHeightOffset, id)
		require.NoError(t, err)
		require.Equal(t, uint16(index), q.Index())
	}

	// A snapshot producing other members fails verification.
	bad := slices.Clone(cycles)
	bad[0].Snapshot = &quorum.Snapshot{
		ActiveQuorumMembers: make([]bool, 8),
		SkipListMode:        quorum.ModeKeepEntries,
		SkipList:            []int32{1, 1},
	}
	_, err = n.mgr.BuildQuorumFromSnapshot(context.Background(), lqs[0].Commitment.Ref(), bad)
	require.ErrorIs(t, err, dash.ErrInvalidCommitment)
}

func TestManager_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quorums.dat")
	opts := []quorum.Option{quorum.WithLLMQType(dash.LLMQTest, 3), quorum.WithPersistence(path, 0xbd6b0cbf)}
	n := newTestNet(t, 8, opts...)
	a := n.quorumAtTip()
	b := n.quorumAtTip()
	require.NoError(t, n.mgr.Save())

	restored, err := quorum.NewManager(n.store, opts...)
	require.NoError(t, err)
	require.NoError(t, restored.Load())
	for _, lq := range []*llmqtest.Quorum{a, b} {
		q, ok := restored.GetQuorum(dash.LLMQTest, lq.Commitment.QuorumHash)
		require.True(t, ok)
		require.True(t, q.Commitment.Equal(lq.Commitment))
	}
	require.Len(t, restored.ActiveCommitments(dash.LLMQTest), 2)

	// The restored active set is complete, so the quorum root is checked.
	n.store.AddProcessor(restored)
	diff, _ := n.next()
	diff.Coinbase.Payload.MerkleRootQuorums = dash.ZeroHash
	diff.Seal()
	_, err = n.store.ApplyDiff(context.Background(), diff)
	require.ErrorIs(t, err, dash.ErrCommitmentMismatch)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	body[len(body)/2] ^= 0xff
	require.NoError(t, os.WriteFile(path, body, 0o644))
	corrupt, err := quorum.NewManager(n.store, opts...)
	require.NoError(t, err)
	require.ErrorIs(t, corrupt.Load(), dash.ErrStorageCorruption)
	require.Empty(t, corrupt.ActiveCommitments(dash.LLMQTest))
}
