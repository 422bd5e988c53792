package instantsend_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/dashpay/go-llmq/chain"
	"github.com/dashpay/go-llmq/chainlock"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/instantsend"
	"github.com/dashpay/go-llmq/internal/clock"
	"github.com/dashpay/go-llmq/internal/llmqtest"
	"github.com/dashpay/go-llmq/recsig"
	"github.com/dashpay/go-llmq/signing"
)

type conflict struct{ a, b dash.Hash }

type recorder struct {
	mu        sync.Mutex
	locks     []*instantsend.InstantLock
	conflicts []conflict
}

func (r *recorder) HandleNewInstantLock(_ context.Context, l *instantsend.InstantLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks = append(r.locks, l)
}

func (r *recorder) HandleInstantLockConflict(_ context.Context, l, other *instantsend.InstantLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, conflict{l.TxID, other.TxID})
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks), len(r.conflicts)
}

type env struct {
	t       *testing.T
	net     *llmqtest.Net
	quorum  *llmqtest.Quorum
	chain   *chain.FakeChain
	signer  *signing.Manager
	manager *instantsend.Manager
	rec     *recorder
}

func newEnv(t *testing.T, withQuorum bool, o ...instantsend.Option) *env {
	e := &env{t: t, net: llmqtest.NewNet(t), chain: chain.NewFakeChain([]byte("instantsend test chain")), rec: &recorder{}}
	if withQuorum {
		e.quorum = e.net.NewQuorum()
	}
	e.chain.Extend(100)

	var err error
	e.signer, err = signing.NewManager(e.net.Quorums, recsig.NewDB(ds_sync.MutexWrap(datastore.NewMapDatastore())))
	require.NoError(t, err)
	db := instantsend.NewDB(instantsend.NewMeteredDatastore(ds_sync.MutexWrap(datastore.NewMapDatastore())))
	e.manager, err = instantsend.NewManager(dash.LLMQTest, e.chain, e.signer, db, o...)
	require.NoError(t, err)
	e.signer.AddRecoveredSigListener(e.manager)
	e.manager.AddListener(e.rec)
	return e
}

func outpoint(name string, index uint32) dash.OutPoint {
	return dash.OutPoint{Hash: dash.DoubleHash([]byte(name)), Index: index}
}

func newTx(name string, inputs ...dash.OutPoint) *instantsend.Transaction {
	return &instantsend.Transaction{TxID: dash.DoubleHash([]byte(name)), Inputs: inputs}
}

func (e *env) lock(q *llmqtest.Quorum, tx *instantsend.Transaction) *instantsend.InstantLock {
	l := &instantsend.InstantLock{Inputs: tx.Inputs, TxID: tx.TxID}
	l.Signature = q.Sign(e.t, l.RequestID(), l.TxID)
	return l
}

func TestInstantLock_Wire(t *testing.T) {
	sig := make([]byte, 96)
	sig[5] = 7
	legacy := &instantsend.InstantLock{
		Inputs:    []dash.OutPoint{outpoint("a", 0), outpoint("a", 1)},
		TxID:      dash.DoubleHash([]byte("tx")),
		Signature: sig,
	}
	b := legacy.Marshal()
	require.Len(t, b, 1+2*36+32+96)
	got, err := instantsend.UnmarshalInstantLock(b, false)
	require.NoError(t, err)
	require.Equal(t, legacy, got)
	require.Equal(t, dash.InstantSendRequestID(legacy.Inputs), got.RequestID())

	det := *legacy
	det.Version = instantsend.VersionDeterministic
	det.CycleHash = dash.DoubleHash([]byte("cycle"))
	b = det.Marshal()
	require.Len(t, b, 1+1+2*36+32+32+96)
	got, err = instantsend.UnmarshalInstantLock(b, true)
	require.NoError(t, err)
	require.Equal(t, &det, got)
	require.NotEqual(t, legacy.Hash(), det.Hash())

	// An isdlock claiming the legacy version is rejected.
	b[0] = instantsend.VersionLegacy
	_, err = instantsend.UnmarshalInstantLock(b, true)
	require.ErrorIs(t, err, dash.ErrMalformedWireData)

	_, err = instantsend.UnmarshalInstantLock(legacy.Marshal()[:50], false)
	require.ErrorIs(t, err, dash.ErrMalformedWireData)
}

func TestInstantLock_PreVerify(t *testing.T) {
	in := outpoint("a", 0)
	for name, l := range map[string]*instantsend.InstantLock{
		"zero txid":       {Inputs: []dash.OutPoint{in}},
		"no inputs":       {TxID: dash.DoubleHash([]byte("tx"))},
		"duplicate input": {Inputs: []dash.OutPoint{in, in}, TxID: dash.DoubleHash([]byte("tx"))},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, l.PreVerify(), dash.ErrMalformedWireData)
		})
	}
	require.NoError(t, (&instantsend.InstantLock{Inputs: []dash.OutPoint{in}, TxID: dash.DoubleHash([]byte("tx"))}).PreVerify())
}

func TestTransactionFromMsgTx(t *testing.T) {
	msg := wire.NewMsgTx(2)
	a, b := outpoint("a", 3), outpoint("b", 0)
	msg.AddTxIn(wire.NewTxIn(&a, nil, nil))
	msg.AddTxIn(wire.NewTxIn(&b, nil, nil))
	msg.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))

	tx := instantsend.TransactionFromMsgTx(msg)
	require.Equal(t, msg.TxHash(), tx.TxID)
	require.Equal(t, []dash.OutPoint{a, b}, tx.Inputs)
}

func TestUnmarshalTransaction(t *testing.T) {
	msg := wire.NewMsgTx(2)
	a := outpoint("a", 3)
	msg.AddTxIn(wire.NewTxIn(&a, []byte{0x01, 0x02}, nil))
	msg.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	var buf bytes.Buffer
	require.NoError(t, msg.Serialize(&buf))

	tx, err := instantsend.UnmarshalTransaction(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, msg.TxHash(), tx.TxID)
	require.Equal(t, []dash.OutPoint{a}, tx.Inputs)

	_, err = instantsend.UnmarshalTransaction(append(buf.Bytes(), 0))
	require.ErrorIs(t, err, dash.ErrMalformedWireData)
	_, err = instantsend.UnmarshalTransaction(buf.Bytes()[:buf.Len()-1])
	require.ErrorIs(t, err, dash.ErrMalformedWireData)

	// A version 3 transaction of a special type has an extra payload after
	// the lock time, and its txid covers it.
	special := buf.Bytes()
	special[0], special[1], special[2], special[3] = 3, 0, 8, 0
	special = append(special, 3, 0xaa, 0xbb, 0xcc)
	tx, err = instantsend.UnmarshalTransaction(special)
	require.NoError(t, err)
	require.Equal(t, dash.DoubleHash(special), tx.TxID)
	require.Equal(t, []dash.OutPoint{a}, tx.Inputs)
}

func TestManager_ProcessInstantLock(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	tx := newTx("tx", outpoint("a", 0), outpoint("b", 1))
	l := e.lock(e.quorum, tx)

	require.NoError(t, e.manager.ProcessInstantLock(ctx, l))
	require.True(t, e.manager.IsLocked(ctx, tx.TxID))
	require.False(t, e.manager.IsConflicted(ctx, tx.TxID))
	got, err := e.manager.GetInstantLockByTxID(ctx, tx.TxID)
	require.NoError(t, err)
	require.Equal(t, l.Hash(), got.Hash())
	got, err = e.manager.GetInstantLockByHash(ctx, l.Hash())
	require.NoError(t, err)
	require.Equal(t, tx.TxID, got.TxID)
	byInput, err := e.manager.GetInstantLocksByInput(ctx, outpoint("b", 1))
	require.NoError(t, err)
	require.Len(t, byInput, 1)

	// Duplicates are a no-op.
	require.NoError(t, e.manager.ProcessInstantLock(ctx, l))
	locks, conflicts := e.rec.counts()
	require.Equal(t, 1, locks)
	require.Zero(t, conflicts)

	other, err := e.manager.GetConflictingLock(ctx, newTx("spender", outpoint("b", 1)))
	require.NoError(t, err)
	require.Equal(t, tx.TxID, other.TxID)
	other, err = e.manager.GetConflictingLock(ctx, tx)
	require.NoError(t, err)
	require.Nil(t, other)

	_, err = e.manager.GetInstantLockByTxID(ctx, dash.DoubleHash([]byte("unknown")))
	require.ErrorIs(t, err, instantsend.ErrNotFound)
}

func TestManager_RejectsInvalid(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	tx := newTx("tx", outpoint("a", 0))
	l := e.lock(e.quorum, tx)
	l.TxID = dash.DoubleHash([]byte("other tx"))
	require.ErrorIs(t, e.manager.ProcessInstantLock(ctx, l), dash.ErrInvalidSignature)
	require.False(t, e.manager.IsLocked(ctx, l.TxID))

	require.ErrorIs(t, e.manager.ProcessInstantLock(ctx, &instantsend.InstantLock{TxID: tx.TxID}), dash.ErrMalformedWireData)

	// Deterministic locks are not enabled.
	l = e.lock(e.quorum, tx)
	l.Version, l.CycleHash = instantsend.VersionDeterministic, e.chain.Extend(0).Hash
	require.ErrorIs(t, e.manager.ProcessInstantLock(ctx, l), dash.ErrMalformedWireData)
	require.Zero(t, e.manager.PendingCount())
}

func TestManager_ConflictsReportedOncePerPair(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	txA := newTx("A", outpoint("x", 0), outpoint("y", 0))
	txB := newTx("B", outpoint("y", 0), outpoint("z", 0))
	txC := newTx("C", outpoint("x", 0), outpoint("z", 0))
	lockA, lockB, lockC := e.lock(e.quorum, txA), e.lock(e.quorum, txB), e.lock(e.quorum, txC)

	require.NoError(t, e.manager.ProcessInstantLock(ctx, lockA))
	require.ErrorIs(t, e.manager.ProcessInstantLock(ctx, lockB), dash.ErrInstantLockConflict)

	// Both locks are kept; neither transaction counts as locked.
	_, err := e.manager.GetInstantLockByHash(ctx, lockB.Hash())
	require.NoError(t, err)
	require.False(t, e.manager.IsLocked(ctx, txA.TxID))
	require.True(t, e.manager.IsConflicted(ctx, txA.TxID))
	require.True(t, e.manager.IsConflicted(ctx, txB.TxID))
	locks, conflicts := e.rec.counts()
	require.Equal(t, 1, locks)
	require.Equal(t, 1, conflicts)
	require.Equal(t, conflict{txB.TxID, txA.TxID}, e.rec.conflicts[0])

	// C conflicts with A on x and with B on z.
	require.ErrorIs(t, e.manager.ProcessInstantLock(ctx, lockC), dash.ErrInstantLockConflict)
	_, conflicts = e.rec.counts()
	require.Equal(t, 3, conflicts)

	// Seeing a lock again reports nothing new.
	require.NoError(t, e.manager.ProcessInstantLock(ctx, lockB))
	_, conflicts = e.rec.counts()
	require.Equal(t, 3, conflicts)

	byInput, err := e.manager.GetInstantLocksByInput(ctx, outpoint("z", 0))
	require.NoError(t, err)
	require.Len(t, byInput, 2)
}

func TestManager_ChainLockSignaturesNotBuffered(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)

	// A chain lock over a known block.
	known, err := e.chain.GetHeaderByHeight(ctx, 100)
	require.NoError(t, err)
	id := dash.ChainLockRequestID(100)
	require.NoError(t, e.signer.ProcessRecoveredSig(ctx, &recsig.RecoveredSignature{
		LLMQType: dash.LLMQTest, ID: id, MsgHash: known.Hash, Signature: e.quorum.Sign(t, id, known.Hash),
	}))
	// A chain lock over a block just above the tip.
	id = dash.ChainLockRequestID(105)
	unknown := dash.DoubleHash([]byte("block 105"))
	require.NoError(t, e.signer.ProcessRecoveredSig(ctx, &recsig.RecoveredSignature{
		LLMQType: dash.LLMQTest, ID: id, MsgHash: unknown, Signature: e.quorum.Sign(t, id, unknown),
	}))
	require.Zero(t, e.manager.PendingCount())
}

func TestManager_FromRecoveredSignatures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	tx := newTx("tx", outpoint("a", 0), outpoint("a", 1))
	id := dash.InstantSendRequestID(tx.Inputs)

	// The transaction is known before the signature is recovered.
	e.manager.AddTransaction(tx)
	for member := 0; member < 2; member++ {
		require.NoError(t, e.signer.ProcessVote(ctx, &recsig.Vote{
			LLMQType:    dash.LLMQTest,
			QuorumHash:  e.quorum.Commitment.QuorumHash,
			MemberIndex: uint16(member),
			ID:          id,
			MsgHash:     tx.TxID,
			Signature:   e.quorum.SignShare(t, member, id, tx.TxID),
		}))
	}
	require.True(t, e.manager.IsLocked(ctx, tx.TxID))
	l, err := e.manager.GetInstantLockByTxID(ctx, tx.TxID)
	require.NoError(t, err)
	require.False(t, l.IsDeterministic())
	require.Equal(t, e.quorum.Sign(t, id, tx.TxID), l.Signature)

	// A signature over an unknown transaction waits for it.
	late := newTx("late", outpoint("b", 0))
	lateID := dash.InstantSendRequestID(late.Inputs)
	require.NoError(t, e.signer.ProcessRecoveredSig(ctx, &recsig.RecoveredSignature{
		LLMQType: dash.LLMQTest, ID: lateID, MsgHash: late.TxID, Signature: e.quorum.Sign(t, lateID, late.TxID),
	}))
	require.False(t, e.manager.IsLocked(ctx, late.TxID))
	require.Equal(t, 1, e.manager.PendingCount())
	progress, err := e.manager.ProcessPending(ctx)
	require.NoError(t, err)
	require.False(t, progress)

	e.manager.AddTransaction(late)
	progress, err = e.manager.ProcessPending(ctx)
	require.NoError(t, err)
	require.True(t, progress)
	require.True(t, e.manager.IsLocked(ctx, late.TxID))
	require.Zero(t, e.manager.PendingCount())

	// The id must be the one of the transaction's inputs.
	odd := newTx("odd", outpoint("c", 0))
	e.manager.AddTransaction(odd)
	other := dash.DoubleHash([]byte("other request"))
	require.NoError(t, e.signer.ProcessRecoveredSig(ctx, &recsig.RecoveredSignature{
		LLMQType: dash.LLMQTest, ID: other, MsgHash: odd.TxID, Signature: e.quorum.Sign(t, other, odd.TxID),
	}))
	require.False(t, e.manager.IsLocked(ctx, odd.TxID))
	locks, _ := e.rec.counts()
	require.Equal(t, 2, locks)
}

func TestManager_PendingUntilQuorumKnown(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	q := llmqtest.NewQuorum(t, e.net.Store.Current(), dash.LLMQTest, e.net.Masternodes)
	tx := newTx("tx", outpoint("a", 0))
	l := e.lock(q, tx)

	require.NoError(t, e.manager.ProcessInstantLock(ctx, l))
	require.False(t, e.manager.IsLocked(ctx, tx.TxID))
	require.Equal(t, 1, e.manager.PendingCount())
	// Pending locks are not duplicated.
	require.NoError(t, e.manager.ProcessInstantLock(ctx, l))
	require.Equal(t, 1, e.manager.PendingCount())

	e.net.Mine(q.Commitment)
	progress, err := e.manager.ProcessPending(ctx)
	require.NoError(t, err)
	require.True(t, progress)
	require.True(t, e.manager.IsLocked(ctx, tx.TxID))

	// Once a quorum is active, a lock signed by another one is invalid.
	other := llmqtest.NewQuorum(t, e.net.Store.Current(), dash.LLMQTest, e.net.Masternodes)
	tx2 := newTx("tx2", outpoint("b", 0))
	require.ErrorIs(t, e.manager.ProcessInstantLock(ctx, e.lock(other, tx2)), dash.ErrInvalidSignature)
	require.Zero(t, e.manager.PendingCount())
}

func TestManager_PendingExpiry(t *testing.T) {
	ctx, clk := clock.WithMockClock(context.Background())
	e := newEnv(t, false, instantsend.WithPendingMaxAge(time.Minute), instantsend.WithMaxPending(2))
	q := llmqtest.NewQuorum(t, e.net.Store.Current(), dash.LLMQTest, e.net.Masternodes)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, e.manager.ProcessInstantLock(ctx, e.lock(q, newTx(name, outpoint(name, 0)))))
	}
	require.Equal(t, 2, e.manager.PendingCount())

	clk.Add(2 * time.Minute)
	progress, err := e.manager.ProcessPending(ctx)
	require.NoError(t, err)
	require.True(t, progress)
	require.Zero(t, e.manager.PendingCount())
}

func TestManager_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true, instantsend.WithDeterministicLLMQType(dash.LLMQTest))
	tx := newTx("tx", outpoint("a", 0))

	det := func(cycle dash.Hash) *instantsend.InstantLock {
		l := e.lock(e.quorum, tx)
		l.Version, l.CycleHash = instantsend.VersionDeterministic, cycle
		return l
	}

	// The cycle block must start a DKG interval.
	notCycle, err := e.chain.GetHeaderByHeight(ctx, 97)
	require.NoError(t, err)
	require.ErrorIs(t, e.manager.ProcessInstantLock(ctx, det(notCycle.Hash)), dash.ErrMalformedWireData)

	// An unknown cycle block waits.
	ahead := chain.NewFakeChain([]byte("instantsend test chain"))
	ahead.Extend(120)
	future, err := ahead.GetHeaderByHeight(ctx, 120)
	require.NoError(t, err)
	l := det(future.Hash)
	require.NoError(t, e.manager.ProcessInstantLock(ctx, l))
	require.Equal(t, 1, e.manager.PendingCount())
	require.False(t, e.manager.IsLocked(ctx, tx.TxID))

	e.chain.Extend(20)
	progress, err := e.manager.ProcessPending(ctx)
	require.NoError(t, err)
	require.True(t, progress)
	got, err := e.manager.GetInstantLockByTxID(ctx, tx.TxID)
	require.NoError(t, err)
	require.True(t, got.IsDeterministic())
	require.Equal(t, future.Hash, got.CycleHash)

	// With a single quorum type, recovered signatures still build legacy
	// locks.
	tx2 := newTx("tx2", outpoint("b", 0))
	e.manager.AddTransaction(tx2)
	id := dash.InstantSendRequestID(tx2.Inputs)
	require.NoError(t, e.signer.ProcessRecoveredSig(ctx, &recsig.RecoveredSignature{
		LLMQType: dash.LLMQTest, ID: id, MsgHash: tx2.TxID, Signature: e.quorum.Sign(t, id, tx2.TxID),
	}))
	require.True(t, e.manager.IsLocked(ctx, tx2.TxID))
	got, err = e.manager.GetInstantLockByTxID(ctx, tx2.TxID)
	require.NoError(t, err)
	require.False(t, got.IsDeterministic())
}

func TestManager_RemovedOnceChainLocked(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	txA := newTx("A", outpoint("x", 0))
	txB := newTx("B", outpoint("x", 0))
	txD := newTx("D", outpoint("d", 0))
	for _, tx := range []*instantsend.Transaction{txA, txB, txD} {
		_ = e.manager.ProcessInstantLock(ctx, e.lock(e.quorum, tx))
	}
	require.True(t, e.manager.IsConflicted(ctx, txA.TxID))

	require.NoError(t, e.manager.TransactionMined(ctx, txA.TxID, 50))
	require.NoError(t, e.manager.TransactionMined(ctx, txD.TxID, 70))
	// Unknown transactions are ignored.
	require.NoError(t, e.manager.TransactionMined(ctx, dash.DoubleHash([]byte("unknown")), 50))

	e.manager.HandleNewChainLock(ctx, &chainlock.ChainLock{Height: 60})
	for _, tx := range []*instantsend.Transaction{txA, txB} {
		_, err := e.manager.GetInstantLockByTxID(ctx, tx.TxID)
		require.ErrorIs(t, err, instantsend.ErrNotFound)
	}
	byInput, err := e.manager.GetInstantLocksByInput(ctx, outpoint("x", 0))
	require.NoError(t, err)
	require.Empty(t, byInput)
	require.True(t, e.manager.IsLocked(ctx, txD.TxID))

	// A disconnected transaction is no longer removed.
	require.NoError(t, e.manager.TransactionUnmined(ctx, txD.TxID))
	removed, err := e.manager.RemoveChainLocked(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.True(t, e.manager.IsLocked(ctx, txD.TxID))
}

func TestDB_MinedIndex(t *testing.T) {
	ctx := context.Background()
	db := instantsend.NewDB(ds_sync.MutexWrap(datastore.NewMapDatastore()))
	var hashes []dash.Hash
	for i, height := range []uint32{300, 5, 40} {
		l := &instantsend.InstantLock{
			Inputs:    []dash.OutPoint{outpoint("in", uint32(i))},
			TxID:      dash.DoubleHash([]byte{byte(i)}),
			Signature: make([]byte, 96),
		}
		hash, err := db.Write(ctx, l)
		require.NoError(t, err)
		require.NoError(t, db.WriteMined(ctx, hash, height))
		hashes = append(hashes, hash)
	}
	got, err := db.MinedUpTo(ctx, 40)
	require.NoError(t, err)
	require.Equal(t, []dash.Hash{hashes[1], hashes[2]}, got)

	// Moving a transaction to another block replaces its height.
	require.NoError(t, db.WriteMined(ctx, hashes[0], 10))
	height, ok, err := db.MinedHeight(ctx, hashes[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 10, height)
	got, err = db.MinedUpTo(ctx, 1000)
	require.NoError(t, err)
	require.Equal(t, []dash.Hash{hashes[1], hashes[0], hashes[2]}, got)

	require.NoError(t, db.Remove(ctx, hashes[1]))
	got, err = db.MinedUpTo(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.False(t, db.Has(ctx, hashes[1]))
}
