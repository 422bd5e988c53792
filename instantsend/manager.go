package instantsend

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/dashpay/go-llmq/chain"
	"github.com/dashpay/go-llmq/chainlock"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/caching"
	"github.com/dashpay/go-llmq/internal/clock"
	"github.com/dashpay/go-llmq/internal/measurements"
	"github.com/dashpay/go-llmq/recsig"
)

// Listener is told about new locks and conflicts, synchronously. It must not
// block.
type Listener interface {
	// HandleNewInstantLock is called for a lock whose inputs no other
	// transaction has locked: the transaction is final before confirmation.
	HandleNewInstantLock(ctx context.Context, l *InstantLock)
	// HandleInstantLockConflict is called once for each pair of locks that
	// lock a shared input to different transactions. Neither is final until
	// a chain lock confirms one of them.
	HandleInstantLockConflict(ctx context.Context, l, other *InstantLock)
}

// SignatureVerifier checks a recovered signature against the quorum
// responsible for a request at a height. *signing.Manager implements it.
type SignatureVerifier interface {
	VerifyRecoveredSig(t dash.LLMQType, signHeight uint32, id, msgHash dash.Hash, sig []byte) error
}

type pendingLock struct {
	l        *InstantLock
	received time.Time
}

type pendingSig struct {
	rs       *recsig.RecoveredSignature
	received time.Time
}

type Manager struct {
	opts     *options
	llmqType dash.LLMQType
	headers  chain.HeaderIndex
	verifier SignatureVerifier
	db       *DB
	seen     *caching.Set
	txs      *lru.Cache[dash.Hash, *Transaction]

	// recordLk serializes conflict detection with the write of each lock.
	recordLk sync.Mutex

	pendingLk    sync.Mutex
	pendingLocks []pendingLock
	pendingSigs  []pendingSig

	listenersLk sync.RWMutex
	listeners   []Listener
}

func NewManager(llmqType dash.LLMQType, headers chain.HeaderIndex, verifier SignatureVerifier, db *DB, o ...Option) (*Manager, error) {
	if !llmqType.Known() {
		return nil, xerrors.Errorf("instant send quorum type %d: %w", llmqType, dash.ErrUnknownLLMQType)
	}
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	txs, err := lru.New[dash.Hash, *Transaction](opts.seenCacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:     opts,
		llmqType: llmqType,
		headers:  headers,
		verifier: verifier,
		db:       db,
		seen:     caching.NewSet(opts.seenCacheSize),
		txs:      txs,
	}, nil
}

func (m *Manager) AddListener(l Listener) {
	m.listenersLk.Lock()
	defer m.listenersLk.Unlock()
	m.listeners = append(m.listeners, l)
}

// AddTransaction makes tx known so that a recovered signature over its txid
// can be turned into a lock.
func (m *Manager) AddTransaction(tx *Transaction) {
	m.txs.Add(tx.TxID, tx)
}

// ProcessInstantLock handles a lock received from the network. Known locks
// are a no-op. A lock whose quorum or DKG cycle block is not known yet waits
// for ProcessPending. A lock that conflicts with recorded locks is recorded
// too, and the returned error wraps ErrInstantLockConflict.
func (m *Manager) ProcessInstantLock(ctx context.Context, l *InstantLock) (_err error) {
	defer func() {
		metrics.processed.Add(ctx, 1, metric.WithAttributes(attrSource.String("network"), measurements.Status(ctx, _err)))
	}()

	if err := l.PreVerify(); err != nil {
		return err
	}
	hash := l.Hash()
	if m.seen.Contains(hash[:]) || m.db.Has(ctx, hash) {
		return nil
	}
	waiting, err := m.verify(ctx, l)
	switch {
	case waiting:
		m.addPendingLock(ctx, l)
		return nil
	case err != nil:
		return xerrors.Errorf("verifying %s: %w", l, err)
	}
	return m.record(ctx, l)
}

// verify checks the lock's signature. It reports whether the lock has to
// wait for its quorum or cycle block.
func (m *Manager) verify(ctx context.Context, l *InstantLock) (bool, error) {
	t, signHeight, err := m.signingParams(ctx, l)
	if errors.Is(err, chain.ErrUnknownBlock) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	err = m.verifier.VerifyRecoveredSig(t, signHeight, l.RequestID(), l.TxID, l.Signature)
	if errors.Is(err, dash.ErrQuorumNotFound) {
		return true, nil
	}
	return false, err
}

// signingParams returns the quorum type and the height the lock was signed
// at. Deterministic locks are signed by the quorums of their DKG cycle, at
// most up to the cycle's last block.
func (m *Manager) signingParams(ctx context.Context, l *InstantLock) (dash.LLMQType, uint32, error) {
	tip, err := m.headers.GetTip(ctx)
	if err != nil {
		return 0, 0, err
	}
	if !l.IsDeterministic() {
		return m.llmqType, tip.Height, nil
	}
	if m.opts.deterministicType == dash.LLMQNone {
		return 0, 0, dash.Malformed("instant lock", errors.New("deterministic locks are not enabled"))
	}
	params, err := m.opts.deterministicType.Params()
	if err != nil {
		return 0, 0, err
	}
	cycle, err := m.headers.GetHeader(ctx, l.CycleHash)
	if err != nil {
		return 0, 0, err
	}
	interval := uint32(params.DKGInterval)
	if cycle.Height%interval != 0 {
		return 0, 0, dash.Malformed("instant lock", xerrors.Errorf("block %s does not start a DKG cycle", cycle))
	}
	signHeight := tip.Height
	if end := cycle.Height + interval; end < tip.Height {
		signHeight = end - 1
	}
	return m.opts.deterministicType, signHeight, nil
}

// HandleNewRecoveredSig turns recovered signatures over known transactions
// into locks. Signatures over unknown transactions wait for AddTransaction.
func (m *Manager) HandleNewRecoveredSig(ctx context.Context, rs *recsig.RecoveredSignature) {
	if rs.LLMQType != m.llmqType && rs.LLMQType != m.opts.deterministicType {
		return
	}
	tx, ok := m.txs.Get(rs.MsgHash)
	if !ok {
		if m.isChainLockSig(ctx, rs) {
			return
		}
		m.addPendingSig(ctx, rs)
		return
	}
	if err := m.lockFromRecoveredSig(ctx, rs, tx); err != nil {
		log.Warnw("instant lock from recovered signature", "recsig", rs, "error", err)
	}
}

// isChainLockSig reports whether rs signs a block rather than a transaction:
// its message is a known block, or its id is the chain lock id of a height
// just above the tip.
func (m *Manager) isChainLockSig(ctx context.Context, rs *recsig.RecoveredSignature) bool {
	if _, err := m.headers.GetHeader(ctx, rs.MsgHash); err == nil {
		return true
	}
	tip, err := m.headers.GetTip(ctx)
	if err != nil {
		return false
	}
	_, ok := dash.ChainLockHeight(rs.ID, tip.Height)
	return ok
}

func (m *Manager) lockFromRecoveredSig(ctx context.Context, rs *recsig.RecoveredSignature, tx *Transaction) (_err error) {
	if dash.InstantSendRequestID(tx.Inputs) != rs.ID {
		// Some other request of the same quorum type.
		return nil
	}
	defer func() {
		metrics.processed.Add(ctx, 1, metric.WithAttributes(attrSource.String("recsig"), measurements.Status(ctx, _err)))
	}()
	l := &InstantLock{
		Version:   VersionLegacy,
		Inputs:    slices.Clone(tx.Inputs),
		TxID:      tx.TxID,
		Signature: rs.Signature,
	}
	if rs.LLMQType == m.opts.deterministicType && rs.LLMQType != m.llmqType {
		cycle, err := m.currentCycle(ctx)
		if err != nil {
			return err
		}
		l.Version, l.CycleHash = VersionDeterministic, cycle
	}
	return m.record(ctx, l)
}

// currentCycle returns the hash of the block that started the current DKG
// cycle of the deterministic quorum type.
func (m *Manager) currentCycle(ctx context.Context) (dash.Hash, error) {
	params, err := m.opts.deterministicType.Params()
	if err != nil {
		return dash.ZeroHash, err
	}
	tip, err := m.headers.GetTip(ctx)
	if err != nil {
		return dash.ZeroHash, err
	}
	h, err := m.headers.GetHeaderByHeight(ctx, tip.Height-tip.Height%uint32(params.DKGInterval))
	if err != nil {
		return dash.ZeroHash, err
	}
	return h.Hash, nil
}

// record writes a verified lock and reports it, or its conflicts.
func (m *Manager) record(ctx context.Context, l *InstantLock) error {
	hash := l.Hash()
	m.recordLk.Lock()
	if m.db.Has(ctx, hash) {
		m.recordLk.Unlock()
		return nil
	}
	if other, err := m.db.GetByTxID(ctx, l.TxID); err == nil {
		log.Debugw("transaction already has an instant lock", "txid", l.TxID, "other", other.Hash())
	}
	var conflicts []*InstantLock
	reported := make(map[dash.Hash]struct{})
	for _, in := range l.Inputs {
		others, err := m.db.GetByInput(ctx, in)
		if err != nil {
			m.recordLk.Unlock()
			return err
		}
		for _, o := range others {
			if o.TxID == l.TxID {
				continue
			}
			oh := o.Hash()
			if _, dup := reported[oh]; dup {
				continue
			}
			reported[oh] = struct{}{}
			conflicts = append(conflicts, o)
		}
	}
	if _, err := m.db.Write(ctx, l); err != nil {
		m.recordLk.Unlock()
		return err
	}
	m.recordLk.Unlock()
	m.seen.Add(hash[:])

	m.listenersLk.RLock()
	listeners := m.listeners
	m.listenersLk.RUnlock()

	if len(conflicts) == 0 {
		log.Infow("new instant lock", "txid", l.TxID, "islock", hash)
		for _, li := range listeners {
			m.notify(func() { li.HandleNewInstantLock(ctx, l) })
		}
		return nil
	}
	for _, o := range conflicts {
		metrics.conflicts.Add(ctx, 1)
		log.Warnw("conflicting instant locks", "txid", l.TxID, "islock", hash, "otherTxid", o.TxID, "other", o.Hash())
		for _, li := range listeners {
			m.notify(func() { li.HandleInstantLockConflict(ctx, l, o) })
		}
	}
	return xerrors.Errorf("%s conflicts with %d recorded locks: %w", l, len(conflicts), dash.ErrInstantLockConflict)
}

func (m *Manager) notify(f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("PANIC in instant lock listener", "error", r)
		}
	}()
	f()
}

func (m *Manager) addPendingLock(ctx context.Context, l *InstantLock) {
	m.pendingLk.Lock()
	defer m.pendingLk.Unlock()
	hash := l.Hash()
	for _, p := range m.pendingLocks {
		if p.l.Hash() == hash {
			return
		}
	}
	if len(m.pendingLocks) >= m.opts.maxPending {
		m.pendingLocks = m.pendingLocks[1:]
	}
	m.pendingLocks = append(m.pendingLocks, pendingLock{l: l, received: clock.GetClock(ctx).Now()})
	metrics.pending.Record(ctx, int64(len(m.pendingLocks)+len(m.pendingSigs)))
}

func (m *Manager) addPendingSig(ctx context.Context, rs *recsig.RecoveredSignature) {
	m.pendingLk.Lock()
	defer m.pendingLk.Unlock()
	if len(m.pendingSigs) >= m.opts.maxPending {
		m.pendingSigs = m.pendingSigs[1:]
	}
	m.pendingSigs = append(m.pendingSigs, pendingSig{rs: rs, received: clock.GetClock(ctx).Now()})
	metrics.pending.Record(ctx, int64(len(m.pendingLocks)+len(m.pendingSigs)))
}

// PendingCount returns the number of locks and recovered signatures
// waiting to be processed.
func (m *Manager) PendingCount() int {
	m.pendingLk.Lock()
	defer m.pendingLk.Unlock()
	return len(m.pendingLocks) + len(m.pendingSigs)
}

// ProcessPending retries waiting locks and recovered signatures and drops
// those that waited too long. It reports whether any was resolved or
// dropped.
func (m *Manager) ProcessPending(ctx context.Context) (bool, error) {
	m.pendingLk.Lock()
	locks, sigs := m.pendingLocks, m.pendingSigs
	m.pendingLocks, m.pendingSigs = nil, nil
	m.pendingLk.Unlock()

	now := clock.GetClock(ctx).Now()
	var progress bool
	var errs error

	var retryLocks []pendingLock
	for _, p := range locks {
		if now.Sub(p.received) > m.opts.pendingMaxAge {
			log.Debugw("dropping expired pending instant lock", "islock", p.l)
			progress = true
			continue
		}
		waiting, err := m.verify(ctx, p.l)
		if waiting {
			retryLocks = append(retryLocks, p)
			continue
		}
		progress = true
		if err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("verifying %s: %w", p.l, err))
			continue
		}
		errs = multierr.Append(errs, m.record(ctx, p.l))
	}

	var retrySigs []pendingSig
	for _, p := range sigs {
		if now.Sub(p.received) > m.opts.pendingMaxAge {
			progress = true
			continue
		}
		tx, ok := m.txs.Get(p.rs.MsgHash)
		if !ok {
			retrySigs = append(retrySigs, p)
			continue
		}
		progress = true
		errs = multierr.Append(errs, m.lockFromRecoveredSig(ctx, p.rs, tx))
	}

	m.pendingLk.Lock()
	m.pendingLocks = append(retryLocks, m.pendingLocks...)
	if over := len(m.pendingLocks) - m.opts.maxPending; over > 0 {
		m.pendingLocks = m.pendingLocks[over:]
	}
	m.pendingSigs = append(retrySigs, m.pendingSigs...)
	if over := len(m.pendingSigs) - m.opts.maxPending; over > 0 {
		m.pendingSigs = m.pendingSigs[over:]
	}
	metrics.pending.Record(ctx, int64(len(m.pendingLocks)+len(m.pendingSigs)))
	m.pendingLk.Unlock()
	return progress, errs
}

func (m *Manager) GetInstantLockByHash(ctx context.Context, hash dash.Hash) (*InstantLock, error) {
	return m.db.Get(ctx, hash)
}

func (m *Manager) GetInstantLockByTxID(ctx context.Context, txid dash.Hash) (*InstantLock, error) {
	return m.db.GetByTxID(ctx, txid)
}

func (m *Manager) GetInstantLocksByInput(ctx context.Context, op dash.OutPoint) ([]*InstantLock, error) {
	return m.db.GetByInput(ctx, op)
}

// IsLocked reports whether txid has a lock that no other lock conflicts
// with.
func (m *Manager) IsLocked(ctx context.Context, txid dash.Hash) bool {
	l, err := m.db.GetByTxID(ctx, txid)
	if err != nil {
		return false
	}
	other, err := m.GetConflictingLock(ctx, &Transaction{TxID: txid, Inputs: l.Inputs})
	return err == nil && other == nil
}

// IsConflicted reports whether another transaction holds a lock on one of
// the inputs locked for txid.
func (m *Manager) IsConflicted(ctx context.Context, txid dash.Hash) bool {
	l, err := m.db.GetByTxID(ctx, txid)
	if err != nil {
		return false
	}
	other, err := m.GetConflictingLock(ctx, &Transaction{TxID: txid, Inputs: l.Inputs})
	return err == nil && other != nil
}

// GetConflictingLock returns a lock of another transaction on one of tx's
// inputs, or nil.
func (m *Manager) GetConflictingLock(ctx context.Context, tx *Transaction) (*InstantLock, error) {
	for _, in := range tx.Inputs {
		others, err := m.db.GetByInput(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, o := range others {
			if o.TxID != tx.TxID {
				return o, nil
			}
		}
	}
	return nil, nil
}

// TransactionMined records the height of the block that mined txid.
func (m *Manager) TransactionMined(ctx context.Context, txid dash.Hash, height uint32) error {
	l, err := m.db.GetByTxID(ctx, txid)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return m.db.WriteMined(ctx, l.Hash(), height)
}

// TransactionUnmined forgets the mined height of txid after its block was
// disconnected.
func (m *Manager) TransactionUnmined(ctx context.Context, txid dash.Hash) error {
	l, err := m.db.GetByTxID(ctx, txid)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return m.db.RemoveMined(ctx, l.Hash())
}

// HandleNewChainLock removes the locks of transactions mined at or below the
// chain locked height.
func (m *Manager) HandleNewChainLock(ctx context.Context, cl *chainlock.ChainLock) {
	if _, err := m.RemoveChainLocked(ctx, cl.Height); err != nil {
		log.Errorw("removing chain locked instant locks", "height", cl.Height, "error", err)
	}
}

// RemoveChainLocked removes the locks of transactions mined at or below
// height. Locks conflicting with them are removed too: their inputs are now
// spent by a confirmed transaction. It returns the number of removed locks.
func (m *Manager) RemoveChainLocked(ctx context.Context, height uint32) (int, error) {
	m.recordLk.Lock()
	defer m.recordLk.Unlock()

	hashes, err := m.db.MinedUpTo(ctx, height)
	if err != nil {
		return 0, err
	}
	var removed int
	for _, hash := range hashes {
		l, err := m.db.Get(ctx, hash)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return removed, err
		}
		for _, in := range l.Inputs {
			others, err := m.db.GetByInput(ctx, in)
			if err != nil {
				return removed, err
			}
			for _, o := range others {
				if o.TxID == l.TxID {
					continue
				}
				log.Infow("removing instant lock that lost to a chain locked transaction", "txid", o.TxID, "winner", l.TxID)
				if err := m.db.Remove(ctx, o.Hash()); err != nil {
					return removed, err
				}
				removed++
			}
		}
		if err := m.db.Remove(ctx, hash); err != nil {
			return removed, err
		}
		removed++
		log.Debugw("removed chain locked instant lock", "txid", l.TxID, "islock", hash)
	}
	metrics.removed.Add(ctx, int64(removed))
	return removed, nil
}
