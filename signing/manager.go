// Package signing turns quorum members' signature shares into recovered
// threshold signatures, accepts recovered signatures from the network and
// hands both to the components that consume them.
package signing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Kubuxu/go-broadcast"
	"github.com/filecoin-project/go-bitfield"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/xerrors"

	"github.com/dashpay/go-llmq/blssig"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/clock"
	"github.com/dashpay/go-llmq/internal/measurements"
	"github.com/dashpay/go-llmq/quorum"
	"github.com/dashpay/go-llmq/recsig"
)

// QuorumSource finds the quorums signatures are checked against.
// *quorum.Manager implements it.
type QuorumSource interface {
	GetQuorum(t dash.LLMQType, quorumHash dash.Hash) (*quorum.Quorum, bool)
	ScanQuorums(t dash.LLMQType, maxCount int) []*quorum.Quorum
	SelectQuorumForSigning(t dash.LLMQType, signHeight uint32, id dash.Hash) (*quorum.Quorum, error)
	Verifier() *blssig.Verifier
}

// RecoveredSigListener is notified of every recovered signature accepted by
// the manager, synchronously and in acceptance order. Implementations must
// not block and filter the request ids they care about themselves.
type RecoveredSigListener interface {
	HandleNewRecoveredSig(ctx context.Context, rs *recsig.RecoveredSignature)
}

type sessionKey struct {
	llmqType dash.LLMQType
	id       dash.Hash
}

// session collects the shares for one request id, grouped by sign hash so
// that shares from different quorums or for different messages never mix.
type session struct {
	mu      sync.Mutex
	created time.Time
	sets    map[dash.Hash]*shareSet
}

type shareSet struct {
	msgHash dash.Hash
	shares  []blssig.SignatureShare
	members map[uint16]struct{}
}

type pendingSig struct {
	rs       *recsig.RecoveredSignature
	received time.Time
}

type Manager struct {
	opts     *options
	quorums  QuorumSource
	verifier *blssig.Verifier
	db       *recsig.DB

	sessionsLk sync.Mutex
	sessions   map[sessionKey]*session

	pendingLk sync.Mutex
	pending   []pendingSig

	listenersLk sync.RWMutex
	listeners   []RecoveredSigListener
	recovered   broadcast.Channel[*recsig.RecoveredSignature]
}

func NewManager(quorums QuorumSource, db *recsig.DB, o ...Option) (*Manager, error) {
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:     opts,
		quorums:  quorums,
		verifier: quorums.Verifier(),
		db:       db,
		sessions: make(map[sessionKey]*session),
	}, nil
}

func (m *Manager) AddRecoveredSigListener(l RecoveredSigListener) {
	m.listenersLk.Lock()
	defer m.listenersLk.Unlock()
	m.listeners = append(m.listeners, l)
}

// Subscribe delivers accepted recovered signatures to ch. A full channel is
// dropped from the subscription and closed.
func (m *Manager) Subscribe(ch chan<- *recsig.RecoveredSignature) (last *recsig.RecoveredSignature, closer func()) {
	return m.recovered.Subscribe(ch)
}

func (m *Manager) DB() *recsig.DB { return m.db }

func (m *Manager) session(ctx context.Context, key sessionKey) *session {
	m.sessionsLk.Lock()
	defer m.sessionsLk.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		s = &session{created: clock.GetClock(ctx).Now(), sets: make(map[dash.Hash]*shareSet)}
		m.sessions[key] = s
		metrics.sessions.Record(ctx, int64(len(m.sessions)))
	}
	return s
}

func (m *Manager) endSession(ctx context.Context, key sessionKey) {
	m.sessionsLk.Lock()
	defer m.sessionsLk.Unlock()
	delete(m.sessions, key)
	metrics.sessions.Record(ctx, int64(len(m.sessions)))
}

// Votes returns the members whose shares are buffered for id over msgHash.
func (m *Manager) Votes(t dash.LLMQType, id, msgHash dash.Hash) bitfield.BitField {
	m.sessionsLk.Lock()
	s, ok := m.sessions[sessionKey{llmqType: t, id: id}]
	m.sessionsLk.Unlock()
	if !ok {
		return bitfield.New()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var members []uint64
	for _, set := range s.sets {
		if set.msgHash != msgHash {
			continue
		}
		for i := range set.members {
			members = append(members, uint64(i))
		}
	}
	slices.Sort(members)
	return bitfield.NewFromSet(members)
}

// ProcessVote buffers a member's signature share and recovers the threshold
// signature once enough shares are in. A duplicate share is a no-op. Shares
// for an id that already has a recovered signature for another message fail
// with ErrConflictingRecoveredSignature; shares from outside the quorum's
// valid members with ErrNotAMember.
func (m *Manager) ProcessVote(ctx context.Context, v *recsig.Vote) (_err error) {
	defer func() {
		metrics.votes.Add(ctx, 1, metric.WithAttributes(measurements.Status(ctx, _err)))
	}()

	q, ok := m.quorums.GetQuorum(v.LLMQType, v.QuorumHash)
	if !ok {
		return xerrors.Errorf("vote for %s-%s: %w", v.LLMQType, v.QuorumHash, dash.ErrQuorumNotFound)
	}
	if !q.IsValidMember(int(v.MemberIndex)) {
		return xerrors.Errorf("member %d of %s: %w", v.MemberIndex, q, dash.ErrNotAMember)
	}

	key := sessionKey{llmqType: v.LLMQType, id: v.ID}
	s := m.session(ctx, key)
	s.mu.Lock()
	rs, err := m.addVote(ctx, s, q, v)
	s.mu.Unlock()
	if err != nil || rs == nil {
		return err
	}
	m.endSession(ctx, key)
	metrics.recovered.Add(ctx, 1, metric.WithAttributes(attrSource.String("votes"), measurements.AttrStatusSuccess))
	log.Debugw("recovered threshold signature", "recsig", rs, "quorum", q)
	m.notify(ctx, rs)
	return nil
}

// addVote runs under the session lock, which serializes all shares of one id.
func (m *Manager) addVote(ctx context.Context, s *session, q *quorum.Quorum, v *recsig.Vote) (*recsig.RecoveredSignature, error) {
	existing, err := m.db.GetRecoveredSigByID(ctx, v.LLMQType, v.ID)
	switch {
	case err == nil && existing.MsgHash == v.MsgHash:
		return nil, nil
	case err == nil:
		log.Warnw("share conflicts with recovered signature", "vote", v, "recovered", existing.MsgHash)
		return nil, xerrors.Errorf("%s already recovered for %s: %w", v.ID, existing.MsgHash, dash.ErrConflictingRecoveredSignature)
	case !errors.Is(err, recsig.ErrNotFound):
		return nil, err
	}

	signHash := q.SignHash(v.ID, v.MsgHash)
	set, ok := s.sets[signHash]
	if !ok {
		set = &shareSet{msgHash: v.MsgHash, members: make(map[uint16]struct{})}
		s.sets[signHash] = set
	}
	if _, dup := set.members[v.MemberIndex]; dup {
		return nil, nil
	}
	if err := q.VerifyShare(m.verifier, int(v.MemberIndex), v.ID, v.MsgHash, v.Signature); err != nil {
		return nil, xerrors.Errorf("share of member %d: %w", v.MemberIndex, err)
	}
	set.members[v.MemberIndex] = struct{}{}
	set.shares = append(set.shares, blssig.SignatureShare{Index: int(v.MemberIndex), Signature: v.Signature})

	threshold := q.Threshold()
	if len(set.shares) < threshold {
		return nil, nil
	}
	sig, err := m.recoverThreshold(q, v.ID, v.MsgHash, set.shares, threshold)
	if err != nil {
		metrics.recoveryFailures.Add(ctx, 1)
		log.Warnw("threshold recovery failed, waiting for more shares",
			"id", v.ID, "quorum", q, "shares", len(set.shares), "error", err)
		return nil, nil
	}

	rs := &recsig.RecoveredSignature{
		LLMQType:   v.LLMQType,
		QuorumHash: q.Hash(),
		ID:         v.ID,
		MsgHash:    v.MsgHash,
		Signature:  sig,
	}
	if err := m.db.WriteRecoveredSig(ctx, rs); err != nil {
		return nil, err
	}
	clear(s.sets)
	return rs, nil
}

// recoverThreshold recovers the quorum signature from the newest threshold
// shares. Without a verification vector a bad share is only noticed here, so
// on failure each share of that window is left out in turn and replaced by
// the next older one. One bad share anywhere in the arrival order cannot
// stall the set once threshold good shares are buffered.
func (m *Manager) recoverThreshold(q *quorum.Quorum, id, msgHash dash.Hash, shares []blssig.SignatureShare, threshold int) ([]byte, error) {
	attempt := func(window []blssig.SignatureShare) ([]byte, error) {
		sig, err := m.verifier.Recover(window, threshold)
		if err != nil {
			return nil, err
		}
		if err := q.VerifyRecoveredSig(m.verifier, id, msgHash, sig); err != nil {
			return nil, err
		}
		return sig, nil
	}

	sig, err := attempt(shares[len(shares)-threshold:])
	if err == nil || len(shares) == threshold {
		return sig, err
	}
	window := make([]blssig.SignatureShare, 0, threshold)
	for skip := len(shares) - 1; skip >= len(shares)-threshold; skip-- {
		window = window[:0]
		for i := len(shares) - 1; i >= 0 && len(window) < threshold; i-- {
			if i != skip {
				window = append(window, shares[i])
			}
		}
		if sig, retryErr := attempt(window); retryErr == nil {
			return sig, nil
		}
	}
	return nil, err
}

// ProcessRecoveredSig accepts a recovered signature received from the
// network. Signatures already known are a no-op and conflicting ones fail
// with ErrConflictingRecoveredSignature. When the signing quorum is not known
// yet the signature is buffered and retried by ProcessPending. Once accepted,
// rs.QuorumHash names the quorum that signed it.
func (m *Manager) ProcessRecoveredSig(ctx context.Context, rs *recsig.RecoveredSignature) (_err error) {
	defer func() {
		metrics.recovered.Add(ctx, 1, metric.WithAttributes(attrSource.String("network"), measurements.Status(ctx, _err)))
	}()
	done, err := m.processRecoveredSig(ctx, rs)
	if errors.Is(err, dash.ErrQuorumNotFound) {
		m.addPending(ctx, rs)
		return nil
	}
	if err != nil || !done {
		return err
	}
	m.notify(ctx, rs)
	return nil
}

// processRecoveredSig returns true if rs was newly written.
func (m *Manager) processRecoveredSig(ctx context.Context, rs *recsig.RecoveredSignature) (bool, error) {
	if !rs.LLMQType.Known() {
		return false, xerrors.Errorf("recovered signature %s: %w", rs.ID, dash.ErrUnknownLLMQType)
	}
	key := sessionKey{llmqType: rs.LLMQType, id: rs.ID}
	s := m.session(ctx, key)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := m.db.GetRecoveredSigByID(ctx, rs.LLMQType, rs.ID)
	switch {
	case err == nil && existing.MsgHash == rs.MsgHash:
		m.endSession(ctx, key)
		return false, nil
	case err == nil:
		log.Warnw("conflicting recovered signature", "recsig", rs, "existing", existing.MsgHash)
		return false, xerrors.Errorf("%s already recovered for %s: %w", rs.ID, existing.MsgHash, dash.ErrConflictingRecoveredSignature)
	case !errors.Is(err, recsig.ErrNotFound):
		return false, err
	}
	if voted, ok, err := m.db.GetVoteForID(ctx, rs.LLMQType, rs.ID); err != nil {
		return false, err
	} else if ok && voted != rs.MsgHash {
		log.Warnw("recovered signature conflicts with our vote", "recsig", rs, "voted", voted)
		return false, xerrors.Errorf("%s voted for %s: %w", rs.ID, voted, dash.ErrConflictingRecoveredSignature)
	}

	q, err := m.signingQuorum(rs)
	if err != nil {
		return false, err
	}
	accepted := *rs
	accepted.QuorumHash = q.Hash()
	if err := m.db.WriteRecoveredSig(ctx, &accepted); err != nil {
		return false, err
	}
	*rs = accepted
	clear(s.sets)
	m.endSession(ctx, key)
	return true, nil
}

// signingQuorum finds the quorum whose key verifies rs. A signature that
// does not name its quorum is tried against the quorums currently eligible
// to sign its id.
func (m *Manager) signingQuorum(rs *recsig.RecoveredSignature) (*quorum.Quorum, error) {
	if rs.QuorumHash != dash.ZeroHash {
		q, ok := m.quorums.GetQuorum(rs.LLMQType, rs.QuorumHash)
		if !ok {
			return nil, xerrors.Errorf("recovered signature %s: %w", rs.ID, dash.ErrQuorumNotFound)
		}
		if err := q.VerifyRecoveredSig(m.verifier, rs.ID, rs.MsgHash, rs.Signature); err != nil {
			return nil, xerrors.Errorf("recovered signature %s: %w", rs.ID, err)
		}
		return q, nil
	}

	params, err := rs.LLMQType.Params()
	if err != nil {
		return nil, err
	}
	candidates := m.quorums.ScanQuorums(rs.LLMQType, params.SigningActiveQuorumCount)
	if len(candidates) == 0 {
		return nil, xerrors.Errorf("recovered signature %s: %w", rs.ID, dash.ErrQuorumNotFound)
	}
	for _, q := range candidates {
		if q.VerifyRecoveredSig(m.verifier, rs.ID, rs.MsgHash, rs.Signature) == nil {
			return q, nil
		}
	}
	return nil, xerrors.Errorf("recovered signature %s matches none of %d active quorums: %w",
		rs.ID, len(candidates), dash.ErrInvalidSignature)
}

// VerifyRecoveredSig checks sig for id over msgHash against the quorum
// responsible for id at signHeight.
func (m *Manager) VerifyRecoveredSig(t dash.LLMQType, signHeight uint32, id, msgHash dash.Hash, sig []byte) error {
	q, err := m.quorums.SelectQuorumForSigning(t, signHeight, id)
	if err != nil {
		return err
	}
	return q.VerifyRecoveredSig(m.verifier, id, msgHash, sig)
}

// HasRecoveredSigForID reports whether id has a recovered signature.
func (m *Manager) HasRecoveredSigForID(ctx context.Context, t dash.LLMQType, id dash.Hash) bool {
	return m.db.HasRecoveredSigForID(ctx, t, id)
}

func (m *Manager) addPending(ctx context.Context, rs *recsig.RecoveredSignature) {
	m.pendingLk.Lock()
	defer m.pendingLk.Unlock()
	if m.opts.maxPending == 0 {
		return
	}
	if len(m.pending) >= m.opts.maxPending {
		log.Debugw("dropping oldest pending recovered signature", "recsig", m.pending[0].rs)
		m.pending = m.pending[1:]
	}
	m.pending = append(m.pending, pendingSig{rs: rs, received: clock.GetClock(ctx).Now()})
	metrics.pending.Record(ctx, int64(len(m.pending)))
}

// PendingCount is the number of recovered signatures waiting for their
// quorum.
func (m *Manager) PendingCount() int {
	m.pendingLk.Lock()
	defer m.pendingLk.Unlock()
	return len(m.pending)
}

// ProcessPending retries the buffered recovered signatures. It reports
// whether any of them was resolved or dropped.
func (m *Manager) ProcessPending(ctx context.Context) (bool, error) {
	m.pendingLk.Lock()
	pending := m.pending
	m.pending = nil
	m.pendingLk.Unlock()

	now := clock.GetClock(ctx).Now()
	var progress bool
	var retry []pendingSig
	for _, p := range pending {
		if now.Sub(p.received) > m.opts.pendingMaxAge {
			progress = true
			continue
		}
		done, err := m.processRecoveredSig(ctx, p.rs)
		switch {
		case errors.Is(err, dash.ErrQuorumNotFound):
			retry = append(retry, p)
			continue
		case err != nil:
			log.Debugw("dropping pending recovered signature", "recsig", p.rs, "error", err)
		case done:
			m.notify(ctx, p.rs)
		}
		progress = true
	}

	m.pendingLk.Lock()
	m.pending = append(retry, m.pending...)
	if over := len(m.pending) - m.opts.maxPending; over > 0 {
		m.pending = m.pending[over:]
	}
	metrics.pending.Record(ctx, int64(len(m.pending)))
	m.pendingLk.Unlock()
	return progress, nil
}

// Cleanup forgets recovered signatures, votes, unfinished sessions and
// pending signatures older than maxAge.
func (m *Manager) Cleanup(ctx context.Context, maxAge time.Duration) error {
	sigs, votes, err := m.db.CleanupOlderThan(ctx, maxAge)
	if err != nil {
		return fmt.Errorf("cleaning up recovered signatures: %w", err)
	}
	cutoff := clock.GetClock(ctx).Now().Add(-maxAge)

	m.sessionsLk.Lock()
	var sessions int
	for key, s := range m.sessions {
		if s.created.Before(cutoff) {
			delete(m.sessions, key)
			sessions++
		}
	}
	metrics.sessions.Record(ctx, int64(len(m.sessions)))
	m.sessionsLk.Unlock()

	m.pendingLk.Lock()
	var kept []pendingSig
	for _, p := range m.pending {
		if !p.received.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	m.pending = kept
	m.pendingLk.Unlock()

	if sigs+votes+sessions > 0 {
		log.Infow("cleaned up old signing state", "signatures", sigs, "votes", votes, "sessions", sessions)
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, rs *recsig.RecoveredSignature) {
	m.recovered.Publish(rs)
	m.listenersLk.RLock()
	listeners := m.listeners
	m.listenersLk.RUnlock()
	for _, l := range listeners {
		m.notifyOne(ctx, l, rs)
	}
}

func (m *Manager) notifyOne(ctx context.Context, l RecoveredSigListener, rs *recsig.RecoveredSignature) {
	defer func() {
		if r := recover(); r != nil {
			metrics.listenerPanics.Add(ctx, 1)
			log.Errorw("PANIC in recovered signature listener", "error", r)
		}
	}()
	l.HandleNewRecoveredSig(ctx, rs)
}
