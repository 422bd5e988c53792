package quorum

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"maps"
	"math/bits"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/blssig"
	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/measurements"
	"github.com/dashpay/go-llmq/merkle"
	"github.com/dashpay/go-llmq/mnlist"
)

// ListSource looks up retained masternode lists. *mnlist.Store implements
// it.
type ListSource interface {
	ListAt(blockHash dash.Hash) (*mnlist.List, bool)
}

type minedCommitment struct {
	c           *commitment.Commitment
	minedHeight uint32
}

type memberKey struct {
	llmqType   dash.LLMQType
	quorumHash dash.Hash
	listHash   dash.Hash
}

// Manager tracks the quorums mined on chain and keeps, per enabled LLMQ
// type, a window of the most recent verified quorums. Quorums that fell out
// of the window are unknown: callers must treat a missing quorum as "too old
// to verify", not as a bad signature.
type Manager struct {
	opts    *options
	lists   ListSource
	members *lru.Cache[memberKey, []*mnlist.Entry]

	mu sync.RWMutex
	// synced is set once active holds every quorum on chain, which is needed
	// to check the coinbase quorum root.
	synced  bool
	active  map[commitment.Ref]minedCommitment
	windows map[dash.LLMQType][]*Quorum
	pending map[commitment.Ref]minedCommitment
}

func NewManager(lists ListSource, o ...Option) (*Manager, error) {
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	members, err := lru.New[memberKey, []*mnlist.Entry](opts.memberCacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:    opts,
		lists:   lists,
		members: members,
		active:  make(map[commitment.Ref]minedCommitment),
		windows: make(map[dash.LLMQType][]*Quorum),
		pending: make(map[commitment.Ref]minedCommitment),
	}, nil
}

// Enabled reports whether quorums of t are built and retained.
func (m *Manager) Enabled(t dash.LLMQType) bool {
	_, ok := m.opts.windows[t]
	return ok
}

func (m *Manager) selectMembers(ctx context.Context, list *mnlist.List, t dash.LLMQType, quorumHash dash.Hash, size int) []*mnlist.Entry {
	key := memberKey{llmqType: t, quorumHash: quorumHash, listHash: list.BlockHash()}
	if members, ok := m.members.Get(key); ok {
		metrics.memberCache.Add(ctx, 1, metric.WithAttributes(attrHit.Bool(true)))
		return members
	}
	metrics.memberCache.Add(ctx, 1, metric.WithAttributes(attrHit.Bool(false)))
	members := SelectMembers(list, t, quorumHash, size)
	m.members.Add(key, members)
	return members
}

// BuildQuorum verifies c against the members selected from list, the
// masternode list at the quorum's base block, and returns the quorum. It
// does not add the quorum to the manager.
func (m *Manager) BuildQuorum(ctx context.Context, c *commitment.Commitment, list *mnlist.List) (*Quorum, error) {
	return m.build(ctx, c, list, list.Height())
}

func (m *Manager) build(ctx context.Context, c *commitment.Commitment, list *mnlist.List, minedHeight uint32) (_ *Quorum, _err error) {
	defer func() {
		metrics.built.Add(ctx, 1, metric.WithAttributes(
			measurements.Status(ctx, _err), measurements.LLMQType(c.LLMQType)))
	}()
	params, err := c.LLMQType.Params()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dash.ErrInvalidCommitment, err)
	}
	if c.IsIndexed() {
		return nil, fmt.Errorf("%w: rotated quorum %s needs snapshots", dash.ErrInvalidCommitment, c.Ref())
	}
	if list.BlockHash() != c.QuorumHash {
		return nil, fmt.Errorf("list at %s cannot select the members of %s", list.BlockHash(), c.Ref())
	}
	members := m.selectMembers(ctx, list, c.LLMQType, c.QuorumHash, params.Size)
	if err := VerifyCommitment(m.opts.verifier, c, members); err != nil {
		return nil, err
	}
	return newQuorum(c, params, members, list.Height(), minedHeight), nil
}

// SnapshotCycle is the masternode list and usage snapshot of one rotation
// cycle, used to rebuild rotated quorums.
type SnapshotCycle struct {
	List     *mnlist.List
	Snapshot *Snapshot
}

// BuildQuorumFromSnapshot rebuilds a known rotated quorum from the snapshots
// of the cycles it draws its quarters from, oldest first, verifies it and
// adds it to the window. This path is meant for catching up on history.
func (m *Manager) BuildQuorumFromSnapshot(ctx context.Context, ref commitment.Ref, cycles []SnapshotCycle) (*Quorum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.pending[ref]
	if !ok {
		if mc, ok = m.active[ref]; !ok {
			return nil, fmt.Errorf("%w: no commitment for %s", dash.ErrQuorumNotFound, ref)
		}
	}
	c := mc.c
	params, err := c.LLMQType.Params()
	if err != nil {
		return nil, err
	}
	if !c.IsIndexed() || !params.UseRotation {
		return nil, fmt.Errorf("%w: %s is not a rotated quorum", ErrInvalidSnapshot, ref)
	}
	if len(cycles) == 0 {
		return nil, fmt.Errorf("%w: no cycles", ErrInvalidSnapshot)
	}
	if int(c.QuorumIndex) >= params.SigningActiveQuorumCount {
		return nil, fmt.Errorf("%w: quorum index %d", dash.ErrInvalidCommitment, c.QuorumIndex)
	}

	var members []*mnlist.Entry
	for _, cycle := range cycles {
		modifier := dash.BuildLLMQBlockHash(c.LLMQType, cycle.List.BlockHash())
		quarters, err := QuarterMembersFromSnapshot(cycle.List, params, modifier, cycle.Snapshot)
		if err != nil {
			return nil, err
		}
		members = append(members, quarters[c.QuorumIndex]...)
	}
	if len(members) > params.Size {
		members = members[len(members)-params.Size:]
	}
	if err := VerifyCommitment(m.opts.verifier, c, members); err != nil {
		metrics.built.Add(ctx, 1, metric.WithAttributes(measurements.AttrStatusRejected))
		return nil, err
	}
	metrics.built.Add(ctx, 1, metric.WithAttributes(measurements.AttrStatusSuccess))
	q := newQuorum(c, params, members, cycles[len(cycles)-1].List.Height(), mc.minedHeight)
	delete(m.pending, ref)
	m.insert(ctx, q)
	return q, nil
}

// ActivateWithList builds the pending commitments whose base block is the
// block of list, typically a historical list fetched for the purpose.
func (m *Manager) ActivateWithList(ctx context.Context, list *mnlist.List) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var built int
	for ref, mc := range m.pending {
		if ref.QuorumHash != list.BlockHash() || mc.c.IsIndexed() {
			continue
		}
		q, err := m.build(ctx, mc.c, list, mc.minedHeight)
		if err != nil {
			delete(m.pending, ref)
			return built, fmt.Errorf("building pending quorum %s: %w", ref, err)
		}
		delete(m.pending, ref)
		m.insert(ctx, q)
		built++
	}
	metrics.pending.Record(ctx, int64(len(m.pending)))
	return built, nil
}

func (m *Manager) listFor(current *mnlist.List, quorumHash dash.Hash) (*mnlist.List, bool) {
	if current.BlockHash() == quorumHash {
		return current, true
	}
	return m.lists.ListAt(quorumHash)
}

// ProcessDiff applies the quorum section of a masternode list diff. It runs
// before list is published and rejects the whole diff if any new commitment
// fails verification or the coinbase quorum root does not match.
func (m *Manager) ProcessDiff(ctx context.Context, list *mnlist.List, diff *mnlist.Diff) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromGenesis := diff.PrevBlockHash == dash.ZeroHash
	active := m.active
	if fromGenesis {
		active = make(map[commitment.Ref]minedCommitment, len(diff.NewQuorums))
	} else if diff.HasQuorumChanges() {
		active = maps.Clone(active)
	}

	for _, ref := range diff.DeletedQuorums {
		if _, ok := active[ref]; !ok {
			log.Debugw("diff deletes unknown quorum", "quorum", ref, "block", diff.BlockHash)
		}
		delete(active, ref)
	}

	var built []*Quorum
	var pend []minedCommitment
	for _, c := range diff.NewQuorums {
		if err := c.VerifyStructure(); err != nil {
			return err
		}
		if c.IsNull() {
			continue
		}
		ref := c.Ref()
		if _, dup := active[ref]; dup {
			return fmt.Errorf("%w: quorum %s is already active", dash.ErrMalformedDiff, ref)
		}
		mc := minedCommitment{c: c, minedHeight: diff.Height()}
		active[ref] = mc
		if !m.Enabled(c.LLMQType) {
			continue
		}
		ql, ok := m.listFor(list, c.QuorumHash)
		if !ok || c.IsIndexed() {
			pend = append(pend, mc)
			continue
		}
		q, err := m.build(ctx, c, ql, mc.minedHeight)
		if err != nil {
			return err
		}
		built = append(built, q)
	}

	synced := m.synced || fromGenesis
	if m.opts.verifyQuorumRoot && synced && diff.Coinbase.Payload.HasQuorumRoot() {
		if root := activeRoot(active); root != diff.Coinbase.Payload.MerkleRootQuorums {
			return fmt.Errorf("%w: quorum root %s, coinbase commits to %s",
				dash.ErrCommitmentMismatch, root, diff.Coinbase.Payload.MerkleRootQuorums)
		}
	}

	m.synced = synced
	m.active = active
	if fromGenesis {
		clear(m.pending)
	}
	for _, ref := range diff.DeletedQuorums {
		delete(m.pending, ref)
	}
	for _, q := range built {
		m.insert(ctx, q)
		log.Infow("quorum activated", "quorum", q.Ref(), "height", q.Height, "mined", q.MinedHeight)
	}
	for _, mc := range pend {
		m.addPending(mc)
	}
	metrics.pending.Record(ctx, int64(len(m.pending)))
	return nil
}

// QuorumMerkleRoot is the coinbase commitment to a set of active quorums.
func QuorumMerkleRoot(cs []*commitment.Commitment) dash.Hash {
	hashes := make([]dash.Hash, len(cs))
	for i, c := range cs {
		hashes[i] = c.Hash()
	}
	slices.SortFunc(hashes, func(a, b dash.Hash) int { return bytes.Compare(a[:], b[:]) })
	return merkle.Root(hashes)
}

func activeRoot(active map[commitment.Ref]minedCommitment) dash.Hash {
	cs := make([]*commitment.Commitment, 0, len(active))
	for _, mc := range active {
		cs = append(cs, mc.c)
	}
	return QuorumMerkleRoot(cs)
}

func (m *Manager) addPending(mc minedCommitment) {
	if m.opts.maxPending == 0 {
		return
	}
	if len(m.pending) >= m.opts.maxPending {
		var oldest commitment.Ref
		first := true
		for ref, p := range m.pending {
			if first || p.minedHeight < m.pending[oldest].minedHeight {
				oldest, first = ref, false
			}
		}
		delete(m.pending, oldest)
	}
	m.pending[mc.c.Ref()] = mc
}

// insert adds q to its type's window, newest first, evicting the oldest
// quorums beyond the window size.
func (m *Manager) insert(ctx context.Context, q *Quorum) {
	t := q.Type()
	window := m.windows[t]
	if slices.ContainsFunc(window, func(o *Quorum) bool { return o.Hash() == q.Hash() }) {
		return
	}
	pos, _ := slices.BinarySearchFunc(window, q, func(a, b *Quorum) int {
		// Descending by height, then by index.
		if a.Height != b.Height {
			if a.Height > b.Height {
				return -1
			}
			return 1
		}
		return int(b.Index()) - int(a.Index())
	})
	window = slices.Insert(window, pos, q)
	if limit := m.opts.windows[t]; len(window) > limit {
		for _, old := range window[limit:] {
			log.Debugw("quorum left the signing window", "quorum", old.Ref(), "height", old.Height)
		}
		metrics.evicted.Add(ctx, int64(len(window)-limit),
			metric.WithAttributes(measurements.LLMQType(t)))
		clear(window[limit:])
		window = window[:limit]
	}
	m.windows[t] = window
}

// GetQuorum returns the quorum if it is within its type's window.
func (m *Manager) GetQuorum(t dash.LLMQType, quorumHash dash.Hash) (*Quorum, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, q := range m.windows[t] {
		if q.Hash() == quorumHash {
			return q, true
		}
	}
	return nil, false
}

// ScanQuorums returns up to maxCount of the newest quorums of t, newest
// first.
func (m *Manager) ScanQuorums(t dash.LLMQType, maxCount int) []*Quorum {
	return m.ScanQuorumsAt(t, ^uint32(0), maxCount)
}

// ScanQuorumsAt is ScanQuorums restricted to quorums mined at or below
// height.
func (m *Manager) ScanQuorumsAt(t dash.LLMQType, height uint32, maxCount int) []*Quorum {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Quorum
	for _, q := range m.windows[t] {
		if len(out) >= maxCount {
			break
		}
		if q.MinedHeight <= height {
			out = append(out, q)
		}
	}
	return out
}

// SelectQuorumForSigning picks the quorum responsible for signing request id
// at signHeight: among the active quorums SignHeightOffset blocks earlier,
// the one with the lowest selection hash, or for rotated types the one whose
// index the id's high bits name.
func (m *Manager) SelectQuorumForSigning(t dash.LLMQType, signHeight uint32, id dash.Hash) (*Quorum, error) {
	params, err := t.Params()
	if err != nil {
		return nil, err
	}
	var scanHeight uint32
	if signHeight > dash.SignHeightOffset {
		scanHeight = signHeight - dash.SignHeightOffset
	}
	quorums := m.ScanQuorumsAt(t, scanHeight, params.SigningActiveQuorumCount)
	if len(quorums) == 0 {
		return nil, fmt.Errorf("%w: no active %s quorum at height %d", dash.ErrQuorumNotFound, t, scanHeight)
	}

	if params.UseRotation {
		n := bits.Len(uint(params.SigningActiveQuorumCount)) - 1
		index := uint16(binary.LittleEndian.Uint64(id[24:]) >> (64 - n - 1) & (1<<n - 1))
		for _, q := range quorums {
			if q.Index() == index {
				return q, nil
			}
		}
		return nil, fmt.Errorf("%w: no active %s quorum with index %d", dash.ErrQuorumNotFound, t, index)
	}

	best := quorums[0]
	bestHash := dash.QuorumSelectionHash(t, best.Hash(), id)
	for _, q := range quorums[1:] {
		if h := dash.QuorumSelectionHash(t, q.Hash(), id); dash.HashLess(h, bestHash) {
			best, bestHash = q, h
		}
	}
	return best, nil
}

// ActiveCommitments returns the commitments of t currently active on chain.
func (m *Manager) ActiveCommitments(t dash.LLMQType) []*commitment.Commitment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*commitment.Commitment
	for ref, mc := range m.active {
		if ref.LLMQType == t {
			out = append(out, mc.c)
		}
	}
	return out
}

// Pending returns the refs of commitments waiting for their members.
func (m *Manager) Pending() []commitment.Ref {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make([]commitment.Ref, 0, len(m.pending))
	for ref := range m.pending {
		refs = append(refs, ref)
	}
	return refs
}

// VerifyRecoveredSig checks a recovered signature against the quorum it
// names. A quorum outside the window yields ErrQuorumNotFound.
func (m *Manager) VerifyRecoveredSig(t dash.LLMQType, quorumHash, id, msgHash dash.Hash, sig []byte) error {
	q, ok := m.GetQuorum(t, quorumHash)
	if !ok {
		return fmt.Errorf("%w: %s-%s", dash.ErrQuorumNotFound, t, quorumHash)
	}
	if err := q.VerifyRecoveredSig(m.opts.verifier, id, msgHash, sig); err != nil {
		return fmt.Errorf("%w: recovered signature for %s: %w", dash.ErrInvalidSignature, id, err)
	}
	return nil
}

// SetVerificationVector attaches a verification vector to a known quorum.
func (m *Manager) SetVerificationVector(ref commitment.Ref, vvec [][]byte) error {
	q, ok := m.GetQuorum(ref.LLMQType, ref.QuorumHash)
	if !ok {
		return fmt.Errorf("%w: %s", dash.ErrQuorumNotFound, ref)
	}
	return q.SetVerificationVector(vvec)
}

// Verifier returns the verifier the manager checks signatures with.
func (m *Manager) Verifier() *blssig.Verifier { return m.opts.verifier }
