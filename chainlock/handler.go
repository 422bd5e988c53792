package chainlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kubuxu/go-broadcast"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/dashpay/go-llmq/chain"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/caching"
	"github.com/dashpay/go-llmq/internal/clock"
	"github.com/dashpay/go-llmq/internal/measurements"
	"github.com/dashpay/go-llmq/recsig"
)

// Listener is notified synchronously of every new best chain lock. It must
// not block.
type Listener interface {
	HandleNewChainLock(ctx context.Context, cl *ChainLock)
}

type ListenerFunc func(ctx context.Context, cl *ChainLock)

func (f ListenerFunc) HandleNewChainLock(ctx context.Context, cl *ChainLock) { f(ctx, cl) }

// SignatureVerifier checks a recovered signature against the quorum
// responsible for a request at a height. *signing.Manager implements it.
type SignatureVerifier interface {
	VerifyRecoveredSig(t dash.LLMQType, signHeight uint32, id, msgHash dash.Hash, sig []byte) error
}

type pendingLock struct {
	cl *ChainLock
	// id is set for locks recovered from signatures, whose height is only
	// known once their block is.
	id       dash.Hash
	received time.Time
}

// Handler holds the best chain lock. The best height never decreases: locks
// at or below it are ignored.
type Handler struct {
	opts     *options
	llmqType dash.LLMQType
	headers  chain.HeaderIndex
	verifier SignatureVerifier
	seen     *caching.HeightSet

	mu         sync.RWMutex
	best       *ChainLock
	bestHeader *chain.Header
	pending    []pendingLock

	listenersLk sync.RWMutex
	listeners   []Listener
	updates     broadcast.Channel[*ChainLock]
}

func NewHandler(llmqType dash.LLMQType, headers chain.HeaderIndex, verifier SignatureVerifier, o ...Option) (*Handler, error) {
	if !llmqType.Known() {
		return nil, xerrors.Errorf("chain lock quorum type %d: %w", llmqType, dash.ErrUnknownLLMQType)
	}
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	return &Handler{
		opts:     opts,
		llmqType: llmqType,
		headers:  headers,
		verifier: verifier,
		seen:     caching.NewHeightSet(opts.seenGroups, opts.seenPerGroup),
	}, nil
}

func (h *Handler) AddListener(l Listener) {
	h.listenersLk.Lock()
	defer h.listenersLk.Unlock()
	h.listeners = append(h.listeners, l)
}

// Subscribe delivers each new best chain lock on ch. A full channel is
// dropped from the subscription and closed.
func (h *Handler) Subscribe(ch chan<- *ChainLock) (last *ChainLock, closer func()) {
	return h.updates.Subscribe(ch)
}

// BestChainLock returns the best chain lock, or nil.
func (h *Handler) BestChainLock() *ChainLock {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.best
}

func (h *Handler) isStale(height uint32) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.best != nil && height <= h.best.Height
}

// ProcessChainLock handles a chain lock received from the network. Locks at
// or below the best height and locks seen before are a no-op. A valid lock
// for a block not known yet waits for ProcessPending. A lock the best chain
// tip does not descend from is still accepted; the returned error then wraps
// ErrChainLockConflict.
func (h *Handler) ProcessChainLock(ctx context.Context, cl *ChainLock) (_err error) {
	defer func() {
		metrics.processed.Add(ctx, 1, metric.WithAttributes(attrSource.String("network"), measurements.Status(ctx, _err)))
	}()

	hash := cl.Hash()
	if h.seen.Contains(cl.Height, hash[:]) || h.isStale(cl.Height) {
		return nil
	}
	if err := h.verifier.VerifyRecoveredSig(h.llmqType, cl.Height, cl.RequestID(), cl.BlockHash, cl.Signature); err != nil {
		return xerrors.Errorf("verifying %s: %w", cl, err)
	}
	h.seen.Add(cl.Height, hash[:])

	p := pendingLock{cl: cl, received: clock.GetClock(ctx).Now()}
	waiting, err := h.accept(ctx, p)
	if waiting {
		h.addPending(ctx, p)
	}
	return err
}

// HandleNewRecoveredSig picks chain locks out of the recovered signatures
// accepted by the signing manager. The signed message is the block hash and
// the request id must be the chain lock id of that block's height.
func (h *Handler) HandleNewRecoveredSig(ctx context.Context, rs *recsig.RecoveredSignature) {
	if rs.LLMQType != h.llmqType {
		return
	}
	p := pendingLock{
		cl:       &ChainLock{BlockHash: rs.MsgHash, Signature: rs.Signature},
		id:       rs.ID,
		received: clock.GetClock(ctx).Now(),
	}
	waiting, err := h.accept(ctx, p)
	if waiting && err == nil {
		// Only signatures whose id is the chain lock id of a height just
		// above the tip wait for their block. Anything else is another
		// request kind signed by the same quorum type.
		waiting, err = h.matchAhead(ctx, p)
	}
	if waiting {
		h.addPending(ctx, p)
	}
	if err != nil {
		log.Warnw("chain lock from recovered signature", "recsig", rs, "error", err)
	}
	metrics.processed.Add(ctx, 1, metric.WithAttributes(attrSource.String("recsig"), measurements.Status(ctx, err)))
}

// matchAhead reports whether the recovered lock p may be waiting for a block
// above the local tip, and sets its height if so.
func (h *Handler) matchAhead(ctx context.Context, p pendingLock) (bool, error) {
	tip, err := h.headers.GetTip(ctx)
	if err != nil {
		return false, err
	}
	height, ok := dash.ChainLockHeight(p.id, tip.Height)
	if !ok || h.isStale(height) {
		return false, nil
	}
	p.cl.Height = height
	return true, nil
}

// accept makes p the best lock if its block is known. It reports whether p
// has to wait for its block.
func (h *Handler) accept(ctx context.Context, p pendingLock) (bool, error) {
	header, err := h.headers.GetHeader(ctx, p.cl.BlockHash)
	switch {
	case errors.Is(err, chain.ErrUnknownBlock):
		return true, nil
	case err != nil:
		return true, err
	}

	cl := p.cl
	if p.id != dash.ZeroHash {
		if dash.ChainLockRequestID(header.Height) != p.id {
			// Some other request of the same quorum type.
			return false, nil
		}
		cl = &ChainLock{Height: header.Height, BlockHash: header.Hash, Signature: p.cl.Signature}
	} else if header.Height != cl.Height {
		return false, xerrors.Errorf("%s locks block %s", cl, header)
	}
	return false, h.setBest(ctx, cl, header)
}

func (h *Handler) setBest(ctx context.Context, cl *ChainLock, header *chain.Header) error {
	h.mu.Lock()
	if h.best != nil && cl.Height <= h.best.Height {
		h.mu.Unlock()
		return nil
	}
	h.best, h.bestHeader = cl, header
	var kept []pendingLock
	for _, p := range h.pending {
		if p.id != dash.ZeroHash || p.cl.Height > cl.Height {
			kept = append(kept, p)
		}
	}
	h.pending = kept
	metrics.pending.Record(ctx, int64(len(h.pending)))
	h.mu.Unlock()

	h.seen.RemoveBelow(cl.Height)
	metrics.bestHeight.Record(ctx, int64(cl.Height))
	log.Infow("new best chain lock", "height", cl.Height, "block", cl.BlockHash)

	h.updates.Publish(cl)
	h.listenersLk.RLock()
	listeners := h.listeners
	h.listenersLk.RUnlock()
	for _, l := range listeners {
		h.notify(ctx, l, cl)
	}
	return h.CheckTip(ctx)
}

func (h *Handler) notify(ctx context.Context, l Listener, cl *ChainLock) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("PANIC in chain lock listener", "error", r)
		}
	}()
	l.HandleNewChainLock(ctx, cl)
}

func (h *Handler) addPending(ctx context.Context, p pendingLock) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, q := range h.pending {
		if q.id == p.id && q.cl.BlockHash == p.cl.BlockHash {
			return
		}
	}
	if len(h.pending) >= h.opts.maxPending {
		log.Debugw("dropping oldest pending chain lock", "chainlock", h.pending[0].cl)
		h.pending = h.pending[1:]
	}
	h.pending = append(h.pending, p)
	metrics.pending.Record(ctx, int64(len(h.pending)))
	log.Debugw("chain lock waiting for its block", "block", p.cl.BlockHash)
}

func (h *Handler) PendingCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending)
}

// ProcessPending retries the chain locks waiting for their block and drops
// those that waited too long. It reports whether any was resolved or dropped.
func (h *Handler) ProcessPending(ctx context.Context) (bool, error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	now := clock.GetClock(ctx).Now()
	var progress bool
	var errs error
	var retry []pendingLock
	for _, p := range pending {
		if now.Sub(p.received) > h.opts.pendingMaxAge {
			log.Debugw("dropping expired pending chain lock", "block", p.cl.BlockHash)
			progress = true
			continue
		}
		waiting, err := h.accept(ctx, p)
		errs = multierr.Append(errs, err)
		if waiting {
			retry = append(retry, p)
			continue
		}
		progress = true
	}

	h.mu.Lock()
	h.pending = append(retry, h.pending...)
	if over := len(h.pending) - h.opts.maxPending; over > 0 {
		h.pending = h.pending[over:]
	}
	metrics.pending.Record(ctx, int64(len(h.pending)))
	h.mu.Unlock()
	return progress, errs
}

// bestWithHeader returns the best lock and its header, which may be missing
// for a lock loaded from disk whose block has not been seen yet.
func (h *Handler) bestWithHeader(ctx context.Context) (*ChainLock, *chain.Header) {
	h.mu.RLock()
	best, header := h.best, h.bestHeader
	h.mu.RUnlock()
	if best == nil || header != nil {
		return best, header
	}
	header, err := h.headers.GetHeader(ctx, best.BlockHash)
	if err != nil {
		return best, nil
	}
	h.mu.Lock()
	if h.best == best {
		h.bestHeader = header
	}
	h.mu.Unlock()
	return best, header
}

// IsNewTipAllowed reports whether chain selection may make tip the best
// block: tip must descend from the locked block, or be one of its ancestors.
func (h *Handler) IsNewTipAllowed(ctx context.Context, tip *chain.Header) bool {
	best, locked := h.bestWithHeader(ctx)
	if best == nil {
		return true
	}
	if locked == nil {
		return tip.Height < best.Height || tip.Hash == best.BlockHash
	}
	var ok bool
	var err error
	if tip.Height >= locked.Height {
		ok, err = chain.IsDescendant(ctx, h.headers, tip, locked)
	} else {
		ok, err = chain.IsDescendant(ctx, h.headers, locked, tip)
	}
	if err != nil {
		log.Debugw("cannot relate tip to chain lock", "tip", tip, "chainlock", best, "error", err)
		return false
	}
	return ok
}

// CheckTip returns an error wrapping ErrChainLockConflict if the best chain
// tip is not allowed by the best chain lock.
func (h *Handler) CheckTip(ctx context.Context) error {
	tip, err := h.headers.GetTip(ctx)
	if err != nil {
		return err
	}
	if h.IsNewTipAllowed(ctx, tip) {
		return nil
	}
	best := h.BestChainLock()
	metrics.conflicts.Add(ctx, 1)
	log.Warnw("best chain tip conflicts with chain lock", "tip", tip, "chainlock", best)
	return xerrors.Errorf("tip %s is not on the branch of %s: %w", tip, best, dash.ErrChainLockConflict)
}

// HasChainLock reports whether the best chain lock covers blockHash at
// height, either directly or as an ancestor of the locked block.
func (h *Handler) HasChainLock(ctx context.Context, height uint32, blockHash dash.Hash) bool {
	locked, ok := h.lockedAt(ctx, height)
	return ok && locked == blockHash
}

// HasConflictingChainLock reports whether the best chain lock covers a
// different block than blockHash at height.
func (h *Handler) HasConflictingChainLock(ctx context.Context, height uint32, blockHash dash.Hash) bool {
	locked, ok := h.lockedAt(ctx, height)
	return ok && locked != blockHash
}

// lockedAt returns the block the best chain lock finalizes at height.
func (h *Handler) lockedAt(ctx context.Context, height uint32) (dash.Hash, bool) {
	best, header := h.bestWithHeader(ctx)
	switch {
	case best == nil || height > best.Height:
		return dash.ZeroHash, false
	case height == best.Height:
		return best.BlockHash, true
	case header == nil:
		return dash.ZeroHash, false
	}
	a, err := chain.Ancestor(ctx, h.headers, header.Hash, height)
	if err != nil {
		return dash.ZeroHash, false
	}
	return a.Hash, true
}
