// Package llmq follows the long living masternode quorums of a Dash network:
// the masternode list, the quorums built from it, the signatures they recover,
// and the chain locks and instant locks those signatures make final.
package llmq

import (
	"context"
	"errors"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/dashpay/go-llmq/chain"
	"github.com/dashpay/go-llmq/chainlock"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/instantsend"
	"github.com/dashpay/go-llmq/internal/caching"
	"github.com/dashpay/go-llmq/manifest"
	"github.com/dashpay/go-llmq/mnlist"
	"github.com/dashpay/go-llmq/quorum"
	"github.com/dashpay/go-llmq/recsig"
	"github.com/dashpay/go-llmq/signing"
)

// seenMessages is the number of processed messages remembered per generation.
const seenMessages = 4096

// Context wires the components that follow the quorums of one network and
// owns the background coordinator that retries their pending work.
type Context struct {
	manifest *manifest.Manifest
	headers  chain.HeaderIndex

	MasternodeLists *mnlist.Store
	Quorums         *quorum.Manager
	Signing         *signing.Manager
	ChainLocks      *chainlock.Handler
	InstantSend     *instantsend.Manager

	coordinator *signing.Coordinator
	seen        *caching.Set

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates the context of the network described by m. Recovered
// signatures and instant locks are kept in ds under the manifest's prefix.
// The context is used for initialization, not runtime.
func New(ctx context.Context, m *manifest.Manifest, ds datastore.Datastore, headers chain.HeaderIndex, o ...Option) (*Context, error) {
	if err := m.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid manifest: %w", err)
	}
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	ds = namespace.Wrap(ds, m.DatastorePrefix())

	mnOpts := m.MasternodeListOptions()
	if opts.headerCheck {
		mnOpts = append(mnOpts, mnlist.WithHeaderIndex(headers))
	}
	lists, err := mnlist.NewStore(mnOpts...)
	if err != nil {
		return nil, xerrors.Errorf("creating masternode list store: %w", err)
	}
	quorums, err := quorum.NewManager(lists, append(m.QuorumOptions(), quorum.WithVerifier(opts.verifier))...)
	if err != nil {
		return nil, xerrors.Errorf("creating quorum manager: %w", err)
	}
	lists.AddProcessor(quorums)

	signer, err := signing.NewManager(quorums, recsig.NewDB(recsig.NewMeteredDatastore(ds)), m.SigningOptions()...)
	if err != nil {
		return nil, xerrors.Errorf("creating signing manager: %w", err)
	}
	chainLocks, err := chainlock.NewHandler(m.ChainLocksType, headers, signer, m.ChainLockOptions()...)
	if err != nil {
		return nil, xerrors.Errorf("creating chain lock handler: %w", err)
	}
	islocks := instantsend.NewDB(instantsend.NewMeteredDatastore(ds))
	instantSend, err := instantsend.NewManager(m.InstantSendType, headers, signer, islocks, m.InstantSendOptions()...)
	if err != nil {
		return nil, xerrors.Errorf("creating instant send manager: %w", err)
	}
	signer.AddRecoveredSigListener(chainLocks)
	signer.AddRecoveredSigListener(instantSend)
	chainLocks.AddListener(instantSend)

	c := &Context{
		manifest:        m,
		headers:         headers,
		MasternodeLists: lists,
		Quorums:         quorums,
		Signing:         signer,
		ChainLocks:      chainLocks,
		InstantSend:     instantSend,
		seen:            caching.NewSet(seenMessages),
	}
	c.coordinator = signing.NewCoordinator(ctx, m.CleanupInterval, c.cleanup)
	c.coordinator.AddWorker("instantsend", instantSend)
	c.coordinator.AddWorker("signing", signer)
	c.coordinator.AddWorker("chainlock", chainLocks)
	return c, nil
}

func (c *Context) Manifest() *manifest.Manifest { return c.manifest }

func (c *Context) cleanup(ctx context.Context) error {
	return c.Signing.Cleanup(ctx, c.manifest.RecoveredSigMaxAge)
}

// Start restores the persisted state and starts the coordinator. Corrupt
// files are logged and discarded; the context then resyncs from the
// network.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return errors.New("llmq context cannot be started twice")
	}

	for _, s := range []struct {
		name string
		load func() error
	}{
		{"masternode lists", c.MasternodeLists.Load},
		{"quorums", c.Quorums.Load},
		{"chain locks", func() error { return c.ChainLocks.Load(ctx) }},
		{"recovered signatures", func() error { return c.importRecoveredSigs(ctx) }},
	} {
		err := s.load()
		if errors.Is(err, dash.ErrStorageCorruption) {
			metrics.discardedStates.Add(ctx, 1)
			log.Warnw("discarded corrupt persisted state", "state", s.name, "error", err)
		} else if err != nil {
			return xerrors.Errorf("loading %s: %w", s.name, err)
		}
	}

	if err := c.coordinator.Start(ctx); err != nil {
		return xerrors.Errorf("starting coordinator: %w", err)
	}
	c.started = true
	log.Infow("started llmq context", "network", c.manifest.NetworkName,
		"height", c.MasternodeLists.Current().Height())
	return nil
}

// Stop stops the coordinator and persists the state. A stopped context
// cannot be started again.
func (c *Context) Stop(ctx context.Context) (_err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started, c.stopped = false, true

	_err = multierr.Append(_err, c.coordinator.Stop(ctx))
	_err = multierr.Append(_err, c.MasternodeLists.Save())
	_err = multierr.Append(_err, c.Quorums.Save())
	_err = multierr.Append(_err, c.ChainLocks.Save())
	_err = multierr.Append(_err, c.exportRecoveredSigs(ctx))
	if _err != nil {
		log.Errorw("stopping llmq context", "error", _err)
	}
	return _err
}

// importRecoveredSigs restores the signatures exported by the last Stop. The
// datastore may already hold them; importing them again is a no-op.
func (c *Context) importRecoveredSigs(ctx context.Context) error {
	path := c.manifest.RecoveredSigPath()
	if path == "" {
		return nil
	}
	n, err := c.Signing.DB().Import(ctx, path, c.manifest.NetworkMagic)
	if n > 0 {
		log.Debugw("imported recovered signatures", "count", n)
	}
	return err
}

func (c *Context) exportRecoveredSigs(ctx context.Context) error {
	path := c.manifest.RecoveredSigPath()
	if path == "" {
		return nil
	}
	_, err := c.Signing.DB().Export(ctx, path, c.manifest.NetworkMagic)
	return err
}

// BlockConnected records the transactions mined in header and checks the new
// tip against the best chain lock. The returned error wraps
// ErrChainLockConflict when the tip is on a branch the chain lock forbids.
func (c *Context) BlockConnected(ctx context.Context, header *chain.Header, txids []dash.Hash) error {
	var errs error
	for _, txid := range txids {
		errs = multierr.Append(errs, c.InstantSend.TransactionMined(ctx, txid, header.Height))
	}
	if !c.ChainLocks.IsNewTipAllowed(ctx, header) {
		best := c.ChainLocks.BestChainLock()
		errs = multierr.Append(errs, xerrors.Errorf("block %s conflicts with %s: %w", header, best, dash.ErrChainLockConflict))
	}
	return errs
}

// BlockDisconnected forgets the mined height of the transactions of a block
// removed by a reorg.
func (c *Context) BlockDisconnected(ctx context.Context, txids []dash.Hash) error {
	var errs error
	for _, txid := range txids {
		errs = multierr.Append(errs, c.InstantSend.TransactionUnmined(ctx, txid))
	}
	return errs
}
