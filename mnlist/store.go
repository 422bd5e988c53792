package mnlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Kubuxu/go-broadcast"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/xerrors"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
	"github.com/dashpay/go-llmq/internal/flatfile"
	"github.com/dashpay/go-llmq/internal/measurements"
)

const fileTag = "masternode-list"

// Processor consumes a diff's quorum section. It runs before the list is
// published; an error rejects the diff and nothing is published.
type Processor interface {
	ProcessDiff(ctx context.Context, list *List, diff *Diff) error
}

// Listener is notified synchronously after a list has been published.
// Implementations must not block.
type Listener interface {
	MasternodeListDiffApplied(list *List, diff *Diff)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(list *List, diff *Diff)

func (f ListenerFunc) MasternodeListDiffApplied(list *List, diff *Diff) { f(list, diff) }

// Store holds the current masternode list and the last few published lists.
// Readers never block: the current list is swapped in atomically.
type Store struct {
	opts *options

	current atomic.Pointer[List]
	tips    broadcast.Channel[*List]

	// mu serializes writers and guards the hooks.
	mu         sync.Mutex
	processors []Processor
	listeners  []Listener

	histMu  sync.RWMutex
	history []*List
}

func NewStore(o ...Option) (*Store, error) {
	opts, err := newOptions(o...)
	if err != nil {
		return nil, err
	}
	s := &Store{opts: opts}
	s.reset()
	return s, nil
}

func (s *Store) reset() {
	empty := NewList()
	s.histMu.Lock()
	s.history = []*List{empty}
	s.histMu.Unlock()
	s.current.Store(empty)
}

// Current returns the most recently published list.
func (s *Store) Current() *List {
	return s.current.Load()
}

// ListAt returns the retained list at blockHash.
func (s *Store) ListAt(blockHash dash.Hash) (*List, bool) {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].BlockHash() == blockHash {
			return s.history[i], true
		}
	}
	return nil, false
}

// ListAtHeight returns the newest retained list at or below height.
func (s *Store) ListAtHeight(height uint32) (*List, bool) {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if l := s.history[i]; !l.IsEmpty() && l.Height() <= height {
			return l, true
		}
	}
	return nil, false
}

func (s *Store) AddProcessor(p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors = append(s.processors, p)
}

func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Subscribe delivers each newly published list on ch. If ch is full it is
// dropped from the subscription and closed.
func (s *Store) Subscribe(ch chan<- *List) (last *List, closer func()) {
	return s.tips.Subscribe(ch)
}

// ApplyDiff applies diff to the current list and publishes the result. Diffs
// must arrive in block order: a diff that does not extend the current list
// fails with ErrMalformedDiff and leaves the store untouched.
func (s *Store) ApplyDiff(ctx context.Context, diff *Diff) (_ *List, _err error) {
	defer func() {
		metrics.diffs.Add(ctx, 1, metric.WithAttributes(measurements.Status(ctx, _err)))
	}()

	if err := s.checkHeader(ctx, diff); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := ApplyDiff(s.current.Load(), diff)
	if err != nil {
		log.Warnw("rejected masternode list diff", "block", diff.BlockHash, "error", err)
		return nil, err
	}
	for _, p := range s.processors {
		if err := p.ProcessDiff(ctx, next, diff); err != nil {
			log.Warnw("rejected quorum changes of masternode list diff", "block", diff.BlockHash, "error", err)
			return nil, err
		}
	}

	s.histMu.Lock()
	s.history = append(s.history, next)
	if over := len(s.history) - s.opts.history; over > 0 {
		clear(s.history[:over])
		s.history = s.history[over:]
	}
	s.histMu.Unlock()
	s.current.Store(next)
	s.tips.Publish(next)

	metrics.listSize.Record(ctx, int64(next.Len()))
	metrics.height.Record(ctx, int64(next.Height()))
	metrics.entries.Record(ctx, int64(len(diff.Entries)))
	log.Debugw("applied masternode list diff", "block", diff.BlockHash, "height", next.Height(),
		"size", next.Len(), "added", len(diff.Entries), "removed", len(diff.Removed))

	for _, l := range s.listeners {
		s.notify(ctx, l, next, diff)
	}
	return next, nil
}

func (s *Store) notify(ctx context.Context, l Listener, list *List, diff *Diff) {
	defer func() {
		if r := recover(); r != nil {
			metrics.listeners.Add(ctx, 1)
			log.Errorw("PANIC in masternode list listener", "error", r)
		}
	}()
	l.MasternodeListDiffApplied(list, diff)
}

func (s *Store) checkHeader(ctx context.Context, diff *Diff) error {
	if s.opts.headers == nil {
		return nil
	}
	header, err := s.opts.headers.GetHeader(ctx, diff.BlockHash)
	if err != nil {
		return xerrors.Errorf("looking up block of diff: %w", err)
	}
	if header.Height != diff.Height() {
		return fmt.Errorf("%w: coinbase height %d, block %s is at %d",
			dash.ErrMalformedDiff, diff.Height(), diff.BlockHash, header.Height)
	}
	root, _, _, err := diff.CoinbaseProof.ExtractMatches()
	if err != nil {
		return fmt.Errorf("%w: coinbase proof: %w", dash.ErrMalformedDiff, err)
	}
	if root != header.MerkleRoot {
		return fmt.Errorf("%w: coinbase proof root %s, header has %s",
			dash.ErrCommitmentMismatch, root, header.MerkleRoot)
	}
	return nil
}

// Save writes the retained lists to the store's flat file.
func (s *Store) Save() error {
	if s.opts.path == "" {
		return nil
	}
	s.histMu.RLock()
	w := encoding.NewWriter()
	w.WriteVarInt(uint64(len(s.history)))
	for _, l := range s.history {
		w.WriteHash(l.BlockHash())
		w.WriteUint32(l.Height())
		w.WriteVarInt(uint64(l.Len()))
		l.ForEach(func(e *Entry) bool {
			e.Encode(w)
			return true
		})
	}
	s.histMu.RUnlock()
	return flatfile.Save(s.opts.path, fileTag, s.opts.magic, w.Bytes())
}

// Load restores the lists written by Save. A missing file leaves the store
// empty. A corrupt file also leaves it empty and returns an error wrapping
// ErrStorageCorruption so the caller can resync from the network.
func (s *Store) Load() error {
	if s.opts.path == "" {
		return nil
	}
	body, err := flatfile.Load(s.opts.path, fileTag, s.opts.magic)
	switch {
	case flatfile.IsFresh(err):
		return nil
	case err == nil:
		var history []*List
		if history, err = decodeHistory(body); err == nil {
			s.restore(history)
			return nil
		}
		err = fmt.Errorf("%w: %w", dash.ErrStorageCorruption, err)
	}
	log.Errorw("masternode list file is corrupt, starting from scratch", "path", s.opts.path, "error", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return err
}

func (s *Store) restore(history []*List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if over := len(history) - s.opts.history; over > 0 {
		history = history[over:]
	}
	s.histMu.Lock()
	s.history = history
	s.histMu.Unlock()
	current := history[len(history)-1]
	s.current.Store(current)
	s.tips.Publish(current)
	log.Infow("loaded masternode lists", "count", len(history), "height", current.Height())
}

func decodeHistory(body []byte) ([]*List, error) {
	r := encoding.NewReader(body)
	n := r.ReadCount(encoding.MaxCount)
	var history []*List
	for i := 0; i < n && r.Err() == nil; i++ {
		l := NewList()
		l.blockHash = r.ReadHash()
		l.height = r.ReadUint32()
		m := r.ReadCount(maxListSize)
		for j := 0; j < m && r.Err() == nil; j++ {
			e := DecodeEntry(r)
			if r.Err() == nil {
				l.put(e)
			}
		}
		history = append(history, l)
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errors.New("no lists")
	}
	return history, nil
}
