package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/dashpay/go-llmq/dash"
)

var _ HeaderIndex = (*FakeChain)(nil)

// FakeChain is an in-memory header index with deterministic block hashes,
// used by tests and simulations. Blocks are never validated.
type FakeChain struct {
	seed    []byte
	genesis time.Time
	spacing time.Duration

	lk      sync.RWMutex
	headers map[dash.Hash]*Header
	best    []*Header
}

func NewFakeChain(seed []byte) *FakeChain {
	fc := &FakeChain{
		seed:    seed,
		genesis: time.Unix(1390095618, 0),
		spacing: 150 * time.Second,
		headers: make(map[dash.Hash]*Header),
	}
	g := fc.makeHeader(nil, 0)
	fc.headers[g.Hash] = g
	fc.best = []*Header{g}
	return fc
}

func (fc *FakeChain) makeHeader(prev *Header, branch uint64) *Header {
	h := &Header{}
	if prev != nil {
		h.PrevHash = prev.Hash
		h.Height = prev.Height + 1
	}
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[:4], h.Height)
	binary.LittleEndian.PutUint64(buf[4:], branch)
	h.Hash = dash.DoubleHash(fc.seed, h.PrevHash[:], buf[:])
	h.MerkleRoot = dash.DoubleHash([]byte("merkle"), h.Hash[:])
	h.Time = fc.genesis.Add(time.Duration(h.Height) * fc.spacing)
	return h
}

// Extend appends n blocks to the best chain and returns the new tip.
func (fc *FakeChain) Extend(n int) *Header {
	fc.lk.Lock()
	defer fc.lk.Unlock()
	for i := 0; i < n; i++ {
		h := fc.makeHeader(fc.best[len(fc.best)-1], 0)
		fc.headers[h.Hash] = h
		fc.best = append(fc.best, h)
	}
	return fc.best[len(fc.best)-1]
}

// Fork builds n blocks on top of from on a side branch identified by branch
// and returns the side tip. The best chain is unchanged until Reorg.
func (fc *FakeChain) Fork(from dash.Hash, n int, branch uint64) (*Header, error) {
	fc.lk.Lock()
	defer fc.lk.Unlock()
	prev, ok := fc.headers[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, from)
	}
	for i := 0; i < n; i++ {
		h := fc.makeHeader(prev, branch)
		fc.headers[h.Hash] = h
		prev = h
	}
	return prev, nil
}

// AddHeader inserts an arbitrary header without touching the best chain.
func (fc *FakeChain) AddHeader(h *Header) {
	fc.lk.Lock()
	defer fc.lk.Unlock()
	fc.headers[h.Hash] = h
}

// Reorg makes the branch ending at tip the best chain.
func (fc *FakeChain) Reorg(tip dash.Hash) error {
	fc.lk.Lock()
	defer fc.lk.Unlock()
	h, ok := fc.headers[tip]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, tip)
	}
	best := make([]*Header, h.Height+1)
	for {
		best[h.Height] = h
		if h.Height == 0 {
			break
		}
		if h, ok = fc.headers[h.PrevHash]; !ok {
			return fmt.Errorf("%w: broken branch below %s", ErrUnknownBlock, tip)
		}
	}
	fc.best = best
	return nil
}

func (fc *FakeChain) GetHeader(_ context.Context, hash dash.Hash) (*Header, error) {
	fc.lk.RLock()
	defer fc.lk.RUnlock()
	if h, ok := fc.headers[hash]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, hash)
}

func (fc *FakeChain) GetHeaderByHeight(_ context.Context, height uint32) (*Header, error) {
	fc.lk.RLock()
	defer fc.lk.RUnlock()
	if int(height) >= len(fc.best) {
		return nil, fmt.Errorf("%w: height %d above tip", ErrUnknownBlock, height)
	}
	return fc.best[height], nil
}

func (fc *FakeChain) GetTip(context.Context) (*Header, error) {
	fc.lk.RLock()
	defer fc.lk.RUnlock()
	return fc.best[len(fc.best)-1], nil
}
