package chainlock

import (
	"context"
	"fmt"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
	"github.com/dashpay/go-llmq/internal/flatfile"
)

const fileTag = "chainlocks"

// Save writes the best chain lock to the handler's flat file.
func (h *Handler) Save() error {
	if h.opts.path == "" {
		return nil
	}
	w := encoding.NewWriter()
	best := h.BestChainLock()
	w.WriteBool(best != nil)
	if best != nil {
		best.Encode(w)
	}
	return flatfile.Save(h.opts.path, fileTag, h.opts.magic, w.Bytes())
}

// Load restores the best chain lock written by Save. A corrupt file leaves
// the handler without a chain lock and returns an error wrapping
// ErrStorageCorruption.
func (h *Handler) Load(ctx context.Context) error {
	if h.opts.path == "" {
		return nil
	}
	body, err := flatfile.Load(h.opts.path, fileTag, h.opts.magic)
	switch {
	case flatfile.IsFresh(err):
		return nil
	case err == nil:
		var best *ChainLock
		if best, err = decodeBest(body); err == nil {
			h.restore(ctx, best)
			return nil
		}
		err = fmt.Errorf("%w: %w", dash.ErrStorageCorruption, err)
	}
	log.Errorw("chain lock file is corrupt, starting from scratch", "path", h.opts.path, "error", err)
	h.mu.Lock()
	h.best, h.bestHeader = nil, nil
	h.mu.Unlock()
	return err
}

func decodeBest(body []byte) (*ChainLock, error) {
	r := encoding.NewReader(body)
	var best *ChainLock
	if r.ReadBool() {
		best = DecodeChainLock(r)
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return best, nil
}

func (h *Handler) restore(ctx context.Context, best *ChainLock) {
	if best == nil {
		return
	}
	header, err := h.headers.GetHeader(ctx, best.BlockHash)
	if err != nil {
		header = nil
	}
	h.mu.Lock()
	h.best, h.bestHeader = best, header
	h.mu.Unlock()
	h.updates.Publish(best)
	metrics.bestHeight.Record(ctx, int64(best.Height))
	log.Infow("loaded best chain lock", "height", best.Height, "block", best.BlockHash)
}
