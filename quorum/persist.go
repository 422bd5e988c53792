package quorum

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
	"github.com/dashpay/go-llmq/internal/flatfile"
)

const (
	fileTag    = "quorums"
	maxQuorums = 1 << 12
)

// Save writes the active commitments with their mined heights. Quorums are
// rebuilt from them on Load.
func (m *Manager) Save() error {
	if m.opts.path == "" {
		return nil
	}
	m.mu.RLock()
	mined := make([]minedCommitment, 0, len(m.active))
	for _, mc := range m.active {
		mined = append(mined, mc)
	}
	synced := m.synced
	m.mu.RUnlock()
	if !synced {
		return nil
	}

	slices.SortFunc(mined, func(a, b minedCommitment) int {
		if a.minedHeight != b.minedHeight {
			return int(a.minedHeight) - int(b.minedHeight)
		}
		return bytes.Compare(a.c.QuorumHash[:], b.c.QuorumHash[:])
	})
	w := encoding.NewWriter()
	w.WriteVarInt(uint64(len(mined)))
	for _, mc := range mined {
		w.WriteUint32(mc.minedHeight)
		mc.c.Encode(w)
	}
	return flatfile.Save(m.opts.path, fileTag, m.opts.magic, w.Bytes())
}

// Load restores the commitments written by Save and rebuilds the quorums
// whose member lists are retained. The rest stay pending. A corrupt file
// leaves the manager empty and returns an error wrapping
// ErrStorageCorruption.
func (m *Manager) Load() error {
	if m.opts.path == "" {
		return nil
	}
	body, err := flatfile.Load(m.opts.path, fileTag, m.opts.magic)
	if flatfile.IsFresh(err) {
		return nil
	}
	var mined []minedCommitment
	if err == nil {
		mined, err = decodeCommitments(body)
	}
	if err != nil {
		log.Errorw("quorum file is corrupt, starting from scratch", "path", m.opts.path, "error", err)
		return fmt.Errorf("%w: %w", dash.ErrStorageCorruption, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[commitment.Ref]minedCommitment, len(mined))
	clear(m.windows)
	clear(m.pending)
	m.synced = true
	ctx := context.TODO()
	var built int
	for _, mc := range mined {
		m.active[mc.c.Ref()] = mc
		if !m.Enabled(mc.c.LLMQType) {
			continue
		}
		list, ok := m.lists.ListAt(mc.c.QuorumHash)
		if !ok || mc.c.IsIndexed() {
			m.addPending(mc)
			continue
		}
		q, err := m.build(ctx, mc.c, list, mc.minedHeight)
		if err != nil {
			log.Warnw("dropping stored quorum", "quorum", mc.c.Ref(), "error", err)
			continue
		}
		m.insert(ctx, q)
		built++
	}
	log.Infow("loaded quorums", "active", len(m.active), "built", built, "pending", len(m.pending))
	return nil
}

func decodeCommitments(body []byte) ([]minedCommitment, error) {
	r := encoding.NewReader(body)
	n := r.ReadCount(maxQuorums)
	mined := make([]minedCommitment, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		height := r.ReadUint32()
		c := commitment.Decode(r)
		if r.Err() == nil {
			mined = append(mined, minedCommitment{c: c, minedHeight: height})
		}
	}
	if err := r.Finish(); err != nil {
		return nil, err
	}
	return mined, nil
}
