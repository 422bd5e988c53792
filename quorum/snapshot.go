package quorum

import (
	"errors"
	"fmt"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
	"github.com/dashpay/go-llmq/mnlist"
)

// SkipListMode says how a snapshot's skip list is to be read.
type SkipListMode uint32

const (
	// ModeNoSkipping: quarters are filled from the combined list in order.
	ModeNoSkipping SkipListMode = iota
	// ModeSkipEntries: the skip list holds the combined list positions to
	// skip, the first absolute and the rest relative to the first.
	ModeSkipEntries
	// ModeKeepEntries: the skip list holds the only positions to use.
	ModeKeepEntries
	// ModeAllSkipped: no masternode could be used; every quarter is empty.
	ModeAllSkipped
)

const maxSkipList = 1 << 12

var ErrInvalidSnapshot = errors.New("invalid quorum snapshot")

// Snapshot records, for one rotation cycle, which masternodes were already
// serving in quorums, so that the members of rotated quorums can be
// reconstructed without the full masternode list history.
type Snapshot struct {
	ActiveQuorumMembers []bool
	SkipListMode        SkipListMode
	SkipList            []int32
}

func (s *Snapshot) Encode(w *encoding.Writer) {
	w.WriteUint32(uint32(s.SkipListMode))
	w.WriteBits(s.ActiveQuorumMembers)
	w.WriteVarInt(uint64(len(s.SkipList)))
	for _, v := range s.SkipList {
		w.WriteInt32(v)
	}
}

func (s *Snapshot) Marshal() []byte {
	w := encoding.NewWriter()
	s.Encode(w)
	return w.Bytes()
}

func UnmarshalSnapshot(b []byte) (*Snapshot, error) {
	r := encoding.NewReader(b)
	s := &Snapshot{SkipListMode: SkipListMode(r.ReadUint32())}
	s.ActiveQuorumMembers = r.ReadBits(encoding.MaxCount)
	n := r.ReadCount(maxSkipList)
	for i := 0; i < n && r.Err() == nil; i++ {
		s.SkipList = append(s.SkipList, r.ReadInt32())
	}
	if s.SkipListMode > ModeAllSkipped {
		r.Fail(fmt.Errorf("unknown skip list mode %d", s.SkipListMode))
	}
	if err := r.Finish(); err != nil {
		return nil, dash.Malformed("quorum snapshot", err)
	}
	return s, nil
}

// absolutePositions resolves the skip list: the first element is a position
// in the combined list, later ones are offsets from it.
func (s *Snapshot) absolutePositions() map[int]struct{} {
	positions := make(map[int]struct{}, len(s.SkipList))
	var first int32
	for i, v := range s.SkipList {
		if i == 0 {
			first = v
			positions[int(v)] = struct{}{}
			continue
		}
		positions[int(first+v)] = struct{}{}
	}
	return positions
}

// QuarterMembersFromSnapshot reconstructs the quarter of members each of the
// quorumCount quorums of a rotation cycle drew from list. Masternodes not yet
// serving in a quorum are preferred; both groups are ordered by score against
// modifier.
func QuarterMembersFromSnapshot(list *mnlist.List, params dash.Params, modifier dash.Hash, snap *Snapshot) ([][]*mnlist.Entry, error) {
	if !params.UseRotation {
		return nil, fmt.Errorf("%w: %s is not rotated", ErrInvalidSnapshot, params.Name)
	}
	quorumCount := params.SigningActiveQuorumCount
	quarterSize := params.Size / 4
	quarters := make([][]*mnlist.Entry, quorumCount)

	scored := scoreEntries(list, modifier)
	if len(snap.ActiveQuorumMembers) != len(scored) {
		return nil, fmt.Errorf("%w: %d usage bits for %d masternodes",
			ErrInvalidSnapshot, len(snap.ActiveQuorumMembers), len(scored))
	}
	combined := make([]*mnlist.Entry, 0, len(scored))
	for i, s := range scored {
		if !snap.ActiveQuorumMembers[i] {
			combined = append(combined, s.entry)
		}
	}
	for i, s := range scored {
		if snap.ActiveQuorumMembers[i] {
			combined = append(combined, s.entry)
		}
	}

	switch snap.SkipListMode {
	case ModeAllSkipped:
		return quarters, nil
	case ModeNoSkipping, ModeSkipEntries, ModeKeepEntries:
	default:
		return nil, fmt.Errorf("%w: mode %d", ErrInvalidSnapshot, snap.SkipListMode)
	}

	var usable []*mnlist.Entry
	switch snap.SkipListMode {
	case ModeNoSkipping:
		usable = combined
	case ModeSkipEntries:
		skip := snap.absolutePositions()
		for i, e := range combined {
			if _, skipped := skip[i]; !skipped {
				usable = append(usable, e)
			}
		}
	case ModeKeepEntries:
		keep := snap.absolutePositions()
		for i, e := range combined {
			if _, kept := keep[i]; kept {
				usable = append(usable, e)
			}
		}
	}
	if len(usable) == 0 {
		if quarterSize == 0 {
			return quarters, nil
		}
		return nil, fmt.Errorf("%w: no usable masternodes", ErrInvalidSnapshot)
	}

	// Quarters are filled round robin over the usable entries, wrapping
	// around when the list is shorter than the cycle needs.
	idx := 0
	for q := range quarters {
		quarters[q] = make([]*mnlist.Entry, 0, quarterSize)
		for len(quarters[q]) < quarterSize {
			quarters[q] = append(quarters[q], usable[idx])
			idx = (idx + 1) % len(usable)
		}
	}
	return quarters, nil
}
