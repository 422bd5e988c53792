package caching

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("llmq/internal/caching")

// HeightSet is a set of Sets keyed by block height. At most maxHeights
// heights are tracked; when full, the lowest height is evicted to make room
// for a higher one, and messages for heights below all tracked ones are not
// remembered.
type HeightSet struct {
	maxHeights int
	perHeight  int

	mu   sync.Mutex
	sets map[uint32]*Set
}

func NewHeightSet(maxHeights, perHeight int) *HeightSet {
	maxHeights = max(1, maxHeights)
	return &HeightSet{
		maxHeights: maxHeights,
		perHeight:  perHeight,
		sets:       make(map[uint32]*Set, maxHeights),
	}
}

func (hs *HeightSet) Contains(height uint32, parts ...[]byte) bool {
	hs.mu.Lock()
	set, ok := hs.sets[height]
	hs.mu.Unlock()
	return ok && set.Contains(parts...)
}

// Add records the message at height and reports whether it was new.
func (hs *HeightSet) Add(height uint32, parts ...[]byte) bool {
	hs.mu.Lock()
	set, ok := hs.sets[height]
	if !ok {
		if len(hs.sets) >= hs.maxHeights {
			lowest := hs.lowest()
			if height < lowest {
				hs.mu.Unlock()
				return true
			}
			delete(hs.sets, lowest)
			log.Debugw("evicted height from seen cache", "height", lowest)
		}
		set = NewSet(hs.perHeight)
		hs.sets[height] = set
	}
	hs.mu.Unlock()
	return set.Add(parts...)
}

func (hs *HeightSet) lowest() uint32 {
	first := true
	var lowest uint32
	for h := range hs.sets {
		if first || h < lowest {
			lowest, first = h, false
		}
	}
	return lowest
}

// RemoveBelow forgets every height lower than height and reports whether
// anything was removed.
func (hs *HeightSet) RemoveBelow(height uint32) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	var removed bool
	for h := range hs.sets {
		if h < height {
			delete(hs.sets, h)
			removed = true
		}
	}
	return removed
}
