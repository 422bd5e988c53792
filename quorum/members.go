package quorum

import (
	"slices"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/mnlist"
)

type scoredEntry struct {
	score dash.Hash
	entry *mnlist.Entry
}

// scoreEntries scores every valid, confirmed entry of list against modifier
// and returns them sorted by ascending score. Equal scores keep the list's
// canonical order.
func scoreEntries(list *mnlist.List, modifier dash.Hash) []scoredEntry {
	scores := make([]scoredEntry, 0, list.Len())
	list.ForEachValid(func(e *mnlist.Entry) bool {
		if !e.Confirmed() {
			return true
		}
		base := e.ConfirmedHashWithProRegTxHash()
		scores = append(scores, scoredEntry{
			score: dash.Sha256(base[:], modifier[:]),
			entry: e,
		})
		return true
	})
	slices.SortStableFunc(scores, func(a, b scoredEntry) int {
		return dash.CompareHashes(a.score, b.score)
	})
	return scores
}

// sortByModifier returns up to size entries of list in score order.
func sortByModifier(list *mnlist.List, modifier dash.Hash, size int) []*mnlist.Entry {
	scores := scoreEntries(list, modifier)
	if size > len(scores) {
		size = len(scores)
	}
	members := make([]*mnlist.Entry, size)
	for i := range members {
		members[i] = scores[i].entry
	}
	return members
}

// SelectMembers deterministically selects the members of the quorum of
// llmqType based at quorumHash from list. The position of an entry in the
// result is its member index.
func SelectMembers(list *mnlist.List, llmqType dash.LLMQType, quorumHash dash.Hash, size int) []*mnlist.Entry {
	return sortByModifier(list, dash.BuildLLMQBlockHash(llmqType, quorumHash), size)
}
