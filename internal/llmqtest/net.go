package llmqtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dashpay/go-llmq/commitment"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/mnlist"
	"github.com/dashpay/go-llmq/quorum"
)

// Net is a masternode list store and quorum manager fed by locally mined
// blocks of llmq_test quorums.
type Net struct {
	T           testing.TB
	Store       *mnlist.Store
	Quorums     *quorum.Manager
	Masternodes []*Masternode
	Active      []*commitment.Commitment
}

// NewNet starts a network of 5 masternodes registered in block 0.
func NewNet(t testing.TB, o ...quorum.Option) *Net {
	store, err := mnlist.NewStore(mnlist.WithHistory(16))
	require.NoError(t, err)
	if len(o) == 0 {
		o = []quorum.Option{quorum.WithLLMQType(dash.LLMQTest, 0)}
	}
	qm, err := quorum.NewManager(store, o...)
	require.NoError(t, err)
	store.AddProcessor(qm)
	return Attach(t, store, qm)
}

// Attach registers 5 masternodes in block 0 of an empty store whose
// processors include qm.
func Attach(t testing.TB, store *mnlist.Store, qm *quorum.Manager) *Net {
	n := &Net{T: t, Store: store, Quorums: qm, Masternodes: NewMasternodes(t, 5)}
	diff := mnlist.BuildDiff(mnlist.NewList(), BlockHash(0), 0, nil, Entries(n.Masternodes))
	_, err := store.ApplyDiff(context.Background(), diff)
	require.NoError(t, err)
	return n
}

func (n *Net) Height() uint32 { return n.Store.Current().Height() }

// Mine applies the next block, mining the given commitments.
func (n *Net) Mine(added ...*commitment.Commitment) {
	cur := n.Store.Current()
	height := cur.Height() + 1
	diff := mnlist.BuildDiff(cur, BlockHash(height), height, nil, nil)
	active := MineQuorums(diff, n.Active, nil, added...)
	_, err := n.Store.ApplyDiff(context.Background(), diff)
	require.NoError(n.T, err)
	n.Active = active
}

// MineTo mines empty blocks up to height.
func (n *Net) MineTo(height uint32) {
	for n.Height() < height {
		n.Mine()
	}
}

// NewQuorum creates an llmq_test quorum based at the tip and mines it in the
// next block.
func (n *Net) NewQuorum() *Quorum {
	q := NewQuorum(n.T, n.Store.Current(), dash.LLMQTest, n.Masternodes)
	n.Mine(q.Commitment)
	return q
}

// Find returns the test quorum whose commitment built q.
func Find(qs []*Quorum, q *quorum.Quorum) *Quorum {
	for _, tq := range qs {
		if tq.Commitment.QuorumHash == q.Hash() {
			return tq
		}
	}
	return nil
}
