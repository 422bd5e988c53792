package quorum_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/llmqtest"
	"github.com/dashpay/go-llmq/mnlist"
	"github.com/dashpay/go-llmq/quorum"
)

func TestQuarterMembersFromSnapshot(t *testing.T) {
	const typ = dash.LLMQTestDIP0024
	params, err := typ.Params()
	require.NoError(t, err)
	list := genesisList(t, llmqtest.NewMasternodes(t, 8))
	modifier := dash.BuildLLMQBlockHash(typ, list.BlockHash())
	scored := quorum.SelectMembers(list, typ, list.BlockHash(), 100)
	require.Len(t, scored, 8)

	unused := func() []bool { return make([]bool, 8) }
	quarters := func(t *testing.T, snap *quorum.Snapshot) [][]*mnlist.Entry {
		qs, err := quorum.QuarterMembersFromSnapshot(list, params, modifier, snap)
		require.NoError(t, err)
		require.Len(t, qs, params.SigningActiveQuorumCount)
		return qs
	}

	t.Run("no skipping", func(t *testing.T) {
		qs := quarters(t, &quorum.Snapshot{ActiveQuorumMembers: unused()})
		require.Equal(t, []*mnlist.Entry{scored[0]}, qs[0])
		require.Equal(t, []*mnlist.Entry{scored[1]}, qs[1])
	})
	t.Run("unused first", func(t *testing.T) {
		used := unused()
		used[0], used[1] = true, true
		qs := quarters(t, &quorum.Snapshot{ActiveQuorumMembers: used})
		require.Equal(t, []*mnlist.Entry{scored[2]}, qs[0])
		require.Equal(t, []*mnlist.Entry{scored[3]}, qs[1])
	})
	t.Run("skip entries", func(t *testing.T) {
		// Positions 0 and 0+1.
		qs := quarters(t, &quorum.Snapshot{
			ActiveQuorumMembers: unused(),
			SkipListMode:        quorum.ModeSkipEntries,
			SkipList:            []int32{0, 1},
		})
		require.Equal(t, []*mnlist.Entry{scored[2]}, qs[0])
		require.Equal(t, []*mnlist.Entry{scored[3]}, qs[1])

		qs = quarters(t, &quorum.Snapshot{
			ActiveQuorumMembers: unused(),
			SkipListMode:        quorum.ModeSkipEntries,
			SkipList:            []int32{1, 2},
		})
		require.Equal(t, []*mnlist.Entry{scored[0]}, qs[0])
		require.Equal(t, []*mnlist.Entry{scored[2]}, qs[1])
	})
	t.Run("keep entries", func(t *testing.T) {
		qs := quarters(t, &quorum.Snapshot{
			ActiveQuorumMembers: unused(),
			SkipListMode:        quorum.ModeKeepEntries,
			SkipList:            []int32{5, 2},
		})
		require.Equal(t, []*mnlist.Entry{scored[5]}, qs[0])
		require.Equal(t, []*mnlist.Entry{scored[7]}, qs[1])
	})
	t.Run("all skipped", func(t *testing.T) {
		qs := quarters(t, &quorum.Snapshot{ActiveQuorumMembers: unused(), SkipListMode: quorum.ModeAllSkipped})
		for _, q := range qs {
			require.Empty(t, q)
		}
	})
	t.Run("wraps around", func(t *testing.T) {
		big, err := dash.LLMQ60_75.Params()
		require.NoError(t, err)
		mod := dash.BuildLLMQBlockHash(dash.LLMQ60_75, list.BlockHash())
		order := quorum.SelectMembers(list, dash.LLMQ60_75, list.BlockHash(), 100)
		qs, err := quorum.QuarterMembersFromSnapshot(list, big, mod, &quorum.Snapshot{ActiveQuorumMembers: unused()})
		require.NoError(t, err)
		require.Len(t, qs, 32)
		require.Len(t, qs[0], 15)
		require.Equal(t, order[0], qs[0][8])
		require.Equal(t, order[7], qs[1][0])
	})
	t.Run("usage bits must cover the list", func(t *testing.T) {
		_, err := quorum.QuarterMembersFromSnapshot(list, params, modifier, &quorum.Snapshot{ActiveQuorumMembers: make([]bool, 7)})
		require.ErrorIs(t, err, quorum.ErrInvalidSnapshot)
	})
	t.Run("not rotated", func(t *testing.T) {
		plain, err := dash.LLMQTest.Params()
		require.NoError(t, err)
		_, err = quorum.QuarterMembersFromSnapshot(list, plain, modifier, &quorum.Snapshot{ActiveQuorumMembers: unused()})
		require.ErrorIs(t, err, quorum.ErrInvalidSnapshot)
	})
}

func TestSnapshot_Wire(t *testing.T) {
	snap := &quorum.Snapshot{
		ActiveQuorumMembers: []bool{true, false, true, true, false, false, false, false, true},
		SkipListMode:        quorum.ModeSkipEntries,
		SkipList:            []int32{3, -1, 7},
	}
	got, err := quorum.UnmarshalSnapshot(snap.Marshal())
	require.NoError(t, err)
	require.Equal(t, snap, got)

	snap.SkipListMode = 9
	_, err = quorum.UnmarshalSnapshot(snap.Marshal())
	require.ErrorIs(t, err, dash.ErrMalformedWireData)
}
