package dash

import (
	"fmt"
	"sort"
	"strconv"
)

// LLMQType identifies a long living masternode quorum configuration.
type LLMQType uint8

const (
	LLMQ50_60       LLMQType = 1
	LLMQ400_60      LLMQType = 2
	LLMQ400_85      LLMQType = 3
	LLMQ100_67      LLMQType = 4
	LLMQ60_75       LLMQType = 5
	LLMQTest        LLMQType = 100
	LLMQDevnet      LLMQType = 101
	LLMQTestV17     LLMQType = 102
	LLMQTestDIP0024 LLMQType = 103
	LLMQNone        LLMQType = 0xff
)

// Params configures a quorum type and its DKG.
type Params struct {
	Type LLMQType
	Name string

	// Size is the number of members selected for each quorum.
	Size int
	// MinSize is the minimum number of valid members for a commitment to be
	// accepted.
	MinSize int
	// Threshold is the number of signature shares needed to recover the
	// quorum signature.
	Threshold int

	DKGInterval          int
	DKGPhaseBlocks       int
	DKGMiningWindowStart int
	DKGMiningWindowEnd   int
	DKGBadVotesThreshold int

	// SigningActiveQuorumCount is the number of most recent quorums of this
	// type that are eligible to sign.
	SigningActiveQuorumCount int
	KeepOldConnections       int
	RecoveryMembers          int
	UseRotation              bool
}

var paramsTable = map[LLMQType]Params{
	LLMQ50_60: {
		Type: LLMQ50_60, Name: "llmq_50_60", Size: 50, MinSize: 40, Threshold: 30,
		DKGInterval: 24, DKGPhaseBlocks: 2, DKGMiningWindowStart: 10, DKGMiningWindowEnd: 18, DKGBadVotesThreshold: 40,
		SigningActiveQuorumCount: 24, KeepOldConnections: 25, RecoveryMembers: 25,
	},
	LLMQ400_60: {
		Type: LLMQ400_60, Name: "llmq_400_60", Size: 400, MinSize: 300, Threshold: 240,
		DKGInterval: 24 * 12, DKGPhaseBlocks: 4, DKGMiningWindowStart: 20, DKGMiningWindowEnd: 28, DKGBadVotesThreshold: 300,
		SigningActiveQuorumCount: 4, KeepOldConnections: 5, RecoveryMembers: 100,
	},
	LLMQ400_85: {
		Type: LLMQ400_85, Name: "llmq_400_85", Size: 400, MinSize: 350, Threshold: 340,
		DKGInterval: 24 * 24, DKGPhaseBlocks: 4, DKGMiningWindowStart: 20, DKGMiningWindowEnd: 48, DKGBadVotesThreshold: 300,
		SigningActiveQuorumCount: 4, KeepOldConnections: 5, RecoveryMembers: 100,
	},
	LLMQ100_67: {
		Type: LLMQ100_67, Name: "llmq_100_67", Size: 100, MinSize: 80, Threshold: 67,
		DKGInterval: 24, DKGPhaseBlocks: 2, DKGMiningWindowStart: 10, DKGMiningWindowEnd: 18, DKGBadVotesThreshold: 80,
		SigningActiveQuorumCount: 24, KeepOldConnections: 25, RecoveryMembers: 50,
	},
	LLMQ60_75: {
		Type: LLMQ60_75, Name: "llmq_60_75", Size: 60, MinSize: 50, Threshold: 45,
		DKGInterval: 24 * 12, DKGPhaseBlocks: 2, DKGMiningWindowStart: 42, DKGMiningWindowEnd: 50, DKGBadVotesThreshold: 48,
		SigningActiveQuorumCount: 32, KeepOldConnections: 64, RecoveryMembers: 25, UseRotation: true,
	},
	LLMQTest: {
		Type: LLMQTest, Name: "llmq_test", Size: 3, MinSize: 2, Threshold: 2,
		DKGInterval: 24, DKGPhaseBlocks: 2, DKGMiningWindowStart: 10, DKGMiningWindowEnd: 18, DKGBadVotesThreshold: 2,
		SigningActiveQuorumCount: 2, KeepOldConnections: 3, RecoveryMembers: 3,
	},
	LLMQDevnet: {
		Type: LLMQDevnet, Name: "llmq_devnet", Size: 12, MinSize: 7, Threshold: 6,
		DKGInterval: 24, DKGPhaseBlocks: 2, DKGMiningWindowStart: 10, DKGMiningWindowEnd: 18, DKGBadVotesThreshold: 7,
		SigningActiveQuorumCount: 3, KeepOldConnections: 4, RecoveryMembers: 6,
	},
	LLMQTestV17: {
		Type: LLMQTestV17, Name: "llmq_test_v17", Size: 3, MinSize: 2, Threshold: 2,
		DKGInterval: 24, DKGPhaseBlocks: 2, DKGMiningWindowStart: 10, DKGMiningWindowEnd: 18, DKGBadVotesThreshold: 2,
		SigningActiveQuorumCount: 2, KeepOldConnections: 3, RecoveryMembers: 3,
	},
	LLMQTestDIP0024: {
		Type: LLMQTestDIP0024, Name: "llmq_test_dip0024", Size: 4, MinSize: 4, Threshold: 3,
		DKGInterval: 24, DKGPhaseBlocks: 2, DKGMiningWindowStart: 12, DKGMiningWindowEnd: 20, DKGBadVotesThreshold: 2,
		SigningActiveQuorumCount: 2, KeepOldConnections: 4, RecoveryMembers: 3, UseRotation: true,
	},
}

// Params returns the parameters of the quorum type.
func (t LLMQType) Params() (Params, error) {
	p, ok := paramsTable[t]
	if !ok {
		return Params{}, fmt.Errorf("%w: %d", ErrUnknownLLMQType, uint8(t))
	}
	return p, nil
}

// Known reports whether t has parameters.
func (t LLMQType) Known() bool {
	_, ok := paramsTable[t]
	return ok
}

func (t LLMQType) String() string {
	if p, ok := paramsTable[t]; ok {
		return p.Name
	}
	return "llmq_" + strconv.Itoa(int(t))
}

func (t LLMQType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LLMQType) UnmarshalText(text []byte) error {
	name := string(text)
	for typ, p := range paramsTable {
		if p.Name == name {
			*t = typ
			return nil
		}
	}
	if v, err := strconv.ParseUint(name, 10, 8); err == nil {
		*t = LLMQType(v)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownLLMQType, name)
}

// KnownLLMQTypes lists every type with parameters, in ascending order.
func KnownLLMQTypes() []LLMQType {
	types := make([]LLMQType, 0, len(paramsTable))
	for t := range paramsTable {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
