// Package manifest holds the per-network configuration of an LLMQ context.
package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/ipfs/go-datastore"
	"golang.org/x/xerrors"

	"github.com/dashpay/go-llmq/chainlock"
	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/instantsend"
	"github.com/dashpay/go-llmq/mnlist"
	"github.com/dashpay/go-llmq/quorum"
	"github.com/dashpay/go-llmq/signing"
)

const (
	MainnetMagic uint32 = 0xbd6b0cbf
	TestnetMagic uint32 = 0xffcae2ce
	RegtestMagic uint32 = 0xdcb7c1fc
)

type Version string

// Manifest identifies the network an LLMQ context follows and sizes its
// caches, windows and background work.
type Manifest struct {
	NetworkName string
	// NetworkMagic tags every file the context persists.
	NetworkMagic uint32

	// ChainLocksType signs chain locks.
	ChainLocksType dash.LLMQType
	// InstantSendType signs legacy instant locks.
	InstantSendType dash.LLMQType
	// InstantSendDIP0024Type signs deterministic instant locks. LLMQNone
	// disables them.
	InstantSendDIP0024Type dash.LLMQType
	PlatformType           dash.LLMQType
	// LLMQTypes lists every quorum type the context builds.
	LLMQTypes []dash.LLMQType
	// QuorumWindow overrides how many quorums of a type are retained. Types
	// not listed keep their KeepOldConnections most recent quorums.
	QuorumWindow map[dash.LLMQType]int `json:",omitempty"`

	// MasternodeListHistory is the number of past lists retained.
	MasternodeListHistory int

	PendingChainLocks    int
	PendingInstantLocks  int
	PendingRecoveredSigs int
	// PendingMaxAge is how long a message waits for the block, quorum or
	// transaction it depends on.
	PendingMaxAge time.Duration

	// RecoveredSigMaxAge is the age after which recovered signatures and
	// votes are deleted.
	RecoveredSigMaxAge time.Duration
	CleanupInterval    time.Duration

	// DataDir holds the flat files of the masternode list, quorums and best
	// chain lock. Nothing is persisted when empty.
	DataDir string `json:",omitempty"`
}

func defaults() Manifest {
	return Manifest{
		MasternodeListHistory: mnlist.DefaultHistory,
		PendingChainLocks:     32,
		PendingInstantLocks:   256,
		PendingRecoveredSigs:  256,
		PendingMaxAge:         10 * time.Minute,
		RecoveredSigMaxAge:    7 * 24 * time.Hour,
		CleanupInterval:       5 * time.Second,
	}
}

// Mainnet returns the manifest of the Dash main network.
func Mainnet() *Manifest {
	m := defaults()
	m.NetworkName = "mainnet"
	m.NetworkMagic = MainnetMagic
	m.ChainLocksType = dash.LLMQ400_60
	m.InstantSendType = dash.LLMQ50_60
	m.InstantSendDIP0024Type = dash.LLMQ60_75
	m.PlatformType = dash.LLMQ100_67
	m.LLMQTypes = []dash.LLMQType{dash.LLMQ50_60, dash.LLMQ60_75, dash.LLMQ400_60, dash.LLMQ400_85, dash.LLMQ100_67}
	// Covers the 576 block DKG interval of llmq_400_85.
	m.MasternodeListHistory = 576 + 2*int(dash.SignHeightOffset)
	return &m
}

// LocalDevnet returns the manifest of a regression test network signing
// everything with llmq_test quorums.
func LocalDevnet() *Manifest {
	m := defaults()
	m.NetworkName = "regtest"
	m.NetworkMagic = RegtestMagic
	m.ChainLocksType = dash.LLMQTest
	m.InstantSendType = dash.LLMQTest
	m.InstantSendDIP0024Type = dash.LLMQTestDIP0024
	m.PlatformType = dash.LLMQTest
	m.LLMQTypes = []dash.LLMQType{dash.LLMQTest, dash.LLMQTestDIP0024}
	m.RecoveredSigMaxAge = time.Hour
	return &m
}

// Version uniquely identifies the manifest.
func (m *Manifest) Version() (Version, error) {
	b, err := m.Marshal()
	if err != nil {
		return "", xerrors.Errorf("computing manifest version: %w", err)
	}
	h := dash.DoubleHash(b)
	return Version(hex.EncodeToString(h[:])), nil
}

func (m *Manifest) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, xerrors.Errorf("marshaling JSON: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a manifest and validates it.
func Unmarshal(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, xerrors.Errorf("decoding JSON: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) enabled(t dash.LLMQType) bool {
	for _, e := range m.LLMQTypes {
		if e == t {
			return true
		}
	}
	return false
}

func (m *Manifest) Validate() error {
	switch {
	case m == nil:
		return errors.New("nil manifest")
	case m.NetworkName == "":
		return errors.New("network name must not be empty")
	case len(m.LLMQTypes) == 0:
		return errors.New("at least one llmq type must be enabled")
	case m.MasternodeListHistory < 1:
		return errors.New("masternode list history must be at least 1")
	case m.PendingChainLocks < 1, m.PendingInstantLocks < 1, m.PendingRecoveredSigs < 1:
		return errors.New("pending limits must be at least 1")
	case m.PendingMaxAge <= 0:
		return errors.New("pending max age must be positive")
	case m.RecoveredSigMaxAge <= 0:
		return errors.New("recovered signature max age must be positive")
	case m.CleanupInterval <= 0:
		return errors.New("cleanup interval must be positive")
	}

	seen := make(map[dash.LLMQType]struct{}, len(m.LLMQTypes))
	for _, t := range m.LLMQTypes {
		if !t.Known() {
			return fmt.Errorf("llmq type %d: %w", t, dash.ErrUnknownLLMQType)
		}
		if _, dup := seen[t]; dup {
			return fmt.Errorf("llmq type %s enabled twice", t)
		}
		seen[t] = struct{}{}
	}
	for _, u := range []struct {
		use string
		t   dash.LLMQType
	}{
		{"chain locks", m.ChainLocksType},
		{"instant send", m.InstantSendType},
		{"platform", m.PlatformType},
	} {
		if !m.enabled(u.t) {
			return fmt.Errorf("%s type %s is not enabled", u.use, u.t)
		}
	}
	if m.InstantSendDIP0024Type != dash.LLMQNone {
		if !m.enabled(m.InstantSendDIP0024Type) {
			return fmt.Errorf("deterministic instant send type %s is not enabled", m.InstantSendDIP0024Type)
		}
		if params, _ := m.InstantSendDIP0024Type.Params(); !params.UseRotation {
			return fmt.Errorf("deterministic instant send type %s does not rotate", m.InstantSendDIP0024Type)
		}
	}
	for t, window := range m.QuorumWindow {
		if !m.enabled(t) {
			return fmt.Errorf("quorum window set for disabled type %s", t)
		}
		params, _ := t.Params()
		if window < params.SigningActiveQuorumCount {
			return fmt.Errorf("quorum window %d of %s is below its %d signing quorums", window, t, params.SigningActiveQuorumCount)
		}
	}
	return nil
}

func (m *Manifest) DatastorePrefix() datastore.Key {
	return datastore.NewKey("/llmq/" + m.NetworkName)
}

func (m *Manifest) path(name string) string {
	if m.DataDir == "" {
		return ""
	}
	return filepath.Join(m.DataDir, name)
}

func (m *Manifest) MasternodeListPath() string { return m.path("mnlist.dat") }
func (m *Manifest) QuorumPath() string         { return m.path("quorums.dat") }
func (m *Manifest) ChainLockPath() string      { return m.path("chainlocks.dat") }
func (m *Manifest) RecoveredSigPath() string   { return m.path("recsigs.dat") }

func (m *Manifest) MasternodeListOptions() []mnlist.Option {
	opts := []mnlist.Option{mnlist.WithHistory(m.MasternodeListHistory)}
	if p := m.MasternodeListPath(); p != "" {
		opts = append(opts, mnlist.WithPersistence(p, m.NetworkMagic))
	}
	return opts
}

func (m *Manifest) QuorumOptions() []quorum.Option {
	var opts []quorum.Option
	for _, t := range m.LLMQTypes {
		opts = append(opts, quorum.WithLLMQType(t, m.QuorumWindow[t]))
	}
	if p := m.QuorumPath(); p != "" {
		opts = append(opts, quorum.WithPersistence(p, m.NetworkMagic))
	}
	return opts
}

func (m *Manifest) SigningOptions() []signing.Option {
	return []signing.Option{
		signing.WithMaxPending(m.PendingRecoveredSigs),
		signing.WithPendingMaxAge(m.PendingMaxAge),
	}
}

func (m *Manifest) ChainLockOptions() []chainlock.Option {
	opts := []chainlock.Option{
		chainlock.WithMaxPending(m.PendingChainLocks),
		chainlock.WithPendingMaxAge(m.PendingMaxAge),
	}
	if p := m.ChainLockPath(); p != "" {
		opts = append(opts, chainlock.WithPersistence(p, m.NetworkMagic))
	}
	return opts
}

func (m *Manifest) InstantSendOptions() []instantsend.Option {
	opts := []instantsend.Option{
		instantsend.WithMaxPending(m.PendingInstantLocks),
		instantsend.WithPendingMaxAge(m.PendingMaxAge),
	}
	if m.InstantSendDIP0024Type != dash.LLMQNone {
		opts = append(opts, instantsend.WithDeterministicLLMQType(m.InstantSendDIP0024Type))
	}
	return opts
}
