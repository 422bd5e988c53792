package recsig

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/clock"
	"github.com/dashpay/go-llmq/internal/encoding"
)

var ErrNotFound = errors.New("recovered signature not found")

const (
	prefixByHash  = "/h"
	prefixByID    = "/id"
	prefixByMsg   = "/msg"
	prefixTime    = "/t"
	prefixVote    = "/vote"
	prefixVoteAge = "/vt"
)

// DB stores recovered signatures indexed by hash, by (type, id) and by
// (type, msgHash), and this node's votes: the msgHash it committed to for a
// (type, id). Every record carries the time it was written so that old
// records can be cleaned up.
//
// The passed datastore has to be thread safe.
type DB struct {
	writeLk sync.Mutex
	ds      datastore.Datastore
}

func NewDB(ds datastore.Datastore) *DB {
	return &DB{ds: namespace.Wrap(ds, datastore.NewKey("/recsig"))}
}

func typedKey(prefix string, t dash.LLMQType, h dash.Hash) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%s/%d/%s", prefix, t, hex.EncodeToString(h[:])))
}

func hashKey(h dash.Hash) datastore.Key {
	return datastore.NewKey(prefixByHash + "/" + hex.EncodeToString(h[:]))
}

func timeKey(prefix string, at time.Time, rest string) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%s/%016X/%s", prefix, uint64(at.UnixNano()), rest))
}

type record struct {
	rs      *RecoveredSignature
	written time.Time
}

func (rec *record) marshal() []byte {
	w := encoding.NewWriter()
	rec.rs.Encode(w)
	w.WriteHash(rec.rs.QuorumHash)
	w.WriteInt64(rec.written.UnixNano())
	return w.Bytes()
}

func decodeRecord(r *encoding.Reader) *record {
	rs := DecodeRecoveredSignature(r)
	rs.QuorumHash = r.ReadHash()
	return &record{rs: rs, written: time.Unix(0, r.ReadInt64())}
}

func unmarshalRecord(b []byte) (*record, error) {
	r := encoding.NewReader(b)
	rec := decodeRecord(r)
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %w", dash.ErrStorageCorruption, err)
	}
	return rec, nil
}

func (db *DB) has(ctx context.Context, key datastore.Key) bool {
	ok, err := db.ds.Has(ctx, key)
	if err != nil {
		log.Errorw("failed to query recovered signature db", "key", key, "error", err)
	}
	return ok
}

// HasRecoveredSig reports whether a signature for id over msgHash is stored.
func (db *DB) HasRecoveredSig(ctx context.Context, t dash.LLMQType, id, msgHash dash.Hash) bool {
	rs, err := db.GetRecoveredSigByID(ctx, t, id)
	return err == nil && rs.MsgHash == msgHash
}

func (db *DB) HasRecoveredSigForID(ctx context.Context, t dash.LLMQType, id dash.Hash) bool {
	return db.has(ctx, typedKey(prefixByID, t, id))
}

func (db *DB) HasRecoveredSigForHash(ctx context.Context, hash dash.Hash) bool {
	return db.has(ctx, hashKey(hash))
}

func (db *DB) HasRecoveredSigForMsgHash(ctx context.Context, t dash.LLMQType, msgHash dash.Hash) bool {
	return db.has(ctx, typedKey(prefixByMsg, t, msgHash))
}

func (db *DB) GetRecoveredSigByHash(ctx context.Context, hash dash.Hash) (*RecoveredSignature, error) {
	rec, err := db.getRecord(ctx, hash)
	if err != nil {
		return nil, err
	}
	return rec.rs, nil
}

func (db *DB) GetRecoveredSigByID(ctx context.Context, t dash.LLMQType, id dash.Hash) (*RecoveredSignature, error) {
	return db.getIndexed(ctx, typedKey(prefixByID, t, id))
}

func (db *DB) GetRecoveredSigByMsgHash(ctx context.Context, t dash.LLMQType, msgHash dash.Hash) (*RecoveredSignature, error) {
	return db.getIndexed(ctx, typedKey(prefixByMsg, t, msgHash))
}

func (db *DB) getIndexed(ctx context.Context, key datastore.Key) (*RecoveredSignature, error) {
	b, err := db.ds.Get(ctx, key)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, xerrors.Errorf("%s: %w", key, ErrNotFound)
	} else if err != nil {
		return nil, xerrors.Errorf("reading index %s: %w", key, err)
	}
	var hash dash.Hash
	if len(b) != len(hash) {
		return nil, xerrors.Errorf("index %s: %w", key, dash.ErrStorageCorruption)
	}
	copy(hash[:], b)
	return db.GetRecoveredSigByHash(ctx, hash)
}

func (db *DB) getRecord(ctx context.Context, hash dash.Hash) (*record, error) {
	b, err := db.ds.Get(ctx, hashKey(hash))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, xerrors.Errorf("recovered signature %s: %w", hash, ErrNotFound)
	} else if err != nil {
		return nil, xerrors.Errorf("reading recovered signature %s: %w", hash, err)
	}
	return unmarshalRecord(b)
}

// WriteRecoveredSig stores rs. Writing a signature for an id that already has
// one with a different msgHash fails with ErrConflictingRecoveredSignature;
// writing the same signature again is a no-op.
func (db *DB) WriteRecoveredSig(ctx context.Context, rs *RecoveredSignature) error {
	db.writeLk.Lock()
	defer db.writeLk.Unlock()
	return db.writeRecord(ctx, &record{rs: rs, written: clock.GetClock(ctx).Now()})
}

func (db *DB) writeRecord(ctx context.Context, rec *record) error {
	rs := rec.rs
	existing, err := db.GetRecoveredSigByID(ctx, rs.LLMQType, rs.ID)
	switch {
	case err == nil && existing.MsgHash != rs.MsgHash:
		return xerrors.Errorf("%s already signed %s: %w", rs.ID, existing.MsgHash, dash.ErrConflictingRecoveredSignature)
	case err == nil:
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}

	hash := rs.Hash()
	puts := []struct {
		key   datastore.Key
		value []byte
	}{
		{hashKey(hash), rec.marshal()},
		{typedKey(prefixByID, rs.LLMQType, rs.ID), hash[:]},
		{typedKey(prefixByMsg, rs.LLMQType, rs.MsgHash), hash[:]},
		{timeKey(prefixTime, rec.written, hex.EncodeToString(hash[:])), []byte{}},
	}
	for _, p := range puts {
		if err := db.ds.Put(ctx, p.key, p.value); err != nil {
			return xerrors.Errorf("writing %s: %w", p.key, err)
		}
	}
	metrics.written.Add(ctx, 1)
	return nil
}

// RemoveRecoveredSig deletes the signature for id and its indexes.
func (db *DB) RemoveRecoveredSig(ctx context.Context, t dash.LLMQType, id dash.Hash) error {
	db.writeLk.Lock()
	defer db.writeLk.Unlock()
	rs, err := db.GetRecoveredSigByID(ctx, t, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return db.remove(ctx, rs.Hash())
}

func (db *DB) remove(ctx context.Context, hash dash.Hash) error {
	rec, err := db.getRecord(ctx, hash)
	if err != nil {
		return err
	}
	rs := rec.rs
	for _, key := range []datastore.Key{
		typedKey(prefixByID, rs.LLMQType, rs.ID),
		typedKey(prefixByMsg, rs.LLMQType, rs.MsgHash),
		timeKey(prefixTime, rec.written, hex.EncodeToString(hash[:])),
		hashKey(hash),
	} {
		if err := db.ds.Delete(ctx, key); err != nil {
			return xerrors.Errorf("deleting %s: %w", key, err)
		}
	}
	return nil
}

// WriteVoteForID records that this node committed to msgHash for id.
func (db *DB) WriteVoteForID(ctx context.Context, t dash.LLMQType, id, msgHash dash.Hash) error {
	db.writeLk.Lock()
	defer db.writeLk.Unlock()
	if _, ok, err := db.GetVoteForID(ctx, t, id); err != nil || ok {
		return err
	}
	now := clock.GetClock(ctx).Now()
	w := encoding.NewWriter()
	w.WriteHash(msgHash)
	w.WriteInt64(now.UnixNano())
	if err := db.ds.Put(ctx, typedKey(prefixVote, t, id), w.Bytes()); err != nil {
		return xerrors.Errorf("writing vote: %w", err)
	}
	return db.ds.Put(ctx, timeKey(prefixVoteAge, now, fmt.Sprintf("%d/%s", t, hex.EncodeToString(id[:]))), []byte{})
}

// GetVoteForID returns the msgHash this node committed to for id, if any.
func (db *DB) GetVoteForID(ctx context.Context, t dash.LLMQType, id dash.Hash) (dash.Hash, bool, error) {
	b, err := db.ds.Get(ctx, typedKey(prefixVote, t, id))
	if errors.Is(err, datastore.ErrNotFound) {
		return dash.Hash{}, false, nil
	} else if err != nil {
		return dash.Hash{}, false, xerrors.Errorf("reading vote: %w", err)
	}
	r := encoding.NewReader(b)
	msgHash := r.ReadHash()
	r.ReadInt64()
	if err := r.Finish(); err != nil {
		return dash.Hash{}, false, fmt.Errorf("vote for %s: %w: %w", id, dash.ErrStorageCorruption, err)
	}
	return msgHash, true, nil
}

func (db *DB) HasVotedOnID(ctx context.Context, t dash.LLMQType, id dash.Hash) bool {
	return db.has(ctx, typedKey(prefixVote, t, id))
}

// CleanupOlderThan deletes the signatures and votes written before now
// minus maxAge and returns how many of each were removed.
func (db *DB) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (sigs, votes int, _ error) {
	before := clock.GetClock(ctx).Now().Add(-maxAge).UnixNano()
	if before <= 0 {
		return 0, 0, nil
	}
	cutoff := uint64(before)

	db.writeLk.Lock()
	defer db.writeLk.Unlock()

	expired, err := db.expiredKeys(ctx, prefixTime, cutoff)
	if err != nil {
		return 0, 0, err
	}
	for _, ns := range expired {
		var hash dash.Hash
		b, err := hex.DecodeString(ns[2])
		if err != nil || len(b) != len(hash) {
			log.Warnw("malformed time index entry", "key", ns)
			continue
		}
		copy(hash[:], b)
		if err := db.remove(ctx, hash); err != nil && !errors.Is(err, ErrNotFound) {
			return sigs, votes, err
		}
		sigs++
	}

	expired, err = db.expiredKeys(ctx, prefixVoteAge, cutoff)
	if err != nil {
		return sigs, votes, err
	}
	for _, ns := range expired {
		if len(ns) != 4 {
			continue
		}
		voteKey := datastore.NewKey(prefixVote).ChildString(ns[2]).ChildString(ns[3])
		if err := db.ds.Delete(ctx, voteKey); err != nil {
			return sigs, votes, xerrors.Errorf("deleting vote: %w", err)
		}
		if err := db.ds.Delete(ctx, datastore.KeyWithNamespaces(ns)); err != nil {
			return sigs, votes, xerrors.Errorf("deleting vote time index: %w", err)
		}
		votes++
	}
	if sigs+votes > 0 {
		log.Debugw("cleaned up recovered signatures", "signatures", sigs, "votes", votes, "maxAge", maxAge)
	}
	metrics.cleanedUp.Add(ctx, int64(sigs))
	return sigs, votes, nil
}

// expiredKeys returns the namespaces of the time index keys under prefix
// older than cutoff, oldest first.
func (db *DB) expiredKeys(ctx context.Context, prefix string, cutoff uint64) ([][]string, error) {
	res, err := db.ds.Query(ctx, query.Query{
		Prefix:   prefix,
		KeysOnly: true,
		Orders:   []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, xerrors.Errorf("querying %s: %w", prefix, err)
	}
	defer res.Close()

	var expired [][]string
	for r, ok := res.NextSync(); ok; r, ok = res.NextSync() {
		if r.Error != nil {
			return nil, xerrors.Errorf("querying %s: %w", prefix, r.Error)
		}
		ns := datastore.NewKey(r.Key).Namespaces()
		if len(ns) < 3 {
			continue
		}
		at, err := strconv.ParseUint(ns[1], 16, 64)
		if err != nil {
			log.Warnw("malformed time index entry", "key", r.Key)
			continue
		}
		if at >= cutoff {
			break
		}
		expired = append(expired, ns)
	}
	return expired, nil
}
