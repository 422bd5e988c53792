package instantsend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
)

var ErrNotFound = errors.New("instant lock not found")

const (
	prefixLock    = "/lock"
	prefixTx      = "/tx"
	prefixInput   = "/in"
	prefixMined   = "/mined"
	prefixMinedAt = "/minedat"
)

// DB stores instant locks indexed by hash, by txid and by each locked input,
// together with the height of the block that mined each locked transaction.
// An input may be locked by several locks, which is how conflicts are kept.
//
// The passed datastore has to be thread safe.
type DB struct {
	writeLk sync.Mutex
	ds      datastore.Datastore
}

func NewDB(ds datastore.Datastore) *DB {
	return &DB{ds: namespace.Wrap(ds, datastore.NewKey("/islock"))}
}

func hexHash(h dash.Hash) string { return hex.EncodeToString(h[:]) }

func parseHash(s string) (dash.Hash, error) {
	var h dash.Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("%w: bad hash %q in key", dash.ErrStorageCorruption, s)
	}
	copy(h[:], b)
	return h, nil
}

func lockKey(h dash.Hash) datastore.Key {
	return datastore.NewKey(prefixLock + "/" + hexHash(h))
}

func txKey(txid dash.Hash) datastore.Key {
	return datastore.NewKey(prefixTx + "/" + hexHash(txid))
}

func inputPrefix(op dash.OutPoint) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%s/%s-%d", prefixInput, hexHash(op.Hash), op.Index))
}

func minedKey(height uint32, h dash.Hash) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%s/%08X/%s", prefixMined, height, hexHash(h)))
}

func minedAtKey(h dash.Hash) datastore.Key {
	return datastore.NewKey(prefixMinedAt + "/" + hexHash(h))
}

func marshalLock(l *InstantLock) []byte {
	w := encoding.NewWriter()
	w.WriteBool(l.IsDeterministic())
	l.Encode(w)
	return w.Bytes()
}

func unmarshalLock(b []byte) (*InstantLock, error) {
	r := encoding.NewReader(b)
	l := DecodeInstantLock(r, r.ReadBool())
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %w", dash.ErrStorageCorruption, err)
	}
	return l, nil
}

func (db *DB) Has(ctx context.Context, hash dash.Hash) bool {
	ok, err := db.ds.Has(ctx, lockKey(hash))
	if err != nil {
		log.Errorw("failed to query instant lock db", "hash", hash, "error", err)
	}
	return ok
}

func (db *DB) Get(ctx context.Context, hash dash.Hash) (*InstantLock, error) {
	b, err := db.ds.Get(ctx, lockKey(hash))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, xerrors.Errorf("reading instant lock %s: %w", hash, err)
	}
	return unmarshalLock(b)
}

// GetByTxID returns the first lock recorded for txid.
func (db *DB) GetByTxID(ctx context.Context, txid dash.Hash) (*InstantLock, error) {
	b, err := db.ds.Get(ctx, txKey(txid))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, xerrors.Errorf("reading txid index: %w", err)
	}
	var hash dash.Hash
	if len(b) != len(hash) {
		return nil, fmt.Errorf("%w: txid index of %s", dash.ErrStorageCorruption, txid)
	}
	copy(hash[:], b)
	return db.Get(ctx, hash)
}

// GetByInput returns every lock that locks op.
func (db *DB) GetByInput(ctx context.Context, op dash.OutPoint) ([]*InstantLock, error) {
	prefix := inputPrefix(op)
	res, err := db.ds.Query(ctx, query.Query{
		Prefix:   prefix.String(),
		KeysOnly: true,
		Orders:   []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, xerrors.Errorf("querying input index: %w", err)
	}
	defer res.Close()

	var hashes []dash.Hash
	for r, ok := res.NextSync(); ok; r, ok = res.NextSync() {
		if r.Error != nil {
			return nil, xerrors.Errorf("querying input index: %w", r.Error)
		}
		h, err := parseHash(datastore.NewKey(r.Key).Name())
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}

	locks := make([]*InstantLock, 0, len(hashes))
	for _, h := range hashes {
		l, err := db.Get(ctx, h)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

// Write stores l and its indexes and returns its hash. Writing a stored lock
// again is a no-op.
func (db *DB) Write(ctx context.Context, l *InstantLock) (dash.Hash, error) {
	db.writeLk.Lock()
	defer db.writeLk.Unlock()
	hash := l.Hash()
	if db.Has(ctx, hash) {
		return hash, nil
	}
	if err := db.ds.Put(ctx, lockKey(hash), marshalLock(l)); err != nil {
		return hash, xerrors.Errorf("writing instant lock: %w", err)
	}
	if ok, err := db.ds.Has(ctx, txKey(l.TxID)); err != nil {
		return hash, xerrors.Errorf("reading txid index: %w", err)
	} else if !ok {
		if err := db.ds.Put(ctx, txKey(l.TxID), hash[:]); err != nil {
			return hash, xerrors.Errorf("writing txid index: %w", err)
		}
	}
	for _, in := range l.Inputs {
		if err := db.ds.Put(ctx, inputPrefix(in).ChildString(hexHash(hash)), []byte{}); err != nil {
			return hash, xerrors.Errorf("writing input index: %w", err)
		}
	}
	return hash, nil
}

// Remove deletes the lock with the given hash and all of its indexes.
func (db *DB) Remove(ctx context.Context, hash dash.Hash) error {
	db.writeLk.Lock()
	defer db.writeLk.Unlock()
	l, err := db.Get(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	keys := []datastore.Key{lockKey(hash)}
	if b, err := db.ds.Get(ctx, txKey(l.TxID)); err == nil && string(b) == string(hash[:]) {
		keys = append(keys, txKey(l.TxID))
	}
	for _, in := range l.Inputs {
		keys = append(keys, inputPrefix(in).ChildString(hexHash(hash)))
	}
	if height, ok, err := db.minedHeight(ctx, hash); err != nil {
		return err
	} else if ok {
		keys = append(keys, minedKey(height, hash), minedAtKey(hash))
	}
	for _, key := range keys {
		if err := db.ds.Delete(ctx, key); err != nil {
			return xerrors.Errorf("deleting %s: %w", key, err)
		}
	}
	return nil
}

func (db *DB) minedHeight(ctx context.Context, hash dash.Hash) (uint32, bool, error) {
	b, err := db.ds.Get(ctx, minedAtKey(hash))
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, xerrors.Errorf("reading mined height: %w", err)
	}
	r := encoding.NewReader(b)
	height := r.ReadUint32()
	if err := r.Finish(); err != nil {
		return 0, false, fmt.Errorf("%w: mined height of %s: %w", dash.ErrStorageCorruption, hash, err)
	}
	return height, true, nil
}

// WriteMined records that the transaction locked by hash was mined at height.
func (db *DB) WriteMined(ctx context.Context, hash dash.Hash, height uint32) error {
	db.writeLk.Lock()
	defer db.writeLk.Unlock()
	if err := db.removeMined(ctx, hash); err != nil {
		return err
	}
	w := encoding.NewWriter()
	w.WriteUint32(height)
	if err := db.ds.Put(ctx, minedAtKey(hash), w.Bytes()); err != nil {
		return xerrors.Errorf("writing mined height: %w", err)
	}
	return db.ds.Put(ctx, minedKey(height, hash), []byte{})
}

// RemoveMined forgets the mined height of the lock, after a reorg.
func (db *DB) RemoveMined(ctx context.Context, hash dash.Hash) error {
	db.writeLk.Lock()
	defer db.writeLk.Unlock()
	return db.removeMined(ctx, hash)
}

func (db *DB) removeMined(ctx context.Context, hash dash.Hash) error {
	height, ok, err := db.minedHeight(ctx, hash)
	if err != nil || !ok {
		return err
	}
	if err := db.ds.Delete(ctx, minedKey(height, hash)); err != nil {
		return xerrors.Errorf("deleting mined index: %w", err)
	}
	return db.ds.Delete(ctx, minedAtKey(hash))
}

// MinedHeight returns the height the lock's transaction was mined at.
func (db *DB) MinedHeight(ctx context.Context, hash dash.Hash) (uint32, bool, error) {
	return db.minedHeight(ctx, hash)
}

// MinedUpTo returns the hashes of the locks whose transactions were mined
// at or below height, lowest first.
func (db *DB) MinedUpTo(ctx context.Context, height uint32) ([]dash.Hash, error) {
	res, err := db.ds.Query(ctx, query.Query{
		Prefix:   prefixMined,
		KeysOnly: true,
		Orders:   []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, xerrors.Errorf("querying mined index: %w", err)
	}
	defer res.Close()

	var hashes []dash.Hash
	for r, ok := res.NextSync(); ok; r, ok = res.NextSync() {
		if r.Error != nil {
			return nil, xerrors.Errorf("querying mined index: %w", r.Error)
		}
		ns := datastore.NewKey(r.Key).Namespaces()
		if len(ns) != 3 {
			continue
		}
		h, err := strconv.ParseUint(ns[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad height in %s", dash.ErrStorageCorruption, r.Key)
		}
		if uint32(h) > height {
			break
		}
		hash, err := parseHash(ns[2])
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}
