package recsig

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore/query"
	"golang.org/x/xerrors"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
	"github.com/dashpay/go-llmq/internal/flatfile"
)

const (
	fileTag    = "recovered-signatures"
	maxRecords = 1 << 20
)

// Export writes every stored signature, with its write time, to a flat file.
func (db *DB) Export(ctx context.Context, path string, magic uint32) (int, error) {
	res, err := db.ds.Query(ctx, query.Query{Prefix: prefixByHash})
	if err != nil {
		return 0, xerrors.Errorf("querying recovered signatures: %w", err)
	}
	defer res.Close()

	var records [][]byte
	for r, ok := res.NextSync(); ok; r, ok = res.NextSync() {
		if r.Error != nil {
			return 0, xerrors.Errorf("querying recovered signatures: %w", r.Error)
		}
		records = append(records, r.Value)
	}
	w := encoding.NewWriter()
	w.WriteVarInt(uint64(len(records)))
	for _, rec := range records {
		w.WriteBytes(rec)
	}
	return len(records), flatfile.Save(path, fileTag, magic, w.Bytes())
}

// Import loads the signatures written by Export, keeping their original write
// times. A corrupt file is rejected as a whole with ErrStorageCorruption and
// nothing is imported. A missing file imports nothing.
func (db *DB) Import(ctx context.Context, path string, magic uint32) (int, error) {
	body, err := flatfile.Load(path, fileTag, magic)
	if flatfile.IsFresh(err) {
		return 0, nil
	} else if err != nil {
		log.Errorw("recovered signature file is corrupt, ignoring it", "path", path, "error", err)
		return 0, err
	}

	r := encoding.NewReader(body)
	n := r.ReadCount(maxRecords)
	records := make([]*record, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		records = append(records, decodeRecord(r))
	}
	if err := r.Finish(); err != nil {
		log.Errorw("recovered signature file is corrupt, ignoring it", "path", path, "error", err)
		return 0, fmt.Errorf("%s: %w: %w", path, dash.ErrStorageCorruption, err)
	}

	db.writeLk.Lock()
	defer db.writeLk.Unlock()
	var imported int
	for _, rec := range records {
		if err := db.writeRecord(ctx, rec); errors.Is(err, dash.ErrConflictingRecoveredSignature) {
			log.Warnw("skipping conflicting imported signature", "recsig", rec.rs, "error", err)
			continue
		} else if err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
