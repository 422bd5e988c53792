// Package flatfile stores a single serialized object per file, framed by a
// domain tag, the network magic and a SHA256d checksum trailer. The object
// is zstd compressed.
package flatfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/dashpay/go-llmq/dash"
	"github.com/dashpay/go-llmq/internal/encoding"
)

const (
	checksumSize = 32
	maxBodySize  = 1 << 30
)

var (
	compressor   = must(zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1)))
	decompressor = must(zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxBodySize)))
)

func must[V any](v V, err error) V {
	if err != nil {
		panic(err)
	}
	return v
}

// Save atomically replaces path with body framed by tag and magic.
func Save(path, tag string, magic uint32, body []byte) error {
	w := encoding.NewWriter()
	w.WriteVarString(tag)
	w.WriteUint32(magic)
	w.WriteBytes(compressor.EncodeAll(body, make([]byte, 0, len(body)/2)))
	sum := dash.DoubleHash(w.Bytes())
	w.WriteHash(sum)
	if err := renameio.WriteFile(path, w.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Load reads the body stored at path. A missing file returns an error
// matching os.ErrNotExist. Any checksum, tag or magic mismatch returns an
// error matching dash.ErrStorageCorruption; the caller must then start from
// empty state rather than use any part of the file.
func Load(path, tag string, magic uint32) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < checksumSize {
		return nil, fmt.Errorf("%w: %s is truncated", dash.ErrStorageCorruption, path)
	}
	payload, trailer := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	if sum := dash.DoubleHash(payload); string(sum[:]) != string(trailer) {
		return nil, fmt.Errorf("%w: %s checksum mismatch", dash.ErrStorageCorruption, path)
	}
	r := encoding.NewReader(payload)
	gotTag := string(r.ReadVarBytes(len(payload), "tag"))
	gotMagic := r.ReadUint32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s header: %w", dash.ErrStorageCorruption, path, err)
	}
	if gotTag != tag {
		return nil, fmt.Errorf("%w: %s has tag %q, expected %q", dash.ErrStorageCorruption, path, gotTag, tag)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("%w: %s has network magic %#x, expected %#x", dash.ErrStorageCorruption, path, gotMagic, magic)
	}
	body, err := decompressor.DecodeAll(r.ReadBytes(r.Len()), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %w", dash.ErrStorageCorruption, path, err)
	}
	return body, nil
}

// IsFresh reports whether err from Load means there was simply nothing stored.
func IsFresh(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
