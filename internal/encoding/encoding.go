// Package encoding implements the Bitcoin style little-endian wire primitives
// shared by every Dash message: compact size integers, hashes, outpoints and
// dynamic bit vectors.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// protocolVersion is passed to the btcd helpers, none of which change
// behaviour by version for the primitives used here.
const protocolVersion = 0

// MaxCount bounds any length prefix read from the wire.
const MaxCount = 1 << 20

var (
	ErrTrailingData  = errors.New("trailing data")
	ErrCountTooLarge = errors.New("count too large")
	ErrPaddingBits   = errors.New("bits set beyond vector size")
)

// Reader decodes wire primitives from a byte slice. The first error sticks:
// once a read fails every following read is a no-op returning zero values and
// Err reports the original failure.
type Reader struct {
	r   *bytes.Reader
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{r: bytes.NewReader(b)}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return r.r.Len() }

// Finish reports the sticky error, or ErrTrailingData if bytes are left over.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.r.Len() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, r.r.Len())
	}
	return nil
}

// Fail records a semantic decoding error found by the caller. Like read
// errors it only sticks if no error has been recorded yet.
func (r *Reader) Fail(err error) { r.fail(err) }

func (r *Reader) fail(err error) {
	if r.err == nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		r.err = err
	}
}

func (r *Reader) ReadBytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.r.Len() {
		r.fail(io.ErrUnexpectedEOF)
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.fail(err)
		return nil
	}
	return buf
}

// ReadInto fills dst entirely.
func (r *Reader) ReadInto(dst []byte) {
	if r.err != nil {
		return
	}
	if _, err := io.ReadFull(r.r, dst); err != nil {
		r.fail(err)
	}
}

func (r *Reader) ReadUint8() uint8 {
	if r.err != nil {
		return 0
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.fail(err)
		return 0
	}
	return b
}

func (r *Reader) ReadBool() bool { return r.ReadUint8() != 0 }

func (r *Reader) ReadUint16() uint16 {
	var b [2]byte
	r.ReadInto(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

// ReadUint16BE reads a network order uint16, as used for service ports.
func (r *Reader) ReadUint16BE() uint16 {
	var b [2]byte
	r.ReadInto(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (r *Reader) ReadUint32() uint32 {
	var b [4]byte
	r.ReadInto(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *Reader) ReadInt32() int32 { return int32(r.ReadUint32()) }

func (r *Reader) ReadUint64() uint64 {
	var b [8]byte
	r.ReadInto(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (r *Reader) ReadInt64() int64 { return int64(r.ReadUint64()) }

func (r *Reader) ReadHash() chainhash.Hash {
	var h chainhash.Hash
	r.ReadInto(h[:])
	return h
}

func (r *Reader) ReadVarInt() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := wire.ReadVarInt(r.r, protocolVersion)
	if err != nil {
		r.fail(err)
		return 0
	}
	return v
}

// ReadCount reads a compact size length prefix and checks it against limit.
func (r *Reader) ReadCount(limit int) int {
	v := r.ReadVarInt()
	if r.err != nil {
		return 0
	}
	if v > uint64(limit) {
		r.fail(fmt.Errorf("%w: %d > %d", ErrCountTooLarge, v, limit))
		return 0
	}
	return int(v)
}

func (r *Reader) ReadVarBytes(limit int, field string) []byte {
	if r.err != nil {
		return nil
	}
	b, err := wire.ReadVarBytes(r.r, protocolVersion, uint32(limit), field)
	if err != nil {
		r.fail(err)
		return nil
	}
	return b
}

func (r *Reader) ReadOutPoint() wire.OutPoint {
	h := r.ReadHash()
	idx := r.ReadUint32()
	return wire.OutPoint{Hash: h, Index: idx}
}

// ReadBits reads a dynamic bit vector: a compact size bit count followed by
// the bits packed least significant bit first.
func (r *Reader) ReadBits(limit int) []bool {
	n := r.ReadCount(limit)
	packed := r.ReadBytes((n + 7) / 8)
	if r.err != nil {
		return nil
	}
	bits := make([]bool, n)
	for i := range bits {
		bits[i] = packed[i/8]&(1<<(i%8)) != 0
	}
	if n%8 != 0 && packed[len(packed)-1]>>(n%8) != 0 {
		r.fail(ErrPaddingBits)
		return nil
	}
	return bits
}

// Writer encodes wire primitives into an in-memory buffer.
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *Writer) WriteBytes(b []byte) { w.buf.Write(b) }

func (w *Writer) WriteUint8(v uint8) { w.buf.WriteByte(v) }

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (w *Writer) WriteUint16BE(v uint16) {
	w.buf.Write(binary.BigEndian.AppendUint16(nil, v))
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

func (w *Writer) WriteUint64(v uint64) {
	w.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteHash(h chainhash.Hash) { w.buf.Write(h[:]) }

func (w *Writer) WriteVarInt(v uint64) {
	// Writes to a bytes.Buffer never fail.
	_ = wire.WriteVarInt(&w.buf, protocolVersion, v)
}

func (w *Writer) WriteVarBytes(b []byte) {
	_ = wire.WriteVarBytes(&w.buf, protocolVersion, b)
}

func (w *Writer) WriteVarString(s string) {
	_ = wire.WriteVarString(&w.buf, protocolVersion, s)
}

func (w *Writer) WriteOutPoint(op wire.OutPoint) {
	w.WriteHash(op.Hash)
	w.WriteUint32(op.Index)
}

func (w *Writer) WriteBits(bits []bool) {
	w.WriteVarInt(uint64(len(bits)))
	w.buf.Write(PackBits(bits))
}

// PackBits packs bits least significant bit first without a length prefix.
func PackBits(bits []bool) []byte {
	packed := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}
