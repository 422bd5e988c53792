package dash

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	sha256 "github.com/minio/sha256-simd"
)

// Hash is a 32 byte digest kept in wire (little-endian) byte order. String
// renders it byte-reversed, the way block explorers and RPCs show hashes.
type Hash = chainhash.Hash

// OutPoint references a transaction output by txid and index.
type OutPoint = wire.OutPoint

// ZeroHash is the all-zero hash.
var ZeroHash Hash

// Sha256 returns the single SHA256 of the concatenation of data.
func Sha256(data ...[]byte) Hash {
	h := sha256.New()
	for _, d := range data {
		_, _ = h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DoubleHash returns SHA256(SHA256(data...)).
func DoubleHash(data ...[]byte) Hash {
	first := Sha256(data...)
	return Hash(sha256.Sum256(first[:]))
}

// HashFromString parses a byte-reversed hex hash.
func HashFromString(s string) (Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return ZeroHash, err
	}
	return *h, nil
}

// CompareHashes orders hashes as little-endian 256 bit integers, the order
// used for member scores and quorum selection.
func CompareHashes(a, b Hash) int {
	for i := len(a) - 1; i >= 0; i-- {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// HashLess reports whether a sorts before b under CompareHashes.
func HashLess(a, b Hash) bool { return CompareHashes(a, b) < 0 }
