package blssig

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcutil"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"go.opentelemetry.io/otel/metric"

	"github.com/dashpay/go-llmq/dash"
)

// Scheme tags the signature scheme of a KeyMaterial.
type Scheme uint8

const (
	SchemeBLS Scheme = iota + 1
	SchemeECDSA
	SchemeEd25519
)

func (s Scheme) String() string {
	switch s {
	case SchemeBLS:
		return "bls"
	case SchemeECDSA:
		return "ecdsa"
	case SchemeEd25519:
		return "ed25519"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// KeyIDSize is the size of a hashed key identifier.
const KeyIDSize = 20

// KeyID identifies a key by a 20 byte hash of its public key.
type KeyID [KeyIDSize]byte

var ErrUnknownScheme = errors.New("unknown key scheme")

var defaultVerifier = sync.OnceValue(NewVerifier)

// KeyMaterial is a public key of any of the schemes a masternode uses: BLS
// operator keys, secp256k1 owner and voting keys, and Ed25519 platform node
// keys.
type KeyMaterial struct {
	scheme Scheme
	public []byte
}

func NewBLSKey(pub []byte) KeyMaterial     { return KeyMaterial{scheme: SchemeBLS, public: pub} }
func NewECDSAKey(pub []byte) KeyMaterial   { return KeyMaterial{scheme: SchemeECDSA, public: pub} }
func NewEd25519Key(pub []byte) KeyMaterial { return KeyMaterial{scheme: SchemeEd25519, public: pub} }

func (k KeyMaterial) Scheme() Scheme { return k.scheme }
func (k KeyMaterial) Bytes() []byte  { return k.public }

func (k KeyMaterial) Equal(o KeyMaterial) bool {
	return k.scheme == o.scheme && bytes.Equal(k.public, o.public)
}

// ID returns the key identifier committed on chain for this key: HASH160 for
// secp256k1 and BLS keys, the truncated SHA256 for Ed25519 platform keys.
func (k KeyMaterial) ID() KeyID {
	var id KeyID
	switch k.scheme {
	case SchemeEd25519:
		h := dash.Sha256(k.public)
		copy(id[:], h[:KeyIDSize])
	default:
		copy(id[:], btcutil.Hash160(k.public))
	}
	return id
}

// Valid reports whether the key decodes under its scheme.
func (k KeyMaterial) Valid() bool {
	switch k.scheme {
	case SchemeBLS:
		return defaultVerifier().ValidPublicKey(k.public)
	case SchemeECDSA:
		_, err := btcec.ParsePubKey(k.public, btcec.S256())
		return err == nil
	case SchemeEd25519:
		return len(k.public) == ed25519.PublicKeySize
	default:
		return false
	}
}

// Verify checks sig over msg under the key's scheme. ECDSA signatures are 65
// byte compact recoverable signatures over a 32 byte hash.
func (k KeyMaterial) Verify(msg, sig []byte) error {
	metrics.verify.Add(context.TODO(), 1, metric.WithAttributes(attrScheme.String(k.scheme.String())))
	switch k.scheme {
	case SchemeBLS:
		return defaultVerifier().Verify(k.public, msg, sig)
	case SchemeECDSA:
		pub, _, err := btcec.RecoverCompact(btcec.S256(), sig, msg)
		if err != nil {
			return fmt.Errorf("%w: %w", dash.ErrInvalidSignature, err)
		}
		if !bytes.Equal(pub.SerializeCompressed(), k.public) && !bytes.Equal(pub.SerializeUncompressed(), k.public) {
			return fmt.Errorf("%w: recovered key does not match", dash.ErrInvalidSignature)
		}
		return nil
	case SchemeEd25519:
		if len(k.public) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: ed25519 key length %d", ErrInvalidPublicKey, len(k.public))
		}
		if !ed25519.Verify(ed25519.PublicKey(k.public), msg, sig) {
			return dash.ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownScheme, k.scheme)
	}
}

// VerifyByKeyID checks a compact secp256k1 signature over hash against a key
// known only by its HASH160, as owner and voting keys are.
func VerifyByKeyID(id KeyID, hash, sig []byte) error {
	pub, compressed, err := btcec.RecoverCompact(btcec.S256(), sig, hash)
	if err != nil {
		return fmt.Errorf("%w: %w", dash.ErrInvalidSignature, err)
	}
	serialized := pub.SerializeUncompressed()
	if compressed {
		serialized = pub.SerializeCompressed()
	}
	if !bytes.Equal(btcutil.Hash160(serialized), id[:]) {
		return fmt.Errorf("%w: key id mismatch", dash.ErrInvalidSignature)
	}
	return nil
}
