package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-varint"
)

// SigningKey is a parsed multibase public key. Labelers sign with
// secp256k1 (k256) or NIST P-256 keys; the multicodec prefix inside the
// multibase envelope selects the curve.
type SigningKey struct {
	multibase string
	curve     multicodec.Code
	raw       []byte // compressed point
}

// ParseSigningKey decodes a self-describing multibase key string into a
// verifiable key.
func ParseSigningKey(encoded string) (*SigningKey, error) {
	_, data, err := multibase.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding multibase key: %w", err)
	}
	code, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, fmt.Errorf("reading multicodec prefix: %w", err)
	}
	raw := data[n:]

	switch multicodec.Code(code) {
	case multicodec.Secp256k1Pub:
		if len(raw) != 33 {
			return nil, fmt.Errorf("secp256k1 key must be a 33-byte compressed point, got %d", len(raw))
		}
	case multicodec.P256Pub:
		if x, _ := elliptic.UnmarshalCompressed(elliptic.P256(), raw); x == nil {
			return nil, fmt.Errorf("invalid compressed p256 point")
		}
	default:
		return nil, fmt.Errorf("unsupported key multicodec 0x%x", code)
	}

	return &SigningKey{multibase: encoded, curve: multicodec.Code(code), raw: raw}, nil
}

// Multibase returns the original encoded form.
func (k *SigningKey) Multibase() string {
	return k.multibase
}

// Equal reports byte-for-byte equality of the encoded keys.
func (k *SigningKey) Equal(other *SigningKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.multibase == other.multibase
}

// Verify checks a 64-byte compact (r || s) signature over the sha256
// digest of msg.
func (k *SigningKey) Verify(msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	digest := sha256.Sum256(msg)

	switch k.curve {
	case multicodec.Secp256k1Pub:
		// Rejects malleable (high-s) signatures, matching what
		// publishers are required to produce.
		return ethcrypto.VerifySignature(k.raw, digest[:], sig)
	case multicodec.P256Pub:
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), k.raw)
		if x == nil {
			return false
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if !lowS(pub.Curve, s) {
			return false
		}
		return ecdsa.Verify(pub, digest[:], r, s)
	default:
		return false
	}
}

func lowS(curve elliptic.Curve, s *big.Int) bool {
	halfOrder := new(big.Int).Rsh(curve.Params().N, 1)
	return s.Cmp(halfOrder) <= 0
}
