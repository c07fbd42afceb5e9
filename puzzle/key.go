package puzzle

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/big"
)

const (
	// DefaultKeySize is the RSA modulus size in bits used by tumblers.
	DefaultKeySize = 2048

	// minKeySize is the smallest modulus accepted when parsing keys.
	minKeySize = 1024
)

var (
	// ErrKeyTooSmall is returned when a parsed key has a modulus below
	// the minimum accepted size.
	ErrKeyTooSmall = errors.New("rsa modulus too small")

	// ErrNilKey is returned when an operation requires a key and none was
	// provided.
	ErrNilKey = errors.New("nil rsa key")
)

// PublicKey is the public half of a tumbler puzzle key.
type PublicKey struct {
	key rsa.PublicKey
}

// NewPublicKey wraps an RSA public key.
func NewPublicKey(pub *rsa.PublicKey) *PublicKey {
	return &PublicKey{
		key: rsa.PublicKey{
			N: new(big.Int).Set(pub.N),
			E: pub.E,
		},
	}
}

// ParsePublicKey parses a PKCS#1 DER encoded RSA public key.
func ParsePublicKey(der []byte) (*PublicKey, error) {
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("unable to parse puzzle key: %w", err)
	}
	if pub.N.BitLen() < minKeySize {
		return nil, fmt.Errorf("%w: %d bits", ErrKeyTooSmall,
			pub.N.BitLen())
	}

	return &PublicKey{key: *pub}, nil
}

// Bytes returns the PKCS#1 DER encoding of the key.
func (k *PublicKey) Bytes() []byte {
	return x509.MarshalPKCS1PublicKey(&k.key)
}

// Modulus returns a copy of the RSA modulus.
func (k *PublicKey) Modulus() *big.Int {
	return new(big.Int).Set(k.key.N)
}

// Equal reports whether both keys have the same modulus and exponent.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}

	return k.key.E == other.key.E && k.key.N.Cmp(other.key.N) == 0
}

// exp computes v^e mod N.
func (k *PublicKey) exp(v *big.Int) *big.Int {
	e := big.NewInt(int64(k.key.E))
	return new(big.Int).Exp(v, e, k.key.N)
}

// inRange reports whether 0 < v < N.
func (k *PublicKey) inRange(v *big.Int) bool {
	return v.Sign() > 0 && v.Cmp(k.key.N) < 0
}

// PrivateKey is a tumbler puzzle key. Clients never hold one; it is used by
// the tumbler side of the protocol and by tests.
type PrivateKey struct {
	key *rsa.PrivateKey
}

// GenerateKey creates a new puzzle key of the given size.
func GenerateKey(rand io.Reader, bits int) (*PrivateKey, error) {
	key, err := rsa.GenerateKey(rand, bits)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{key: key}, nil
}

// PubKey returns the public half of the key.
func (k *PrivateKey) PubKey() *PublicKey {
	return NewPublicKey(&k.key.PublicKey)
}
