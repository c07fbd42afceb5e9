package puzzle

import (
	"crypto/sha256"

	"golang.org/x/crypto/chacha20"
)

// XORKey is a symmetric key derived from a puzzle solution. The tumbler
// encrypts the voucher signature under the solution of the voucher puzzle;
// whoever learns the solution can strip the mask.
type XORKey [32]byte

// NewXORKey derives the masking key for a solution.
func NewXORKey(sol *Solution) XORKey {
	return XORKey(sha256.Sum256(sol.Bytes()))
}

// XOR applies the key stream to data and returns the result. Applying it
// twice restores the input.
func (k XORKey) XOR(data []byte) []byte {
	var nonce [chacha20.NonceSize]byte

	// The key is only ever used for one payload, so a fixed nonce is
	// sufficient.
	cipher, err := chacha20.NewUnauthenticatedCipher(k[:], nonce[:])
	if err != nil {
		// Only returned for invalid key or nonce sizes.
		panic(err)
	}

	out := make([]byte, len(data))
	cipher.XORKeyStream(out, data)

	return out
}
