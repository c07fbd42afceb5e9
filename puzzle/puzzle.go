package puzzle

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
)

var (
	// ErrOutOfRange is returned when a puzzle, solution or blind factor
	// does not lie strictly between zero and the key's modulus.
	ErrOutOfRange = errors.New("value out of range for rsa key")

	// ErrNotInvertible is returned when a blind factor shares a factor
	// with the modulus.
	ErrNotInvertible = errors.New("blind factor not invertible")

	// ErrInvalidBlindFactor is returned by Unblind when the blind factor,
	// rather than the solution, can't be used.
	ErrInvalidBlindFactor = errors.New("invalid blind factor")
)

// Value is a puzzle value: an element of the multiplicative group modulo a
// tumbler key's modulus.
type Value struct {
	n *big.Int
}

// NewValue interprets b as a big-endian puzzle value.
func NewValue(b []byte) Value {
	return Value{n: new(big.Int).SetBytes(b)}
}

// Bytes returns the big-endian encoding of the value.
func (v Value) Bytes() []byte {
	if v.n == nil {
		return nil
	}

	return v.n.Bytes()
}

// IsZero reports whether the value is unset or zero.
func (v Value) IsZero() bool {
	return v.n == nil || v.n.Sign() == 0
}

// Equal reports whether both values are the same number.
func (v Value) Equal(other Value) bool {
	if v.IsZero() || other.IsZero() {
		return v.IsZero() && other.IsZero()
	}

	return v.n.Cmp(other.n) == 0
}

// Copy returns an independent copy of the value.
func (v Value) Copy() Value {
	if v.n == nil {
		return Value{}
	}

	return Value{n: new(big.Int).Set(v.n)}
}

// String returns the value in hex.
func (v Value) String() string {
	if v.n == nil {
		return "<nil>"
	}

	return fmt.Sprintf("%x", v.n)
}

// Puzzle binds a puzzle value to the key it was created under.
type Puzzle struct {
	key   *PublicKey
	value Value
}

// NewPuzzle returns the puzzle for value under key.
func NewPuzzle(key *PublicKey, value Value) (*Puzzle, error) {
	if key == nil {
		return nil, ErrNilKey
	}
	if value.IsZero() || !key.inRange(value.n) {
		return nil, fmt.Errorf("puzzle: %w", ErrOutOfRange)
	}

	return &Puzzle{key: key, value: value.Copy()}, nil
}

// Value returns the puzzle value.
func (p *Puzzle) Value() Value {
	return p.value.Copy()
}

// Blind multiplies the puzzle by r^e for a fresh random r, returning the
// blinded puzzle and r. Solving the blinded puzzle yields x*r, which Unblind
// turns back into the solution x of the original puzzle.
func (p *Puzzle) Blind(rnd io.Reader) (*Puzzle, *BlindFactor, error) {
	if rnd == nil {
		rnd = rand.Reader
	}

	r, err := randomUnit(rnd, p.key.key.N)
	if err != nil {
		return nil, nil, err
	}

	blinded := p.key.exp(r)
	blinded.Mul(blinded, p.value.n)
	blinded.Mod(blinded, p.key.key.N)

	return &Puzzle{key: p.key, value: Value{n: blinded}},
		&BlindFactor{r: r}, nil
}

// Verify reports whether sol solves the puzzle.
func (p *Puzzle) Verify(sol *Solution) bool {
	if sol == nil || sol.n == nil || !p.key.inRange(sol.n) {
		return false
	}

	return p.key.exp(sol.n).Cmp(p.value.n) == 0
}

// BlindFactor is the secret randomness used to blind a puzzle. It must be
// wiped with Zero once the solution has been unblinded.
type BlindFactor struct {
	r *big.Int
}

// NewBlindFactor restores a blind factor from its big-endian encoding.
func NewBlindFactor(b []byte) *BlindFactor {
	return &BlindFactor{r: new(big.Int).SetBytes(b)}
}

// Bytes returns the big-endian encoding of the factor.
func (f *BlindFactor) Bytes() []byte {
	return f.r.Bytes()
}

// Copy returns an independent copy of the factor.
func (f *BlindFactor) Copy() *BlindFactor {
	return &BlindFactor{r: new(big.Int).Set(f.r)}
}

// IsZero returns true for a missing or wiped factor.
func (f *BlindFactor) IsZero() bool {
	return f == nil || f.r == nil || f.r.Sign() == 0
}

// Zero overwrites the factor's backing words and resets it to zero.
func (f *BlindFactor) Zero() {
	if f == nil || f.r == nil {
		return
	}

	words := f.r.Bits()
	for i := range words {
		words[i] = 0
	}
	f.r.SetInt64(0)
}

// Solution is the RSA preimage of a puzzle value.
type Solution struct {
	n *big.Int
}

// NewSolution interprets b as a big-endian solution.
func NewSolution(b []byte) *Solution {
	return &Solution{n: new(big.Int).SetBytes(b)}
}

// Bytes returns the big-endian encoding of the solution.
func (s *Solution) Bytes() []byte {
	return s.n.Bytes()
}

// Unblind removes the blind factor from a solution of a blinded puzzle.
func (s *Solution) Unblind(key *PublicKey, factor *BlindFactor) (*Solution,
	error) {

	switch {
	case key == nil:
		return nil, ErrNilKey

	case factor == nil || factor.r == nil || !key.inRange(factor.r):
		return nil, fmt.Errorf("%w: %w", ErrInvalidBlindFactor,
			ErrOutOfRange)

	case s.n == nil || !key.inRange(s.n):
		return nil, fmt.Errorf("solution: %w", ErrOutOfRange)
	}

	inv := new(big.Int).ModInverse(factor.r, key.key.N)
	if inv == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBlindFactor,
			ErrNotInvertible)
	}

	x := inv.Mul(inv, s.n)
	x.Mod(x, key.key.N)

	return &Solution{n: x}, nil
}

// Solve returns the solution of a puzzle value under the private key.
func (k *PrivateKey) Solve(value Value) (*Solution, error) {
	pub := k.PubKey()
	if value.IsZero() || !pub.inRange(value.n) {
		return nil, fmt.Errorf("puzzle: %w", ErrOutOfRange)
	}

	x := new(big.Int).Exp(value.n, k.key.D, k.key.N)

	return &Solution{n: x}, nil
}

// GeneratePuzzle draws a random solution and returns it along with its
// puzzle.
func (k *PrivateKey) GeneratePuzzle(rnd io.Reader) (*Puzzle, *Solution,
	error) {

	if rnd == nil {
		rnd = rand.Reader
	}

	pub := k.PubKey()
	x, err := randomUnit(rnd, pub.key.N)
	if err != nil {
		return nil, nil, err
	}

	return &Puzzle{key: pub, value: Value{n: pub.exp(x)}},
		&Solution{n: x}, nil
}

// randomUnit draws a uniformly random r in [1, n) with gcd(r, n) = 1.
func randomUnit(rnd io.Reader, n *big.Int) (*big.Int, error) {
	one := big.NewInt(1)
	gcd := new(big.Int)
	for {
		r, err := rand.Int(rnd, n)
		if err != nil {
			return nil, fmt.Errorf("unable to draw blind factor: %w",
				err)
		}
		if r.Sign() == 0 {
			continue
		}
		if gcd.GCD(nil, nil, r, n).Cmp(one) == 0 {
			return r, nil
		}
	}
}
