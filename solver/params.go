package solver

import (
	"errors"
	"fmt"

	"github.com/tumblebit/tumbler/puzzle"
)

const (
	// DefaultRealPuzzleCount is the number of real puzzles the client
	// hides among the fake ones.
	DefaultRealPuzzleCount = 15

	// DefaultFakePuzzleCount is the number of fake puzzles the tumbler
	// must solve for the client to check its honesty.
	DefaultFakePuzzleCount = 285
)

// ErrNoServerKey is returned when the parameters carry no tumbler key.
var ErrNoServerKey = errors.New("solver parameters require a server key")

// Parameters configure a puzzle solver protocol run.
type Parameters struct {
	// ServerKey is the tumbler's puzzle key. Puzzles solved during the
	// protocol are puzzles under this key.
	ServerKey *puzzle.PublicKey

	// RealPuzzleCount is the number of real puzzles.
	RealPuzzleCount int

	// FakePuzzleCount is the number of fake puzzles.
	FakePuzzleCount int
}

// DefaultParameters returns parameters using the standard puzzle counts.
func DefaultParameters(serverKey *puzzle.PublicKey) *Parameters {
	return &Parameters{
		ServerKey:       serverKey,
		RealPuzzleCount: DefaultRealPuzzleCount,
		FakePuzzleCount: DefaultFakePuzzleCount,
	}
}

// Validate checks the parameters are usable.
func (p *Parameters) Validate() error {
	if p.ServerKey == nil {
		return ErrNoServerKey
	}
	if p.RealPuzzleCount <= 0 || p.FakePuzzleCount <= 0 {
		return fmt.Errorf("puzzle counts must be positive, got "+
			"real=%d fake=%d", p.RealPuzzleCount, p.FakePuzzleCount)
	}

	return nil
}

// TotalPuzzleCount is the number of puzzles sent to the tumbler.
func (p *Parameters) TotalPuzzleCount() int {
	return p.RealPuzzleCount + p.FakePuzzleCount
}
