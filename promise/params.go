package promise

import (
	"errors"
	"fmt"

	"github.com/tumblebit/tumbler/puzzle"
)

const (
	// DefaultRealTransactionCount is the number of real transactions the
	// client asks the tumbler to sign.
	DefaultRealTransactionCount = 42

	// DefaultFakeTransactionCount is the number of fake transactions mixed
	// with the real ones.
	DefaultFakeTransactionCount = 42
)

// ErrNoServerKey is returned when the parameters carry no tumbler key.
var ErrNoServerKey = errors.New("promise parameters require a server key")

// Parameters configure a puzzle promise protocol run.
type Parameters struct {
	// ServerKey is the tumbler's puzzle key the promised signatures are
	// locked under.
	ServerKey *puzzle.PublicKey

	// RealTransactionCount is the number of real transactions.
	RealTransactionCount int

	// FakeTransactionCount is the number of fake transactions.
	FakeTransactionCount int
}

// DefaultParameters returns parameters using the standard transaction
// counts.
func DefaultParameters(serverKey *puzzle.PublicKey) *Parameters {
	return &Parameters{
		ServerKey:            serverKey,
		RealTransactionCount: DefaultRealTransactionCount,
		FakeTransactionCount: DefaultFakeTransactionCount,
	}
}

// Validate checks the parameters are usable.
func (p *Parameters) Validate() error {
	if p.ServerKey == nil {
		return ErrNoServerKey
	}
	if p.RealTransactionCount <= 0 || p.FakeTransactionCount <= 0 {
		return fmt.Errorf("transaction counts must be positive, got "+
			"real=%d fake=%d", p.RealTransactionCount,
			p.FakeTransactionCount)
	}

	return nil
}

// TotalTransactionCount is the number of transactions sent to the tumbler.
func (p *Parameters) TotalTransactionCount() int {
	return p.RealTransactionCount + p.FakeTransactionCount
}
