package negotiation

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tumblebit/tumbler/cycle"
	"github.com/tumblebit/tumbler/promise"
	"github.com/tumblebit/tumbler/puzzle"
	"github.com/tumblebit/tumbler/solver"
)

// Parameters are the tumbler parameters a negotiation runs with. They are
// published by the tumbler and don't change during a negotiation.
type Parameters struct {
	// Network is the chain the escrows are opened on.
	Network *chaincfg.Params

	// Denomination is the amount every tumbler escrow holds.
	Denomination btcutil.Amount

	// Fee is what the client pays the tumbler on top of the
	// denomination.
	Fee btcutil.Amount

	// VoucherKey signs vouchers.
	VoucherKey *puzzle.PublicKey

	// ServerKey is the key of the puzzle sub-protocols.
	ServerKey *puzzle.PublicKey

	// CycleGenerator schedules tumbler cycles.
	CycleGenerator *cycle.Generator

	// RealPuzzleCount and FakePuzzleCount size the solver protocol.
	RealPuzzleCount int
	FakePuzzleCount int

	// RealTransactionCount and FakeTransactionCount size the promise
	// protocol.
	RealTransactionCount int
	FakeTransactionCount int
}

// DefaultParameters returns parameters with the standard sub-protocol sizes.
func DefaultParameters(net *chaincfg.Params, denomination,
	fee btcutil.Amount, voucherKey, serverKey *puzzle.PublicKey,
	generator *cycle.Generator) *Parameters {

	return &Parameters{
		Network:              net,
		Denomination:         denomination,
		Fee:                  fee,
		VoucherKey:           voucherKey,
		ServerKey:            serverKey,
		CycleGenerator:       generator,
		RealPuzzleCount:      solver.DefaultRealPuzzleCount,
		FakePuzzleCount:      solver.DefaultFakePuzzleCount,
		RealTransactionCount: promise.DefaultRealTransactionCount,
		FakeTransactionCount: promise.DefaultFakeTransactionCount,
	}
}

// Validate checks that the parameters can drive a negotiation.
func (p *Parameters) Validate() error {
	switch {
	case p.Network == nil:
		return errors.New("network required")

	case p.Denomination <= 0:
		return fmt.Errorf("denomination must be positive, got %v",
			p.Denomination)

	case p.Fee < 0:
		return fmt.Errorf("fee must not be negative, got %v", p.Fee)

	case p.VoucherKey == nil:
		return errors.New("voucher key required")

	case p.CycleGenerator == nil:
		return errors.New("cycle generator required")
	}

	if err := p.CycleGenerator.Validate(); err != nil {
		return fmt.Errorf("invalid cycle generator: %w", err)
	}
	if err := p.SolverParameters().Validate(); err != nil {
		return err
	}

	return p.PromiseParameters().Validate()
}

// EscrowAmount is the value of the client escrow.
func (p *Parameters) EscrowAmount() btcutil.Amount {
	return p.Denomination + p.Fee
}

// SolverParameters derives the parameters of the solver protocol.
func (p *Parameters) SolverParameters() *solver.Parameters {
	return &solver.Parameters{
		ServerKey:       p.ServerKey,
		RealPuzzleCount: p.RealPuzzleCount,
		FakePuzzleCount: p.FakePuzzleCount,
	}
}

// PromiseParameters derives the parameters of the promise protocol.
func (p *Parameters) PromiseParameters() *promise.Parameters {
	return &promise.Parameters{
		ServerKey:            p.ServerKey,
		RealTransactionCount: p.RealTransactionCount,
		FakeTransactionCount: p.FakeTransactionCount,
	}
}
