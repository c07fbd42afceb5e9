package negotiation

import (
	"errors"
	"fmt"
)

var (
	// ErrSequencing matches every error returned when an operation is
	// invoked in a phase that does not allow it.
	ErrSequencing = errors.New("operation invoked out of sequence")

	// ErrNilParameters is returned when a negotiation is created without
	// parameters.
	ErrNilParameters = errors.New("negotiation parameters required")

	// ErrNilState is returned when a negotiation is restored without a
	// state.
	ErrNilState = errors.New("negotiation state required")

	// ErrAbandoned is returned by every mutating operation once the
	// negotiation has been abandoned.
	ErrAbandoned = errors.New("negotiation abandoned")

	// ErrWipedState is returned when a negotiation is restored from a
	// checkpoint whose secrets were wiped, such as one taken after
	// Abandon.
	ErrWipedState = errors.New("negotiation state holds wiped secrets")

	// ErrInvalidCycleStart is returned when the lock times of the cycle a
	// negotiation runs in can't be used as block heights.
	ErrInvalidCycleStart = errors.New("invalid cycle start")
)

// The following errors describe tumbler misbehaviour. They are always
// returned wrapped in an ErrProtocolViolation.
var (
	// ErrMalformedVoucher is returned for an unsigned voucher that can't
	// be used.
	ErrMalformedVoucher = errors.New("malformed voucher")

	// ErrIncorrectSolution is returned when the voucher solution does not
	// solve the voucher puzzle.
	ErrIncorrectSolution = errors.New("incorrect puzzle solution")

	// ErrInvalidEscrow is returned when an escrow does not have the
	// expected keys or lock time.
	ErrInvalidEscrow = errors.New("invalid escrow")

	// ErrInvalidAmount is returned when an escrow does not hold the
	// expected amount.
	ErrInvalidAmount = errors.New("invalid escrow amount")

	// ErrNoEscrowOutput is returned when a transaction does not pay to the
	// client escrow.
	ErrNoEscrowOutput = errors.New("transaction has no escrow output")

	// ErrAmbiguousEscrowOutput is returned when a transaction pays to the
	// client escrow more than once.
	ErrAmbiguousEscrowOutput = errors.New("transaction has more than one " +
		"escrow output")
)

// ErrInvalidPhase is returned when an operation is invoked in the wrong
// phase. The negotiation state is left untouched.
type ErrInvalidPhase struct {
	// Op is the operation that was invoked.
	Op string

	// Expected is the phase the operation requires.
	Expected Phase

	// Actual is the phase the negotiation is at.
	Actual Phase
}

// Error returns a human readable string describing the error.
func (e *ErrInvalidPhase) Error() string {
	return fmt.Sprintf("%s: invalid phase %v, expected %v", e.Op,
		e.Actual, e.Expected)
}

// Is makes every ErrInvalidPhase match ErrSequencing.
func (e *ErrInvalidPhase) Is(target error) bool {
	return target == ErrSequencing
}

// ErrProtocolViolation is returned when input from the tumbler fails
// validation. The negotiation state is left untouched, but the session
// should not be trusted further.
type ErrProtocolViolation struct {
	// Phase is the phase the violation happened in.
	Phase Phase

	// Err is the validation failure.
	Err error
}

// Error returns a human readable string describing the error.
func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation in %v: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying validation failure.
func (e *ErrProtocolViolation) Unwrap() error {
	return e.Err
}

// IsProtocolViolation returns true if err was caused by tumbler input.
func IsProtocolViolation(err error) bool {
	var violation *ErrProtocolViolation
	return errors.As(err, &violation)
}
