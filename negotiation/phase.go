package negotiation

import "fmt"

// Phase identifies the step a negotiation is at. Phases only ever move
// forward, one at a time.
type Phase uint8

const (
	// WaitingVoucher is the initial phase, waiting for the tumbler's
	// unsigned voucher.
	WaitingVoucher Phase = iota

	// WaitingTumblerClientTransactionKey waits for the key the tumbler
	// uses in the client escrow.
	WaitingTumblerClientTransactionKey

	// WaitingClientTransaction waits for the signed transaction funding
	// the client escrow.
	WaitingClientTransaction

	// WaitingSolvedVoucher waits for the tumbler to solve the blinded
	// voucher puzzle.
	WaitingSolvedVoucher

	// WaitingGenerateTumblerTransactionKey waits for the client to request
	// the tumbler escrow.
	WaitingGenerateTumblerTransactionKey

	// WaitingTumblerEscrow waits for the escrow funded by the tumbler.
	WaitingTumblerEscrow

	// PromisePhase is the terminal phase. The puzzle promise protocol
	// takes over from here.
	PromisePhase
)

// phaseCount is the number of phases.
const phaseCount = int(PromisePhase) + 1

// String returns the name of the phase.
func (p Phase) String() string {
	switch p {
	case WaitingVoucher:
		return "WaitingVoucher"

	case WaitingTumblerClientTransactionKey:
		return "WaitingTumblerClientTransactionKey"

	case WaitingClientTransaction:
		return "WaitingClientTransaction"

	case WaitingSolvedVoucher:
		return "WaitingSolvedVoucher"

	case WaitingGenerateTumblerTransactionKey:
		return "WaitingGenerateTumblerTransactionKey"

	case WaitingTumblerEscrow:
		return "WaitingTumblerEscrow"

	case PromisePhase:
		return "PromisePhase"

	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// IsTerminal returns true for the phase where the negotiation is complete.
func (p Phase) IsTerminal() bool {
	return p == PromisePhase
}

// valid reports whether p is a known phase.
func (p Phase) valid() bool {
	return int(p) < phaseCount
}
