package negotiation

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/puzzle"
)

// State is the state of a negotiation at one phase. Each phase has its own
// implementation carrying exactly the fields valid in that phase.
type State interface {
	// Phase returns the phase this state belongs to.
	Phase() Phase

	// Copy returns a deep copy of the state sharing no memory with the
	// original.
	Copy() State

	// start returns the cycle start of the negotiation.
	start() uint32

	// wipe zeroes every secret held by the state.
	wipe()

	// checkSecrets returns ErrWipedState if a secret the phase needs has
	// been wiped.
	checkSecrets() error
}

// StateWaitingVoucher is the initial state.
type StateWaitingVoucher struct {
	// CycleStart is the height of the cycle the negotiation runs in.
	CycleStart uint32
}

// Phase returns the phase this state belongs to.
//
// NOTE: Part of the State interface.
func (*StateWaitingVoucher) Phase() Phase {
	return WaitingVoucher
}

// Copy returns a deep copy of the state.
//
// NOTE: Part of the State interface.
func (s *StateWaitingVoucher) Copy() State {
	if s == nil {
		return nil
	}

	return &StateWaitingVoucher{CycleStart: s.CycleStart}
}

func (s *StateWaitingVoucher) start() uint32 { return s.CycleStart }

func (*StateWaitingVoucher) wipe() {}

func (*StateWaitingVoucher) checkSecrets() error { return nil }

// StateWaitingTumblerClientTransactionKey holds the blinded voucher while
// the client waits for the tumbler's escrow key.
type StateWaitingTumblerClientTransactionKey struct {
	// CycleStart is the height of the cycle the negotiation runs in.
	CycleStart uint32

	// Voucher is the unsigned voucher received from the tumbler.
	Voucher UnsignedVoucher

	// BlindedVoucher is the blinded voucher puzzle, to be solved by the
	// tumbler.
	BlindedVoucher puzzle.Value

	// BlindFactor unblinds the solution of BlindedVoucher.
	BlindFactor *puzzle.BlindFactor
}

// Phase returns the phase this state belongs to.
//
// NOTE: Part of the State interface.
func (*StateWaitingTumblerClientTransactionKey) Phase() Phase {
	return WaitingTumblerClientTransactionKey
}

// Copy returns a deep copy of the state.
//
// NOTE: Part of the State interface.
func (s *StateWaitingTumblerClientTransactionKey) Copy() State {
	if s == nil {
		return nil
	}

	return &StateWaitingTumblerClientTransactionKey{
		CycleStart:     s.CycleStart,
		Voucher:        s.Voucher.Copy(),
		BlindedVoucher: s.BlindedVoucher.Copy(),
		BlindFactor:    copyBlindFactor(s.BlindFactor),
	}
}

func (s *StateWaitingTumblerClientTransactionKey) start() uint32 {
	return s.CycleStart
}

func (s *StateWaitingTumblerClientTransactionKey) wipe() {
	wipeBlindFactor(s.BlindFactor)
	clear(s.Voucher.EncryptedSignature)
}

func (s *StateWaitingTumblerClientTransactionKey) checkSecrets() error {
	if s.BlindFactor.IsZero() {
		return ErrWipedState
	}

	return nil
}

// ClientEscrowState is the part of the state shared by the phases between
// the creation of the client escrow and the redemption of the voucher.
type ClientEscrowState struct {
	// CycleStart is the height of the cycle the negotiation runs in.
	CycleStart uint32

	// Voucher is the unsigned voucher received from the tumbler.
	Voucher UnsignedVoucher

	// BlindedVoucher is the blinded voucher puzzle.
	BlindedVoucher puzzle.Value

	// BlindFactor unblinds the solution of BlindedVoucher.
	BlindFactor *puzzle.BlindFactor

	// ClientEscrow describes the escrow funded by the client.
	ClientEscrow escrow.Params

	// ClientEscrowKey is the client key of ClientEscrow.
	ClientEscrowKey *btcec.PrivateKey

	// TumblerEscrowKeyRef is the tumbler's reference for its key in
	// ClientEscrow.
	TumblerEscrowKeyRef uint32
}

func (s *ClientEscrowState) copyState() ClientEscrowState {
	return ClientEscrowState{
		CycleStart:          s.CycleStart,
		Voucher:             s.Voucher.Copy(),
		BlindedVoucher:      s.BlindedVoucher.Copy(),
		BlindFactor:         copyBlindFactor(s.BlindFactor),
		ClientEscrow:        s.ClientEscrow.Copy(),
		ClientEscrowKey:     copyPrivKey(s.ClientEscrowKey),
		TumblerEscrowKeyRef: s.TumblerEscrowKeyRef,
	}
}

func (s *ClientEscrowState) start() uint32 {
	return s.CycleStart
}

func (s *ClientEscrowState) wipe() {
	wipeBlindFactor(s.BlindFactor)
	clear(s.Voucher.EncryptedSignature)
	wipePrivKey(s.ClientEscrowKey)
}

func (s *ClientEscrowState) checkSecrets() error {
	if s.BlindFactor.IsZero() || isWipedKey(s.ClientEscrowKey) {
		return ErrWipedState
	}

	return nil
}

// StateWaitingClientTransaction waits for the transaction funding the client
// escrow.
type StateWaitingClientTransaction struct {
	ClientEscrowState
}

// Phase returns the phase this state belongs to.
//
// NOTE: Part of the State interface.
func (*StateWaitingClientTransaction) Phase() Phase {
	return WaitingClientTransaction
}

// Copy returns a deep copy of the state.
//
// NOTE: Part of the State interface.
func (s *StateWaitingClientTransaction) Copy() State {
	if s == nil {
		return nil
	}

	return &StateWaitingClientTransaction{s.copyState()}
}

// StateWaitingSolvedVoucher waits for the solution of the blinded voucher.
// The client escrow is funded at this point.
type StateWaitingSolvedVoucher struct {
	ClientEscrowState
}

// Phase returns the phase this state belongs to.
//
// NOTE: Part of the State interface.
func (*StateWaitingSolvedVoucher) Phase() Phase {
	return WaitingSolvedVoucher
}

// Copy returns a deep copy of the state.
//
// NOTE: Part of the State interface.
func (s *StateWaitingSolvedVoucher) Copy() State {
	if s == nil {
		return nil
	}

	return &StateWaitingSolvedVoucher{s.copyState()}
}

// StateWaitingGenerateTumblerTransactionKey holds the unblinded voucher
// signature until it is sent to the tumbler.
type StateWaitingGenerateTumblerTransactionKey struct {
	// CycleStart is the height of the cycle the negotiation runs in.
	CycleStart uint32

	// VoucherCycleStart is the cycle the voucher was issued for.
	VoucherCycleStart uint32

	// VoucherNonce identifies the voucher.
	VoucherNonce []byte

	// SignedVoucher is the voucher signature.
	SignedVoucher []byte

	// ClientEscrow describes the escrow funded by the client.
	ClientEscrow escrow.Params

	// TumblerEscrowKeyRef is the tumbler's reference for its key in
	// ClientEscrow.
	TumblerEscrowKeyRef uint32
}

// Phase returns the phase this state belongs to.
//
// NOTE: Part of the State interface.
func (*StateWaitingGenerateTumblerTransactionKey) Phase() Phase {
	return WaitingGenerateTumblerTransactionKey
}

// Copy returns a deep copy of the state.
//
// NOTE: Part of the State interface.
func (s *StateWaitingGenerateTumblerTransactionKey) Copy() State {
	if s == nil {
		return nil
	}

	return &StateWaitingGenerateTumblerTransactionKey{
		CycleStart:          s.CycleStart,
		VoucherCycleStart:   s.VoucherCycleStart,
		VoucherNonce:        bytes.Clone(s.VoucherNonce),
		SignedVoucher:       bytes.Clone(s.SignedVoucher),
		ClientEscrow:        s.ClientEscrow.Copy(),
		TumblerEscrowKeyRef: s.TumblerEscrowKeyRef,
	}
}

func (s *StateWaitingGenerateTumblerTransactionKey) start() uint32 {
	return s.CycleStart
}

func (s *StateWaitingGenerateTumblerTransactionKey) wipe() {
	clear(s.SignedVoucher)
}

func (s *StateWaitingGenerateTumblerTransactionKey) checkSecrets() error {
	if isWiped(s.SignedVoucher) {
		return ErrWipedState
	}

	return nil
}

// StateWaitingTumblerEscrow waits for the escrow funded by the tumbler.
type StateWaitingTumblerEscrow struct {
	// CycleStart is the height of the cycle the negotiation runs in.
	CycleStart uint32

	// ClientEscrow describes the escrow funded by the client.
	ClientEscrow escrow.Params

	// TumblerEscrowKeyRef is the tumbler's reference for its key in
	// ClientEscrow.
	TumblerEscrowKeyRef uint32

	// TumblerEscrowKey is the client key of the tumbler escrow.
	TumblerEscrowKey *btcec.PrivateKey
}

// Phase returns the phase this state belongs to.
//
// NOTE: Part of the State interface.
func (*StateWaitingTumblerEscrow) Phase() Phase {
	return WaitingTumblerEscrow
}

// Copy returns a deep copy of the state.
//
// NOTE: Part of the State interface.
func (s *StateWaitingTumblerEscrow) Copy() State {
	if s == nil {
		return nil
	}

	return &StateWaitingTumblerEscrow{
		CycleStart:          s.CycleStart,
		ClientEscrow:        s.ClientEscrow.Copy(),
		TumblerEscrowKeyRef: s.TumblerEscrowKeyRef,
		TumblerEscrowKey:    copyPrivKey(s.TumblerEscrowKey),
	}
}

func (s *StateWaitingTumblerEscrow) start() uint32 {
	return s.CycleStart
}

func (s *StateWaitingTumblerEscrow) wipe() {
	wipePrivKey(s.TumblerEscrowKey)
}

func (s *StateWaitingTumblerEscrow) checkSecrets() error {
	if isWipedKey(s.TumblerEscrowKey) {
		return ErrWipedState
	}

	return nil
}

// StatePromisePhase is the terminal state. It holds no secret.
type StatePromisePhase struct {
	// CycleStart is the height of the cycle the negotiation runs in.
	CycleStart uint32

	// ClientEscrow describes the escrow funded by the client.
	ClientEscrow escrow.Params

	// TumblerEscrow describes the escrow funded by the tumbler.
	TumblerEscrow escrow.Params

	// TumblerEscrowKeyRef is the tumbler's reference for its key in
	// ClientEscrow.
	TumblerEscrowKeyRef uint32
}

// Phase returns the phase this state belongs to.
//
// NOTE: Part of the State interface.
func (*StatePromisePhase) Phase() Phase {
	return PromisePhase
}

// Copy returns a deep copy of the state.
//
// NOTE: Part of the State interface.
func (s *StatePromisePhase) Copy() State {
	if s == nil {
		return nil
	}

	return &StatePromisePhase{
		CycleStart:          s.CycleStart,
		ClientEscrow:        s.ClientEscrow.Copy(),
		TumblerEscrow:       s.TumblerEscrow.Copy(),
		TumblerEscrowKeyRef: s.TumblerEscrowKeyRef,
	}
}

func (s *StatePromisePhase) start() uint32 { return s.CycleStart }

func (*StatePromisePhase) wipe() {}

func (*StatePromisePhase) checkSecrets() error { return nil }

// CycleStart returns the start height of the cycle a checkpoint belongs to.
func CycleStart(s State) uint32 {
	return s.start()
}

// ClientEscrow returns the client escrow of the states that carry one. The
// returned descriptor shares its keys with the state.
func ClientEscrow(s State) (escrow.Params, bool) {
	switch st := s.(type) {
	case *StateWaitingClientTransaction:
		return st.ClientEscrow, true

	case *StateWaitingSolvedVoucher:
		return st.ClientEscrow, true

	case *StateWaitingGenerateTumblerTransactionKey:
		return st.ClientEscrow, true

	case *StateWaitingTumblerEscrow:
		return st.ClientEscrow, true

	case *StatePromisePhase:
		return st.ClientEscrow, true

	default:
		return escrow.Params{}, false
	}
}

func copyBlindFactor(f *puzzle.BlindFactor) *puzzle.BlindFactor {
	if f == nil {
		return nil
	}

	return f.Copy()
}

func wipeBlindFactor(f *puzzle.BlindFactor) {
	if f != nil {
		f.Zero()
	}
}

// copyPrivKey returns a private key sharing no memory with k.
func copyPrivKey(k *btcec.PrivateKey) *btcec.PrivateKey {
	if k == nil {
		return nil
	}

	keyBytes := k.Serialize()
	defer clear(keyBytes)

	priv, _ := btcec.PrivKeyFromBytes(keyBytes)

	return priv
}

func wipePrivKey(k *btcec.PrivateKey) {
	if k != nil {
		k.Zero()
	}
}

func isWipedKey(k *btcec.PrivateKey) bool {
	return k == nil || k.Key.IsZero()
}

// isWiped returns true for a secret that was cleared.
func isWiped(b []byte) bool {
	if len(b) == 0 {
		return false
	}

	for _, c := range b {
		if c != 0 {
			return false
		}
	}

	return true
}
