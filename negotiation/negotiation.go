package negotiation

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/tumblebit/tumbler/cycle"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/promise"
	"github.com/tumblebit/tumbler/puzzle"
	"github.com/tumblebit/tumbler/solver"
)

// ClientNegotiation drives the client side of a channel negotiation. It is
// not safe for concurrent use.
type ClientNegotiation struct {
	params *Parameters
	opts   *options

	state     State
	abandoned bool
}

// New creates a negotiation for the cycle starting at cycleStart. The lock
// times of the cycle must be block heights.
func New(params *Parameters, cycleStart uint32,
	opts ...Option) (*ClientNegotiation, error) {

	return newNegotiation(
		params, &StateWaitingVoucher{CycleStart: cycleStart}, opts,
	)
}

// Restore resumes a negotiation from a checkpoint. The negotiation works on
// its own copy of state. A checkpoint whose secrets were wiped, such as one
// taken after Abandon, is refused with ErrWipedState.
func Restore(params *Parameters, state State,
	opts ...Option) (*ClientNegotiation, error) {

	if state == nil {
		return nil, ErrNilState
	}
	cp := state.Copy()
	if cp == nil {
		return nil, ErrNilState
	}
	if err := cp.checkSecrets(); err != nil {
		return nil, fmt.Errorf("unable to restore %v: %w", cp.Phase(),
			err)
	}

	return newNegotiation(params, cp, opts)
}

func newNegotiation(params *Parameters, state State,
	opts []Option) (*ClientNegotiation, error) {

	if params == nil {
		return nil, ErrNilParameters
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	err := params.CycleGenerator.GetCycle(state.start()).ValidateLockTimes()
	if err != nil {
		return nil, fmt.Errorf("%w %d: %w", ErrInvalidCycleStart,
			state.start(), err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &ClientNegotiation{
		params: params,
		opts:   o,
		state:  state,
	}, nil
}

// currentState returns the state of the negotiation if it is at the phase
// of S.
func currentState[S State](c *ClientNegotiation, op string) (S, error) {
	var zero S
	if c.abandoned {
		return zero, ErrAbandoned
	}

	st, ok := c.state.(S)
	if !ok {
		return zero, &ErrInvalidPhase{
			Op:       op,
			Expected: zero.Phase(),
			Actual:   c.state.Phase(),
		}
	}

	return st, nil
}

// transition moves the negotiation to next.
func (c *ClientNegotiation) transition(next State) {
	prev := c.state.Phase()
	c.state = next

	log.Infof("Negotiation of cycle %d: %v -> %v", next.start(), prev,
		next.Phase())

	c.opts.metrics.PhaseTransition(prev, next.Phase())
}

// violation reports a protocol violation at the current phase.
func (c *ClientNegotiation) violation(err error) error {
	phase := c.state.Phase()

	log.Warnf("Negotiation of cycle %d: protocol violation in %v: %v",
		c.state.start(), phase, err)

	c.opts.metrics.ProtocolViolation(phase, err)

	return &ErrProtocolViolation{Phase: phase, Err: err}
}

// ReceiveUnsignedVoucher blinds the puzzle of the voucher sent by the
// tumbler. The blinded puzzle is read with BlindedVoucher and sent back to
// the tumbler to get solved once the client escrow is funded.
func (c *ClientNegotiation) ReceiveUnsignedVoucher(
	voucher *UnsignedVoucher) error {

	st, err := currentState[*StateWaitingVoucher](
		c, "ReceiveUnsignedVoucher",
	)
	if err != nil {
		return err
	}

	if voucher == nil || voucher.Puzzle.IsZero() {
		return c.violation(fmt.Errorf("%w: missing puzzle",
			ErrMalformedVoucher))
	}

	p, err := puzzle.NewPuzzle(c.params.VoucherKey, voucher.Puzzle)
	if err != nil {
		return c.violation(fmt.Errorf("%w: %v", ErrMalformedVoucher,
			err))
	}

	blinded, factor, err := p.Blind(c.opts.rand)
	if err != nil {
		return fmt.Errorf("unable to blind voucher: %w", err)
	}

	log.Debugf("Negotiation of cycle %d: received voucher %v",
		st.CycleStart, newLogClosure(func() string {
			return spew.Sdump(voucher.Puzzle.Bytes(), voucher.Nonce)
		}))

	c.transition(&StateWaitingTumblerClientTransactionKey{
		CycleStart:     st.CycleStart,
		Voucher:        voucher.Copy(),
		BlindedVoucher: blinded.Value(),
		BlindFactor:    factor,
	})

	return nil
}

// BlindedVoucher returns the blinded voucher puzzle the tumbler has to
// solve. It is available from the voucher reception until the solution is
// checked.
func (c *ClientNegotiation) BlindedVoucher() (puzzle.Value, error) {
	switch st := c.state.(type) {
	case *StateWaitingTumblerClientTransactionKey:
		return st.BlindedVoucher.Copy(), nil

	case *StateWaitingClientTransaction:
		return st.BlindedVoucher.Copy(), nil

	case *StateWaitingSolvedVoucher:
		return st.BlindedVoucher.Copy(), nil

	default:
		return puzzle.Value{}, &ErrInvalidPhase{
			Op:       "BlindedVoucher",
			Expected: WaitingTumblerClientTransactionKey,
			Actual:   c.state.Phase(),
		}
	}
}

// ReceiveTumblerEscrowKey creates the client escrow between a fresh client
// key and tumblerKey, locked until the client lock time of the cycle.
// keyRef is kept for the tumbler to find its key again.
func (c *ClientNegotiation) ReceiveTumblerEscrowKey(
	tumblerKey *btcec.PublicKey, keyRef uint32) error {

	st, err := currentState[*StateWaitingTumblerClientTransactionKey](
		c, "ReceiveTumblerEscrowKey",
	)
	if err != nil {
		return err
	}

	if tumblerKey == nil {
		return c.violation(fmt.Errorf("%w: missing tumbler key",
			ErrInvalidEscrow))
	}

	key, err := c.opts.keyGen()
	if err != nil {
		return fmt.Errorf("unable to generate escrow key: %w", err)
	}

	clientEscrow := escrow.Params{
		Initiator: key.PubKey(),
		Receiver:  tumblerKey,
		LockTime:  c.GetCycle().ClientLockTime(),
	}
	if err := clientEscrow.Validate(); err != nil {
		key.Zero()
		return c.violation(fmt.Errorf("%w: %v", ErrInvalidEscrow, err))
	}

	c.transition(&StateWaitingClientTransaction{ClientEscrowState{
		CycleStart:          st.CycleStart,
		Voucher:             st.Voucher,
		BlindedVoucher:      st.BlindedVoucher,
		BlindFactor:         st.BlindFactor,
		ClientEscrow:        clientEscrow.Copy(),
		ClientEscrowKey:     key,
		TumblerEscrowKeyRef: keyRef,
	}})

	return nil
}

// BuildClientEscrowTxOut returns the output the client must fund. It is
// available in every phase once the client escrow exists.
func (c *ClientNegotiation) BuildClientEscrowTxOut() (*wire.TxOut, error) {
	params, ok := ClientEscrow(c.state)
	if !ok {
		return nil, &ErrInvalidPhase{
			Op:       "BuildClientEscrowTxOut",
			Expected: WaitingClientTransaction,
			Actual:   c.state.Phase(),
		}
	}

	return params.TxOut(c.params.EscrowAmount())
}

// SetClientSignedTransaction binds the negotiation to the transaction
// funding the client escrow. The transaction must pay to the escrow exactly
// once. The returned solver session can refund the escrow to
// redeemDestination.
func (c *ClientNegotiation) SetClientSignedTransaction(tx *wire.MsgTx,
	redeemDestination []byte) (*solver.ClientSession, error) {

	st, err := currentState[*StateWaitingClientTransaction](
		c, "SetClientSignedTransaction",
	)
	if err != nil {
		return nil, err
	}

	err = solver.ValidateRedeemDestination(redeemDestination)
	if err != nil {
		return nil, err
	}

	if tx == nil {
		return nil, c.violation(ErrNoEscrowOutput)
	}

	expected, err := c.BuildClientEscrowTxOut()
	if err != nil {
		return nil, err
	}

	index, err := escrow.LocateOutput(tx, expected)
	switch {
	case errors.Is(err, escrow.ErrOutputNotFound):
		return nil, c.violation(ErrNoEscrowOutput)

	case errors.Is(err, escrow.ErrAmbiguousOutput):
		return nil, c.violation(fmt.Errorf("%w: %v",
			ErrAmbiguousEscrowOutput, err))

	case err != nil:
		return nil, err
	}

	script, err := st.ClientEscrow.Script()
	if err != nil {
		return nil, err
	}
	coin, err := escrow.NewCoin(tx, index, script)
	if err != nil {
		return nil, err
	}

	session, err := solver.NewClientSession(c.params.SolverParameters())
	if err != nil {
		return nil, err
	}

	// The solver session gets its own copy of the key, ours is wiped once
	// the voucher is solved.
	err = session.ConfigureEscrowedCoin(
		coin, copyPrivKey(st.ClientEscrowKey), redeemDestination,
	)
	if err != nil {
		return nil, err
	}

	log.Debugf("Negotiation of cycle %d: client escrow funded at %v",
		st.CycleStart, coin.OutPoint)

	c.transition(&StateWaitingSolvedVoucher{st.ClientEscrowState})

	return session, nil
}

// CheckVoucherSolution unblinds the tumbler's solution of the blinded
// voucher and uses it to decrypt the voucher signature. The blind factor,
// the encrypted signature and the client escrow key are wiped.
func (c *ClientNegotiation) CheckVoucherSolution(
	solution *puzzle.Solution) error {

	st, err := currentState[*StateWaitingSolvedVoucher](
		c, "CheckVoucherSolution",
	)
	if err != nil {
		return err
	}

	if solution == nil {
		return c.violation(ErrIncorrectSolution)
	}

	unblinded, err := solution.Unblind(c.params.VoucherKey, st.BlindFactor)
	switch {
	// The blind factor is ours, the tumbler can't be blamed for it.
	case errors.Is(err, puzzle.ErrInvalidBlindFactor):
		return fmt.Errorf("unable to unblind solution: %w", err)

	case err != nil:
		return c.violation(fmt.Errorf("%w: %v", ErrIncorrectSolution,
			err))
	}

	p, err := puzzle.NewPuzzle(c.params.VoucherKey, st.Voucher.Puzzle)
	if err != nil {
		return c.violation(fmt.Errorf("%w: %v", ErrMalformedVoucher,
			err))
	}
	if !p.Verify(unblinded) {
		return c.violation(ErrIncorrectSolution)
	}

	xorKey := puzzle.NewXORKey(unblinded)
	signedVoucher := xorKey.XOR(st.Voucher.EncryptedSignature)
	clear(xorKey[:])

	next := &StateWaitingGenerateTumblerTransactionKey{
		CycleStart:          st.CycleStart,
		VoucherCycleStart:   st.Voucher.CycleStart,
		VoucherNonce:        st.Voucher.Nonce,
		SignedVoucher:       signedVoucher,
		ClientEscrow:        st.ClientEscrow,
		TumblerEscrowKeyRef: st.TumblerEscrowKeyRef,
	}

	st.wipe()
	c.transition(next)

	return nil
}

// GetOpenChannelRequest creates the request asking the tumbler to open its
// escrow towards a fresh client key. The voucher signature is wiped once
// copied into the request.
func (c *ClientNegotiation) GetOpenChannelRequest() (*OpenChannelRequest,
	error) {

	st, err := currentState[*StateWaitingGenerateTumblerTransactionKey](
		c, "GetOpenChannelRequest",
	)
	if err != nil {
		return nil, err
	}

	key, err := c.opts.keyGen()
	if err != nil {
		return nil, fmt.Errorf("unable to generate escrow key: %w", err)
	}

	req := &OpenChannelRequest{
		EscrowKey:  key.PubKey(),
		Signature:  bytes.Clone(st.SignedVoucher),
		CycleStart: st.VoucherCycleStart,
		Nonce:      bytes.Clone(st.VoucherNonce),
	}

	next := &StateWaitingTumblerEscrow{
		CycleStart:          st.CycleStart,
		ClientEscrow:        st.ClientEscrow,
		TumblerEscrowKeyRef: st.TumblerEscrowKeyRef,
		TumblerEscrowKey:    key,
	}

	st.wipe()
	c.transition(next)

	return req, nil
}

// ReceiveTumblerEscrowedCoin checks the escrow funded by the tumbler. It
// must pay the denomination to the key sent in the open channel request and
// be locked until the tumbler lock time of the cycle. The returned promise
// session takes over the escrow key.
func (c *ClientNegotiation) ReceiveTumblerEscrowedCoin(
	coin *escrow.Coin) (*promise.ClientSession, error) {

	st, err := currentState[*StateWaitingTumblerEscrow](
		c, "ReceiveTumblerEscrowedCoin",
	)
	if err != nil {
		return nil, err
	}

	extracted := escrow.ParamsFromCoin(coin)
	if extracted.IsNone() {
		return nil, c.violation(fmt.Errorf("%w: coin is not an escrow",
			ErrInvalidEscrow))
	}
	tumblerEscrow := extracted.UnsafeFromSome()

	expected := escrow.Params{
		Initiator: tumblerEscrow.Initiator,
		Receiver:  st.TumblerEscrowKey.PubKey(),
		LockTime:  c.GetCycle().TumblerLockTime(),
	}
	if !expected.Equal(&tumblerEscrow) {
		return nil, c.violation(fmt.Errorf("%w: got %v, expected %v",
			ErrInvalidEscrow, &tumblerEscrow, &expected))
	}

	if coin.Amount() != c.params.Denomination {
		return nil, c.violation(fmt.Errorf("%w: got %v, expected %v",
			ErrInvalidAmount, coin.Amount(),
			c.params.Denomination))
	}

	session, err := promise.NewClientSession(c.params.PromiseParameters())
	if err != nil {
		return nil, err
	}
	err = session.ConfigureEscrowedCoin(
		coin, copyPrivKey(st.TumblerEscrowKey),
	)
	if err != nil {
		return nil, err
	}

	next := &StatePromisePhase{
		CycleStart:          st.CycleStart,
		ClientEscrow:        st.ClientEscrow,
		TumblerEscrow:       tumblerEscrow,
		TumblerEscrowKeyRef: st.TumblerEscrowKeyRef,
	}

	st.wipe()
	c.transition(next)

	return session, nil
}

// GetCycle returns the cycle the negotiation runs in.
func (c *ClientNegotiation) GetCycle() *cycle.Parameters {
	return c.params.CycleGenerator.GetCycle(c.state.start())
}

// Checkpoint returns a copy of the current state. The copy can be persisted
// or used to Restore the negotiation, and shares no memory with it.
func (c *ClientNegotiation) Checkpoint() State {
	return c.state.Copy()
}

// Status returns the current phase.
func (c *ClientNegotiation) Status() Phase {
	return c.state.Phase()
}

// Parameters returns the parameters of the negotiation.
func (c *ClientNegotiation) Parameters() *Parameters {
	return c.params
}

// Abandon wipes every secret still held by the negotiation. Every later
// operation that would move the negotiation forward fails with
// ErrAbandoned.
func (c *ClientNegotiation) Abandon() {
	if c.abandoned {
		return
	}

	c.state.wipe()
	c.abandoned = true

	log.Infof("Negotiation of cycle %d abandoned in %v", c.state.start(),
		c.state.Phase())
}

// IsAbandoned returns true once Abandon has been called.
func (c *ClientNegotiation) IsAbandoned() bool {
	return c.abandoned
}
