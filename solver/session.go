package solver

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tumblebit/tumbler/escrow"
)

var (
	// ErrAlreadyConfigured is returned when an escrow is configured twice.
	ErrAlreadyConfigured = errors.New("solver session already has an " +
		"escrow")

	// ErrNotConfigured is returned by operations that need the escrow
	// before it was configured.
	ErrNotConfigured = errors.New("solver session has no escrow")

	// ErrKeyMismatch is returned when the escrow key is not the initiator
	// of the escrowed coin.
	ErrKeyMismatch = errors.New("escrow key is not the escrow initiator")

	// ErrInvalidRedeemDestination is returned for a redeem destination
	// the refund can't safely pay to.
	ErrInvalidRedeemDestination = errors.New("invalid redeem destination")
)

// ValidateRedeemDestination checks that script is a standard output script
// that can receive the refund of an escrow.
func ValidateRedeemDestination(script []byte) error {
	if len(script) == 0 {
		return fmt.Errorf("%w: empty script", ErrInvalidRedeemDestination)
	}

	switch class := txscript.GetScriptClass(script); class {
	case txscript.NonStandardTy, txscript.NullDataTy:
		return fmt.Errorf("%w: %v script", ErrInvalidRedeemDestination,
			class)
	}

	return nil
}

// Status is the progress of a client solver session.
type Status uint8

const (
	// WaitingEscrow is the status of a fresh session.
	WaitingEscrow Status = iota

	// WaitingPuzzle is the status once the escrow is known and the
	// session waits for the puzzle to get solved.
	WaitingPuzzle
)

// String returns a human readable status name.
func (s Status) String() string {
	switch s {
	case WaitingEscrow:
		return "WaitingEscrow"

	case WaitingPuzzle:
		return "WaitingPuzzle"

	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ClientSession is the client side of the puzzle solver protocol. The client
// pays into its escrow, and the session holds what is needed to get the
// funds back if the tumbler never solves the puzzle.
type ClientSession struct {
	params *Parameters
	status Status

	coin              *escrow.Coin
	escrow            escrow.Params
	escrowKey         *btcec.PrivateKey
	redeemDestination []byte
}

// NewClientSession creates a fresh session with the given parameters.
func NewClientSession(params *Parameters) (*ClientSession, error) {
	if params == nil {
		return nil, errors.New("solver parameters required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	return &ClientSession{
		params: params,
		status: WaitingEscrow,
	}, nil
}

// ConfigureEscrowedCoin binds the session to the client's escrow. key must
// be the escrow initiator key, and the session takes ownership of it. Funds
// redeemed after the lock time are sent to redeemDestination.
func (s *ClientSession) ConfigureEscrowedCoin(coin *escrow.Coin,
	key *btcec.PrivateKey, redeemDestination []byte) error {

	if s.status != WaitingEscrow {
		return ErrAlreadyConfigured
	}
	if key == nil {
		return fmt.Errorf("%w: missing key", ErrKeyMismatch)
	}
	if err := ValidateRedeemDestination(redeemDestination); err != nil {
		return err
	}

	params, err := escrow.ParamsFromCoin(coin).UnwrapOrErr(
		escrow.ErrNotEscrow,
	)
	if err != nil {
		return err
	}
	if !params.Initiator.IsEqual(key.PubKey()) {
		return ErrKeyMismatch
	}

	s.coin = coin.Copy()
	s.escrow = params
	s.escrowKey = key
	s.redeemDestination = bytes.Clone(redeemDestination)
	s.status = WaitingPuzzle

	log.Debugf("Solver session configured with escrow %v at %v",
		&s.escrow, s.coin.OutPoint)

	return nil
}

// Status returns the current status of the session.
func (s *ClientSession) Status() Status {
	return s.status
}

// Parameters returns the parameters of the session.
func (s *ClientSession) Parameters() *Parameters {
	return s.params
}

// EscrowedCoin returns a copy of the configured escrow coin, or nil.
func (s *ClientSession) EscrowedCoin() *escrow.Coin {
	if s.coin == nil {
		return nil
	}

	return s.coin.Copy()
}

// Escrow returns the parameters of the configured escrow.
func (s *ClientSession) Escrow() escrow.Params {
	return s.escrow.Copy()
}

// EscrowKey returns a copy of the escrow initiator key, or nil before
// configuration.
func (s *ClientSession) EscrowKey() *btcec.PrivateKey {
	if s.escrowKey == nil {
		return nil
	}

	keyBytes := s.escrowKey.Serialize()
	defer clear(keyBytes)

	key, _ := btcec.PrivKeyFromBytes(keyBytes)

	return key
}

// RedeemDestination returns the script refunds are paid to.
func (s *ClientSession) RedeemDestination() []byte {
	return bytes.Clone(s.redeemDestination)
}

// CreateRedeemTransaction builds the transaction reclaiming the escrow once
// its lock time is reached, paying fee to the miners.
func (s *ClientSession) CreateRedeemTransaction(
	fee btcutil.Amount) (*wire.MsgTx, error) {

	if s.status == WaitingEscrow {
		return nil, ErrNotConfigured
	}

	return escrow.BuildRefundTx(
		s.coin, s.escrowKey, s.redeemDestination, fee,
	)
}
