package promise

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tumblebit/tumbler/escrow"
)

var (
	// ErrAlreadyConfigured is returned when an escrow is configured twice.
	ErrAlreadyConfigured = errors.New("promise session already has an " +
		"escrow")

	// ErrKeyMismatch is returned when the escrow key is not the receiver
	// of the escrowed coin.
	ErrKeyMismatch = errors.New("escrow key is not the escrow receiver")
)

// Status is the progress of a client promise session.
type Status uint8

const (
	// WaitingEscrow is the status of a fresh session.
	WaitingEscrow Status = iota

	// WaitingSignatureRequest is the status once the tumbler escrow is
	// known and the client can build the transactions to get signed.
	WaitingSignatureRequest
)

// String returns a human readable status name.
func (s Status) String() string {
	switch s {
	case WaitingEscrow:
		return "WaitingEscrow"

	case WaitingSignatureRequest:
		return "WaitingSignatureRequest"

	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ClientSession is the client side of the puzzle promise protocol, run
// against the escrow the tumbler funded for the client.
type ClientSession struct {
	params *Parameters
	status Status

	coin      *escrow.Coin
	escrow    escrow.Params
	escrowKey *btcec.PrivateKey
}

// NewClientSession creates a fresh session with the given parameters.
func NewClientSession(params *Parameters) (*ClientSession, error) {
	if params == nil {
		return nil, errors.New("promise parameters required")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	return &ClientSession{
		params: params,
		status: WaitingEscrow,
	}, nil
}

// ConfigureEscrowedCoin binds the session to the tumbler's escrow. key must
// be the escrow receiver key, and the session takes ownership of it.
func (s *ClientSession) ConfigureEscrowedCoin(coin *escrow.Coin,
	key *btcec.PrivateKey) error {

	if s.status != WaitingEscrow {
		return ErrAlreadyConfigured
	}
	if key == nil {
		return fmt.Errorf("%w: missing key", ErrKeyMismatch)
	}

	params, err := escrow.ParamsFromCoin(coin).UnwrapOrErr(
		escrow.ErrNotEscrow,
	)
	if err != nil {
		return err
	}
	if !params.Receiver.IsEqual(key.PubKey()) {
		return ErrKeyMismatch
	}

	s.coin = coin.Copy()
	s.escrow = params
	s.escrowKey = key
	s.status = WaitingSignatureRequest

	log.Debugf("Promise session configured with escrow %v at %v",
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

// EscrowKey returns a copy of the escrow receiver key, or nil before
// configuration. It is the key the client cashes the escrow out with.
func (s *ClientSession) EscrowKey() *btcec.PrivateKey {
	if s.escrowKey == nil {
		return nil
	}

	keyBytes := s.escrowKey.Serialize()
	defer clear(keyBytes)

	key, _ := btcec.PrivKeyFromBytes(keyBytes)

	return key
}

// EscrowPubKey returns the public half of the key the session signs the
// escrow with, or nil before configuration.
func (s *ClientSession) EscrowPubKey() *btcec.PublicKey {
	if s.escrowKey == nil {
		return nil
	}

	return s.escrowKey.PubKey()
}
