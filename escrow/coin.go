package escrow

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrOutputNotFound is returned when a transaction has no output
	// matching the expected escrow output.
	ErrOutputNotFound = errors.New("escrow output cannot be found")

	// ErrAmbiguousOutput is returned when a transaction has more than one
	// output matching the expected escrow output.
	ErrAmbiguousOutput = errors.New("escrow output is not unique")
)

// Coin is a confirmed or pending escrow output together with the witness
// script needed to spend it.
type Coin struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// TxOut is the output itself.
	TxOut *wire.TxOut

	// WitnessScript is the script committed to by the output's p2wsh
	// program.
	WitnessScript []byte
}

// NewCoin returns the coin for output index of tx.
func NewCoin(tx *wire.MsgTx, index uint32, witnessScript []byte) (*Coin,
	error) {

	if int(index) >= len(tx.TxOut) {
		return nil, fmt.Errorf("output index %d out of range for tx "+
			"with %d outputs", index, len(tx.TxOut))
	}

	txOut := tx.TxOut[index]

	return &Coin{
		OutPoint: wire.OutPoint{
			Hash:  tx.TxHash(),
			Index: index,
		},
		TxOut: wire.NewTxOut(
			txOut.Value, bytes.Clone(txOut.PkScript),
		),
		WitnessScript: bytes.Clone(witnessScript),
	}, nil
}

// Amount returns the value of the coin.
func (c *Coin) Amount() btcutil.Amount {
	return btcutil.Amount(c.TxOut.Value)
}

// Copy returns a deep copy of the coin.
func (c *Coin) Copy() *Coin {
	cp := &Coin{
		OutPoint:      c.OutPoint,
		WitnessScript: bytes.Clone(c.WitnessScript),
	}
	if c.TxOut != nil {
		cp.TxOut = wire.NewTxOut(
			c.TxOut.Value, bytes.Clone(c.TxOut.PkScript),
		)
	}

	return cp
}

// ParamsFromCoin extracts the escrow parameters of a coin. None is returned
// if the coin's witness script is not an escrow script or if the output does
// not commit to it.
func ParamsFromCoin(c *Coin) fn.Option[Params] {
	if c == nil || c.TxOut == nil || len(c.WitnessScript) == 0 {
		return fn.None[Params]()
	}

	params, err := ParseScript(c.WitnessScript)
	if err != nil {
		log.Tracef("Coin %v carries no escrow script: %v", c.OutPoint,
			err)

		return fn.None[Params]()
	}

	pkScript, err := WitnessScriptHash(c.WitnessScript)
	if err != nil || !bytes.Equal(pkScript, c.TxOut.PkScript) {
		log.Debugf("Coin %v does not commit to its escrow script",
			c.OutPoint)

		return fn.None[Params]()
	}

	return fn.Some(*params)
}

// LocateOutput returns the index of the single output of tx whose script and
// value equal those of expected.
func LocateOutput(tx *wire.MsgTx, expected *wire.TxOut) (uint32, error) {
	var (
		index uint32
		found int
	)
	for i, txOut := range tx.TxOut {
		if txOut.Value != expected.Value ||
			!bytes.Equal(txOut.PkScript, expected.PkScript) {

			continue
		}

		index = uint32(i)
		found++
	}

	switch {
	case found == 0:
		return 0, ErrOutputNotFound

	case found > 1:
		return 0, fmt.Errorf("%w: %d matches", ErrAmbiguousOutput,
			found)
	}

	return index, nil
}
