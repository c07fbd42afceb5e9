package escrow

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrWrongKey is returned when a key does not belong to the escrow
	// role it is used for.
	ErrWrongKey = errors.New("key does not match escrow")

	// ErrFeeTooHigh is returned when a fee would consume the whole coin.
	ErrFeeTooHigh = errors.New("fee exceeds escrow value")
)

// CooperativeWitness builds the witness spending the escrow through its
// 2-of-2 branch.
func CooperativeWitness(witnessScript, initiatorSig,
	receiverSig []byte) wire.TxWitness {

	witness := make(wire.TxWitness, 5)

	// OP_CHECKMULTISIG pops one element too many, so we add a nil stack
	// element to eat the extra pop.
	witness[0] = nil
	witness[1] = initiatorSig
	witness[2] = receiverSig

	// Select the OP_IF branch.
	witness[3] = []byte{1}
	witness[4] = witnessScript

	return witness
}

// RefundWitness builds the witness spending the escrow through its lock
// time branch.
func RefundWitness(witnessScript, initiatorSig []byte) wire.TxWitness {
	witness := make(wire.TxWitness, 3)
	witness[0] = initiatorSig

	// An empty element selects the OP_ELSE branch.
	witness[1] = nil
	witness[2] = witnessScript

	return witness
}

// BuildRefundTx creates and signs the transaction through which the escrow
// initiator reclaims a coin after its lock time, paying the coin's value
// minus fee to destination.
func BuildRefundTx(coin *Coin, key *btcec.PrivateKey, destination []byte,
	fee btcutil.Amount) (*wire.MsgTx, error) {

	params := ParamsFromCoin(coin)
	if params.IsNone() {
		return nil, ErrNotEscrow
	}
	escrow := params.UnsafeFromSome()

	if !escrow.Initiator.IsEqual(key.PubKey()) {
		return nil, fmt.Errorf("%w: not the initiator", ErrWrongKey)
	}

	value := coin.Amount() - fee
	if fee < 0 || value <= 0 {
		return nil, fmt.Errorf("%w: fee %v, value %v", ErrFeeTooHigh,
			fee, coin.Amount())
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = escrow.LockTime

	// A non-final sequence is required for the lock time to be enforced.
	txIn := wire.NewTxIn(&coin.OutPoint, nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum - 1
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(value), destination))

	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		coin.TxOut.PkScript, coin.TxOut.Value,
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevFetcher)
	sig, err := txscript.RawTxInWitnessSignature(
		tx, sigHashes, 0, coin.TxOut.Value, coin.WitnessScript,
		txscript.SigHashAll, key,
	)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = RefundWitness(coin.WitnessScript, sig)

	log.Debugf("Built refund %v of escrow %v at lock time %d",
		tx.TxHash(), coin.OutPoint, escrow.LockTime)

	return tx, nil
}
