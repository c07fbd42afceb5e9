package solver

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/puzzle"
)

func testParams(t *testing.T) *Parameters {
	t.Helper()

	key, err := puzzle.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	return DefaultParameters(key.PubKey())
}

func escrowCoin(t *testing.T,
	initiator, receiver *btcec.PublicKey) *escrow.Coin {

	t.Helper()

	params := &escrow.Params{
		Initiator: initiator,
		Receiver:  receiver,
		LockTime:  125,
	}
	txOut, err := params.TxOut(1_010_000)
	require.NoError(t, err)
	script, err := params.Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{7}}, nil,
		nil))
	tx.AddTxOut(txOut)

	coin, err := escrow.NewCoin(tx, 0, script)
	require.NoError(t, err)

	return coin
}

// p2wkhScript returns a pay to witness pubkey hash script.
func p2wkhScript() []byte {
	return append(
		[]byte{txscript.OP_0, txscript.OP_DATA_20},
		bytes.Repeat([]byte{0x11}, 20)...,
	)
}

// TestParameters checks the default counts and validation.
func TestParameters(t *testing.T) {
	t.Parallel()

	params := testParams(t)
	require.NoError(t, params.Validate())
	require.Equal(t, 300, params.TotalPuzzleCount())

	require.ErrorIs(t, (&Parameters{}).Validate(), ErrNoServerKey)

	params.FakePuzzleCount = 0
	require.Error(t, params.Validate())

	_, err := NewClientSession(nil)
	require.Error(t, err)
}

// TestConfigureEscrowedCoin checks the session only accepts its own escrow,
// and only once.
func TestConfigureEscrowedCoin(t *testing.T) {
	t.Parallel()

	clientKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tumblerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	coin := escrowCoin(t, clientKey.PubKey(), tumblerKey.PubKey())
	dest := p2wkhScript()

	session, err := NewClientSession(testParams(t))
	require.NoError(t, err)
	require.Equal(t, WaitingEscrow, session.Status())

	_, err = session.CreateRedeemTransaction(1000)
	require.ErrorIs(t, err, ErrNotConfigured)

	// The tumbler's key is the receiver, not the initiator.
	err = session.ConfigureEscrowedCoin(coin, tumblerKey, dest)
	require.ErrorIs(t, err, ErrKeyMismatch)
	require.Equal(t, WaitingEscrow, session.Status())

	notEscrow := coin.Copy()
	notEscrow.WitnessScript = []byte{txscript.OP_TRUE}
	err = session.ConfigureEscrowedCoin(notEscrow, clientKey, dest)
	require.ErrorIs(t, err, escrow.ErrNotEscrow)

	// The refund must not be spendable by anyone.
	badDests := [][]byte{
		nil, {txscript.OP_TRUE}, {txscript.OP_RETURN},
	}
	for _, bad := range badDests {
		err = session.ConfigureEscrowedCoin(coin, clientKey, bad)
		require.ErrorIs(t, err, ErrInvalidRedeemDestination)
		require.Equal(t, WaitingEscrow, session.Status())
	}

	require.NoError(t, session.ConfigureEscrowedCoin(coin, clientKey, dest))
	require.Equal(t, WaitingPuzzle, session.Status())
	require.True(t, session.EscrowKey().PubKey().IsEqual(clientKey.PubKey()))
	require.Equal(t, coin.OutPoint, session.EscrowedCoin().OutPoint)
	require.Equal(t, dest, session.RedeemDestination())

	esc := session.Escrow()
	require.True(t, esc.Initiator.IsEqual(clientKey.PubKey()))
	require.EqualValues(t, 125, esc.LockTime)

	err = session.ConfigureEscrowedCoin(coin, clientKey, dest)
	require.ErrorIs(t, err, ErrAlreadyConfigured)
}

// TestCreateRedeemTransaction checks the refund pays the redeem destination
// and is valid under the escrow script.
func TestCreateRedeemTransaction(t *testing.T) {
	t.Parallel()

	clientKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	tumblerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	coin := escrowCoin(t, clientKey.PubKey(), tumblerKey.PubKey())
	dest := p2wkhScript()

	session, err := NewClientSession(testParams(t))
	require.NoError(t, err)
	require.NoError(t, session.ConfigureEscrowedCoin(coin, clientKey, dest))

	tx, err := session.CreateRedeemTransaction(10_000)
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 1)
	require.EqualValues(t, 1_000_000, tx.TxOut[0].Value)
	require.Equal(t, dest, tx.TxOut[0].PkScript)
	require.Equal(t, coin.OutPoint, tx.TxIn[0].PreviousOutPoint)

	fetcher := txscript.NewCannedPrevOutputFetcher(
		coin.TxOut.PkScript, coin.TxOut.Value,
	)
	vm, err := txscript.NewEngine(
		coin.TxOut.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), coin.TxOut.Value,
		fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestValidateRedeemDestination checks which scripts a refund may pay to.
func TestValidateRedeemDestination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script []byte
		valid  bool
	}{
		{
			name: "nil",
		},
		{
			name:   "empty",
			script: []byte{},
		},
		{
			name:   "anyone can spend",
			script: []byte{txscript.OP_TRUE},
		},
		{
			name:   "null data",
			script: []byte{txscript.OP_RETURN, txscript.OP_DATA_1, 1},
		},
		{
			name:   "p2wkh",
			script: p2wkhScript(),
			valid:  true,
		},
		{
			name: "p2wsh",
			script: append(
				[]byte{txscript.OP_0, txscript.OP_DATA_32},
				bytes.Repeat([]byte{0x22}, 32)...,
			),
			valid: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateRedeemDestination(test.script)
			if test.valid {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidRedeemDestination)
		})
	}
}
