package promise

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/puzzle"
)

// TestConfigureEscrowedCoin checks the session only accepts an escrow paying
// to its key, and only once.
func TestConfigureEscrowedCoin(t *testing.T) {
	t.Parallel()

	serverKey, err := puzzle.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	params := DefaultParameters(serverKey.PubKey())
	require.NoError(t, params.Validate())
	require.Equal(t, 84, params.TotalTransactionCount())

	tumblerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	clientKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	esc := &escrow.Params{
		Initiator: tumblerKey.PubKey(),
		Receiver:  clientKey.PubKey(),
		LockTime:  131,
	}
	txOut, err := esc.TxOut(1_000_000)
	require.NoError(t, err)
	script, err := esc.Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{9}}, nil,
		nil))
	tx.AddTxOut(txOut)
	coin, err := escrow.NewCoin(tx, 0, script)
	require.NoError(t, err)

	session, err := NewClientSession(params)
	require.NoError(t, err)
	require.Equal(t, WaitingEscrow, session.Status())
	require.Nil(t, session.EscrowPubKey())
	require.Nil(t, session.EscrowedCoin())

	err = session.ConfigureEscrowedCoin(coin, tumblerKey)
	require.ErrorIs(t, err, ErrKeyMismatch)
	require.Equal(t, WaitingEscrow, session.Status())

	require.NoError(t, session.ConfigureEscrowedCoin(coin, clientKey))
	require.Equal(t, WaitingSignatureRequest, session.Status())
	require.True(t, session.EscrowPubKey().IsEqual(clientKey.PubKey()))
	require.Equal(t, coin.OutPoint, session.EscrowedCoin().OutPoint)
	configured := session.Escrow()
	require.True(t, esc.Equal(&configured))

	err = session.ConfigureEscrowedCoin(coin, clientKey)
	require.ErrorIs(t, err, ErrAlreadyConfigured)
}
