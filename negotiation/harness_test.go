package negotiation

import (
	"bytes"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/tumblebit/tumbler/cycle"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/puzzle"
)

const (
	testCycleStart   = 100
	testDenomination = btcutil.Amount(1_000_000)
	testFee          = btcutil.Amount(10_000)
	testKeyRef       = 7
)

var (
	keysOnce   sync.Once
	voucherKey *puzzle.PrivateKey
	serverKey  *puzzle.PrivateKey

	// redeemDest is a pay to witness pubkey hash script.
	redeemDest = append(
		[]byte{txscript.OP_0, txscript.OP_DATA_20},
		bytes.Repeat([]byte{0x11}, 20)...,
	)
)

func testKeys(t require.TestingT) (*puzzle.PrivateKey, *puzzle.PrivateKey) {
	keysOnce.Do(func() {
		var err error
		voucherKey, err = puzzle.GenerateKey(rand.Reader, 1024)
		require.NoError(t, err)
		serverKey, err = puzzle.GenerateKey(rand.Reader, 1024)
		require.NoError(t, err)
	})

	return voucherKey, serverKey
}

func testParams(t require.TestingT) *Parameters {
	vk, sk := testKeys(t)

	return DefaultParameters(
		&chaincfg.RegressionNetParams, testDenomination, testFee,
		vk.PubKey(), sk.PubKey(), testGenerator(),
	)
}

// testGenerator schedules cycles so that the cycle starting at 100 has a
// client lock time of 125 and a tumbler lock time of 131.
func testGenerator() *cycle.Generator {
	return &cycle.Generator{
		RegistrationOverlap: 1,
		FirstCycle: cycle.Parameters{
			RegistrationDuration:                10,
			ClientChannelEstablishmentDuration:  2,
			TumblerChannelEstablishmentDuration: 3,
			PaymentPhaseDuration:                4,
			ClientCashoutDuration:               5,
			TumblerCashoutDuration:              6,
			SafetyPeriodDuration:                1,
		},
	}
}

// tumbler plays the tumbler side of a negotiation.
type tumbler struct {
	t require.TestingT

	voucherKey *puzzle.PrivateKey

	// signature is the voucher signature hidden in the voucher.
	signature []byte
	voucher   *UnsignedVoucher

	// clientEscrowKey is the tumbler key of the client escrow.
	clientEscrowKey *btcec.PrivateKey

	// funderKey funds the tumbler escrow.
	funderKey *btcec.PrivateKey
}

func newTumbler(t require.TestingT) *tumbler {
	vk, _ := testKeys(t)

	p, sol, err := vk.GeneratePuzzle(rand.Reader)
	require.NoError(t, err)

	signature := make([]byte, 64)
	_, err = rand.Read(signature)
	require.NoError(t, err)

	clientEscrowKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	funderKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return &tumbler{
		t:          t,
		voucherKey: vk,
		signature:  signature,
		voucher: &UnsignedVoucher{
			Puzzle:             p.Value(),
			EncryptedSignature: puzzle.NewXORKey(sol).XOR(signature),
			CycleStart:         testCycleStart - 9,
			Nonce:              []byte{0xab, 0xcd, 0xef},
		},
		clientEscrowKey: clientEscrowKey,
		funderKey:       funderKey,
	}
}

// fundingTx returns a transaction paying outputs, preceded by a change
// output.
func fundingTx(outputs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}}, nil,
		nil))
	tx.AddTxOut(wire.NewTxOut(42_000, []byte{txscript.OP_TRUE}))
	for _, txOut := range outputs {
		tx.AddTxOut(txOut)
	}

	return tx
}

// solve solves the blinded voucher of n.
func (tb *tumbler) solve(n *ClientNegotiation) *puzzle.Solution {
	blinded, err := n.BlindedVoucher()
	require.NoError(tb.t, err)

	sol, err := tb.voucherKey.Solve(blinded)
	require.NoError(tb.t, err)

	return sol
}

// escrowCoin funds an escrow of amt towards receiver.
func (tb *tumbler) escrowCoin(receiver *btcec.PublicKey, lockTime uint32,
	amt btcutil.Amount) *escrow.Coin {

	params := &escrow.Params{
		Initiator: tb.funderKey.PubKey(),
		Receiver:  receiver,
		LockTime:  lockTime,
	}
	txOut, err := params.TxOut(amt)
	require.NoError(tb.t, err)
	script, err := params.Script()
	require.NoError(tb.t, err)

	coin, err := escrow.NewCoin(fundingTx(txOut), 1, script)
	require.NoError(tb.t, err)

	return coin
}

// tumblerEscrowCoin funds the escrow n expects from the tumbler.
func (tb *tumbler) tumblerEscrowCoin(n *ClientNegotiation) *escrow.Coin {
	st, ok := n.state.(*StateWaitingTumblerEscrow)
	require.True(tb.t, ok)

	return tb.escrowCoin(
		st.TumblerEscrowKey.PubKey(), n.GetCycle().TumblerLockTime(),
		testDenomination,
	)
}

// step moves n one phase forward with valid tumbler input.
func (tb *tumbler) step(n *ClientNegotiation) {
	var err error
	switch n.Status() {
	case WaitingVoucher:
		err = n.ReceiveUnsignedVoucher(tb.voucher)

	case WaitingTumblerClientTransactionKey:
		err = n.ReceiveTumblerEscrowKey(
			tb.clientEscrowKey.PubKey(), testKeyRef,
		)

	case WaitingClientTransaction:
		var txOut *wire.TxOut
		txOut, err = n.BuildClientEscrowTxOut()
		require.NoError(tb.t, err)
		_, err = n.SetClientSignedTransaction(
			fundingTx(txOut), redeemDest,
		)

	case WaitingSolvedVoucher:
		err = n.CheckVoucherSolution(tb.solve(n))

	case WaitingGenerateTumblerTransactionKey:
		_, err = n.GetOpenChannelRequest()

	case WaitingTumblerEscrow:
		_, err = n.ReceiveTumblerEscrowedCoin(tb.tumblerEscrowCoin(n))
	}
	require.NoError(tb.t, err)
}

// advance moves n forward until it reaches phase.
func (tb *tumbler) advance(n *ClientNegotiation, phase Phase) {
	for n.Status() < phase {
		tb.step(n)
	}
	require.Equal(tb.t, phase, n.Status())
}

// encodeState returns the encoded checkpoint of n.
func encodeState(t require.TestingT, n *ClientNegotiation) []byte {
	var b bytes.Buffer
	require.NoError(t, EncodeState(&b, n.Checkpoint()))

	return b.Bytes()
}

func newTestNegotiation(t *testing.T, opts ...Option) *ClientNegotiation {
	t.Helper()

	n, err := New(testParams(t), testCycleStart, opts...)
	require.NoError(t, err)

	return n
}
