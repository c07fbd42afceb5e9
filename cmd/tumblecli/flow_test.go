package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tumblebit/tumbler/cycle"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/monitoring"
	"github.com/tumblebit/tumbler/negotiation"
	"github.com/tumblebit/tumbler/puzzle"
	"github.com/tumblebit/tumbler/sessiondb"
	"github.com/tumblebit/tumbler/tumblecfg"
)

const (
	flowDenomination = btcutil.Amount(1_000_000)
	flowFee          = btcutil.Amount(10_000)
)

// flowFundingTx returns a transaction paying txOut at index 1.
func flowFundingTx(txOut *wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}}, nil,
		nil))
	tx.AddTxOut(wire.NewTxOut(42_000, []byte{txscript.OP_TRUE}))
	tx.AddTxOut(txOut)

	return tx
}

func newFlowEnv(t *testing.T, vk, sk *puzzle.PrivateKey,
	reg prometheus.Registerer) *sessionEnv {

	t.Helper()

	store, err := sessiondb.Open(
		filepath.Join(t.TempDir(), "sessions.db"), time.Second,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	metrics, err := monitoring.NewNegotiationMetrics(reg)
	require.NoError(t, err)

	params := negotiation.DefaultParameters(
		&chaincfg.RegressionNetParams, flowDenomination, flowFee,
		vk.PubKey(), sk.PubKey(), cycle.DefaultGenerator(0),
	)

	n, err := negotiation.New(params, 0)
	require.NoError(t, err)

	id, err := sessiondb.NewSessionID()
	require.NoError(t, err)
	require.NoError(t, store.Put(id, n.Checkpoint()))

	return &sessionEnv{
		cfg: &tumblecfg.Config{
			ActiveNetParams: &chaincfg.RegressionNetParams,
		},
		params: params,
		store:  store,
		id:     id,
		opts:   []negotiation.Option{negotiation.WithMetrics(metrics)},
	}
}

// TestSessionFlow drives a stored negotiation to its end the way the
// session commands do, and checks that the sub-session material survives
// the wiping of the checkpoint.
func TestSessionFlow(t *testing.T) {
	t.Parallel()

	vk, err := puzzle.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	sk, err := puzzle.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	env := newFlowEnv(t, vk, sk, reg)

	storedPhase := func() negotiation.Phase {
		state, err := env.store.Fetch(env.id)
		require.NoError(t, err)

		return state.Phase()
	}

	p, sol, err := vk.GeneratePuzzle(rand.Reader)
	require.NoError(t, err)
	voucher := &negotiation.UnsignedVoucher{
		Puzzle:             p.Value(),
		EncryptedSignature: puzzle.NewXORKey(sol).XOR([]byte("sig")),
		Nonce:              []byte{0x01},
	}
	_, err = env.runStep(func(
		n *negotiation.ClientNegotiation) (interface{}, error) {

		return nil, n.ReceiveUnsignedVoucher(voucher)
	})
	require.NoError(t, err)

	tumblerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = env.runStep(func(
		n *negotiation.ClientNegotiation) (interface{}, error) {

		return nil, n.ReceiveTumblerEscrowKey(tumblerKey.PubKey(), 7)
	})
	require.NoError(t, err)
	require.Equal(t, negotiation.WaitingClientTransaction, storedPhase())

	state, err := env.store.Fetch(env.id)
	require.NoError(t, err)
	clientEscrow, ok := negotiation.ClientEscrow(state)
	require.True(t, ok)

	redeemDest := append(
		[]byte{txscript.OP_0, txscript.OP_DATA_20},
		bytes.Repeat([]byte{0x11}, 20)...,
	)
	fund := func(fee btcutil.Amount) (interface{}, error) {
		return env.runStep(func(
			n *negotiation.ClientNegotiation) (interface{}, error) {

			txOut, err := n.BuildClientEscrowTxOut()
			if err != nil {
				return nil, err
			}
			session, err := n.SetClientSignedTransaction(
				flowFundingTx(txOut), redeemDest,
			)
			if err != nil {
				return nil, err
			}

			return handOffClientEscrow(env, session, fee)
		})
	}

	// A refund that can't be built leaves the session unbound.
	_, err = fund(btcutil.SatoshiPerBitcoin)
	require.ErrorIs(t, err, escrow.ErrFeeTooHigh)
	require.Equal(t, negotiation.WaitingClientTransaction, storedPhase())
	_, err = env.store.FetchRefundTx(env.id)
	require.ErrorIs(t, err, sessiondb.ErrHandoffNotFound)

	resp, err := fund(1_000)
	require.NoError(t, err)
	require.Equal(t, negotiation.WaitingSolvedVoucher, storedPhase())
	funding := resp.(*clientEscrowHandoff)
	require.Equal(t, clientEscrow.LockTime, funding.RefundLockTime)

	_, err = env.runStep(func(
		n *negotiation.ClientNegotiation) (interface{}, error) {

		blinded, err := n.BlindedVoucher()
		if err != nil {
			return nil, err
		}
		solution, err := vk.Solve(blinded)
		if err != nil {
			return nil, err
		}

		return nil, n.CheckVoucherSolution(solution)
	})
	require.NoError(t, err)

	var req *negotiation.OpenChannelRequest
	_, err = env.runStep(func(
		n *negotiation.ClientNegotiation) (interface{}, error) {

		req, err = n.GetOpenChannelRequest()
		return req, err
	})
	require.NoError(t, err)

	funderKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	resp, err = env.runStep(func(
		n *negotiation.ClientNegotiation) (interface{}, error) {

		params := &escrow.Params{
			Initiator: funderKey.PubKey(),
			Receiver:  req.EscrowKey,
			LockTime:  n.GetCycle().TumblerLockTime(),
		}
		txOut, err := params.TxOut(flowDenomination)
		if err != nil {
			return nil, err
		}
		script, err := params.Script()
		if err != nil {
			return nil, err
		}
		coin, err := escrow.NewCoin(flowFundingTx(txOut), 1, script)
		if err != nil {
			return nil, err
		}

		session, err := n.ReceiveTumblerEscrowedCoin(coin)
		if err != nil {
			return nil, err
		}

		return handOffTumblerEscrow(env, n, session)
	})
	require.NoError(t, err)
	require.Equal(t, negotiation.PromisePhase, storedPhase())
	require.Equal(
		t, negotiation.PromisePhase.String(),
		resp.(*tumblerEscrowHandoff).Phase,
	)

	// The checkpoint no longer holds the client escrow key, the hand-off
	// records do.
	clientKey, err := env.store.FetchEscrowKey(
		env.id, sessiondb.ClientEscrowRole,
	)
	require.NoError(t, err)
	require.True(t, clientKey.PubKey().IsEqual(clientEscrow.Initiator))

	promiseKey, err := env.store.FetchEscrowKey(
		env.id, sessiondb.TumblerEscrowRole,
	)
	require.NoError(t, err)
	require.True(t, promiseKey.PubKey().IsEqual(req.EscrowKey))

	refund, err := env.store.FetchRefundTx(env.id)
	require.NoError(t, err)
	require.Equal(t, clientEscrow.LockTime, refund.LockTime)
	require.Equal(t, redeemDest, refund.TxOut[0].PkScript)
	require.Equal(t, funding.Outpoint,
		refund.TxIn[0].PreviousOutPoint.String())

	// Abandoning the session keeps what was handed over.
	require.NoError(t, env.store.Delete(env.id))
	info, err := newHandoffInfo(env.store, env.id)
	require.NoError(t, err)
	clientPub := clientEscrow.Initiator.SerializeCompressed()
	require.Equal(t, hex.EncodeToString(clientPub), info.ClientEscrowKey)
	promisePub := req.EscrowKey.SerializeCompressed()
	require.Equal(t, hex.EncodeToString(promisePub), info.TumblerEscrowKey)
	require.NotEmpty(t, info.RefundTx)

	path := filepath.Join(t.TempDir(), "tumbler.prom")
	require.NoError(t, writeMetrics(path, reg))
	metrics, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(
		t, string(metrics), "tumbler_negotiation_completed_total 1",
	)
}

func TestWriteMetricsDisabled(t *testing.T) {
	t.Parallel()

	require.NoError(t, writeMetrics("", prometheus.NewRegistry()))
}

func TestToHeight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value uint64
		want  uint32
		fails bool
	}{
		{name: "zero", value: 0, want: 0},
		{name: "height", value: 840_000, want: 840_000},
		{name: "max", value: math.MaxUint32, want: math.MaxUint32},
		{name: "overflow", value: math.MaxUint32 + 1, fails: true},
		{name: "wraps to a cycle", value: 1<<32 + 100, fails: true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got, err := toHeight("height", test.value)
			if test.fails {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}
