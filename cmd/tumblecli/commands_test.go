package main

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
	"github.com/tumblebit/tumbler/cycle"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/negotiation"
	"github.com/tumblebit/tumbler/sessiondb"
	"github.com/tumblebit/tumbler/tumblecfg"
)

func TestNewCycleInfo(t *testing.T) {
	t.Parallel()

	params := cycle.DefaultGenerator(100).GetCycle(100)
	info := newCycleInfo(params)

	require.EqualValues(t, 100, info.Start)
	require.Len(t, info.Periods, 6)
	require.Equal(t, period{
		Name:  cycle.PeriodKind(0).String(),
		Start: 100,
		End:   118,
	}, info.Periods[0])
	require.Equal(t, params.ClientLockTime(), info.ClientLockTime)
	require.Equal(t, params.TumblerLockTime(), info.TumblerLockTime)

	for i := 1; i < len(info.Periods); i++ {
		require.Equal(
			t, info.Periods[i-1].End, info.Periods[i].Start,
		)
	}
}

func testEscrow(t *testing.T) escrow.Params {
	t.Helper()

	initiator, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	receiver, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return escrow.Params{
		Initiator: initiator.PubKey(),
		Receiver:  receiver.PubKey(),
		LockTime:  125,
	}
}

func TestNewEscrowInfo(t *testing.T) {
	t.Parallel()

	params := testEscrow(t)
	info, err := newEscrowInfo(&params, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	script, err := params.Script()
	require.NoError(t, err)
	pkScript, err := params.PkScript()
	require.NoError(t, err)

	require.Equal(t, hex.EncodeToString(script), info.Script)
	require.Equal(t, hex.EncodeToString(pkScript), info.PkScript)
	require.EqualValues(t, 125, info.LockTime)

	addr, err := btcutil.DecodeAddress(
		info.Address, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.IsType(t, &btcutil.AddressWitnessScriptHash{}, addr)
	require.Equal(t, pkScript[2:], addr.ScriptAddress())
}

func TestNewSessionInfo(t *testing.T) {
	t.Parallel()

	cfg := &tumblecfg.Config{
		ActiveNetParams: &chaincfg.RegressionNetParams,
	}
	id, err := sessiondb.NewSessionID()
	require.NoError(t, err)

	info, err := newSessionInfo(
		cfg, id, &negotiation.StateWaitingVoucher{CycleStart: 100},
	)
	require.NoError(t, err)
	require.Equal(t, id.String(), info.ID)
	require.Equal(t, negotiation.WaitingVoucher.String(), info.Phase)
	require.Nil(t, info.ClientEscrow)
	require.Nil(t, info.TumblerEscrow)

	info, err = newSessionInfo(cfg, id, &negotiation.StatePromisePhase{
		CycleStart:    100,
		ClientEscrow:  testEscrow(t),
		TumblerEscrow: testEscrow(t),
	})
	require.NoError(t, err)
	require.EqualValues(t, 100, info.CycleStart)
	require.NotNil(t, info.ClientEscrow)
	require.NotNil(t, info.TumblerEscrow)
}
