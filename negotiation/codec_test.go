package negotiation

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/stretchr/testify/require"
	"github.com/tumblebit/tumbler/solver"
)

// TestStateCodec checks every phase survives an encode and decode, and that
// a negotiation restored from a decoded state can go on.
func TestStateCodec(t *testing.T) {
	t.Parallel()

	tb := newTumbler(t)
	n := newTestNegotiation(t)

	for {
		encoded := encodeState(t, n)

		decoded, err := DecodeState(bytes.NewReader(encoded))
		require.NoError(t, err)
		require.Equal(t, n.Status(), decoded.Phase())

		var b bytes.Buffer
		require.NoError(t, EncodeState(&b, decoded))
		require.Equal(t, encoded, b.Bytes())

		if n.Status().IsTerminal() {
			break
		}

		// Carry on from the decoded state rather than the original.
		n, err = Restore(n.Parameters(), decoded)
		require.NoError(t, err)
		tb.step(n)
	}

	require.Equal(t, PromisePhase, n.Status())
}

// TestDecodeStateInvalid checks streams that don't describe a state are
// refused.
func TestDecodeStateInvalid(t *testing.T) {
	t.Parallel()

	encode := func(records ...tlv.Record) []byte {
		stream, err := tlv.NewStream(records...)
		require.NoError(t, err)

		var b bytes.Buffer
		require.NoError(t, stream.Encode(&b))

		return b.Bytes()
	}

	var (
		voucherPhase  = uint8(WaitingVoucher)
		escrowPhase   = uint8(WaitingClientTransaction)
		promisePhase  = uint8(PromisePhase)
		unknownPhase  = uint8(42)
		keyRef        = uint32(testKeyRef)
		cycleStart    = uint32(testCycleStart)
		signedVoucher = []byte{1, 2, 3}
		badScript     = []byte{0x51}
	)

	testCases := []struct {
		name   string
		stream []byte
	}{
		{
			name:   "empty",
			stream: nil,
		},
		{
			name: "unknown phase",
			stream: encode(
				tlv.MakePrimitiveRecord(
					statePhaseType, &unknownPhase,
				),
				tlv.MakePrimitiveRecord(
					stateCycleStartType, &cycleStart,
				),
			),
		},
		{
			name: "missing records",
			stream: encode(
				tlv.MakePrimitiveRecord(
					statePhaseType, &escrowPhase,
				),
				tlv.MakePrimitiveRecord(
					stateCycleStartType, &cycleStart,
				),
			),
		},
		{
			name: "unexpected record",
			stream: encode(
				tlv.MakePrimitiveRecord(
					statePhaseType, &voucherPhase,
				),
				tlv.MakePrimitiveRecord(
					stateCycleStartType, &cycleStart,
				),
				tlv.MakePrimitiveRecord(
					stateSignedVoucherType, &signedVoucher,
				),
			),
		},
		{
			name: "truncated",
			stream: encode(
				tlv.MakePrimitiveRecord(
					statePhaseType, &voucherPhase,
				),
				tlv.MakePrimitiveRecord(
					stateCycleStartType, &cycleStart,
				),
			)[:4],
		},
	}

	// A terminal state whose escrow script is not an escrow.
	testCases = append(testCases, struct {
		name   string
		stream []byte
	}{
		name: "bad escrow script",
		stream: encode(
			tlv.MakePrimitiveRecord(statePhaseType, &promisePhase),
			tlv.MakePrimitiveRecord(
				stateCycleStartType, &cycleStart,
			),
			tlv.MakePrimitiveRecord(
				stateClientEscrowType, &badScript,
			),
			tlv.MakePrimitiveRecord(stateKeyRefType, &keyRef),
			tlv.MakePrimitiveRecord(
				stateTumblerEscrowType, &badScript,
			),
		),
	})

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeState(bytes.NewReader(tc.stream))
			require.ErrorIs(t, err, ErrInvalidCheckpoint)
		})
	}
}

// TestMessagesCodec checks the wire messages encode and decode.
func TestMessagesCodec(t *testing.T) {
	t.Parallel()

	tb := newTumbler(t)

	var b bytes.Buffer
	require.NoError(t, tb.voucher.Encode(&b))

	var voucher UnsignedVoucher
	require.NoError(t, voucher.Decode(&b))
	require.True(t, voucher.Puzzle.Equal(tb.voucher.Puzzle))
	require.Equal(t, tb.voucher.EncryptedSignature,
		voucher.EncryptedSignature)
	require.Equal(t, tb.voucher.CycleStart, voucher.CycleStart)
	require.Equal(t, tb.voucher.Nonce, voucher.Nonce)

	// A voucher without a nonce is malformed.
	puzzleBytes := tb.voucher.Puzzle.Bytes()
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(voucherPuzzleType, &puzzleBytes),
		tlv.MakePrimitiveRecord(
			voucherEncryptedSignatureType,
			&tb.voucher.EncryptedSignature,
		),
		tlv.MakePrimitiveRecord(
			voucherCycleStartType, &tb.voucher.CycleStart,
		),
	)
	require.NoError(t, err)
	b.Reset()
	require.NoError(t, stream.Encode(&b))
	require.ErrorIs(t, voucher.Decode(&b), ErrMalformedVoucher)

	// The open channel request carries the voucher signature.
	n := newTestNegotiation(t)
	tb.advance(n, WaitingGenerateTumblerTransactionKey)
	req, err := n.GetOpenChannelRequest()
	require.NoError(t, err)

	b.Reset()
	require.NoError(t, req.Encode(&b))

	var decoded OpenChannelRequest
	require.NoError(t, decoded.Decode(&b))
	require.True(t, decoded.EscrowKey.IsEqual(req.EscrowKey))
	require.Equal(t, req.Signature, decoded.Signature)
	require.Equal(t, req.CycleStart, decoded.CycleStart)
	require.Equal(t, req.Nonce, decoded.Nonce)

	require.Error(t, (&OpenChannelRequest{}).Encode(&b))
}

// TestClientEscrowPsbt funds the client escrow through a PSBT.
func TestClientEscrowPsbt(t *testing.T) {
	t.Parallel()

	tb := newTumbler(t)
	n := newTestNegotiation(t)

	_, err := n.BuildClientEscrowPsbt()
	require.ErrorIs(t, err, ErrSequencing)

	tb.advance(n, WaitingClientTransaction)

	template, err := n.BuildClientEscrowPsbt()
	require.NoError(t, err)
	require.Empty(t, template.UnsignedTx.TxIn)
	require.Len(t, template.UnsignedTx.TxOut, 1)

	txOut, err := n.BuildClientEscrowTxOut()
	require.NoError(t, err)
	require.Equal(t, txOut, template.UnsignedTx.TxOut[0])

	_, err = template.B64Encode()
	require.NoError(t, err)

	// The wallet adds an input and signs it.
	tx := template.UnsignedTx.Copy()
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 3}, nil, nil))
	signed, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	// Until then the PSBT can't be used.
	before := encodeState(t, n)
	_, err = n.SetClientSignedPsbt(signed, redeemDest)
	require.Error(t, err)
	require.False(t, IsProtocolViolation(err))
	require.Equal(t, before, encodeState(t, n))

	var witness bytes.Buffer
	err = psbt.WriteTxWitness(&witness, [][]byte{{0x01}, {0x02}})
	require.NoError(t, err)
	signed.Inputs[0].FinalScriptWitness = witness.Bytes()

	session, err := n.SetClientSignedPsbt(signed, redeemDest)
	require.NoError(t, err)
	require.Equal(t, WaitingSolvedVoucher, n.Status())
	require.Equal(t, solver.WaitingPuzzle, session.Status())
	require.Equal(t, tx.TxHash(), session.EscrowedCoin().OutPoint.Hash)
}
