package negotiation

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/tumblebit/tumbler/puzzle"
)

const (
	voucherPuzzleType             tlv.Type = 0
	voucherEncryptedSignatureType tlv.Type = 1
	voucherCycleStartType         tlv.Type = 2
	voucherNonceType              tlv.Type = 3
)

const (
	requestEscrowKeyType  tlv.Type = 0
	requestSignatureType  tlv.Type = 1
	requestCycleStartType tlv.Type = 2
	requestNonceType      tlv.Type = 3
)

// UnsignedVoucher is sent by the tumbler to start a negotiation. The voucher
// signature is encrypted under the solution of Puzzle.
type UnsignedVoucher struct {
	// Puzzle is a puzzle under the voucher key.
	Puzzle puzzle.Value

	// EncryptedSignature is the voucher signature masked with the
	// solution of Puzzle.
	EncryptedSignature []byte

	// CycleStart is the cycle the voucher was issued for.
	CycleStart uint32

	// Nonce identifies the voucher.
	Nonce []byte
}

// Copy returns a deep copy of the voucher.
func (v *UnsignedVoucher) Copy() UnsignedVoucher {
	return UnsignedVoucher{
		Puzzle:             v.Puzzle.Copy(),
		EncryptedSignature: bytes.Clone(v.EncryptedSignature),
		CycleStart:         v.CycleStart,
		Nonce:              bytes.Clone(v.Nonce),
	}
}

// Encode writes the voucher as a TLV stream.
func (v *UnsignedVoucher) Encode(w io.Writer) error {
	puzzleBytes := v.Puzzle.Bytes()
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(voucherPuzzleType, &puzzleBytes),
		tlv.MakePrimitiveRecord(
			voucherEncryptedSignatureType, &v.EncryptedSignature,
		),
		tlv.MakePrimitiveRecord(voucherCycleStartType, &v.CycleStart),
		tlv.MakePrimitiveRecord(voucherNonceType, &v.Nonce),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a voucher from a TLV stream. All records are required.
func (v *UnsignedVoucher) Decode(r io.Reader) error {
	var (
		puzzleBytes []byte
		encrypted   []byte
		cycleStart  uint32
		nonce       []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(voucherPuzzleType, &puzzleBytes),
		tlv.MakePrimitiveRecord(
			voucherEncryptedSignatureType, &encrypted,
		),
		tlv.MakePrimitiveRecord(voucherCycleStartType, &cycleStart),
		tlv.MakePrimitiveRecord(voucherNonceType, &nonce),
	)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedVoucher, err)
	}
	err = requireTypes(
		parsed, voucherPuzzleType, voucherEncryptedSignatureType,
		voucherCycleStartType, voucherNonceType,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedVoucher, err)
	}

	*v = UnsignedVoucher{
		Puzzle:             puzzle.NewValue(puzzleBytes),
		EncryptedSignature: encrypted,
		CycleStart:         cycleStart,
		Nonce:              nonce,
	}

	return nil
}

// OpenChannelRequest asks the tumbler to open its escrow towards the client.
// It proves payment through the unblinded voucher signature.
type OpenChannelRequest struct {
	// EscrowKey is the client key of the tumbler escrow.
	EscrowKey *btcec.PublicKey

	// Signature is the voucher signature.
	Signature []byte

	// CycleStart is the cycle the voucher was issued for.
	CycleStart uint32

	// Nonce identifies the voucher.
	Nonce []byte
}

// Encode writes the request as a TLV stream.
func (o *OpenChannelRequest) Encode(w io.Writer) error {
	if o.EscrowKey == nil {
		return fmt.Errorf("open channel request has no escrow key")
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(requestEscrowKeyType, &o.EscrowKey),
		tlv.MakePrimitiveRecord(requestSignatureType, &o.Signature),
		tlv.MakePrimitiveRecord(requestCycleStartType, &o.CycleStart),
		tlv.MakePrimitiveRecord(requestNonceType, &o.Nonce),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a request from a TLV stream. All records are required.
func (o *OpenChannelRequest) Decode(r io.Reader) error {
	var req OpenChannelRequest
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(requestEscrowKeyType, &req.EscrowKey),
		tlv.MakePrimitiveRecord(requestSignatureType, &req.Signature),
		tlv.MakePrimitiveRecord(
			requestCycleStartType, &req.CycleStart,
		),
		tlv.MakePrimitiveRecord(requestNonceType, &req.Nonce),
	)
	if err != nil {
		return err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return err
	}
	err = requireTypes(
		parsed, requestEscrowKeyType, requestSignatureType,
		requestCycleStartType, requestNonceType,
	)
	if err != nil {
		return err
	}

	*o = req

	return nil
}

// requireTypes returns an error if any of types is missing from parsed.
func requireTypes(parsed tlv.TypeMap, types ...tlv.Type) error {
	for _, typ := range types {
		if _, ok := parsed[typ]; !ok {
			return fmt.Errorf("missing record %d", typ)
		}
	}

	return nil
}
