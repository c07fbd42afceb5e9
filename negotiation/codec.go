package negotiation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/puzzle"
)

const (
	statePhaseType             tlv.Type = 0
	stateCycleStartType        tlv.Type = 1
	stateVoucherPuzzleType     tlv.Type = 2
	stateEncryptedSigType      tlv.Type = 3
	stateVoucherCycleStartType tlv.Type = 4
	stateVoucherNonceType      tlv.Type = 5
	stateBlindedVoucherType    tlv.Type = 6
	stateBlindFactorType       tlv.Type = 7
	stateClientEscrowType      tlv.Type = 8
	stateClientKeyType         tlv.Type = 9
	stateKeyRefType            tlv.Type = 10
	stateSignedVoucherType     tlv.Type = 11
	stateTumblerKeyType        tlv.Type = 12
	stateTumblerEscrowType     tlv.Type = 13
)

// ErrInvalidCheckpoint is returned when an encoded state can't be decoded.
var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// phaseRecords lists the records each phase is encoded with.
var phaseRecords = map[Phase][]tlv.Type{
	WaitingVoucher: {statePhaseType, stateCycleStartType},
	WaitingTumblerClientTransactionKey: {
		statePhaseType, stateCycleStartType, stateVoucherPuzzleType,
		stateEncryptedSigType, stateVoucherCycleStartType,
		stateVoucherNonceType, stateBlindedVoucherType,
		stateBlindFactorType,
	},
	WaitingClientTransaction: clientEscrowRecords,
	WaitingSolvedVoucher:     clientEscrowRecords,
	WaitingGenerateTumblerTransactionKey: {
		statePhaseType, stateCycleStartType, stateVoucherCycleStartType,
		stateVoucherNonceType, stateClientEscrowType, stateKeyRefType,
		stateSignedVoucherType,
	},
	WaitingTumblerEscrow: {
		statePhaseType, stateCycleStartType, stateClientEscrowType,
		stateKeyRefType, stateTumblerKeyType,
	},
	PromisePhase: {
		statePhaseType, stateCycleStartType, stateClientEscrowType,
		stateKeyRefType, stateTumblerEscrowType,
	},
}

var clientEscrowRecords = []tlv.Type{
	statePhaseType, stateCycleStartType, stateVoucherPuzzleType,
	stateEncryptedSigType, stateVoucherCycleStartType,
	stateVoucherNonceType, stateBlindedVoucherType, stateBlindFactorType,
	stateClientEscrowType, stateClientKeyType, stateKeyRefType,
}

// checkpoint is the flattened form of a State.
type checkpoint struct {
	phase               uint8
	cycleStart          uint32
	puzzle              []byte
	encryptedSignature  []byte
	voucherCycleStart   uint32
	voucherNonce        []byte
	blindedVoucher      []byte
	blindFactor         []byte
	clientEscrowScript  []byte
	clientEscrowKey     [32]byte
	tumblerKeyRef       uint32
	signedVoucher       []byte
	tumblerEscrowKey    [32]byte
	tumblerEscrowScript []byte
}

// records returns the records of the given types, in ascending order.
func (c *checkpoint) records(types []tlv.Type) []tlv.Record {
	all := map[tlv.Type]tlv.Record{
		statePhaseType: tlv.MakePrimitiveRecord(statePhaseType, &c.phase),
		stateCycleStartType: tlv.MakePrimitiveRecord(
			stateCycleStartType, &c.cycleStart,
		),
		stateVoucherPuzzleType: tlv.MakePrimitiveRecord(
			stateVoucherPuzzleType, &c.puzzle,
		),
		stateEncryptedSigType: tlv.MakePrimitiveRecord(
			stateEncryptedSigType, &c.encryptedSignature,
		),
		stateVoucherCycleStartType: tlv.MakePrimitiveRecord(
			stateVoucherCycleStartType, &c.voucherCycleStart,
		),
		stateVoucherNonceType: tlv.MakePrimitiveRecord(
			stateVoucherNonceType, &c.voucherNonce,
		),
		stateBlindedVoucherType: tlv.MakePrimitiveRecord(
			stateBlindedVoucherType, &c.blindedVoucher,
		),
		stateBlindFactorType: tlv.MakePrimitiveRecord(
			stateBlindFactorType, &c.blindFactor,
		),
		stateClientEscrowType: tlv.MakePrimitiveRecord(
			stateClientEscrowType, &c.clientEscrowScript,
		),
		stateClientKeyType: tlv.MakePrimitiveRecord(
			stateClientKeyType, &c.clientEscrowKey,
		),
		stateKeyRefType: tlv.MakePrimitiveRecord(
			stateKeyRefType, &c.tumblerKeyRef,
		),
		stateSignedVoucherType: tlv.MakePrimitiveRecord(
			stateSignedVoucherType, &c.signedVoucher,
		),
		stateTumblerKeyType: tlv.MakePrimitiveRecord(
			stateTumblerKeyType, &c.tumblerEscrowKey,
		),
		stateTumblerEscrowType: tlv.MakePrimitiveRecord(
			stateTumblerEscrowType, &c.tumblerEscrowScript,
		),
	}

	sorted := slices.Clone(types)
	slices.Sort(sorted)

	records := make([]tlv.Record, 0, len(sorted))
	for _, typ := range sorted {
		records = append(records, all[typ])
	}

	return records
}

// allTypes returns every checkpoint record type.
func allTypes() []tlv.Type {
	types := make([]tlv.Type, 0, stateTumblerEscrowType+1)
	for typ := statePhaseType; typ <= stateTumblerEscrowType; typ++ {
		types = append(types, typ)
	}

	return types
}

// wipe zeroes the secrets of the flattened state.
func (c *checkpoint) wipe() {
	clear(c.encryptedSignature)
	clear(c.blindFactor)
	clear(c.clientEscrowKey[:])
	clear(c.signedVoucher)
	clear(c.tumblerEscrowKey[:])
}

func (c *checkpoint) setVoucher(v *UnsignedVoucher, blinded puzzle.Value,
	factor *puzzle.BlindFactor) {

	c.puzzle = v.Puzzle.Bytes()
	c.encryptedSignature = v.EncryptedSignature
	c.voucherCycleStart = v.CycleStart
	c.voucherNonce = v.Nonce
	c.blindedVoucher = blinded.Bytes()
	if factor != nil {
		c.blindFactor = factor.Bytes()
	}
}

func (c *checkpoint) voucher() UnsignedVoucher {
	return UnsignedVoucher{
		Puzzle:             puzzle.NewValue(c.puzzle),
		EncryptedSignature: bytes.Clone(c.encryptedSignature),
		CycleStart:         c.voucherCycleStart,
		Nonce:              bytes.Clone(c.voucherNonce),
	}
}

func (c *checkpoint) setClientEscrow(s *ClientEscrowState) error {
	c.setVoucher(&s.Voucher, s.BlindedVoucher, s.BlindFactor)

	script, err := s.ClientEscrow.Script()
	if err != nil {
		return err
	}
	c.clientEscrowScript = script
	c.tumblerKeyRef = s.TumblerEscrowKeyRef
	if s.ClientEscrowKey != nil {
		keyBytes := s.ClientEscrowKey.Serialize()
		copy(c.clientEscrowKey[:], keyBytes)
		clear(keyBytes)
	}

	return nil
}

func (c *checkpoint) clientEscrowState() (ClientEscrowState, error) {
	clientEscrow, err := escrow.ParseScript(c.clientEscrowScript)
	if err != nil {
		return ClientEscrowState{}, fmt.Errorf("client escrow: %w", err)
	}
	key, _ := btcec.PrivKeyFromBytes(c.clientEscrowKey[:])

	return ClientEscrowState{
		CycleStart:          c.cycleStart,
		Voucher:             c.voucher(),
		BlindedVoucher:      puzzle.NewValue(c.blindedVoucher),
		BlindFactor:         puzzle.NewBlindFactor(c.blindFactor),
		ClientEscrow:        *clientEscrow,
		ClientEscrowKey:     key,
		TumblerEscrowKeyRef: c.tumblerKeyRef,
	}, nil
}

// flatten converts a state into its checkpoint form.
func flatten(s State) (*checkpoint, error) {
	c := &checkpoint{
		phase:      uint8(s.Phase()),
		cycleStart: s.start(),
	}

	var err error
	switch st := s.(type) {
	case *StateWaitingVoucher:

	case *StateWaitingTumblerClientTransactionKey:
		c.setVoucher(&st.Voucher, st.BlindedVoucher, st.BlindFactor)

	case *StateWaitingClientTransaction:
		err = c.setClientEscrow(&st.ClientEscrowState)

	case *StateWaitingSolvedVoucher:
		err = c.setClientEscrow(&st.ClientEscrowState)

	case *StateWaitingGenerateTumblerTransactionKey:
		c.voucherCycleStart = st.VoucherCycleStart
		c.voucherNonce = st.VoucherNonce
		c.signedVoucher = st.SignedVoucher
		c.tumblerKeyRef = st.TumblerEscrowKeyRef
		c.clientEscrowScript, err = st.ClientEscrow.Script()

	case *StateWaitingTumblerEscrow:
		c.tumblerKeyRef = st.TumblerEscrowKeyRef
		if st.TumblerEscrowKey != nil {
			keyBytes := st.TumblerEscrowKey.Serialize()
			copy(c.tumblerEscrowKey[:], keyBytes)
			clear(keyBytes)
		}
		c.clientEscrowScript, err = st.ClientEscrow.Script()

	case *StatePromisePhase:
		c.tumblerKeyRef = st.TumblerEscrowKeyRef
		c.clientEscrowScript, err = st.ClientEscrow.Script()
		if err != nil {
			break
		}
		c.tumblerEscrowScript, err = st.TumblerEscrow.Script()

	default:
		return nil, fmt.Errorf("unknown state %T", s)
	}
	if err != nil {
		return nil, err
	}

	return c, nil
}

// unflatten rebuilds the state of a decoded checkpoint.
func (c *checkpoint) unflatten() (State, error) {
	switch Phase(c.phase) {
	case WaitingVoucher:
		return &StateWaitingVoucher{CycleStart: c.cycleStart}, nil

	case WaitingTumblerClientTransactionKey:
		return &StateWaitingTumblerClientTransactionKey{
			CycleStart:     c.cycleStart,
			Voucher:        c.voucher(),
			BlindedVoucher: puzzle.NewValue(c.blindedVoucher),
			BlindFactor:    puzzle.NewBlindFactor(c.blindFactor),
		}, nil

	case WaitingClientTransaction:
		st, err := c.clientEscrowState()
		if err != nil {
			return nil, err
		}

		return &StateWaitingClientTransaction{st}, nil

	case WaitingSolvedVoucher:
		st, err := c.clientEscrowState()
		if err != nil {
			return nil, err
		}

		return &StateWaitingSolvedVoucher{st}, nil
	}

	clientEscrow, err := escrow.ParseScript(c.clientEscrowScript)
	if err != nil {
		return nil, fmt.Errorf("client escrow: %w", err)
	}

	switch Phase(c.phase) {
	case WaitingGenerateTumblerTransactionKey:
		return &StateWaitingGenerateTumblerTransactionKey{
			CycleStart:          c.cycleStart,
			VoucherCycleStart:   c.voucherCycleStart,
			VoucherNonce:        bytes.Clone(c.voucherNonce),
			SignedVoucher:       bytes.Clone(c.signedVoucher),
			ClientEscrow:        *clientEscrow,
			TumblerEscrowKeyRef: c.tumblerKeyRef,
		}, nil

	case WaitingTumblerEscrow:
		key, _ := btcec.PrivKeyFromBytes(c.tumblerEscrowKey[:])

		return &StateWaitingTumblerEscrow{
			CycleStart:          c.cycleStart,
			ClientEscrow:        *clientEscrow,
			TumblerEscrowKeyRef: c.tumblerKeyRef,
			TumblerEscrowKey:    key,
		}, nil

	case PromisePhase:
		tumblerEscrow, err := escrow.ParseScript(c.tumblerEscrowScript)
		if err != nil {
			return nil, fmt.Errorf("tumbler escrow: %w", err)
		}

		return &StatePromisePhase{
			CycleStart:          c.cycleStart,
			ClientEscrow:        *clientEscrow,
			TumblerEscrow:       *tumblerEscrow,
			TumblerEscrowKeyRef: c.tumblerKeyRef,
		}, nil
	}

	return nil, fmt.Errorf("unknown phase %d", c.phase)
}

// EncodeState writes a state as a TLV stream. Only the records of the
// state's phase are written.
func EncodeState(w io.Writer, s State) error {
	if s == nil {
		return ErrNilState
	}

	c, err := flatten(s)
	if err != nil {
		return err
	}

	// Only the copies made while flattening are ours to wipe, the other
	// slices are shared with s.
	defer func() {
		clear(c.blindFactor)
		clear(c.clientEscrowKey[:])
		clear(c.tumblerEscrowKey[:])
	}()

	stream, err := tlv.NewStream(c.records(phaseRecords[s.Phase()])...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// DecodeState reads a state written by EncodeState. The stream must hold
// exactly the records of the encoded phase.
func DecodeState(r io.Reader) (State, error) {
	var c checkpoint
	defer c.wipe()

	stream, err := tlv.NewStream(c.records(allTypes())...)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	if _, ok := parsed[statePhaseType]; !ok {
		return nil, fmt.Errorf("%w: missing phase", ErrInvalidCheckpoint)
	}
	phase := Phase(c.phase)
	if !phase.valid() {
		return nil, fmt.Errorf("%w: unknown phase %d",
			ErrInvalidCheckpoint, c.phase)
	}

	required := phaseRecords[phase]
	for _, typ := range allTypes() {
		_, present := parsed[typ]
		if present != slices.Contains(required, typ) {
			return nil, fmt.Errorf("%w: record %d unexpected for %v",
				ErrInvalidCheckpoint, typ, phase)
		}
	}

	state, err := c.unflatten()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCheckpoint, err)
	}

	return state, nil
}
