package escrow

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// maxLockTimeLen is the maximum number of bytes a lock time push may
	// occupy, matching the limit enforced by OP_CHECKLOCKTIMEVERIFY.
	maxLockTimeLen = 5

	// escrowScriptOps is the number of opcodes in an escrow script.
	escrowScriptOps = 13
)

var (
	// ErrNotEscrow is returned when a script does not follow the escrow
	// template.
	ErrNotEscrow = errors.New("script is not an escrow script")

	// ErrMissingKey is returned when escrow parameters lack a key.
	ErrMissingKey = errors.New("escrow requires initiator and receiver " +
		"keys")

	// ErrSameKey is returned when both parties of an escrow use the same
	// key.
	ErrSameKey = errors.New("escrow initiator and receiver keys must " +
		"differ")
)

// Params are the parameters of a two party escrow output. The output can be
// spent by both parties together at any time, or by the initiator alone once
// LockTime has been reached.
type Params struct {
	// Initiator funds the escrow and may reclaim it after LockTime.
	Initiator *btcec.PublicKey

	// Receiver is the counterparty whose signature is required for any
	// spend before LockTime.
	Receiver *btcec.PublicKey

	// LockTime is the absolute block height after which the initiator can
	// spend alone.
	LockTime uint32
}

// Validate checks the parameters can form an escrow script.
func (p *Params) Validate() error {
	if p.Initiator == nil || p.Receiver == nil {
		return ErrMissingKey
	}
	if p.Initiator.IsEqual(p.Receiver) {
		return ErrSameKey
	}
	if p.LockTime >= txscript.LockTimeThreshold {
		return fmt.Errorf("lock time %d is not a block height",
			p.LockTime)
	}

	return nil
}

// Equal compares both keys and the lock time.
func (p *Params) Equal(other *Params) bool {
	if p == nil || other == nil {
		return p == other
	}

	return keysEqual(p.Initiator, other.Initiator) &&
		keysEqual(p.Receiver, other.Receiver) &&
		p.LockTime == other.LockTime
}

// Copy returns a deep copy of the parameters.
func (p *Params) Copy() Params {
	return Params{
		Initiator: copyKey(p.Initiator),
		Receiver:  copyKey(p.Receiver),
		LockTime:  p.LockTime,
	}
}

// Script generates the escrow witness script:
//
//	OP_IF
//	    OP_2 <initiator> <receiver> OP_2 OP_CHECKMULTISIG
//	OP_ELSE
//	    <lock time> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <initiator> OP_CHECKSIG
//	OP_ENDIF
func (p *Params) Script() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	initiator := p.Initiator.SerializeCompressed()
	receiver := p.Receiver.SerializeCompressed()

	builder := txscript.NewScriptBuilder()

	// The cooperative branch is a plain 2-of-2. Unlike a funding output
	// the keys are not sorted, since the two roles are distinct.
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_2)
	builder.AddData(initiator)
	builder.AddData(receiver)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	// Otherwise the initiator can take the funds back once the lock time
	// has passed.
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(p.LockTime))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(initiator)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// PkScript returns the p2wsh output script paying to the escrow script.
func (p *Params) PkScript() ([]byte, error) {
	script, err := p.Script()
	if err != nil {
		return nil, err
	}

	return WitnessScriptHash(script)
}

// TxOut returns an output of amt paying to the escrow.
func (p *Params) TxOut(amt btcutil.Amount) (*wire.TxOut, error) {
	if amt <= 0 {
		return nil, fmt.Errorf("can't create escrow output with " +
			"zero, or negative coins")
	}

	pkScript, err := p.PkScript()
	if err != nil {
		return nil, err
	}

	return wire.NewTxOut(int64(amt), pkScript), nil
}

// String returns a short description of the escrow.
func (p *Params) String() string {
	return fmt.Sprintf("escrow(initiator=%x, receiver=%x, locktime=%d)",
		serializeKey(p.Initiator), serializeKey(p.Receiver),
		p.LockTime)
}

// WitnessScriptHash generates a pay-to-witness-script-hash public key script
// paying to a version 0 witness program paying to the passed redeem script.
func WitnessScriptHash(witnessScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()

	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(witnessScript)
	bldr.AddData(scriptHash[:])

	return bldr.Script()
}

// ParseScript extracts the escrow parameters from a witness script. Only
// scripts that Script would produce byte for byte are accepted.
func ParseScript(script []byte) (*Params, error) {
	type token struct {
		op   byte
		data []byte
	}

	var tokens []token
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if len(tokens) == escrowScriptOps {
			return nil, ErrNotEscrow
		}
		tokens = append(tokens, token{
			op:   tokenizer.Opcode(),
			data: tokenizer.Data(),
		})
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEscrow, err)
	}
	if len(tokens) != escrowScriptOps {
		return nil, ErrNotEscrow
	}

	// Check the fixed opcodes first, then pull out the variable parts.
	fixed := map[int]byte{
		0:  txscript.OP_IF,
		1:  txscript.OP_2,
		4:  txscript.OP_2,
		5:  txscript.OP_CHECKMULTISIG,
		6:  txscript.OP_ELSE,
		8:  txscript.OP_CHECKLOCKTIMEVERIFY,
		9:  txscript.OP_DROP,
		11: txscript.OP_CHECKSIG,
		12: txscript.OP_ENDIF,
	}
	for idx, op := range fixed {
		if tokens[idx].op != op {
			return nil, ErrNotEscrow
		}
	}
	if !bytes.Equal(tokens[2].data, tokens[10].data) {
		return nil, ErrNotEscrow
	}

	initiator, err := btcec.ParsePubKey(tokens[2].data)
	if err != nil {
		return nil, fmt.Errorf("%w: initiator: %v", ErrNotEscrow, err)
	}
	receiver, err := btcec.ParsePubKey(tokens[3].data)
	if err != nil {
		return nil, fmt.Errorf("%w: receiver: %v", ErrNotEscrow, err)
	}

	lockTime, err := parseLockTime(tokens[7].op, tokens[7].data)
	if err != nil {
		return nil, err
	}

	params := &Params{
		Initiator: initiator,
		Receiver:  receiver,
		LockTime:  lockTime,
	}

	// Regenerate the script to reject non-canonical encodings such as
	// uncompressed keys or padded lock times.
	canonical, err := params.Script()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEscrow, err)
	}
	if !bytes.Equal(canonical, script) {
		return nil, ErrNotEscrow
	}

	return params, nil
}

// parseLockTime decodes the lock time pushed either as a small integer
// opcode or as a little endian script number.
func parseLockTime(op byte, data []byte) (uint32, error) {
	switch {
	case op == txscript.OP_0:
		return 0, nil

	case op >= txscript.OP_1 && op <= txscript.OP_16:
		return uint32(op - (txscript.OP_1 - 1)), nil

	case data == nil || len(data) > maxLockTimeLen:
		return 0, ErrNotEscrow
	}

	// Script numbers are little endian with the sign in the most
	// significant bit of the last byte. Negative lock times are invalid.
	if data[len(data)-1]&0x80 != 0 {
		return 0, ErrNotEscrow
	}

	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * uint(i))
	}
	if v >= txscript.LockTimeThreshold {
		return 0, ErrNotEscrow
	}

	return uint32(v), nil
}

func keysEqual(a, b *btcec.PublicKey) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.IsEqual(b)
}

func copyKey(k *btcec.PublicKey) *btcec.PublicKey {
	if k == nil {
		return nil
	}
	cp := *k

	return &cp
}

func serializeKey(k *btcec.PublicKey) []byte {
	if k == nil {
		return nil
	}

	return k.SerializeCompressed()
}
