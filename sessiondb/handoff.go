package sessiondb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// handoffBucket is the top level bucket holding, per session, what
	// the negotiation handed over to the solver and promise sessions:
	// the escrow keys and the signed refund of the client escrow.
	//
	// handoffBucket
	//   |-- <session id>
	//         |-- escrowKeyPrefix || role: private key
	//         |-- refundTxKey: serialized transaction
	handoffBucket = []byte("escrow-handoffs")

	escrowKeyPrefix = []byte("escrow-key-")

	refundTxKey = []byte("client-refund-tx")

	// ErrHandoffNotFound is returned when a session has no hand-off record
	// of the requested kind.
	ErrHandoffNotFound = errors.New("hand-off record not found")
)

// EscrowRole identifies one of the two escrows of a negotiation.
type EscrowRole uint8

const (
	// ClientEscrowRole is the escrow funded by the client. Its key is the
	// escrow initiator key, held by the solver session.
	ClientEscrowRole EscrowRole = iota

	// TumblerEscrowRole is the escrow funded by the tumbler. Its key is
	// the escrow receiver key, held by the promise session.
	TumblerEscrowRole
)

// String returns a human readable role name.
func (r EscrowRole) String() string {
	switch r {
	case ClientEscrowRole:
		return "client"

	case TumblerEscrowRole:
		return "tumbler"

	default:
		return fmt.Sprintf("EscrowRole(%d)", uint8(r))
	}
}

func escrowKeyKey(role EscrowRole) []byte {
	return append(bytes.Clone(escrowKeyPrefix), byte(role))
}

// putHandoff stores value under key in the hand-off bucket of id.
func (s *Store) putHandoff(id SessionID, key, value []byte) error {
	return kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		handoffs := tx.ReadWriteBucket(handoffBucket)
		if handoffs == nil {
			return kvdb.ErrBucketNotFound
		}

		session, err := handoffs.CreateBucketIfNotExists(id[:])
		if err != nil {
			return err
		}

		return session.Put(key, value)
	}, func() {})
}

// fetchHandoff calls cb with the value stored under key in the hand-off
// bucket of id. The value is only valid during cb.
func (s *Store) fetchHandoff(id SessionID, key []byte,
	cb func([]byte) error) error {

	return kvdb.View(s.db, func(tx kvdb.RTx) error {
		handoffs := tx.ReadBucket(handoffBucket)
		if handoffs == nil {
			return kvdb.ErrBucketNotFound
		}

		session := handoffs.NestedReadBucket(id[:])
		if session == nil {
			return ErrHandoffNotFound
		}

		v := session.Get(key)
		if v == nil {
			return ErrHandoffNotFound
		}

		return cb(v)
	}, func() {})
}

// PutEscrowKey stores the client key of one of the escrows of id.
func (s *Store) PutEscrowKey(id SessionID, role EscrowRole,
	key *btcec.PrivateKey) error {

	if key == nil {
		return fmt.Errorf("missing %v escrow key", role)
	}

	keyBytes := key.Serialize()
	defer clear(keyBytes)

	if err := s.putHandoff(id, escrowKeyKey(role), keyBytes); err != nil {
		return err
	}

	log.Debugf("Stored %v escrow key of session %v", role, id)

	return nil
}

// FetchEscrowKey returns the client key of one of the escrows of id.
func (s *Store) FetchEscrowKey(id SessionID,
	role EscrowRole) (*btcec.PrivateKey, error) {

	var key *btcec.PrivateKey
	err := s.fetchHandoff(id, escrowKeyKey(role), func(v []byte) error {
		if len(v) != btcec.PrivKeyBytesLen {
			return fmt.Errorf("invalid %v escrow key length %d",
				role, len(v))
		}
		key, _ = btcec.PrivKeyFromBytes(v)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return key, nil
}

// PutRefundTx stores the signed transaction refunding the client escrow of
// id once its lock time is reached.
func (s *Store) PutRefundTx(id SessionID, refund *wire.MsgTx) error {
	var b bytes.Buffer
	if err := refund.Serialize(&b); err != nil {
		return err
	}

	if err := s.putHandoff(id, refundTxKey, b.Bytes()); err != nil {
		return err
	}

	log.Debugf("Stored refund %v of session %v", refund.TxHash(), id)

	return nil
}

// FetchRefundTx returns the refund of the client escrow of id.
func (s *Store) FetchRefundTx(id SessionID) (*wire.MsgTx, error) {
	refund := wire.NewMsgTx(wire.TxVersion)
	err := s.fetchHandoff(id, refundTxKey, func(v []byte) error {
		return refund.Deserialize(bytes.NewReader(v))
	})
	if err != nil {
		return nil, err
	}

	return refund, nil
}
