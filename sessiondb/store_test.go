package sessiondb

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
	"github.com/tumblebit/tumbler/escrow"
	"github.com/tumblebit/tumbler/negotiation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(
		filepath.Join(t.TempDir(), "sessions.db"),
		kvdb.DefaultDBTimeout,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func escrowParams(t *testing.T, lockTime uint32) escrow.Params {
	t.Helper()

	initiator, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	receiver, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return escrow.Params{
		Initiator: initiator.PubKey(),
		Receiver:  receiver.PubKey(),
		LockTime:  lockTime,
	}
}

// TestStore exercises storing, fetching, listing and deleting checkpoints.
func TestStore(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	first, err := NewSessionID()
	require.NoError(t, err)
	second, err := NewSessionID()
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = store.Fetch(first)
	require.ErrorIs(t, err, ErrSessionNotFound)

	waiting := &negotiation.StateWaitingVoucher{CycleStart: 100}
	done := &negotiation.StatePromisePhase{
		CycleStart:          100,
		ClientEscrow:        escrowParams(t, 125),
		TumblerEscrow:       escrowParams(t, 131),
		TumblerEscrowKeyRef: 7,
	}

	require.NoError(t, store.Put(first, waiting))
	require.NoError(t, store.Put(second, done))

	fetched, err := store.Fetch(first)
	require.NoError(t, err)
	require.Equal(t, waiting, fetched)

	fetched, err = store.Fetch(second)
	require.NoError(t, err)
	promisePhase, ok := fetched.(*negotiation.StatePromisePhase)
	require.True(t, ok)
	require.True(t, promisePhase.ClientEscrow.Equal(&done.ClientEscrow))
	require.True(t, promisePhase.TumblerEscrow.Equal(&done.TumblerEscrow))
	require.EqualValues(t, 7, promisePhase.TumblerEscrowKeyRef)

	// Overwriting replaces the checkpoint.
	moved := &negotiation.StateWaitingVoucher{CycleStart: 117}
	require.NoError(t, store.Put(first, moved))

	phases := make(map[SessionID]negotiation.Phase)
	err = store.ForEach(func(id SessionID, s negotiation.State) error {
		phases[id] = s.Phase()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[SessionID]negotiation.Phase{
		first:  negotiation.WaitingVoucher,
		second: negotiation.PromisePhase,
	}, phases)

	require.NoError(t, store.Delete(first))
	_, err = store.Fetch(first)
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Deleting twice is fine.
	require.NoError(t, store.Delete(first))
}

// TestStoreReopen checks checkpoints survive closing the database.
func TestStoreReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	store, err := Open(dbPath, kvdb.DefaultDBTimeout)
	require.NoError(t, err)

	id, err := NewSessionID()
	require.NoError(t, err)
	require.NoError(t, store.Put(
		id, &negotiation.StateWaitingVoucher{CycleStart: 42},
	))
	require.NoError(t, store.Close())

	store, err = Open(dbPath, kvdb.DefaultDBTimeout)
	require.NoError(t, err)
	defer store.Close()

	state, err := store.Fetch(id)
	require.NoError(t, err)
	require.Equal(t, &negotiation.StateWaitingVoucher{CycleStart: 42}, state)
}

// TestSessionID checks the hex form of session ids.
func TestSessionID(t *testing.T) {
	t.Parallel()

	id, err := NewSessionID()
	require.NoError(t, err)

	parsed, err := ParseSessionID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ParseSessionID("abcd")
	require.Error(t, err)

	_, err = ParseSessionID("zz")
	require.Error(t, err)
}
