package negotiation

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/tumblebit/tumbler/solver"
)

// BuildClientEscrowPsbt returns an unfunded PSBT paying to the client
// escrow. An external wallet adds the inputs and change, signs it and hands
// it back to SetClientSignedPsbt.
func (c *ClientNegotiation) BuildClientEscrowPsbt() (*psbt.Packet, error) {
	txOut, err := c.BuildClientEscrowTxOut()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(txOut)

	return psbt.NewFromUnsignedTx(tx)
}

// SetClientSignedPsbt extracts the final transaction of a signed PSBT and
// binds the negotiation to it like SetClientSignedTransaction.
func (c *ClientNegotiation) SetClientSignedPsbt(packet *psbt.Packet,
	redeemDestination []byte) (*solver.ClientSession, error) {

	if _, err := currentState[*StateWaitingClientTransaction](
		c, "SetClientSignedPsbt",
	); err != nil {
		return nil, err
	}

	if packet == nil {
		return nil, fmt.Errorf("missing psbt")
	}

	// Inputs that are signed but not finalized are finalized here, the
	// rest is up to the wallet.
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("unable to finalize psbt: %w", err)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("unable to extract transaction: %w", err)
	}

	return c.SetClientSignedTransaction(tx, redeemDestination)
}
