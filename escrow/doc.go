// Package escrow implements the two party time locked escrow outputs used to
// open tumbler channels. An escrow pays to a p2wsh output that both parties
// can spend together, or that its initiator can reclaim alone after an
// absolute lock time.
package escrow
