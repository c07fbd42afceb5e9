// Package cycle computes the block height schedule of tumbler cycles.
//
// Every cycle runs through the same consecutive periods, from registration
// to the tumbler's cashout. The lock times of both escrows of a negotiation
// are pure functions of the cycle start, so a client and a tumbler that
// agree on the generator and the start agree on every escrow they build.
package cycle
