// Package negotiation implements the client side of the classic TumbleBit
// channel negotiation.
//
// A ClientNegotiation walks a fixed sequence of phases. It obtains a blind
// signed voucher from the tumbler, opens the client escrow, redeems the
// voucher and finally validates the escrow the tumbler opens in return. Two
// hand-off points produce the configured solver and promise sub-sessions that
// carry the rest of the protocol.
//
// The state of each phase is its own type, holding only the fields valid in
// that phase. Secrets that are no longer needed are wiped as the negotiation
// moves forward. A ClientNegotiation performs no I/O and no locking: callers
// drive it from a single goroutine and use Checkpoint to hand state across
// goroutines or to persist it.
package negotiation
