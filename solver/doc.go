// Package solver holds the client side of the TumbleBit puzzle solver
// protocol, bound to the escrow the client opens towards the tumbler.
package solver
