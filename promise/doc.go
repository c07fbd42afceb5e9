// Package promise holds the client side of the TumbleBit puzzle promise
// protocol, bound to the escrow the tumbler opens towards the client.
package promise
