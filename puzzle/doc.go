// Package puzzle implements the RSA puzzles of the TumbleBit protocol.
//
// A puzzle is a value z = x^e mod N under a tumbler RSA key, and its solution
// is the preimage x. A client can blind a puzzle before handing it to the
// tumbler so that the tumbler cannot link the solved value to the original
// one, then unblind the returned solution with the same blind factor.
// Solutions double as symmetric keys through XORKey, which masks payloads
// such as the voucher signature.
package puzzle
