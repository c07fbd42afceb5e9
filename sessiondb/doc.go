// Package sessiondb stores negotiation checkpoints so a client can resume
// its negotiations after a restart.
package sessiondb
