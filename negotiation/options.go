package negotiation

import (
	"crypto/rand"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Metrics receives notable events of a negotiation.
type Metrics interface {
	// PhaseTransition is called each time a negotiation moves forward.
	PhaseTransition(from, to Phase)

	// ProtocolViolation is called when tumbler input fails validation.
	ProtocolViolation(phase Phase, err error)
}

// noopMetrics drops every event.
type noopMetrics struct{}

func (noopMetrics) PhaseTransition(Phase, Phase) {}

func (noopMetrics) ProtocolViolation(Phase, error) {}

// KeyGen draws a fresh ephemeral escrow key.
type KeyGen func() (*btcec.PrivateKey, error)

// options holds the optional dependencies of a negotiation.
type options struct {
	rand    io.Reader
	keyGen  KeyGen
	metrics Metrics
}

// defaultOptions returns the options used when none are given.
func defaultOptions() *options {
	return &options{
		rand:    rand.Reader,
		keyGen:  btcec.NewPrivateKey,
		metrics: noopMetrics{},
	}
}

// Option is a functional option that modifies a negotiation.
type Option func(*options)

// WithRand sets the source of the voucher blinding factors.
func WithRand(r io.Reader) Option {
	return func(o *options) {
		o.rand = r
	}
}

// WithKeyGen sets the generator of the ephemeral escrow keys.
func WithKeyGen(gen KeyGen) Option {
	return func(o *options) {
		o.keyGen = gen
	}
}

// WithMetrics reports negotiation events to m.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
