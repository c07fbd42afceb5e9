package monitoring

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tumblebit/tumbler/negotiation"
)

// namespace prefixes every exported metric.
const namespace = "tumbler"

// NegotiationMetrics counts negotiation events in prometheus collectors. It
// implements negotiation.Metrics.
type NegotiationMetrics struct {
	transitions *prometheus.CounterVec
	violations  *prometheus.CounterVec
	completed   prometheus.Counter
}

// A compile time check to ensure NegotiationMetrics implements the
// negotiation.Metrics interface.
var _ negotiation.Metrics = (*NegotiationMetrics)(nil)

// NewNegotiationMetrics creates the collectors and registers them with reg.
func NewNegotiationMetrics(
	reg prometheus.Registerer) (*NegotiationMetrics, error) {

	m := &NegotiationMetrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "negotiation",
				Name:      "transitions_total",
				Help:      "Number of negotiation phase changes.",
			},
			[]string{"from", "to"},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "negotiation",
				Name:      "protocol_violations_total",
				Help: "Number of tumbler messages that " +
					"failed validation.",
			},
			[]string{"phase", "reason"},
		),
		completed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "negotiation",
				Name:      "completed_total",
				Help: "Number of negotiations that reached " +
					"the promise phase.",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.transitions, m.violations, m.completed,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// PhaseTransition is called each time a negotiation moves forward.
func (m *NegotiationMetrics) PhaseTransition(from, to negotiation.Phase) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()

	if to.IsTerminal() {
		m.completed.Inc()
	}
}

// ProtocolViolation is called when tumbler input fails validation.
func (m *NegotiationMetrics) ProtocolViolation(phase negotiation.Phase,
	err error) {

	m.violations.WithLabelValues(phase.String(), violationReason(err)).Inc()
}

// violationReason maps a validation failure onto a small fixed label set.
func violationReason(err error) string {
	switch {
	case errors.Is(err, negotiation.ErrMalformedVoucher):
		return "malformed_voucher"

	case errors.Is(err, negotiation.ErrIncorrectSolution):
		return "incorrect_solution"

	case errors.Is(err, negotiation.ErrInvalidAmount):
		return "invalid_amount"

	case errors.Is(err, negotiation.ErrInvalidEscrow):
		return "invalid_escrow"

	case errors.Is(err, negotiation.ErrNoEscrowOutput),
		errors.Is(err, negotiation.ErrAmbiguousEscrowOutput):

		return "escrow_output"

	default:
		return "other"
	}
}
