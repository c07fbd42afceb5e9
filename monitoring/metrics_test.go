package monitoring

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/tumblebit/tumbler/negotiation"
)

// TestNegotiationMetrics checks events are counted under the right labels.
func TestNegotiationMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewNegotiationMetrics(reg)
	require.NoError(t, err)

	m.PhaseTransition(
		negotiation.WaitingVoucher,
		negotiation.WaitingTumblerClientTransactionKey,
	)
	m.PhaseTransition(
		negotiation.WaitingVoucher,
		negotiation.WaitingTumblerClientTransactionKey,
	)
	m.PhaseTransition(
		negotiation.WaitingTumblerEscrow, negotiation.PromisePhase,
	)

	require.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues(
		negotiation.WaitingVoucher.String(),
		negotiation.WaitingTumblerClientTransactionKey.String(),
	)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.completed))

	m.ProtocolViolation(
		negotiation.WaitingSolvedVoucher,
		fmt.Errorf("%w: bad", negotiation.ErrIncorrectSolution),
	)
	require.Equal(t, 1.0, testutil.ToFloat64(m.violations.WithLabelValues(
		negotiation.WaitingSolvedVoucher.String(), "incorrect_solution",
	)))

	// Registering twice on the same registry must fail.
	_, err = NewNegotiationMetrics(reg)
	require.Error(t, err)
}

// TestViolationReason maps validation errors onto labels.
func TestViolationReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		reason string
	}{
		{negotiation.ErrMalformedVoucher, "malformed_voucher"},
		{negotiation.ErrIncorrectSolution, "incorrect_solution"},
		{
			fmt.Errorf("%w: 1", negotiation.ErrInvalidAmount),
			"invalid_amount",
		},
		{negotiation.ErrInvalidEscrow, "invalid_escrow"},
		{negotiation.ErrNoEscrowOutput, "escrow_output"},
		{negotiation.ErrAmbiguousEscrowOutput, "escrow_output"},
		{fmt.Errorf("boom"), "other"},
	}

	for _, test := range tests {
		require.Equal(t, test.reason, violationReason(test.err),
			test.err.Error())
	}
}
