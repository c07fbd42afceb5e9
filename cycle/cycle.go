package cycle

import (
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/txscript"
)

var (
	// ErrZeroDuration is returned when a cycle period other than the
	// safety period has no length.
	ErrZeroDuration = errors.New("cycle period must not be empty")

	// ErrOverlapTooLarge is returned when consecutive cycles would start
	// at the same height.
	ErrOverlapTooLarge = errors.New("registration overlap must be " +
		"smaller than the registration duration")

	// ErrBeforeFirstCycle is returned when looking up a cycle for a
	// height that precedes the first cycle.
	ErrBeforeFirstCycle = errors.New("height precedes the first cycle")

	// ErrLockTimeOverflow is returned when the end of a cycle doesn't fit
	// in a lock time.
	ErrLockTimeOverflow = errors.New("cycle lock time overflows")

	// ErrLockTimeNotHeight is returned when a lock time of a cycle would
	// be read as a timestamp rather than a block height.
	ErrLockTimeNotHeight = errors.New("cycle lock time is not a block " +
		"height")
)

// PeriodKind identifies one of the consecutive periods of a cycle.
type PeriodKind uint8

const (
	// Registration is the period in which clients obtain vouchers.
	Registration PeriodKind = iota

	// ClientChannelEstablishment is the period in which clients fund
	// their escrow towards the tumbler.
	ClientChannelEstablishment

	// TumblerChannelEstablishment is the period in which the tumbler
	// funds its escrow towards the client.
	TumblerChannelEstablishment

	// Payment is the period in which the off-chain puzzle-solver and
	// puzzle-promise exchanges take place.
	Payment

	// ClientCashout is the period in which the client side escrow is
	// settled.
	ClientCashout

	// TumblerCashout is the period in which the tumbler side escrow is
	// settled.
	TumblerCashout
)

// String returns a human readable name of the period.
func (k PeriodKind) String() string {
	switch k {
	case Registration:
		return "Registration"
	case ClientChannelEstablishment:
		return "ClientChannelEstablishment"
	case TumblerChannelEstablishment:
		return "TumblerChannelEstablishment"
	case Payment:
		return "Payment"
	case ClientCashout:
		return "ClientCashout"
	case TumblerCashout:
		return "TumblerCashout"
	default:
		return fmt.Sprintf("PeriodKind(%d)", uint8(k))
	}
}

// Period is a half open block height range [Start, End).
type Period struct {
	Start uint32
	End   uint32
}

// Contains reports whether height lies within the period.
func (p Period) Contains(height uint32) bool {
	return height >= p.Start && height < p.End
}

// Periods lists the periods of a single cycle.
type Periods struct {
	Registration                Period
	ClientChannelEstablishment  Period
	TumblerChannelEstablishment Period
	Payment                     Period
	ClientCashout               Period
	TumblerCashout              Period
}

// Parameters describes the schedule of one cycle. All durations are in
// blocks.
type Parameters struct {
	// Start is the height at which the cycle's registration opens.
	Start uint32

	RegistrationDuration                uint32
	ClientChannelEstablishmentDuration  uint32
	TumblerChannelEstablishmentDuration uint32
	PaymentPhaseDuration                uint32
	ClientCashoutDuration               uint32
	TumblerCashoutDuration              uint32

	// SafetyPeriodDuration is added after a cashout period before the
	// corresponding escrow can be refunded.
	SafetyPeriodDuration uint32
}

// Validate checks that every period except the safety period is non-empty.
func (p *Parameters) Validate() error {
	durations := []struct {
		name string
		d    uint32
	}{
		{"registration", p.RegistrationDuration},
		{"client channel establishment",
			p.ClientChannelEstablishmentDuration},
		{"tumbler channel establishment",
			p.TumblerChannelEstablishmentDuration},
		{"payment", p.PaymentPhaseDuration},
		{"client cashout", p.ClientCashoutDuration},
		{"tumbler cashout", p.TumblerCashoutDuration},
	}
	for _, d := range durations {
		if d.d == 0 {
			return fmt.Errorf("%s: %w", d.name, ErrZeroDuration)
		}
	}

	return nil
}

// ValidateLockTimes checks that both escrow lock times of the cycle are
// block heights, so that the client lock time precedes the tumbler's.
func (p *Parameters) ValidateLockTimes() error {
	end := uint64(p.Start) +
		uint64(p.RegistrationDuration) +
		uint64(p.ClientChannelEstablishmentDuration) +
		uint64(p.TumblerChannelEstablishmentDuration) +
		uint64(p.PaymentPhaseDuration) +
		uint64(p.ClientCashoutDuration) +
		uint64(p.TumblerCashoutDuration) +
		uint64(p.SafetyPeriodDuration)

	switch {
	case end > math.MaxUint32:
		return fmt.Errorf("%w: cycle %d ends at %d", ErrLockTimeOverflow,
			p.Start, end)

	case end >= txscript.LockTimeThreshold:
		return fmt.Errorf("%w: cycle %d ends at %d",
			ErrLockTimeNotHeight, p.Start, end)
	}

	return nil
}

// Periods returns the consecutive periods of the cycle.
func (p *Parameters) Periods() Periods {
	var (
		periods Periods
		height  = p.Start
	)
	next := func(d uint32) Period {
		period := Period{Start: height, End: height + d}
		height = period.End
		return period
	}

	periods.Registration = next(p.RegistrationDuration)
	periods.ClientChannelEstablishment = next(
		p.ClientChannelEstablishmentDuration,
	)
	periods.TumblerChannelEstablishment = next(
		p.TumblerChannelEstablishmentDuration,
	)
	periods.Payment = next(p.PaymentPhaseDuration)
	periods.ClientCashout = next(p.ClientCashoutDuration)
	periods.TumblerCashout = next(p.TumblerCashoutDuration)

	return periods
}

// PeriodAt returns the period containing height, if any.
func (p *Parameters) PeriodAt(height uint32) (PeriodKind, bool) {
	periods := p.Periods()
	ordered := []Period{
		periods.Registration,
		periods.ClientChannelEstablishment,
		periods.TumblerChannelEstablishment,
		periods.Payment,
		periods.ClientCashout,
		periods.TumblerCashout,
	}
	for i, period := range ordered {
		if period.Contains(height) {
			return PeriodKind(i), true
		}
	}

	return 0, false
}

// ClientLockTime is the absolute lock time of the client side escrow. After
// it the client can reclaim its escrow unilaterally.
func (p *Parameters) ClientLockTime() uint32 {
	return p.Periods().ClientCashout.End + p.SafetyPeriodDuration
}

// TumblerLockTime is the absolute lock time of the tumbler side escrow. It
// is strictly later than ClientLockTime.
func (p *Parameters) TumblerLockTime() uint32 {
	return p.Periods().TumblerCashout.End + p.SafetyPeriodDuration
}

// Generator produces the parameters of every cycle from those of the first.
// A new cycle starts every RegistrationDuration-RegistrationOverlap blocks.
type Generator struct {
	// RegistrationOverlap is the number of blocks during which the
	// registrations of two consecutive cycles are both open.
	RegistrationOverlap uint32

	// FirstCycle is the schedule of the first cycle; every later cycle
	// uses the same durations.
	FirstCycle Parameters
}

// DefaultGenerator returns the cycle schedule used by tumblers by default.
func DefaultGenerator(firstStart uint32) *Generator {
	return &Generator{
		RegistrationOverlap: 1,
		FirstCycle: Parameters{
			Start:                               firstStart,
			RegistrationDuration:                18,
			ClientChannelEstablishmentDuration:  3,
			TumblerChannelEstablishmentDuration: 3,
			PaymentPhaseDuration:                3,
			ClientCashoutDuration:               3,
			TumblerCashoutDuration:              18,
			SafetyPeriodDuration:                2,
		},
	}
}

// Validate checks the generator's schedule.
func (g *Generator) Validate() error {
	if err := g.FirstCycle.Validate(); err != nil {
		return err
	}
	if g.RegistrationOverlap >= g.FirstCycle.RegistrationDuration {
		return ErrOverlapTooLarge
	}
	if err := g.FirstCycle.ValidateLockTimes(); err != nil {
		return err
	}

	return nil
}

// interval is the number of blocks between two cycle starts.
func (g *Generator) interval() uint32 {
	return g.FirstCycle.RegistrationDuration - g.RegistrationOverlap
}

// GetCycle returns the parameters of the cycle starting at start. It is a
// pure function of start.
func (g *Generator) GetCycle(start uint32) *Parameters {
	params := g.FirstCycle
	params.Start = start

	return &params
}

// IsCycleStart reports whether a cycle starts at height.
func (g *Generator) IsCycleStart(height uint32) bool {
	if height < g.FirstCycle.Start {
		return false
	}

	return (height-g.FirstCycle.Start)%g.interval() == 0
}

// RegistratingCycle returns the most recent cycle whose registration period
// contains height.
func (g *Generator) RegistratingCycle(height uint32) (*Parameters, error) {
	if height < g.FirstCycle.Start {
		return nil, fmt.Errorf("%w: height %d, first cycle %d",
			ErrBeforeFirstCycle, height, g.FirstCycle.Start)
	}

	interval := g.interval()
	offset := (height - g.FirstCycle.Start) / interval * interval

	return g.GetCycle(g.FirstCycle.Start + offset), nil
}
