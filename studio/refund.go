/*
refund.go - Cancellation & refund policy engine

PURPOSE:
  Decides how much of a cancelled registration is returned as cash, how much
  is converted to wallet credit, and what processing fee applies. The
  calculation is a pure function of (amount paid, class start, now,
  cancellation type). Nothing here persists; the booking coordinator turns
  the breakdown into ledger writes.

DEFAULT TABLE:
  type                          refund  credit  fee
  instructor / weather / studio  100%     0%    0
  customer, >= 24h               100%     0%    0
  customer, 12h - 24h             50%    50%    2.50
  customer, 2h - 12h               0%   100%    2.50
  customer, < 2h                   0%     0%    0

RULES:
  - hoursUntilClass = (startsAt - now) / 1h, evaluated at cancellation time
  - fee is taken from the cash refund only, never from credit
  - cash refund is floored at zero
  - operator-initiated cancellations always use the operator tier

Recomputing the breakdown later gives a different (still current) answer;
it is never stored.
*/
package studio

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CANCELLATION TYPE
// =============================================================================

type CancellationType string

const (
	InstructorCancellation CancellationType = "instructor_cancellation"
	WeatherCancellation    CancellationType = "weather_cancellation"
	StudioCancellation     CancellationType = "studio_cancellation"
	CustomerCancellation   CancellationType = "customer_cancellation"
)

func ParseCancellationType(s string) (CancellationType, error) {
	switch t := CancellationType(s); t {
	case InstructorCancellation, WeatherCancellation, StudioCancellation, CustomerCancellation:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown cancellation type %q", ErrValidation, s)
}

// OperatorInitiated reports whether the customer did not cause the cancellation.
func (t CancellationType) OperatorInitiated() bool {
	switch t {
	case InstructorCancellation, WeatherCancellation, StudioCancellation:
		return true
	default:
		return false
	}
}

// =============================================================================
// POLICY
// =============================================================================

var hundred = decimal.NewFromInt(100)

// RefundTier applies when hoursUntilClass >= MinHours.
type RefundTier struct {
	Name          string
	MinHours      float64
	RefundPercent decimal.Decimal
	CreditPercent decimal.Decimal
	Fee           decimal.Decimal
}

func (t RefundTier) forfeits() bool {
	return t.RefundPercent.IsZero() && t.CreditPercent.IsZero()
}

// RefundPolicy is the typed form of a studio's cancellation rules.
type RefundPolicy struct {
	// Tiers for customer cancellations, sorted by MinHours descending.
	Tiers []RefundTier
	// OperatorTier applies to instructor, weather and studio cancellations.
	OperatorTier RefundTier
}

const (
	TierOperator = "operator"
	TierFull     = "full"
	TierPartial  = "partial"
	TierCredit   = "credit"
	TierLate     = "late"
)

// DefaultProcessingFee is charged on the 2h-24h customer tiers.
var DefaultProcessingFee = decimal.RequireFromString("2.50")

// DefaultRefundPolicy returns the standard studio table with the given fee.
func DefaultRefundPolicy(fee decimal.Decimal) RefundPolicy {
	return RefundPolicy{
		OperatorTier: RefundTier{Name: TierOperator, RefundPercent: hundred, CreditPercent: decimal.Zero, Fee: decimal.Zero},
		Tiers: []RefundTier{
			{Name: TierFull, MinHours: 24, RefundPercent: hundred, CreditPercent: decimal.Zero, Fee: decimal.Zero},
			{Name: TierPartial, MinHours: 12, RefundPercent: decimal.NewFromInt(50), CreditPercent: decimal.NewFromInt(50), Fee: fee},
			{Name: TierCredit, MinHours: 2, RefundPercent: decimal.Zero, CreditPercent: hundred, Fee: fee},
		},
	}
}

// lateTier applies below the last configured tier.
var lateTier = RefundTier{Name: TierLate, MinHours: math.Inf(-1), RefundPercent: decimal.Zero, CreditPercent: decimal.Zero, Fee: decimal.Zero}

// Validate checks percent ranges, fees and tier ordering.
func (p RefundPolicy) Validate() error {
	check := func(t RefundTier) error {
		if t.RefundPercent.IsNegative() || t.CreditPercent.IsNegative() {
			return fmt.Errorf("%w: tier %q has a negative percentage", ErrValidation, t.Name)
		}
		if t.RefundPercent.Add(t.CreditPercent).GreaterThan(hundred) {
			return fmt.Errorf("%w: tier %q returns more than 100%%", ErrValidation, t.Name)
		}
		if t.Fee.IsNegative() {
			return fmt.Errorf("%w: tier %q has a negative fee", ErrValidation, t.Name)
		}
		return nil
	}
	if err := check(p.OperatorTier); err != nil {
		return err
	}
	for i, t := range p.Tiers {
		if err := check(t); err != nil {
			return err
		}
		if i > 0 && t.MinHours >= p.Tiers[i-1].MinHours {
			return fmt.Errorf("%w: tiers must be sorted by min_hours descending", ErrValidation)
		}
	}
	return nil
}

// SortTiers orders tiers by MinHours descending.
func (p *RefundPolicy) SortTiers() {
	sort.SliceStable(p.Tiers, func(i, j int) bool { return p.Tiers[i].MinHours > p.Tiers[j].MinHours })
}

// TierFor selects the tier for a cancellation type and lead time.
func (p RefundPolicy) TierFor(t CancellationType, hoursUntilClass float64) RefundTier {
	if t.OperatorInitiated() {
		return p.OperatorTier
	}
	for _, tier := range p.Tiers {
		if hoursUntilClass >= tier.MinHours {
			return tier
		}
	}
	return lateTier
}

// =============================================================================
// BREAKDOWN
// =============================================================================

type RefundBreakdown struct {
	CancellationType CancellationType
	Tier             string
	OriginalAmount   Money
	RefundAmount     Money
	CreditAmount     Money
	ProcessingFee    Money
	HoursUntilClass  float64
	// Forfeited is true when the tier returns nothing at all.
	Forfeited bool
}

// HoursUntil returns the lead time in hours; negative once the class started.
func HoursUntil(startsAt, now time.Time) float64 {
	return startsAt.Sub(now).Hours()
}

// Calculate computes the refund breakdown. It never fails.
func (p RefundPolicy) Calculate(original Money, startsAt, now time.Time, t CancellationType) RefundBreakdown {
	hours := HoursUntil(startsAt, now)
	tier := p.TierFor(t, hours)

	// Credit is rounded first; cash is capped at what remains of the payment.
	credit := percentOf(original, tier.CreditPercent).RoundCents()
	gross := percentOf(original, tier.RefundPercent).RoundCents()
	if rest := original.Sub(credit); rest.LessThan(gross) {
		gross = rest
	}
	fee := Money{Amount: tier.Fee, Currency: original.Currency}.RoundCents()

	return RefundBreakdown{
		CancellationType: t,
		Tier:             tier.Name,
		OriginalAmount:   original,
		RefundAmount:     gross.Sub(fee).FloorZero(),
		CreditAmount:     credit,
		ProcessingFee:    fee,
		HoursUntilClass:  hours,
		Forfeited:        tier.forfeits(),
	}
}

func percentOf(m Money, pct decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(pct).Div(hundred), Currency: m.Currency}
}
