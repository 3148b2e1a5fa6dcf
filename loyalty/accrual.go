package loyalty

import "github.com/shopspring/decimal"

// MaxEventPoints bounds the points a single event may earn. Larger products
// of amount and rate are rejected before any balance is touched.
const MaxEventPoints int64 = 1_000_000_000_000

var maxEventPoints = decimal.NewFromInt(MaxEventPoints)

// =============================================================================
// ACCRUAL - Threshold crediting over the two independent pools
// =============================================================================

// Thresholds are the progress amounts that convert into one credit.
// A threshold <= 0 disables crediting for that pool.
type Thresholds struct {
	Points int64
	Visits int64
}

// CreditsEarned counts credits produced by one event, per pool.
type CreditsEarned struct {
	Points int64 `json:"points"`
	Visits int64 `json:"visits"`
}

// For returns the credits earned in mode's pool.
func (c CreditsEarned) For(mode EarningMode) int64 {
	switch mode {
	case EarnPoints:
		return c.Points
	case EarnVisits:
		return c.Visits
	}
	return 0
}

func (c CreditsEarned) Total() int64 { return c.Points + c.Visits }

// PointsFor converts a spend amount to whole points: floor(amount * rate).
// It fails with a validation error when the result is negative or above
// MaxEventPoints.
func PointsFor(amount, rate decimal.Decimal) (int64, error) {
	points := amount.Mul(rate).Floor()
	if points.IsNegative() {
		return 0, invalid("points for %s at rate %s must not be negative", amount, rate)
	}
	if points.GreaterThan(maxEventPoints) {
		return 0, invalid("amount %s earns more than %d points in one event", amount, MaxEventPoints)
	}
	return points.IntPart(), nil
}

// ApplyEvent adds one visit and pointsEarned points to b, then moves every
// full threshold of progress into the matching credit pool.
//
// INVARIANT: after ApplyEvent, CurrentPoints < Points threshold and
// CurrentVisits < Visits threshold (for enabled pools).
func ApplyEvent(b *Balance, pointsEarned int64, t Thresholds) CreditsEarned {
	b.CurrentPoints += pointsEarned
	b.TotalPointsEarned += pointsEarned
	b.CurrentVisits++
	b.TotalVisits++

	var earned CreditsEarned
	if t.Points > 0 && b.CurrentPoints >= t.Points {
		earned.Points = b.CurrentPoints / t.Points
		b.CurrentPoints -= earned.Points * t.Points
	}
	if t.Visits > 0 && b.CurrentVisits >= t.Visits {
		earned.Visits = b.CurrentVisits / t.Visits
		b.CurrentVisits -= earned.Visits * t.Visits
	}

	for _, mode := range EarningModes {
		b.addCredits(mode, earned.For(mode))
	}
	b.TotalCreditsEarned += earned.Total()
	return earned
}
