package catalog

import "math"

// CalculateCredits computes the credit cost of a request against model m.
//
// Per-token models charge round(tokens * multiplier); fixed-cost models
// charge their base cost regardless of tokens. A discount multiplier d > 1
// divides the already-rounded credits, and the quotient is rounded again:
// the discounted price is always derived from the integer price a user
// would have paid without the discount. Rounding is half away from zero.
func CalculateCredits(m *Model, tokens int64, discount float64) int64 {
	if m == nil {
		return 0
	}

	var credits int64
	switch m.CostType {
	case CostFixed:
		credits = m.BaseCost
	default:
		credits = roundHalfAway(float64(tokens) * m.Multiplier)
	}

	if discount > 1 {
		credits = roundHalfAway(float64(credits) / discount)
	}

	return credits
}

// roundHalfAway rounds to the nearest integer with ties going away from zero.
func roundHalfAway(v float64) int64 {
	if v >= 0 {
		return int64(math.Floor(v + 0.5))
	}
	return int64(math.Ceil(v - 0.5))
}
