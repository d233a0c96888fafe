package generation

import (
	"strings"

	"github.com/shopspring/decimal"
)

// CostModel prices each stage of a generation request.
type CostModel struct {
	SampleCost       decimal.Decimal
	FinalCost        decimal.Decimal
	HighResFinalCost decimal.Decimal

	// PerSample multiplies SampleCost by the requested sample count.
	PerSample bool

	// HighResMarker selects HighResFinalCost when it appears in the desired resolution.
	HighResMarker string
}

// DefaultCostModel returns the standard credit prices.
func DefaultCostModel() CostModel {
	return CostModel{
		SampleCost:       decimal.RequireFromString("0.25"),
		FinalCost:        decimal.NewFromInt(1),
		HighResFinalCost: decimal.NewFromInt(2),
		HighResMarker:    "4k",
	}
}

// SampleStage returns the reservation amount for the sample stage.
func (m CostModel) SampleStage(p Params) decimal.Decimal {
	if m.PerSample && p.SampleCount > 1 {
		return m.SampleCost.Mul(decimal.NewFromInt(int64(p.SampleCount)))
	}
	return m.SampleCost
}

// FinalStage returns the reservation amount for the final stage.
func (m CostModel) FinalStage(p Params) decimal.Decimal {
	if m.HighResMarker != "" && !m.HighResFinalCost.IsZero() &&
		strings.Contains(strings.ToLower(p.DesiredResolution), strings.ToLower(m.HighResMarker)) {
		return m.HighResFinalCost
	}
	return m.FinalCost
}

// PartialChargePolicy decides which fraction of a hold is captured when a stage
// fails through the user's fault. Results are clamped to [0, 1].
type PartialChargePolicy func(stage Stage, reason string) decimal.Decimal

// FixedFraction charges the same fraction regardless of stage.
func FixedFraction(f decimal.Decimal) PartialChargePolicy {
	return func(Stage, string) decimal.Decimal { return f }
}

// FullCharge captures the whole hold.
func FullCharge() PartialChargePolicy {
	return FixedFraction(decimal.NewFromInt(1))
}

// NoCharge refunds the whole hold.
func NoCharge() PartialChargePolicy {
	return FixedFraction(decimal.Zero)
}

// StageFractions charges per stage, falling back to def for stages not listed.
func StageFractions(fractions map[Stage]decimal.Decimal, def decimal.Decimal) PartialChargePolicy {
	return func(stage Stage, _ string) decimal.Decimal {
		if f, ok := fractions[stage]; ok {
			return f
		}
		return def
	}
}

func clampFraction(f decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if f.IsNegative() {
		return decimal.Zero
	}
	if f.GreaterThan(one) {
		return one
	}
	return f
}
