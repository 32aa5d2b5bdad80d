package risk

import (
	"math"

	"adx-trader/internal/config"
)

// PositionSize computes the order quantity for the configured capital,
// scaled down by elevated VIX and short expiries, floored to whole lots
// and never below one lot.
func (m *Manager) PositionSize(vix float64, dte int, lotSize int) int {
	return Size(m.settings.Capital, m.settings.Sizing, vix, dte, lotSize)
}

// Size is the pure sizing rule: floor(capital · base% · vixMult · dteMult
// / lot) · lot, clamped to one lot minimum.
func Size(capital float64, cfg config.SizingConfig, vix float64, dte int, lotSize int) int {
	if lotSize <= 0 || capital <= 0 {
		return 0
	}
	alloc := capital * cfg.BasePositionSizePct / 100 *
		VixMultiplier(cfg.VixMult, vix) * DteMultiplier(cfg.DteMult, dte)
	qty := int(math.Floor(alloc/float64(lotSize))) * lotSize
	if qty < lotSize {
		qty = lotSize
	}
	return qty
}

// VixMultiplier interpolates linearly between the configured anchors at
// VIX 12, 20 and 30. Readings above 30 use the final anchor directly.
func VixMultiplier(mult config.VixMultipliers, vix float64) float64 {
	switch {
	case vix <= 12:
		return mult.Vix12OrBelow
	case vix < 20:
		return lerp(mult.Vix12OrBelow, mult.Vix20, (vix-12)/8)
	case vix < 30:
		return lerp(mult.Vix20, mult.Vix30, (vix-20)/10)
	case vix == 30:
		return mult.Vix30
	default:
		return mult.Vix30OrAbove
	}
}

// DteMultiplier steps down position size as expiry approaches.
func DteMultiplier(mult config.DteMultipliers, dte int) float64 {
	switch {
	case dte >= 5:
		return mult.Gte5Days
	case dte >= 2:
		return mult.Days2To4
	default:
		return mult.Day1
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
