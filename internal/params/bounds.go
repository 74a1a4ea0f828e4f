package params

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Dimension describes one tunable axis of the parameter space.
type Dimension struct {
	Name    string
	Min     float64
	Max     float64
	Integer bool
}

// SearchSpace returns the axes the optimizer explores. Indicator periods are
// held fixed; tuning them would invalidate the shared candle window mid-run.
func SearchSpace() []Dimension {
	return []Dimension{
		{Name: "momentum_threshold_pct", Min: 5, Max: 50},
		{Name: "k_slope_burst", Min: 50, Max: 500},
		{Name: "ma_touch_tolerance_pct", Min: 0.1, Max: 1.0},
		{Name: "timeliness_candles", Min: 2, Max: 8, Integer: true},
		{Name: "stop_loss_buffer_pct", Min: 0.1, Max: 0.8},
		{Name: "take_profit_range_mult", Min: 0.5, Max: 3.0},
		{Name: "base_leverage", Min: 5, Max: 30},
		{Name: "risk_per_trade_pct", Min: 1, Max: 10},
	}
}

// Clamp pulls v into the dimension's range, rounding integer axes.
func (d Dimension) Clamp(v float64) float64 {
	if d.Integer {
		v = math.Round(v)
	}
	if v < d.Min {
		return d.Min
	}
	if v > d.Max {
		return d.Max
	}
	return v
}

// Vector projects the tunable fields of p onto the search space axes, in
// SearchSpace order.
func Vector(p ParameterSet) []float64 {
	return []float64{
		p.MomentumThresholdPct,
		p.KSlopeBurst,
		p.MATouchTolerancePct,
		float64(p.TimelinessCandles),
		p.StopLossBufferPct,
		p.TakeProfitRangeMult,
		p.BaseLeverage,
		p.RiskPerTradePct,
	}
}

// FromVector builds a new set from base, with the tunable fields replaced by
// the clamped vector values. The new set gets a fresh identity.
func FromVector(base ParameterSet, v []float64, prov Provenance) ParameterSet {
	space := SearchSpace()
	clamped := make([]float64, len(space))
	for i, d := range space {
		x := 0.0
		if i < len(v) {
			x = v[i]
		}
		clamped[i] = d.Clamp(x)
	}

	p := base
	p.ID = uuid.New().String()
	p.CreatedAt = time.Now().UTC()
	p.Provenance = prov
	p.Fitness = 0

	p.MomentumThresholdPct = clamped[0]
	p.KSlopeBurst = clamped[1]
	p.MATouchTolerancePct = clamped[2]
	p.TimelinessCandles = int(clamped[3])
	p.StopLossBufferPct = clamped[4]
	p.TakeProfitRangeMult = clamped[5]
	p.BaseLeverage = clamped[6]
	p.RiskPerTradePct = clamped[7]
	return p
}
