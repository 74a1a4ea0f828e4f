package params

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"pafer-trading-engine/internal/market"
)

// Provenance records how a parameter set came to exist.
type Provenance string

const (
	ProvenanceManual   Provenance = "manual"
	ProvenanceBayesian Provenance = "bayesian"
	ProvenanceGenetic  Provenance = "genetic"
)

// ParameterSet is the full tunable surface of the strategy: indicator
// periods, signal thresholds and risk sizing. Sets are immutable once
// created; the optimizer produces new ones and promotes them atomically.
type ParameterSet struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	Provenance Provenance `json:"provenance"`
	// Fitness is the score from the evaluation that produced this set.
	// Zero for manually created sets.
	Fitness float64 `json:"fitness"`

	MACDFast   int `json:"macd_fast"`
	MACDSlow   int `json:"macd_slow"`
	MACDSignal int `json:"macd_signal"`
	KDJPeriod  int `json:"kdj_period"`
	KDJSmoothK int `json:"kdj_smooth_k"`
	KDJSmoothD int `json:"kdj_smooth_d"`
	MAShort    int `json:"ma_short"`
	MAMid      int `json:"ma_mid"`
	MALong     int `json:"ma_long"`

	// MomentumThresholdPct is the histogram momentum above which a
	// build-up counts toward entry.
	MomentumThresholdPct float64 `json:"momentum_threshold_pct"`
	// KSlopeBurst is the minimum scaled K slope for a stochastic burst.
	KSlopeBurst float64 `json:"k_slope_burst"`
	// MATouchTolerancePct bounds how far a wick may sit from the long MA
	// to still count as a touch, in percent of the MA.
	MATouchTolerancePct float64 `json:"ma_touch_tolerance_pct"`
	// ResonanceMin is how many of the three trend lines must agree.
	ResonanceMin int `json:"resonance_min"`
	// TimelinessCandles is the maximum age of a detected setup, in
	// candles, before it is discarded as stale.
	TimelinessCandles int `json:"timeliness_candles"`

	// StopLossBufferPct widens the stop beyond the long MA, in percent.
	StopLossBufferPct float64 `json:"stop_loss_buffer_pct"`
	// TakeProfitRangeMult scales the last candle range into a target
	// distance from the local extreme.
	TakeProfitRangeMult float64 `json:"take_profit_range_mult"`
	BaseLeverage        float64 `json:"base_leverage"`
	MaxLeverage         float64 `json:"max_leverage"`
	// LeverageDriftScale adds leverage per unit of divergence drift.
	LeverageDriftScale float64 `json:"leverage_drift_scale"`
	RiskPerTradePct    float64 `json:"risk_per_trade_pct"`
}

// Default returns the hand-tuned starting set.
func Default() ParameterSet {
	return ParameterSet{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now().UTC(),
		Provenance: ProvenanceManual,

		MACDFast:   3,
		MACDSlow:   18,
		MACDSignal: 6,
		KDJPeriod:  9,
		KDJSmoothK: 3,
		KDJSmoothD: 3,
		MAShort:    5,
		MAMid:      10,
		MALong:     45,

		MomentumThresholdPct: 15,
		KSlopeBurst:          150,
		MATouchTolerancePct:  0.3,
		ResonanceMin:         3,
		TimelinessCandles:    4,

		StopLossBufferPct:   0.3,
		TakeProfitRangeMult: 1.5,
		BaseLeverage:        20,
		MaxLeverage:         50,
		LeverageDriftScale:  5,
		RiskPerTradePct:     3,
	}
}

// Indicators returns the indicator periods in the form the market window
// consumes.
func (p ParameterSet) Indicators() market.IndicatorConfig {
	return market.IndicatorConfig{
		MACDFast:   p.MACDFast,
		MACDSlow:   p.MACDSlow,
		MACDSignal: p.MACDSignal,
		KDJPeriod:  p.KDJPeriod,
		KDJSmoothK: p.KDJSmoothK,
		KDJSmoothD: p.KDJSmoothD,
		MAShort:    p.MAShort,
		MAMid:      p.MAMid,
		MALong:     p.MALong,
	}
}

// Validate rejects sets that could not drive the strategy.
func (p ParameterSet) Validate() error {
	if err := p.Indicators().Validate(); err != nil {
		return err
	}
	if p.ResonanceMin < 1 || p.ResonanceMin > 3 {
		return fmt.Errorf("resonance_min %d outside [1,3]", p.ResonanceMin)
	}
	if p.TimelinessCandles < 1 {
		return fmt.Errorf("timeliness_candles must be at least 1")
	}
	if p.StopLossBufferPct <= 0 {
		return fmt.Errorf("stop_loss_buffer_pct must be positive")
	}
	if p.TakeProfitRangeMult <= 0 {
		return fmt.Errorf("take_profit_range_mult must be positive")
	}
	if p.BaseLeverage <= 0 || p.MaxLeverage < p.BaseLeverage {
		return fmt.Errorf("leverage range [%v, %v] invalid", p.BaseLeverage, p.MaxLeverage)
	}
	if p.RiskPerTradePct <= 0 || p.RiskPerTradePct > 100 {
		return fmt.Errorf("risk_per_trade_pct %v outside (0,100]", p.RiskPerTradePct)
	}
	if p.MomentumThresholdPct < 0 || p.KSlopeBurst < 0 || p.MATouchTolerancePct < 0 {
		return fmt.Errorf("thresholds must be non-negative")
	}
	return nil
}
