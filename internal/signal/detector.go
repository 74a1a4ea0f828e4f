package signal

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pafer-trading-engine/internal/market"
	"pafer-trading-engine/internal/params"
)

// Detector evaluates indicator snapshots against the composite entry rule.
// All five conditions must hold for one side only; a setup both sides could
// claim is ambiguous and yields nothing.
type Detector struct {
	interval time.Duration
	logger   zerolog.Logger
}

// NewDetector creates a detector for candles of the given interval.
func NewDetector(interval time.Duration, logger zerolog.Logger) *Detector {
	return &Detector{interval: interval, logger: logger}
}

// Evaluate runs the composite rule against snap under p. It returns nil when
// no side qualifies, when the setup is ambiguous, or when the snapshot is
// older than the timeliness horizon at now.
func (d *Detector) Evaluate(snap market.IndicatorSnapshot, p params.ParameterSet, now time.Time) *Signal {
	longChecks := d.evaluateSide(snap, p, now, Long)
	shortChecks := d.evaluateSide(snap, p, now, Short)

	longOK := longChecks.Passed()
	shortOK := shortChecks.Passed()

	if longOK && shortOK {
		d.logger.Debug().Time("candle", snap.Timestamp).Msg("ambiguous setup, both sides qualify, voiding")
		return nil
	}
	if !longOK && !shortOK {
		return nil
	}

	dir := Long
	checks := longChecks
	if shortOK {
		dir = Short
		checks = shortChecks
	}

	sig := &Signal{
		Direction:  dir,
		DetectedAt: snap.Timestamp,
		Price:      snap.Close,
		StopLoss:   stopLoss(snap, p, dir),
		TakeProfit: takeProfit(snap, p, dir),
		Leverage:   leverage(snap, p),
		Confidence: confidence(checks),
		ParamsID:   p.ID,
		Reason:     reason(dir, checks),
		Checks:     checks,
	}

	d.logger.Info().
		Str("direction", string(dir)).
		Float64("price", sig.Price).
		Float64("stop_loss", sig.StopLoss).
		Float64("take_profit", sig.TakeProfit).
		Float64("leverage", sig.Leverage).
		Float64("confidence", sig.Confidence).
		Int("resonance", checks.ResonanceCount).
		Msg("entry signal")

	return sig
}

func (d *Detector) evaluateSide(snap market.IndicatorSnapshot, p params.ParameterSet, now time.Time, dir Direction) Checks {
	var c Checks

	// Three-line resonance: MACD histogram sign, stochastic posture and
	// price versus the long MA must mostly agree with the side.
	if dir == Long {
		if snap.MACDHist > 0 {
			c.ResonanceCount++
		}
		if snap.K > snap.D {
			c.ResonanceCount++
		}
		if snap.Close > snap.MALong {
			c.ResonanceCount++
		}
	} else {
		if snap.MACDHist < 0 {
			c.ResonanceCount++
		}
		if snap.K < snap.D {
			c.ResonanceCount++
		}
		if snap.Close < snap.MALong {
			c.ResonanceCount++
		}
	}
	c.Resonance = c.ResonanceCount >= p.ResonanceMin

	// Divergence momentum: either the MACD gap is drifting wider in the
	// side's direction, or the histogram is building up fast enough.
	histAligned := (dir == Long && snap.MACDHist > 0) || (dir == Short && snap.MACDHist < 0)
	c.Drift = snap.Drift && histAligned
	buildup := histAligned && snap.HistMomentumPct >= p.MomentumThresholdPct
	c.Momentum = c.Drift || buildup

	// Stochastic burst: the K line must be turning hard toward the side.
	if dir == Long {
		c.SlopeBurst = snap.KSlope >= p.KSlopeBurst
	} else {
		c.SlopeBurst = snap.KSlope <= -p.KSlopeBurst
	}

	// Long MA test: a wick that touched the MA zone and a close that held
	// the right side of it. Standing crossovers do not qualify.
	tol := snap.MALong * p.MATouchTolerancePct / 100
	if dir == Long {
		touched := snap.Low <= snap.MALong+tol
		c.MATest = touched && snap.Close > snap.MALong && snap.StandAboveMALong
	} else {
		touched := snap.High >= snap.MALong-tol
		c.MATest = touched && snap.Close < snap.MALong && snap.StandBelowMALong
	}

	// Timeliness: a setup older than the horizon is stale.
	age := now.Sub(snap.Timestamp)
	c.Timely = age >= 0 && age <= time.Duration(p.TimelinessCandles)*d.interval

	return c
}

// ThesisIntact reports whether an open position's premise still stands. The
// thesis is considered broken when all three trend lines have flipped to the
// opposite side.
func (d *Detector) ThesisIntact(snap market.IndicatorSnapshot, p params.ParameterSet, dir Direction) bool {
	opposite := 0
	if dir == Long {
		if snap.MACDHist < 0 {
			opposite++
		}
		if snap.K < snap.D {
			opposite++
		}
		if snap.Close < snap.MALong {
			opposite++
		}
	} else {
		if snap.MACDHist > 0 {
			opposite++
		}
		if snap.K > snap.D {
			opposite++
		}
		if snap.Close > snap.MALong {
			opposite++
		}
	}
	return opposite < 3
}

func stopLoss(snap market.IndicatorSnapshot, p params.ParameterSet, dir Direction) float64 {
	buffer := snap.MALong * p.StopLossBufferPct / 100
	if dir == Long {
		return snap.MALong - buffer
	}
	return snap.MALong + buffer
}

func takeProfit(snap market.IndicatorSnapshot, p params.ParameterSet, dir Direction) float64 {
	reach := snap.Range * p.TakeProfitRangeMult
	if dir == Long {
		return snap.RecentHigh + reach
	}
	return snap.RecentLow - reach
}

func leverage(snap market.IndicatorSnapshot, p params.ParameterSet) float64 {
	lev := p.BaseLeverage
	if snap.Drift {
		lev += p.LeverageDriftScale
	}
	if lev > p.MaxLeverage {
		lev = p.MaxLeverage
	}
	return lev
}

// reason summarizes the winning checks for the audit trail.
func reason(dir Direction, c Checks) string {
	momentum := "histogram build-up"
	if c.Drift {
		momentum = "macd drift"
	}
	return fmt.Sprintf("%s: %d/3 resonance, %s, k-slope burst, ma-long rebound",
		dir, c.ResonanceCount, momentum)
}

// confidence weighs the checks into a [0,1] score. Resonance carries the
// most weight; drift on top of raw momentum adds a little more.
func confidence(c Checks) float64 {
	score := 0.4 * float64(c.ResonanceCount) / 3
	if c.Momentum {
		score += 0.2
	}
	if c.Drift {
		score += 0.1
	}
	if c.SlopeBurst {
		score += 0.15
	}
	if c.MATest {
		score += 0.15
	}
	if score > 1 {
		score = 1
	}
	return score
}
