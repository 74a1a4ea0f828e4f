package signal

import (
	"math"
	"testing"
	"time"

	"pafer-trading-engine/internal/logging"
	"pafer-trading-engine/internal/market"
	"pafer-trading-engine/internal/params"
)

const interval = 15 * time.Minute

func testParams() params.ParameterSet {
	p := params.Default()
	p.MomentumThresholdPct = 15
	p.KSlopeBurst = 150
	p.MATouchTolerancePct = 0.3
	p.ResonanceMin = 3
	p.TimelinessCandles = 4
	return p
}

// longSetup is a snapshot satisfying every long entry condition.
func longSetup(ts time.Time) market.IndicatorSnapshot {
	return market.IndicatorSnapshot{
		Timestamp: ts,
		Open:      100.1,
		High:      101.0,
		Low:       99.9,
		Close:     100.5,
		Range:     1.1,

		MACDHist:        0.5,
		PrevHist:        0.3,
		HistMomentumPct: 40,
		Drift:           true,

		K:      62,
		D:      50,
		PrevK:  58,
		KSlope: 400,

		MALong:           100.0,
		StandAboveMALong: true,

		RecentHigh: 101.2,
		RecentLow:  99.0,
	}
}

// shortSetup mirrors longSetup to the downside.
func shortSetup(ts time.Time) market.IndicatorSnapshot {
	return market.IndicatorSnapshot{
		Timestamp: ts,
		Open:      99.9,
		High:      100.1,
		Low:       99.0,
		Close:     99.5,
		Range:     1.1,

		MACDHist:        -0.5,
		PrevHist:        -0.3,
		HistMomentumPct: 40,
		Drift:           true,

		K:      38,
		D:      50,
		PrevK:  42,
		KSlope: -400,

		MALong:           100.0,
		StandBelowMALong: true,

		RecentHigh: 101.0,
		RecentLow:  98.8,
	}
}

func TestDetectorEmitsLongSignal(t *testing.T) {
	d := NewDetector(interval, logging.Nop())
	p := testParams()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := longSetup(now)

	sig := d.Evaluate(snap, p, now)
	if sig == nil {
		t.Fatal("expected a long signal")
	}
	if sig.Direction != Long {
		t.Fatalf("direction %q, want long", sig.Direction)
	}
	if sig.ParamsID != p.ID {
		t.Errorf("signal tagged with params %q, want %q", sig.ParamsID, p.ID)
	}

	wantStop := snap.MALong * (1 - p.StopLossBufferPct/100)
	if math.Abs(sig.StopLoss-wantStop) > 1e-9 {
		t.Errorf("stop loss %v, want %v", sig.StopLoss, wantStop)
	}
	if sig.StopLoss >= sig.Price {
		t.Errorf("long stop %v not below entry %v", sig.StopLoss, sig.Price)
	}

	wantTarget := snap.RecentHigh + snap.Range*p.TakeProfitRangeMult
	if math.Abs(sig.TakeProfit-wantTarget) > 1e-9 {
		t.Errorf("take profit %v, want %v", sig.TakeProfit, wantTarget)
	}
	if sig.TakeProfit <= sig.Price {
		t.Errorf("long target %v not above entry %v", sig.TakeProfit, sig.Price)
	}

	if sig.Confidence <= 0 || sig.Confidence > 1 {
		t.Errorf("confidence %v outside (0,1]", sig.Confidence)
	}
	if !sig.Checks.Passed() {
		t.Error("emitted signal with failing checks")
	}
}

func TestDetectorEmitsShortSignal(t *testing.T) {
	d := NewDetector(interval, logging.Nop())
	p := testParams()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := shortSetup(now)

	sig := d.Evaluate(snap, p, now)
	if sig == nil {
		t.Fatal("expected a short signal")
	}
	if sig.Direction != Short {
		t.Fatalf("direction %q, want short", sig.Direction)
	}
	if sig.StopLoss <= sig.Price {
		t.Errorf("short stop %v not above entry %v", sig.StopLoss, sig.Price)
	}
	if sig.TakeProfit >= sig.Price {
		t.Errorf("short target %v not below entry %v", sig.TakeProfit, sig.Price)
	}
}

func TestDetectorRejectsStaleSnapshot(t *testing.T) {
	d := NewDetector(interval, logging.Nop())
	p := testParams()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := longSetup(ts)

	now := ts.Add(time.Duration(p.TimelinessCandles)*interval + time.Minute)
	if sig := d.Evaluate(snap, p, now); sig != nil {
		t.Fatal("stale setup must not produce a signal")
	}

	now = ts.Add(time.Duration(p.TimelinessCandles) * interval)
	if sig := d.Evaluate(snap, p, now); sig == nil {
		t.Fatal("setup exactly at the horizon should still qualify")
	}
}

func TestDetectorRejectsWeakSetups(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		mutate func(*market.IndicatorSnapshot)
	}{
		{"resonance broken", func(s *market.IndicatorSnapshot) { s.K = 40; s.D = 50 }},
		{"no momentum", func(s *market.IndicatorSnapshot) { s.Drift = false; s.HistMomentumPct = 5 }},
		{"slope too flat", func(s *market.IndicatorSnapshot) { s.KSlope = 100 }},
		{"no ma touch", func(s *market.IndicatorSnapshot) { s.Low = 101 }},
		{"closed under ma", func(s *market.IndicatorSnapshot) { s.Close = 99.8 }},
		{"never stood above ma", func(s *market.IndicatorSnapshot) { s.StandAboveMALong = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDetector(interval, logging.Nop())
			snap := longSetup(now)
			tc.mutate(&snap)
			if sig := d.Evaluate(snap, testParams(), now); sig != nil {
				t.Errorf("expected no signal, got %+v", sig)
			}
		})
	}
}

func TestDetectorMomentumBuildupWithoutDrift(t *testing.T) {
	d := NewDetector(interval, logging.Nop())
	p := testParams()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	snap := longSetup(now)
	snap.Drift = false
	snap.HistMomentumPct = p.MomentumThresholdPct + 1
	if sig := d.Evaluate(snap, p, now); sig == nil {
		t.Fatal("fast histogram build-up should satisfy momentum without drift")
	}
}

func TestLeverageScalesWithDrift(t *testing.T) {
	d := NewDetector(interval, logging.Nop())
	p := testParams()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	withDrift := longSetup(now)
	sig := d.Evaluate(withDrift, p, now)
	if sig == nil {
		t.Fatal("expected signal")
	}
	if want := p.BaseLeverage + p.LeverageDriftScale; sig.Leverage != want {
		t.Errorf("drift leverage %v, want %v", sig.Leverage, want)
	}

	noDrift := longSetup(now)
	noDrift.Drift = false
	noDrift.HistMomentumPct = p.MomentumThresholdPct + 1
	sig = d.Evaluate(noDrift, p, now)
	if sig == nil {
		t.Fatal("expected signal")
	}
	if sig.Leverage != p.BaseLeverage {
		t.Errorf("base leverage %v, want %v", sig.Leverage, p.BaseLeverage)
	}

	p.MaxLeverage = p.BaseLeverage + 1
	sig = d.Evaluate(withDrift, p, now)
	if sig == nil {
		t.Fatal("expected signal")
	}
	if sig.Leverage != p.MaxLeverage {
		t.Errorf("leverage %v not capped at %v", sig.Leverage, p.MaxLeverage)
	}
}

func TestOppositeSideFailsOnDirectionalSetup(t *testing.T) {
	d := NewDetector(interval, logging.Nop())
	p := testParams()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if c := d.evaluateSide(longSetup(now), p, now, Short); c.Passed() {
		t.Error("short checks passed on a pure long setup")
	}
	if c := d.evaluateSide(shortSetup(now), p, now, Long); c.Passed() {
		t.Error("long checks passed on a pure short setup")
	}
}

func TestDirectionOpposite(t *testing.T) {
	if Long.Opposite() != Short || Short.Opposite() != Long {
		t.Error("Opposite is not an involution")
	}
}
