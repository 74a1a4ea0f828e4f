package market

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestEMASeriesConstantInput(t *testing.T) {
	values := []float64{5, 5, 5, 5, 5, 5}
	for _, v := range emaSeries(values, 3) {
		if !almostEqual(v, 5, 1e-12) {
			t.Fatalf("EMA of constant series drifted: got %v", v)
		}
	}
}

func TestEMASeriesConvergesTowardLevel(t *testing.T) {
	// Step input: EMA should move from the old level toward the new one
	// without overshooting.
	values := make([]float64, 50)
	for i := range values {
		if i < 10 {
			values[i] = 10
		} else {
			values[i] = 20
		}
	}
	out := emaSeries(values, 5)
	last := out[len(out)-1]
	if last <= 19 || last > 20 {
		t.Errorf("EMA after step: got %v, want in (19, 20]", last)
	}
	for i := 11; i < len(out); i++ {
		if out[i] < out[i-1] {
			t.Fatalf("EMA not monotonic during convergence at index %d: %v -> %v", i, out[i-1], out[i])
		}
	}
}

func TestMACDSignRespondsToTrend(t *testing.T) {
	closes := make([]float64, 60)
	price := 100.0
	for i := range closes {
		price += 1.0
		closes[i] = price
	}
	line, sig, hist := macdSeries(closes, 3, 18, 6)
	n := len(closes)
	if line[n-1] <= 0 {
		t.Errorf("MACD line in steady uptrend: got %v, want > 0", line[n-1])
	}
	if hist[n-1] != line[n-1]-sig[n-1] {
		t.Errorf("histogram is not line minus signal: %v != %v - %v", hist[n-1], line[n-1], sig[n-1])
	}

	for i := range closes {
		closes[i] = 200 - float64(i)
	}
	line, _, _ = macdSeries(closes, 3, 18, 6)
	if line[n-1] >= 0 {
		t.Errorf("MACD line in steady downtrend: got %v, want < 0", line[n-1])
	}
}

func TestKDJBounds(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := testCandles(80, start, 15*time.Minute)
	k, d := kdjSeries(candles, 9, 3, 3)
	for i := range k {
		if k[i] < 0 || k[i] > 100 {
			t.Fatalf("K out of [0,100] at %d: %v", i, k[i])
		}
		if d[i] < 0 || d[i] > 100 {
			t.Fatalf("D out of [0,100] at %d: %v", i, d[i])
		}
	}
}

func TestKDJAtExtremes(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]Candle, 30)
	price := 100.0
	for i := range candles {
		price += 2
		candles[i] = Candle{
			OpenTime: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:     price - 2,
			High:     price,
			Low:      price - 2,
			Close:    price, // always closes at the high
			Volume:   1,
		}
	}
	k, _ := kdjSeries(candles, 9, 3, 3)
	if last := k[len(k)-1]; last < 95 {
		t.Errorf("K when price closes at the rolling high: got %v, want >= 95", last)
	}
}

func TestComputeSnapshotFields(t *testing.T) {
	cfg := DefaultIndicatorConfig()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// Strong uptrend holding above all MAs.
	candles := make([]Candle, cfg.MinHistory()+20)
	price := 100.0
	for i := range candles {
		price += 0.8
		candles[i] = Candle{
			OpenTime: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:     price - 0.8,
			High:     price + 0.2,
			Low:      price - 1.0,
			Close:    price,
			Volume:   10,
		}
	}

	snap, err := ComputeSnapshot(candles, cfg)
	if err != nil {
		t.Fatalf("ComputeSnapshot: %v", err)
	}

	if snap.Close <= snap.MALong {
		t.Errorf("uptrend close %v should be above long MA %v", snap.Close, snap.MALong)
	}
	if !snap.StandAboveMALong {
		t.Error("uptrend should stand above the long MA")
	}
	if snap.StandBelowMALong {
		t.Error("uptrend should not stand below the long MA")
	}
	if snap.MALongDistPct <= 0 {
		t.Errorf("MALongDistPct in uptrend: got %v, want > 0", snap.MALongDistPct)
	}
	if snap.MACDHist <= 0 {
		t.Errorf("MACD histogram in steady uptrend: got %v, want > 0", snap.MACDHist)
	}
	if got := 3*snap.K - 2*snap.D; !almostEqual(snap.J, got, 1e-9) {
		t.Errorf("J = %v, want 3K-2D = %v", snap.J, got)
	}
	if !almostEqual(snap.KSlope, (snap.K-snap.PrevK)*100, 1e-9) {
		t.Errorf("KSlope = %v, want (K-prevK)*100", snap.KSlope)
	}
	if snap.RecentHigh < snap.High {
		t.Errorf("RecentHigh %v below last candle high %v", snap.RecentHigh, snap.High)
	}
	if !almostEqual(snap.Range, snap.High-snap.Low, 1e-12) {
		t.Errorf("Range = %v, want %v", snap.Range, snap.High-snap.Low)
	}
}

func TestComputeSnapshotInsufficientHistory(t *testing.T) {
	cfg := DefaultIndicatorConfig()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := testCandles(cfg.MinHistory()-1, start, 15*time.Minute)
	if _, err := ComputeSnapshot(candles, cfg); err == nil {
		t.Fatal("expected error with too little history")
	}
}

func TestIndicatorConfigValidate(t *testing.T) {
	cfg := DefaultIndicatorConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := cfg
	bad.MACDFast = cfg.MACDSlow + 1
	if err := bad.Validate(); err == nil {
		t.Error("fast >= slow should be rejected")
	}

	bad = cfg
	bad.KDJPeriod = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero period should be rejected")
	}
}
