package market

import (
	"errors"
	"testing"
	"time"
)

func testCandles(n int, start time.Time, step time.Duration) []Candle {
	out := make([]Candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		// Gentle oscillation so indicators get non-degenerate input.
		if i%7 < 4 {
			price += 0.5
		} else {
			price -= 0.3
		}
		out[i] = Candle{
			OpenTime:  start.Add(time.Duration(i) * step),
			CloseTime: start.Add(time.Duration(i+1) * step),
			Open:      price - 0.2,
			High:      price + 0.4,
			Low:       price - 0.5,
			Close:     price,
			Volume:    1000,
		}
	}
	return out
}

func TestWindowAppendAndSnapshot(t *testing.T) {
	cfg := DefaultIndicatorConfig()
	w := NewWindow(200, cfg)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, err := w.Snapshot(); !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("empty window snapshot: got %v, want ErrInsufficientHistory", err)
	}

	for _, c := range testCandles(cfg.MinHistory(), start, 15*time.Minute) {
		if err := w.Append(c); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	snap, err := w.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot after %d candles: %v", cfg.MinHistory(), err)
	}
	if snap.MALong == 0 {
		t.Error("MALong not computed")
	}
	if snap.Timestamp != w.LastOpenTime() {
		t.Errorf("snapshot timestamp %v does not match newest candle %v", snap.Timestamp, w.LastOpenTime())
	}
}

func TestWindowRejectsOutOfOrderCandle(t *testing.T) {
	cfg := DefaultIndicatorConfig()
	w := NewWindow(200, cfg)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := testCandles(cfg.MinHistory(), start, 15*time.Minute)
	for _, c := range candles {
		if err := w.Append(c); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	before, err := w.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	lenBefore := w.Len()

	cases := []struct {
		name   string
		candle Candle
	}{
		{"duplicate open time", candles[len(candles)-1]},
		{"earlier open time", candles[3]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := w.Append(tc.candle); !errors.Is(err, ErrOutOfOrderCandle) {
				t.Fatalf("Append: got %v, want ErrOutOfOrderCandle", err)
			}
			if w.Len() != lenBefore {
				t.Errorf("window length changed after rejected append: %d -> %d", lenBefore, w.Len())
			}
			after, err := w.Snapshot()
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			if after != before {
				t.Error("snapshot changed after rejected append")
			}
		})
	}
}

func TestWindowEvictsOldestAtCapacity(t *testing.T) {
	cfg := DefaultIndicatorConfig()
	cap := cfg.MinHistory() + 5
	w := NewWindow(cap, cfg)
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := testCandles(cap+10, start, 15*time.Minute)
	for _, c := range candles {
		if err := w.Append(c); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if w.Len() != cap {
		t.Fatalf("window length %d, want capacity %d", w.Len(), cap)
	}
	held := w.Candles()
	if held[0].OpenTime != candles[10].OpenTime {
		t.Errorf("oldest held candle %v, want %v", held[0].OpenTime, candles[10].OpenTime)
	}
	if held[len(held)-1].OpenTime != candles[len(candles)-1].OpenTime {
		t.Errorf("newest held candle %v, want %v", held[len(held)-1].OpenTime, candles[len(candles)-1].OpenTime)
	}
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"1m", time.Minute, false},
		{"15m", 15 * time.Minute, false},
		{"4h", 4 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"", 0, true},
		{"x5", 0, true},
		{"15s", 0, true},
		{"0m", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseInterval(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseInterval(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseInterval(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
