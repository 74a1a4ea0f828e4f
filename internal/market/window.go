package market

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrOutOfOrderCandle is returned when an appended candle does not
	// strictly advance the window's timeline.
	ErrOutOfOrderCandle = errors.New("candle open time does not advance the window")

	// ErrInsufficientHistory is returned when the window does not yet hold
	// enough candles to derive indicators.
	ErrInsufficientHistory = errors.New("insufficient candle history")
)

// Window is a bounded, append-only view of the most recent closed candles,
// together with the indicator snapshot derived after each append. It is safe
// for concurrent use; a single writer appends while readers take snapshots.
type Window struct {
	mu       sync.RWMutex
	capacity int
	cfg      IndicatorConfig
	candles  []Candle
	snap     IndicatorSnapshot
	hasSnap  bool
}

// NewWindow creates a window bounded to capacity candles. Capacity below the
// configuration's minimum history is raised to it.
func NewWindow(capacity int, cfg IndicatorConfig) *Window {
	if min := cfg.MinHistory(); capacity < min {
		capacity = min
	}
	return &Window{
		capacity: capacity,
		cfg:      cfg,
		candles:  make([]Candle, 0, capacity),
	}
}

// Append adds a closed candle and recomputes the snapshot. The candle must
// open strictly after the newest candle already held; otherwise the window is
// left untouched and ErrOutOfOrderCandle is returned.
func (w *Window) Append(c Candle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if n := len(w.candles); n > 0 && !c.OpenTime.After(w.candles[n-1].OpenTime) {
		return ErrOutOfOrderCandle
	}

	w.candles = append(w.candles, c)
	if len(w.candles) > w.capacity {
		w.candles = w.candles[1:]
	}

	snap, err := ComputeSnapshot(w.candles, w.cfg)
	if err != nil {
		// Not enough history yet; the candle is kept, the snapshot
		// stays unavailable.
		w.hasSnap = false
		return nil
	}
	w.snap = snap
	w.hasSnap = true
	return nil
}

// Snapshot returns the indicator view derived after the most recent append.
func (w *Window) Snapshot() (IndicatorSnapshot, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.hasSnap {
		return IndicatorSnapshot{}, ErrInsufficientHistory
	}
	return w.snap, nil
}

// SetConfig swaps the indicator configuration. The new periods take effect
// from the next append.
func (w *Window) SetConfig(cfg IndicatorConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
}

// Candles returns a copy of the candles currently held, oldest first.
func (w *Window) Candles() []Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Candle, len(w.candles))
	copy(out, w.candles)
	return out
}

// Len reports the number of candles currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.candles)
}

// LastOpenTime returns the open time of the newest candle, or the zero time
// when the window is empty.
func (w *Window) LastOpenTime() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.candles) == 0 {
		return time.Time{}
	}
	return w.candles[len(w.candles)-1].OpenTime
}
