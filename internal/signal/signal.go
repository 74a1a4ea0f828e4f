package signal

import (
	"time"
)

// Direction is the side of a prospective trade.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Checks records the outcome of each entry condition for one side. It is
// kept on the emitted signal so the decision can be audited later.
type Checks struct {
	ResonanceCount int  `json:"resonance_count"`
	Resonance      bool `json:"resonance"`
	Momentum       bool `json:"momentum"`
	Drift          bool `json:"drift"`
	SlopeBurst     bool `json:"slope_burst"`
	MATest         bool `json:"ma_test"`
	Timely         bool `json:"timely"`
}

// Passed reports whether every entry condition held.
func (c Checks) Passed() bool {
	return c.Resonance && c.Momentum && c.SlopeBurst && c.MATest && c.Timely
}

// Signal is an actionable entry proposal with its full execution levels.
type Signal struct {
	Direction  Direction `json:"direction"`
	DetectedAt time.Time `json:"detected_at"`
	Price      float64   `json:"price"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Leverage   float64   `json:"leverage"`
	Confidence float64   `json:"confidence"`
	// ParamsID identifies the parameter set the signal was evaluated
	// under.
	ParamsID string `json:"params_id"`
	// Reason is the human-readable summary of why the signal fired.
	Reason string `json:"reason"`
	Checks Checks `json:"checks"`
}
