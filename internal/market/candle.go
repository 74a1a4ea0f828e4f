package market

import (
	"fmt"
	"strconv"
	"time"
)

// Candle is a single closed OHLCV bar for the traded instrument.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Range returns the high-low span of the candle.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool {
	return c.Close > c.Open
}

// ParseInterval converts an exchange interval string ("1m", "15m", "1h", "4h", "1d")
// into a duration.
func ParseInterval(interval string) (time.Duration, error) {
	if interval == "" {
		return 0, fmt.Errorf("empty interval")
	}
	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval %q", interval)
	}
}
