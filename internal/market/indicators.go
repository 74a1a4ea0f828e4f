package market

import (
	"fmt"
	"math"
	"time"
)

// IndicatorConfig holds the periods used when deriving indicators from the
// candle window. Values come from the active parameter set.
type IndicatorConfig struct {
	MACDFast   int `json:"macd_fast"`
	MACDSlow   int `json:"macd_slow"`
	MACDSignal int `json:"macd_signal"`
	KDJPeriod  int `json:"kdj_period"`
	KDJSmoothK int `json:"kdj_smooth_k"`
	KDJSmoothD int `json:"kdj_smooth_d"`
	MAShort    int `json:"ma_short"`
	MAMid      int `json:"ma_mid"`
	MALong     int `json:"ma_long"`
}

// DefaultIndicatorConfig returns the stock fast-MACD configuration used for
// short-interval futures candles.
func DefaultIndicatorConfig() IndicatorConfig {
	return IndicatorConfig{
		MACDFast:   3,
		MACDSlow:   18,
		MACDSignal: 6,
		KDJPeriod:  9,
		KDJSmoothK: 3,
		KDJSmoothD: 3,
		MAShort:    5,
		MAMid:      10,
		MALong:     45,
	}
}

// MinHistory returns the minimum number of candles required before a snapshot
// can be computed with this configuration.
func (c IndicatorConfig) MinHistory() int {
	n := c.MALong + 2
	if m := c.MACDSlow + c.MACDSignal + 2; m > n {
		n = m
	}
	if m := c.KDJPeriod + c.KDJSmoothK + c.KDJSmoothD; m > n {
		n = m
	}
	return n
}

// Validate checks that all periods are positive and ordered sensibly.
func (c IndicatorConfig) Validate() error {
	for _, p := range []int{c.MACDFast, c.MACDSlow, c.MACDSignal, c.KDJPeriod, c.KDJSmoothK, c.KDJSmoothD, c.MAShort, c.MAMid, c.MALong} {
		if p <= 0 {
			return fmt.Errorf("indicator period must be positive")
		}
	}
	if c.MACDFast >= c.MACDSlow {
		return fmt.Errorf("macd fast period %d must be below slow period %d", c.MACDFast, c.MACDSlow)
	}
	return nil
}

// IndicatorSnapshot is the derived view of the window after the most recent
// closed candle. All values refer to that candle unless prefixed with Prev.
type IndicatorSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	PrevClose float64 `json:"prev_close"`
	Range     float64 `json:"range"`

	MACDLine       float64 `json:"macd_line"`
	MACDSignalLine float64 `json:"macd_signal_line"`
	MACDHist       float64 `json:"macd_hist"`
	PrevHist       float64 `json:"prev_hist"`
	// HistMomentumPct is the percentage change of the histogram magnitude
	// against the previous candle.
	HistMomentumPct float64 `json:"hist_momentum_pct"`
	// Drift is set when the MACD/signal gap is widening in the same
	// direction for consecutive candles without a crossover.
	Drift bool `json:"drift"`

	K      float64 `json:"k"`
	D      float64 `json:"d"`
	J      float64 `json:"j"`
	PrevK  float64 `json:"prev_k"`
	KSlope float64 `json:"k_slope"`

	MAShort float64 `json:"ma_short"`
	MAMid   float64 `json:"ma_mid"`
	MALong  float64 `json:"ma_long"`
	// MALongDistPct is the signed distance of the close from the long MA,
	// as a percentage of the MA.
	MALongDistPct float64 `json:"ma_long_dist_pct"`
	// StandAboveMALong / StandBelowMALong report that the close has held on
	// one side of the long MA for at least two consecutive candles.
	StandAboveMALong bool `json:"stand_above_ma_long"`
	StandBelowMALong bool `json:"stand_below_ma_long"`

	RecentHigh float64 `json:"recent_high"`
	RecentLow  float64 `json:"recent_low"`
}

// ComputeSnapshot derives indicators from the candle series. It expects the
// series in ascending time order with at least cfg.MinHistory() candles.
func ComputeSnapshot(candles []Candle, cfg IndicatorConfig) (IndicatorSnapshot, error) {
	if err := cfg.Validate(); err != nil {
		return IndicatorSnapshot{}, err
	}
	if len(candles) < cfg.MinHistory() {
		return IndicatorSnapshot{}, fmt.Errorf("%w: have %d candles, need %d", ErrInsufficientHistory, len(candles), cfg.MinHistory())
	}

	n := len(candles)
	closes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
	}
	last := candles[n-1]
	prev := candles[n-2]

	macdLine, signalLine, hist := macdSeries(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	kSeries, dSeries := kdjSeries(candles, cfg.KDJPeriod, cfg.KDJSmoothK, cfg.KDJSmoothD)

	snap := IndicatorSnapshot{
		Timestamp: last.OpenTime,
		Open:      last.Open,
		High:      last.High,
		Low:       last.Low,
		Close:     last.Close,
		PrevClose: prev.Close,
		Range:     last.Range(),

		MACDLine:       macdLine[n-1],
		MACDSignalLine: signalLine[n-1],
		MACDHist:       hist[n-1],
		PrevHist:       hist[n-2],

		K:     kSeries[n-1],
		D:     dSeries[n-1],
		PrevK: kSeries[n-2],

		MAShort: smaLast(closes, cfg.MAShort),
		MAMid:   smaLast(closes, cfg.MAMid),
		MALong:  smaLast(closes, cfg.MALong),
	}
	snap.J = 3*snap.K - 2*snap.D
	snap.KSlope = (snap.K - snap.PrevK) * 100

	prevAbs := math.Abs(snap.PrevHist)
	if prevAbs < 1e-9 {
		prevAbs = 1e-9
	}
	snap.HistMomentumPct = (math.Abs(snap.MACDHist) - math.Abs(snap.PrevHist)) / prevAbs * 100

	gap := macdLine[n-1] - signalLine[n-1]
	prevGap := macdLine[n-2] - signalLine[n-2]
	snap.Drift = gap*prevGap > 0 && math.Abs(gap) > math.Abs(prevGap)

	if snap.MALong != 0 {
		snap.MALongDistPct = (snap.Close - snap.MALong) / snap.MALong * 100
	}
	prevMALong := smaLast(closes[:n-1], cfg.MALong)
	snap.StandAboveMALong = last.Close >= snap.MALong && prev.Close >= prevMALong
	snap.StandBelowMALong = last.Close <= snap.MALong && prev.Close <= prevMALong

	lookback := cfg.KDJPeriod
	hi, lo := highLow(candles[n-lookback:])
	snap.RecentHigh = hi
	snap.RecentLow = lo

	return snap, nil
}

// emaSeries computes an exponential moving average seeded with the first value.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// macdSeries returns the MACD line, its EMA signal line and the histogram.
func macdSeries(closes []float64, fast, slow, signal int) (line, sig, hist []float64) {
	fastEMA := emaSeries(closes, fast)
	slowEMA := emaSeries(closes, slow)
	line = make([]float64, len(closes))
	for i := range closes {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig = emaSeries(line, signal)
	hist = make([]float64, len(closes))
	for i := range closes {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// kdjSeries computes the smoothed K and D stochastic series.
func kdjSeries(candles []Candle, period, smoothK, smoothD int) (k, d []float64) {
	n := len(candles)
	rsv := make([]float64, n)
	for i := 0; i < n; i++ {
		start := i - period + 1
		if start < 0 {
			start = 0
		}
		hi, lo := highLow(candles[start : i+1])
		span := hi - lo
		if span < 1e-9 {
			rsv[i] = 50
			continue
		}
		rsv[i] = (candles[i].Close - lo) / span * 100
	}
	k = emaSeries(rsv, smoothK)
	d = emaSeries(k, smoothD)
	return k, d
}

// smaLast returns the simple moving average over the final period values.
func smaLast(values []float64, period int) float64 {
	if len(values) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

func highLow(candles []Candle) (hi, lo float64) {
	hi = math.Inf(-1)
	lo = math.Inf(1)
	for _, c := range candles {
		if c.High > hi {
			hi = c.High
		}
		if c.Low < lo {
			lo = c.Low
		}
	}
	return hi, lo
}
