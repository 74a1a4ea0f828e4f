package optimizer

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"pafer-trading-engine/internal/logging"
	"pafer-trading-engine/internal/market"
	"pafer-trading-engine/internal/params"
	"pafer-trading-engine/internal/signal"
)

// Result summarizes a parameter set's replayed performance.
type Result struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	WinRate      float64 `json:"win_rate"`
	TotalReturn  float64 `json:"total_return"`
	Sharpe       float64 `json:"sharpe"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	FinalBalance float64 `json:"final_balance"`
}

// Backtester replays the full entry and exit logic over a candle series with
// deterministic fills: entries at the signal close, exits at the stop or
// target level, taker fees on both legs, no slippage.
type Backtester struct {
	interval       time.Duration
	takerFee       float64
	initialBalance float64
	maxTimeInTrade time.Duration
	logger         zerolog.Logger
}

// NewBacktester creates a replay evaluator for candles of the given interval.
func NewBacktester(interval time.Duration, takerFee, initialBalance float64, maxTimeInTrade time.Duration, logger zerolog.Logger) *Backtester {
	return &Backtester{
		interval:       interval,
		takerFee:       takerFee,
		initialBalance: initialBalance,
		maxTimeInTrade: maxTimeInTrade,
		logger:         logger,
	}
}

type openTrade struct {
	sig      signal.Signal
	quantity float64
	margin   float64
	openedAt time.Time
	entryFee float64
}

// Run replays p over candles and returns the aggregate result.
func (b *Backtester) Run(candles []market.Candle, p params.ParameterSet) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid parameter set: %w", err)
	}
	cfg := p.Indicators()
	if len(candles) < cfg.MinHistory()+2 {
		return Result{}, fmt.Errorf("%w: %d candles for a minimum of %d", market.ErrInsufficientHistory, len(candles), cfg.MinHistory()+2)
	}

	detector := signal.NewDetector(b.interval, logging.Nop())
	window := market.NewWindow(cfg.MinHistory()+10, cfg)

	balance := b.initialBalance
	peak := balance
	var open *openTrade
	var returns []float64
	res := Result{}

	for _, c := range candles {
		if err := window.Append(c); err != nil {
			continue
		}

		if open != nil {
			done, pnl := b.step(open, c, p)
			if !done {
				continue
			}
			balance += pnl
			if balance < 0 {
				balance = 0
			}
			returns = append(returns, pnl/b.initialBalance)
			res.Trades++
			if pnl > 0 {
				res.Wins++
			}
			if balance > peak {
				peak = balance
			} else if peak > 0 {
				dd := (peak - balance) / peak
				if dd > res.MaxDrawdown {
					res.MaxDrawdown = dd
				}
			}
			open = nil
			continue
		}

		snap, err := window.Snapshot()
		if err != nil {
			continue
		}
		sig := detector.Evaluate(snap, p, c.CloseTime)
		if sig == nil {
			continue
		}

		stopDistance := math.Abs(sig.Price - sig.StopLoss)
		if stopDistance <= 0 {
			continue
		}
		quantity := balance * p.RiskPerTradePct / 100 / stopDistance
		margin := quantity * sig.Price / sig.Leverage
		if margin > balance {
			quantity *= balance / margin
			margin = balance
		}
		if quantity <= 0 {
			continue
		}
		open = &openTrade{
			sig:      *sig,
			quantity: quantity,
			margin:   margin,
			openedAt: c.CloseTime,
			entryFee: quantity * sig.Price * b.takerFee,
		}
	}

	res.FinalBalance = balance
	res.TotalReturn = (balance - b.initialBalance) / b.initialBalance
	if res.Trades > 0 {
		res.WinRate = float64(res.Wins) / float64(res.Trades)
	}
	res.Sharpe = sharpe(returns)
	return res, nil
}

// step advances an open trade by one candle. It reports whether the trade
// closed and the realized pnl net of fees. A candle that trades through both
// levels settles at the stop.
func (b *Backtester) step(t *openTrade, c market.Candle, p params.ParameterSet) (bool, float64) {
	exitPrice := 0.0
	switch t.sig.Direction {
	case signal.Long:
		if c.Low <= t.sig.StopLoss {
			exitPrice = t.sig.StopLoss
		} else if c.High >= t.sig.TakeProfit {
			exitPrice = t.sig.TakeProfit
		}
	case signal.Short:
		if c.High >= t.sig.StopLoss {
			exitPrice = t.sig.StopLoss
		} else if c.Low <= t.sig.TakeProfit {
			exitPrice = t.sig.TakeProfit
		}
	}
	if exitPrice == 0 && c.CloseTime.Sub(t.openedAt) >= b.maxTimeInTrade {
		exitPrice = c.Close
	}
	if exitPrice == 0 {
		return false, 0
	}

	move := exitPrice - t.sig.Price
	if t.sig.Direction == signal.Short {
		move = -move
	}
	exitFee := t.quantity * exitPrice * b.takerFee
	return true, move*t.quantity - t.entryFee - exitFee
}

// sharpe is the per-trade mean over standard deviation, scaled by the square
// root of the trade count.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(float64(len(returns)))
}
