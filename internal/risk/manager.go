package risk

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"pafer-trading-engine/config"
	"pafer-trading-engine/internal/execution"
	"pafer-trading-engine/internal/params"
	"pafer-trading-engine/internal/signal"
)

// Verdict is the outcome of the pre-trade check chain. When approved it
// carries the position size the trade must use.
type Verdict struct {
	Approved bool    `json:"approved"`
	Reason   string  `json:"reason,omitempty"`
	Quantity float64 `json:"quantity"`
	Notional float64 `json:"notional"`
	Margin   float64 `json:"margin"`
	Leverage float64 `json:"leverage"`
}

func rejected(reason string) Verdict {
	return Verdict{Approved: false, Reason: reason}
}

// Manager runs every entry proposal through an ordered chain of checks:
// position sizing against the size limit, leverage cap, margin sufficiency,
// concurrent exposure, daily loss breaker and liquidation distance. The
// first failing check rejects the trade.
type Manager struct {
	cfg     config.RiskConfig
	breaker *Breaker
	logger  zerolog.Logger
}

// NewManager creates a manager with its own daily loss breaker.
func NewManager(cfg config.RiskConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		breaker: NewBreaker(cfg.MaxDailyLossPercent, cfg.BreakerCooldown, logger),
		logger:  logger,
	}
}

// Breaker exposes the loss breaker for state inspection.
func (m *Manager) Breaker() *Breaker { return m.breaker }

// Check validates an entry signal against account state and returns the
// sized verdict.
func (m *Manager) Check(sig *signal.Signal, p params.ParameterSet, balance float64, pos execution.Position, now time.Time) Verdict {
	stopDistance := math.Abs(sig.Price - sig.StopLoss)
	if stopDistance <= 0 {
		return rejected("stop loss at entry price")
	}
	if sig.Direction == signal.Long && sig.StopLoss >= sig.Price {
		return rejected("long stop above entry")
	}
	if sig.Direction == signal.Short && sig.StopLoss <= sig.Price {
		return rejected("short stop below entry")
	}

	// Size so a stop-out loses at most the per-trade risk budget, then cap
	// the notional at the position size limit.
	riskPct := p.RiskPerTradePct
	if riskPct > m.cfg.MaxRiskPerTrade {
		riskPct = m.cfg.MaxRiskPerTrade
	}
	riskBudget := balance * riskPct / 100
	quantity := riskBudget / stopDistance
	notional := quantity * sig.Price

	if notional > m.cfg.MaxPositionSizeUSD {
		notional = m.cfg.MaxPositionSizeUSD
		quantity = notional / sig.Price
	}
	if quantity <= 0 {
		return rejected("position size rounds to zero")
	}

	leverage := sig.Leverage
	if leverage > m.cfg.MaxLeverage {
		leverage = m.cfg.MaxLeverage
	}
	if leverage <= 0 {
		return rejected("non-positive leverage")
	}

	margin := notional / leverage
	if margin > balance*0.95 {
		return rejected("insufficient margin for position")
	}

	if !pos.Flat() {
		return rejected("position already open")
	}

	if ok, reason := m.breaker.Allow(now); !ok {
		return rejected("loss breaker open: " + reason)
	}

	// The stop must trigger before the margin engine would. Estimate the
	// liquidation price and require a buffer between it and the stop.
	liq := estimateLiquidation(sig.Price, sig.Direction, leverage)
	buffer := liq * m.cfg.LiquidationBufferPct / 100
	if sig.Direction == signal.Long && sig.StopLoss <= liq+buffer {
		return rejected("stop loss inside liquidation buffer")
	}
	if sig.Direction == signal.Short && sig.StopLoss >= liq-buffer {
		return rejected("stop loss inside liquidation buffer")
	}

	v := Verdict{
		Approved: true,
		Quantity: quantity,
		Notional: notional,
		Margin:   margin,
		Leverage: leverage,
	}
	m.logger.Debug().
		Float64("quantity", v.Quantity).
		Float64("notional", v.Notional).
		Float64("margin", v.Margin).
		Float64("leverage", v.Leverage).
		Msg("entry approved")
	return v
}

// RecordOutcome feeds a closed trade's realized pnl into the breaker.
func (m *Manager) RecordOutcome(pnl, balance float64, now time.Time) {
	m.breaker.RecordTrade(pnl, balance, now)
}

func estimateLiquidation(entry float64, dir signal.Direction, leverage float64) float64 {
	// Conservative isolated-margin estimate with a 0.5% maintenance rate.
	const mmr = 0.005
	if dir == signal.Long {
		return entry * (1 - 1/leverage + mmr)
	}
	return entry * (1 + 1/leverage - mmr)
}
