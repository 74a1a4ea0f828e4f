package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState is the trading halt state.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // normal operation
	StateOpen     BreakerState = "open"      // trading halted
	StateHalfOpen BreakerState = "half_open" // one probe trade allowed
)

// Breaker halts new entries after the daily realized loss crosses the limit.
// After the cooldown it goes half-open: one trade is allowed, and its outcome
// decides whether the breaker closes or trips again. Loss accounting resets
// at the UTC day boundary.
type Breaker struct {
	mu sync.Mutex

	maxDailyLossPct float64
	cooldown        time.Duration
	logger          zerolog.Logger

	state      BreakerState
	trippedAt  time.Time
	tripReason string

	day          time.Time // UTC midnight of the tracked day
	dayStartBal  float64
	realizedLoss float64
	probing      bool
}

// NewBreaker creates a closed breaker. maxDailyLossPct is the percent of the
// day-start balance that may be lost before entries halt.
func NewBreaker(maxDailyLossPct float64, cooldown time.Duration, logger zerolog.Logger) *Breaker {
	return &Breaker{
		maxDailyLossPct: maxDailyLossPct,
		cooldown:        cooldown,
		logger:          logger,
		state:           StateClosed,
	}
}

// Allow reports whether a new entry may proceed at now, with the blocking
// reason when it may not.
func (b *Breaker) Allow(now time.Time) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollDayLocked(now)

	switch b.state {
	case StateClosed:
		return true, ""
	case StateHalfOpen:
		if b.probing {
			return false, "probe trade already in flight"
		}
		b.probing = true
		return true, ""
	default: // StateOpen
		if now.Sub(b.trippedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probing = true
			b.logger.Info().Msg("loss breaker half-open, allowing probe trade")
			return true, ""
		}
		return false, b.tripReason
	}
}

// RecordTrade feeds a realized trade outcome. balance is the account balance
// after the trade; it seeds the day-start reference on the first trade of a
// day.
func (b *Breaker) RecordTrade(pnl, balance float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rollDayLocked(now)
	if b.dayStartBal == 0 {
		b.dayStartBal = balance - pnl
	}
	if pnl < 0 {
		b.realizedLoss += -pnl
	}

	if b.state == StateHalfOpen {
		b.probing = false
		if pnl >= 0 {
			b.state = StateClosed
			b.logger.Info().Msg("probe trade recovered, loss breaker closed")
			return
		}
		b.tripLocked(now, "probe trade lost")
		return
	}

	if b.state == StateClosed && b.dayStartBal > 0 {
		lossPct := b.realizedLoss / b.dayStartBal * 100
		if lossPct >= b.maxDailyLossPct {
			b.tripLocked(now, "daily loss limit reached")
		}
	}
}

// ReleaseProbe frees the half-open probe slot when an allowed entry never
// became a trade, so the next signal can probe instead.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) tripLocked(now time.Time, reason string) {
	b.state = StateOpen
	b.trippedAt = now
	b.tripReason = reason
	b.logger.Warn().
		Str("reason", reason).
		Float64("realized_loss", b.realizedLoss).
		Float64("day_start_balance", b.dayStartBal).
		Msg("loss breaker tripped, halting entries")
}

func (b *Breaker) rollDayLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.Equal(b.day) {
		return
	}
	b.day = day
	b.dayStartBal = 0
	b.realizedLoss = 0
	if b.state != StateClosed {
		b.state = StateClosed
		b.probing = false
		b.logger.Info().Msg("new trading day, loss breaker reset")
	}
}
