package risk

import (
	"strings"
	"testing"
	"time"

	"pafer-trading-engine/config"
	"pafer-trading-engine/internal/execution"
	"pafer-trading-engine/internal/logging"
	"pafer-trading-engine/internal/params"
	"pafer-trading-engine/internal/signal"
)

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionSizeUSD:   500,
		MaxLeverage:          50,
		MaxRiskPerTrade:      5,
		MaxDailyLossPercent:  5,
		BreakerCooldown:      30 * time.Minute,
		LiquidationBufferPct: 1,
	}
}

func longSignal() *signal.Signal {
	return &signal.Signal{
		Direction:  signal.Long,
		Price:      2000,
		StopLoss:   1980,
		TakeProfit: 2060,
		Leverage:   20,
	}
}

func TestCheckApprovesAndSizesByRisk(t *testing.T) {
	m := NewManager(riskConfig(), logging.Nop())
	p := params.Default()
	p.RiskPerTradePct = 2
	sig := longSignal()
	now := time.Now()

	v := m.Check(sig, p, 1000, execution.Position{}, now)
	if !v.Approved {
		t.Fatalf("rejected: %s", v.Reason)
	}

	// 2% of 1000 = 20 USDT risk over a 20 USDT stop distance = 1 unit,
	// 2000 notional, capped at 500.
	if v.Notional != 500 {
		t.Errorf("notional %v, want capped at 500", v.Notional)
	}
	if v.Quantity != 500.0/2000 {
		t.Errorf("quantity %v, want %v", v.Quantity, 500.0/2000)
	}
	if v.Margin != v.Notional/v.Leverage {
		t.Errorf("margin %v, want notional/leverage", v.Margin)
	}
}

func TestCheckCapsLeverage(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxLeverage = 10
	m := NewManager(cfg, logging.Nop())
	sig := longSignal()
	sig.Leverage = 25

	v := m.Check(sig, params.Default(), 1000, execution.Position{}, time.Now())
	if !v.Approved {
		t.Fatalf("rejected: %s", v.Reason)
	}
	if v.Leverage != 10 {
		t.Errorf("leverage %v, want capped at 10", v.Leverage)
	}
}

func TestCheckRejections(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		sig     func() *signal.Signal
		balance float64
		pos     execution.Position
		reason  string
	}{
		{
			name:   "open position",
			sig:    longSignal,
			pos:    execution.Position{Symbol: "ETHUSDT", Quantity: 1},
			reason: "position already open",
		},
		{
			name: "stop on wrong side",
			sig: func() *signal.Signal {
				s := longSignal()
				s.StopLoss = 2010
				return s
			},
			reason: "long stop above entry",
		},
		{
			name: "stop at entry",
			sig: func() *signal.Signal {
				s := longSignal()
				s.StopLoss = s.Price
				return s
			},
			reason: "stop loss at entry",
		},
		{
			name: "stop inside liquidation buffer",
			sig: func() *signal.Signal {
				// 50x long: liquidation sits ~2% under entry, so a
				// 2.5%-away stop is inside the buffered zone.
				s := longSignal()
				s.Leverage = 50
				s.StopLoss = 1950
				return s
			},
			reason: "liquidation buffer",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(riskConfig(), logging.Nop())
			balance := tc.balance
			if balance == 0 {
				balance = 1000
			}
			v := m.Check(tc.sig(), params.Default(), balance, tc.pos, now)
			if v.Approved {
				t.Fatal("expected rejection")
			}
			if !strings.Contains(v.Reason, tc.reason) {
				t.Errorf("reason %q does not mention %q", v.Reason, tc.reason)
			}
		})
	}
}

func TestCheckRejectsInsufficientMargin(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxPositionSizeUSD = 100000
	m := NewManager(cfg, logging.Nop())
	p := params.Default()
	p.RiskPerTradePct = 5

	sig := longSignal()
	sig.Leverage = 1 // full notional as margin

	// 5% of 100 = 5 USDT over a 20 USDT stop = 0.25 units = 500 notional,
	// far beyond a 100 USDT balance at 1x.
	v := m.Check(sig, p, 100, execution.Position{}, time.Now())
	if v.Approved {
		t.Fatal("expected margin rejection")
	}
	if !strings.Contains(v.Reason, "margin") {
		t.Errorf("reason %q", v.Reason)
	}
}

func TestCheckMarginRejectionWinsOverBreaker(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxPositionSizeUSD = 100000
	m := NewManager(cfg, logging.Nop())
	now := time.Now()

	// Trip the breaker, then propose a trade that also fails the margin
	// check. Margin sits earlier in the chain, so its reason must win.
	m.breaker.RecordTrade(-100, 900, now)
	if m.breaker.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	p := params.Default()
	p.RiskPerTradePct = 5
	sig := longSignal()
	sig.Leverage = 1

	v := m.Check(sig, p, 100, execution.Position{}, now)
	if v.Approved {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(v.Reason, "margin") {
		t.Errorf("reason %q, want margin rejection before breaker", v.Reason)
	}
}

func TestRiskPerTradeCappedByConfig(t *testing.T) {
	cfg := riskConfig()
	cfg.MaxRiskPerTrade = 1
	cfg.MaxPositionSizeUSD = 1e9
	m := NewManager(cfg, logging.Nop())
	p := params.Default()
	p.RiskPerTradePct = 10

	v := m.Check(longSignal(), p, 1000, execution.Position{}, time.Now())
	if !v.Approved {
		t.Fatalf("rejected: %s", v.Reason)
	}
	// Risk budget must be 1% of 1000 = 10 over a 20 stop distance.
	if want := 10.0 / 20; v.Quantity != want {
		t.Errorf("quantity %v, want %v from capped risk", v.Quantity, want)
	}
}

func TestBreakerTripsOnDailyLoss(t *testing.T) {
	b := NewBreaker(5, 30*time.Minute, logging.Nop())
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if ok, _ := b.Allow(now); !ok {
		t.Fatal("fresh breaker should allow")
	}

	// Two losses totalling 6% of the 1000 day-start balance.
	b.RecordTrade(-30, 970, now)
	if b.State() != StateClosed {
		t.Fatalf("state %v after 3%% loss, want closed", b.State())
	}
	b.RecordTrade(-30, 940, now.Add(time.Hour))
	if b.State() != StateOpen {
		t.Fatalf("state %v after 6%% loss, want open", b.State())
	}
	if ok, reason := b.Allow(now.Add(time.Hour)); ok || reason == "" {
		t.Error("open breaker must block with a reason")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(5, 30*time.Minute, logging.Nop())
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	b.RecordTrade(-60, 940, now)
	if b.State() != StateOpen {
		t.Fatalf("state %v, want open", b.State())
	}

	after := now.Add(31 * time.Minute)
	if ok, _ := b.Allow(after); !ok {
		t.Fatal("breaker should go half-open after cooldown")
	}
	if ok, _ := b.Allow(after); ok {
		t.Fatal("only one probe trade may be in flight")
	}

	// Losing probe re-trips.
	b.RecordTrade(-5, 935, after)
	if b.State() != StateOpen {
		t.Fatalf("state %v after losing probe, want open", b.State())
	}

	// Winning probe closes.
	later := after.Add(31 * time.Minute)
	if ok, _ := b.Allow(later); !ok {
		t.Fatal("expected half-open probe")
	}
	b.RecordTrade(10, 945, later)
	if b.State() != StateClosed {
		t.Fatalf("state %v after winning probe, want closed", b.State())
	}
}

func TestBreakerResetsAtDayBoundary(t *testing.T) {
	b := NewBreaker(5, 30*time.Minute, logging.Nop())
	day1 := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)

	b.RecordTrade(-100, 900, day1)
	if b.State() != StateOpen {
		t.Fatalf("state %v, want open", b.State())
	}

	day2 := time.Date(2025, 6, 2, 0, 5, 0, 0, time.UTC)
	if ok, _ := b.Allow(day2); !ok {
		t.Error("new UTC day should reset the breaker")
	}
	if b.State() != StateClosed {
		t.Errorf("state %v on new day, want closed", b.State())
	}
}
