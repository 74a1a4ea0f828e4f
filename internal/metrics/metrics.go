package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pafer-trading-engine/internal/events"
)

// Metrics holds the engine's prometheus instruments.
type Metrics struct {
	CandlesProcessed prometheus.Counter
	SignalsDetected  *prometheus.CounterVec
	SignalsRejected  prometheus.Counter
	TradesOpened     prometheus.Counter
	TradesClosed     *prometheus.CounterVec
	Rollbacks        prometheus.Counter
	Liquidations     prometheus.Counter
	BreakerTrips     prometheus.Counter
	OptimizerRuns    prometheus.Counter
	ParamsPromotions prometheus.Counter

	AccountBalance prometheus.Gauge
	PositionSize   prometheus.Gauge
	ActivePhase    *prometheus.GaugeVec
}

// New registers the engine instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CandlesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pafer_candles_processed_total",
			Help: "Closed candles consumed by the trading engine.",
		}),
		SignalsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pafer_signals_detected_total",
			Help: "Entry signals emitted by the detector.",
		}, []string{"direction"}),
		SignalsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "pafer_signals_rejected_total",
			Help: "Signals rejected by the risk check chain.",
		}),
		TradesOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "pafer_trades_opened_total",
			Help: "Trade attempts that reached an open position.",
		}),
		TradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pafer_trades_closed_total",
			Help: "Trade attempts closed, by terminal outcome.",
		}, []string{"outcome"}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "pafer_rollbacks_total",
			Help: "Trade attempts that ended in rollback.",
		}),
		Liquidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "pafer_liquidations_total",
			Help: "Forced liquidations observed.",
		}),
		BreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "pafer_breaker_trips_total",
			Help: "Daily loss breaker trips.",
		}),
		OptimizerRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "pafer_optimizer_runs_total",
			Help: "Completed optimization cycles.",
		}),
		ParamsPromotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "pafer_params_promotions_total",
			Help: "Parameter sets promoted to active.",
		}),
		AccountBalance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pafer_account_balance",
			Help: "Account balance in quote units.",
		}),
		PositionSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pafer_position_size",
			Help: "Signed open position quantity.",
		}),
		ActivePhase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pafer_active_phase",
			Help: "1 for the lifecycle phase currently active.",
		}, []string{"phase"}),
	}
}

// BindBus drives the counters from engine events so instrumented code does
// not need a metrics handle.
func (m *Metrics) BindBus(bus *events.Bus) {
	bus.Subscribe(events.EventSignalDetected, func(e events.Event) {
		dir, _ := e.Data["direction"].(string)
		m.SignalsDetected.WithLabelValues(dir).Inc()
	})
	bus.Subscribe(events.EventSignalRejected, func(events.Event) { m.SignalsRejected.Inc() })
	bus.Subscribe(events.EventTradeOpened, func(events.Event) { m.TradesOpened.Inc() })
	bus.Subscribe(events.EventTradeClosed, func(e events.Event) {
		outcome, _ := e.Data["outcome"].(string)
		m.TradesClosed.WithLabelValues(outcome).Inc()
	})
	bus.Subscribe(events.EventTradeRolledBack, func(events.Event) { m.Rollbacks.Inc() })
	bus.Subscribe(events.EventLiquidation, func(events.Event) { m.Liquidations.Inc() })
	bus.Subscribe(events.EventBreakerTripped, func(events.Event) { m.BreakerTrips.Inc() })
	bus.Subscribe(events.EventOptimizerRun, func(events.Event) { m.OptimizerRuns.Inc() })
	bus.Subscribe(events.EventParamsPromoted, func(events.Event) { m.ParamsPromotions.Inc() })
}

// SetPhase marks phase as the active one.
func (m *Metrics) SetPhase(phase string) {
	for _, p := range []string{"idle", "prediction", "act", "feel", "end_income", "rollback"} {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.ActivePhase.WithLabelValues(p).Set(v)
	}
}
