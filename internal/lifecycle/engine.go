package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pafer-trading-engine/config"
	"pafer-trading-engine/internal/events"
	"pafer-trading-engine/internal/execution"
	"pafer-trading-engine/internal/market"
	"pafer-trading-engine/internal/metrics"
	"pafer-trading-engine/internal/params"
	"pafer-trading-engine/internal/risk"
	"pafer-trading-engine/internal/signal"
)

// Recorder persists attempts and their phase changes. The engine treats
// persistence as best-effort; a storage failure never blocks trading.
type Recorder interface {
	SaveAttempt(ctx context.Context, a *TradeAttempt) error
	SaveTransition(ctx context.Context, attemptID string, tr Transition) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) SaveAttempt(context.Context, *TradeAttempt) error          { return nil }
func (NopRecorder) SaveTransition(context.Context, string, Transition) error { return nil }

// SignalEvaluator is the detection surface the engine drives. Satisfied by
// signal.Detector.
type SignalEvaluator interface {
	Evaluate(snap market.IndicatorSnapshot, p params.ParameterSet, now time.Time) *signal.Signal
	ThesisIntact(snap market.IndicatorSnapshot, p params.ParameterSet, dir signal.Direction) bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Window   *market.Window
	Detector SignalEvaluator
	Risk     *risk.Manager
	Executor execution.Executor
	Params   *params.Store
	Bus      *events.Bus
	Recorder Recorder
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Engine drives the trade lifecycle: it consumes closed candles one at a
// time, hunts for entries while flat and supervises the position while in a
// trade. All state changes happen on the candle goroutine; at most one
// attempt is ever in a non-terminal phase.
type Engine struct {
	cfg    config.TradingConfig
	symbol string

	window   *market.Window
	detector SignalEvaluator
	risk     *risk.Manager
	exec     execution.Executor
	store    *params.Store
	bus      *events.Bus
	recorder Recorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu           sync.RWMutex
	attempt      *TradeAttempt
	lastAttempt  *TradeAttempt
	lastSignalAt time.Time
	activeParams string
	candlesHeld  int
}

// NewEngine creates an engine for one symbol.
func NewEngine(cfg config.TradingConfig, symbol string, deps Deps) *Engine {
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	return &Engine{
		cfg:      cfg,
		symbol:   symbol,
		window:   deps.Window,
		detector: deps.Detector,
		risk:     deps.Risk,
		exec:     deps.Executor,
		store:    deps.Params,
		bus:      deps.Bus,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// Run consumes candles until ctx is cancelled or the channel closes. On
// shutdown any open attempt is rolled back so the account ends flat.
func (e *Engine) Run(ctx context.Context, candles <-chan market.Candle) error {
	e.bus.Emit(events.EventEngineStarted, map[string]interface{}{"symbol": e.symbol})
	e.setPhase("idle")

	defer func() {
		e.shutdown()
		e.bus.Emit(events.EventEngineStopped, nil)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-candles:
			if !ok {
				return nil
			}
			e.HandleCandle(ctx, c)
		}
	}
}

// HandleCandle processes one closed candle through the full lifecycle step.
// It must only be called from a single goroutine.
func (e *Engine) HandleCandle(ctx context.Context, c market.Candle) {
	active := e.applyActiveParams()

	if err := e.window.Append(c); err != nil {
		if errors.Is(err, market.ErrOutOfOrderCandle) {
			e.logger.Warn().Time("open_time", c.OpenTime).Msg("dropping out-of-order candle")
			return
		}
		e.logger.Error().Err(err).Msg("candle append failed")
		return
	}
	if e.metrics != nil {
		e.metrics.CandlesProcessed.Inc()
	}

	e.markToMarket(ctx, c)

	if a := e.current(); a != nil {
		e.supervise(ctx, c, active)
		return
	}
	e.maybeEnter(ctx, c, active)
}

// applyActiveParams picks up a promoted parameter set between candles.
func (e *Engine) applyActiveParams() params.ParameterSet {
	p := e.store.Active()
	if p.ID != e.activeParams {
		e.window.SetConfig(p.Indicators())
		e.activeParams = p.ID
		e.logger.Info().
			Str("params_id", p.ID).
			Str("provenance", string(p.Provenance)).
			Msg("active parameter set changed")
	}
	return p
}

// markToMarket feeds the close price to the executor and absorbs a forced
// liquidation into the lifecycle.
func (e *Engine) markToMarket(ctx context.Context, c market.Candle) {
	fill, err := e.exec.MarkToMarket(ctx, c.Close)
	if !errors.Is(err, execution.ErrLiquidated) {
		return
	}

	a := e.current()
	if a == nil {
		e.logger.Error().Msg("liquidation reported with no attempt in flight")
		return
	}

	a.ExitFill = fill
	if fill != nil {
		a.Fees += fill.Fee
		a.RealizedPnL = realizedPnL(a, fill.Price)
	}
	e.bus.Emit(events.EventLiquidation, map[string]interface{}{
		"attempt_id": a.ID,
		"price":      c.Close,
	})
	e.finish(ctx, a, PhaseRollback, "liquidated", c.CloseTime)
}

// maybeEnter runs detection and, when everything lines up, walks a new
// attempt through prediction and act into feel.
func (e *Engine) maybeEnter(ctx context.Context, c market.Candle, p params.ParameterSet) {
	snap, err := e.window.Snapshot()
	if err != nil {
		return
	}

	now := c.CloseTime
	e.mu.RLock()
	cooling := !e.lastSignalAt.IsZero() && now.Sub(e.lastSignalAt) < e.cfg.SignalCooldown
	e.mu.RUnlock()
	if cooling {
		return
	}

	sig := e.detector.Evaluate(snap, p, now)
	if sig == nil {
		return
	}

	e.mu.Lock()
	e.lastSignalAt = now
	e.mu.Unlock()
	e.bus.Emit(events.EventSignalDetected, map[string]interface{}{
		"direction":  string(sig.Direction),
		"price":      sig.Price,
		"confidence": sig.Confidence,
	})

	// The attempt exists from the moment a signal qualifies, so a risk
	// rejection still leaves an audit trail.
	a := newAttempt(e.symbol, *sig, now)
	if err := e.begin(a); err != nil {
		e.logger.Error().Err(err).Msg("could not begin attempt")
		return
	}
	e.setPhase(string(PhasePrediction))
	e.record(ctx, a, nil)

	balance, pos, err := e.accountState(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("could not read account state")
		e.finish(ctx, a, PhaseRollback, "account state unavailable", now)
		return
	}

	verdict := e.risk.Check(sig, p, balance, pos, now)
	if !verdict.Approved {
		e.logger.Info().Str("reason", verdict.Reason).Msg("entry rejected by risk chain")
		e.bus.Emit(events.EventSignalRejected, map[string]interface{}{"reason": verdict.Reason})
		e.finish(ctx, a, PhaseRollback, verdict.Reason, now)
		return
	}

	a.Quantity = verdict.Quantity
	a.Leverage = verdict.Leverage
	e.act(ctx, a, now)
}

// begin installs a as the in-flight attempt.
func (e *Engine) begin(a *TradeAttempt) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attempt != nil && !e.attempt.Phase.Terminal() {
		return ErrConcurrentTradeAttempt
	}
	e.attempt = a
	return nil
}

// act places the entry order and moves the attempt into feel. An ambiguous
// submit error is reconciled against the venue's position before deciding.
func (e *Engine) act(ctx context.Context, a *TradeAttempt, now time.Time) {
	e.transition(ctx, a, PhaseAct, "risk approved", now)

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	if err := e.exec.SetLeverage(opCtx, e.symbol, a.Leverage); err != nil {
		e.logger.Error().Err(err).Msg("leverage setup failed")
		e.finish(ctx, a, PhaseRollback, "leverage setup failed", now)
		return
	}

	side := execution.Buy
	if a.Signal.Direction == signal.Short {
		side = execution.Sell
	}
	fill, err := e.exec.Submit(opCtx, execution.Order{
		ClientOrderID: a.ID,
		Symbol:        e.symbol,
		Side:          side,
		Type:          execution.Market,
		Quantity:      a.Quantity,
		Leverage:      a.Leverage,
	})
	if err != nil {
		// The order may have gone through before the failure. Only the
		// venue knows; reconcile before declaring the entry dead.
		pos, perr := e.exec.Position(ctx, e.symbol)
		if perr == nil && !pos.Flat() {
			e.logger.Warn().Err(err).Msg("submit failed but position exists, adopting it")
			fill = execution.Fill{
				Symbol:    e.symbol,
				Side:      side,
				Quantity:  pos.Quantity,
				Price:     pos.EntryPrice,
				Timestamp: now,
			}
			if fill.Quantity < 0 {
				fill.Quantity = -fill.Quantity
			}
		} else {
			e.logger.Error().Err(err).Msg("entry failed")
			e.finish(ctx, a, PhaseRollback, "entry failed", now)
			return
		}
	}

	a.EntryFill = &fill
	a.Fees += fill.Fee
	e.transition(ctx, a, PhaseFeel, "entry filled", now)
	e.bus.Emit(events.EventTradeOpened, map[string]interface{}{
		"attempt_id": a.ID,
		"direction":  string(a.Signal.Direction),
		"quantity":   a.Quantity,
		"price":      fill.Price,
	})
	if e.metrics != nil {
		e.metrics.PositionSize.Set(signedQuantity(a))
	}
	e.record(ctx, a, nil)
}

// supervise watches an open position for its exit conditions, in priority
// order: stop loss, take profit, drawdown, time in trade, thesis
// invalidation. A cleanly executed close ends the attempt in end_income;
// rollback is reserved for entry rejection, liquidation and close failures.
func (e *Engine) supervise(ctx context.Context, c market.Candle, p params.ParameterSet) {
	a := e.current()
	if a == nil || a.Phase != PhaseFeel {
		return
	}
	now := c.CloseTime
	sig := a.Signal

	stopHit := sig.Direction == signal.Long && c.Low <= sig.StopLoss ||
		sig.Direction == signal.Short && c.High >= sig.StopLoss
	targetHit := sig.Direction == signal.Long && c.High >= sig.TakeProfit ||
		sig.Direction == signal.Short && c.Low <= sig.TakeProfit

	switch {
	case stopHit:
		e.exit(ctx, a, PhaseEndIncome, "stop loss hit", now)
		return
	case targetHit:
		e.exit(ctx, a, PhaseEndIncome, "target reached", now)
		return
	case e.drawdownExceeded(a, c.Close):
		e.exit(ctx, a, PhaseEndIncome, "max drawdown exceeded", now)
		return
	case a.Duration(now) >= e.cfg.MaxTimeInTrade:
		e.exit(ctx, a, PhaseEndIncome, "max time in trade", now)
		return
	}

	e.candlesHeld++
	if e.cfg.ThesisRecheckEvery > 0 && e.candlesHeld%e.cfg.ThesisRecheckEvery == 0 {
		snap, err := e.window.Snapshot()
		if err == nil && !e.detector.ThesisIntact(snap, p, sig.Direction) {
			e.exit(ctx, a, PhaseEndIncome, "thesis invalidated", now)
		}
	}
}

// drawdownExceeded reports whether the unrealized loss on margin has
// passed the per-trade drawdown limit. Leverage scales the price move,
// so a 0.4% adverse move at 20x is an 8% hit on margin.
func (e *Engine) drawdownExceeded(a *TradeAttempt, mark float64) bool {
	if e.cfg.MaxDrawdownPercent <= 0 || a.EntryFill == nil || a.EntryFill.Price <= 0 {
		return false
	}
	move := (mark - a.EntryFill.Price) / a.EntryFill.Price * 100
	if a.Signal.Direction == signal.Short {
		move = -move
	}
	return move*a.Leverage <= -e.cfg.MaxDrawdownPercent
}

// exit closes the venue position and finishes the attempt. When the close
// fails and the position survives, the attempt stays in feel and the exit is
// retried on the next candle.
func (e *Engine) exit(ctx context.Context, a *TradeAttempt, to Phase, reason string, now time.Time) {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	fill, err := e.exec.ClosePosition(opCtx, e.symbol)
	switch {
	case err == nil:
		a.ExitFill = &fill
		a.Fees += fill.Fee
		a.RealizedPnL = realizedPnL(a, fill.Price)
	case errors.Is(err, execution.ErrNoPosition):
		// Already flat; nothing to unwind.
	default:
		pos, perr := e.exec.Position(ctx, e.symbol)
		if perr != nil || !pos.Flat() {
			e.logger.Error().Err(err).Str("reason", reason).Msg("close failed, retrying next candle")
			return
		}
		// The venue is flat but the close call failed, so the exit did
		// not execute cleanly. The attempt ends in rollback regardless
		// of what triggered it.
		to = PhaseRollback
	}

	e.finish(ctx, a, to, reason, now)
}

// finish drives the attempt to its terminal phase, settles accounting and
// clears the in-flight slot.
func (e *Engine) finish(ctx context.Context, a *TradeAttempt, to Phase, reason string, now time.Time) {
	e.transition(ctx, a, to, reason, now)

	balance := 0.0
	if bal, err := e.exec.Balance(ctx); err == nil {
		balance = bal
		if e.metrics != nil {
			e.metrics.AccountBalance.Set(bal)
		}
	}

	// Only attempts that actually traded feed the loss breaker; a rejected
	// entry has no outcome to count.
	if a.EntryFill != nil {
		before := e.risk.Breaker().State()
		e.risk.RecordOutcome(a.RealizedPnL, balance, now)
		if after := e.risk.Breaker().State(); after == risk.StateOpen && before != risk.StateOpen {
			e.bus.Emit(events.EventBreakerTripped, map[string]interface{}{"attempt_id": a.ID})
		}
	} else {
		e.risk.Breaker().ReleaseProbe()
	}

	e.bus.Emit(events.EventTradeClosed, map[string]interface{}{
		"attempt_id": a.ID,
		"outcome":    string(to),
		"reason":     reason,
		"pnl":        a.RealizedPnL,
	})
	if to == PhaseRollback {
		e.bus.Emit(events.EventTradeRolledBack, map[string]interface{}{
			"attempt_id": a.ID,
			"reason":     reason,
		})
	}

	e.logger.Info().
		Str("attempt_id", a.ID).
		Str("outcome", string(to)).
		Str("reason", reason).
		Float64("pnl", a.RealizedPnL).
		Float64("fees", a.Fees).
		Msg("trade attempt finished")

	e.record(ctx, a, nil)
	e.setPhase("idle")
	if e.metrics != nil {
		e.metrics.PositionSize.Set(0)
	}

	e.mu.Lock()
	e.lastAttempt = a
	e.attempt = nil
	e.candlesHeld = 0
	e.mu.Unlock()
}

// shutdown rolls back any open attempt with a fresh deadline, so the process
// never exits holding a position.
func (e *Engine) shutdown() {
	a := e.current()
	if a == nil {
		return
	}
	e.logger.Warn().Str("attempt_id", a.ID).Msg("shutdown with open attempt, rolling back")

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ExecutionTimeout)
	defer cancel()

	now := time.Now().UTC()
	if a.Phase == PhaseFeel {
		e.exit(ctx, a, PhaseRollback, "shutdown", now)
		if cur := e.current(); cur != nil {
			// The close did not go through; record the rollback anyway
			// so the audit trail shows the forced stop.
			e.finish(ctx, cur, PhaseRollback, "shutdown", now)
		}
		return
	}
	e.finish(ctx, a, PhaseRollback, "shutdown", now)
}

func (e *Engine) transition(ctx context.Context, a *TradeAttempt, to Phase, reason string, now time.Time) {
	tr, err := a.transition(to, reason, now)
	if err != nil {
		e.logger.Error().Err(err).Msg("phase transition refused")
		return
	}
	e.setPhase(string(to))
	e.bus.Emit(events.EventPhaseChanged, map[string]interface{}{
		"attempt_id": a.ID,
		"from":       string(tr.From),
		"to":         string(tr.To),
		"reason":     tr.Reason,
	})
	if err := e.recorder.SaveTransition(ctx, a.ID, tr); err != nil {
		e.logger.Error().Err(err).Msg("transition not persisted")
	}
}

func (e *Engine) record(ctx context.Context, a *TradeAttempt, _ error) {
	if err := e.recorder.SaveAttempt(ctx, a); err != nil {
		e.logger.Error().Err(err).Str("attempt_id", a.ID).Msg("attempt not persisted")
	}
}

func (e *Engine) accountState(ctx context.Context) (float64, execution.Position, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	balance, err := e.exec.Balance(opCtx)
	if err != nil {
		return 0, execution.Position{}, err
	}
	pos, err := e.exec.Position(opCtx, e.symbol)
	if err != nil {
		return 0, execution.Position{}, err
	}
	return balance, pos, nil
}

// current returns the in-flight attempt, or nil.
func (e *Engine) current() *TradeAttempt {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.attempt == nil || e.attempt.Phase.Terminal() {
		return nil
	}
	return e.attempt
}

// CurrentAttempt returns a copy of the in-flight attempt for reporting.
func (e *Engine) CurrentAttempt() *TradeAttempt {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.attempt == nil {
		return nil
	}
	cp := *e.attempt
	return &cp
}

// LastAttempt returns a copy of the most recently finished attempt.
func (e *Engine) LastAttempt() *TradeAttempt {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastAttempt == nil {
		return nil
	}
	cp := *e.lastAttempt
	return &cp
}

func (e *Engine) setPhase(phase string) {
	if e.metrics != nil {
		e.metrics.SetPhase(phase)
	}
}

func signedQuantity(a *TradeAttempt) float64 {
	if a.Signal.Direction == signal.Short {
		return -a.Quantity
	}
	return a.Quantity
}

func realizedPnL(a *TradeAttempt, exitPrice float64) float64 {
	if a.EntryFill == nil {
		return 0
	}
	return (exitPrice-a.EntryFill.Price)*signedQuantity(a) - a.Fees
}
