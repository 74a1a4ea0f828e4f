package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pafer-trading-engine/internal/lifecycle"
	"pafer-trading-engine/internal/market"
	"pafer-trading-engine/internal/optimizer"
	"pafer-trading-engine/internal/params"
)

// Repository is the persistence surface for the engine: trade attempts and
// their audit trail, parameter sets, optimization runs and candle history.
type Repository struct {
	db       *DB
	symbol   string
	interval string
}

// NewRepository creates a repository scoped to one symbol and interval.
func NewRepository(db *DB, symbol, interval string) *Repository {
	return &Repository{db: db, symbol: symbol, interval: interval}
}

// TradeRecord is one persisted attempt row for reporting.
type TradeRecord struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Direction   string     `json:"direction"`
	Phase       string     `json:"phase"`
	EntryPrice  *float64   `json:"entry_price,omitempty"`
	ExitPrice   *float64   `json:"exit_price,omitempty"`
	StopLoss    float64    `json:"stop_loss"`
	TakeProfit  float64    `json:"take_profit"`
	Quantity    float64    `json:"quantity"`
	Leverage    float64    `json:"leverage"`
	RealizedPnL float64    `json:"realized_pnl"`
	Fees        float64    `json:"fees"`
	CloseReason string     `json:"close_reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// SaveAttempt upserts the attempt's current state.
func (r *Repository) SaveAttempt(ctx context.Context, a *lifecycle.TradeAttempt) error {
	var entryPrice, exitPrice *float64
	if a.EntryFill != nil {
		entryPrice = &a.EntryFill.Price
	}
	if a.ExitFill != nil {
		exitPrice = &a.ExitFill.Price
	}
	var closedAt *time.Time
	if !a.ClosedAt.IsZero() {
		closedAt = &a.ClosedAt
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trade_attempts (
			id, symbol, direction, params_id, phase,
			entry_price, exit_price, stop_loss, take_profit,
			quantity, leverage, confidence, realized_pnl, fees,
			close_reason, started_at, closed_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now())
		ON CONFLICT (id) DO UPDATE SET
			phase = EXCLUDED.phase,
			entry_price = EXCLUDED.entry_price,
			exit_price = EXCLUDED.exit_price,
			realized_pnl = EXCLUDED.realized_pnl,
			fees = EXCLUDED.fees,
			close_reason = EXCLUDED.close_reason,
			closed_at = EXCLUDED.closed_at,
			updated_at = now()`,
		a.ID, a.Symbol, string(a.Signal.Direction), a.ParamsID, string(a.Phase),
		entryPrice, exitPrice, a.Signal.StopLoss, a.Signal.TakeProfit,
		a.Quantity, a.Leverage, a.Signal.Confidence, a.RealizedPnL, a.Fees,
		a.CloseReason, a.StartedAt, closedAt,
	)
	if err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

// SaveTransition appends one phase change to the audit trail.
func (r *Repository) SaveTransition(ctx context.Context, attemptID string, tr lifecycle.Transition) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO trade_events (attempt_id, from_phase, to_phase, reason, occurred_at)
		VALUES ($1,$2,$3,$4,$5)`,
		attemptID, string(tr.From), string(tr.To), tr.Reason, tr.At,
	)
	if err != nil {
		return fmt.Errorf("save transition: %w", err)
	}
	return nil
}

// RecentTrades returns the newest attempts, most recent first.
func (r *Repository) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, symbol, direction, phase, entry_price, exit_price,
		       stop_loss, take_profit, quantity, leverage,
		       realized_pnl, fees, COALESCE(close_reason, ''), started_at, closed_at
		FROM trade_attempts
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.ID, &t.Symbol, &t.Direction, &t.Phase, &t.EntryPrice, &t.ExitPrice,
			&t.StopLoss, &t.TakeProfit, &t.Quantity, &t.Leverage,
			&t.RealizedPnL, &t.Fees, &t.CloseReason, &t.StartedAt, &t.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveParameterSet stores p and, when active, clears the previous active
// flag in the same transaction.
func (r *Repository) SaveParameterSet(ctx context.Context, p params.ParameterSet, active bool) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal parameter set: %w", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if active {
		if _, err := tx.Exec(ctx, `UPDATE parameter_sets SET active = false WHERE active`); err != nil {
			return fmt.Errorf("clear active flag: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO parameter_sets (id, provenance, fitness, payload, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET fitness = EXCLUDED.fitness, active = EXCLUDED.active`,
		p.ID, string(p.Provenance), p.Fitness, payload, active, p.CreatedAt,
	); err != nil {
		return fmt.Errorf("save parameter set: %w", err)
	}
	return tx.Commit(ctx)
}

// ActiveParameterSet loads the persisted active set, if any.
func (r *Repository) ActiveParameterSet(ctx context.Context) (*params.ParameterSet, error) {
	var payload []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT payload FROM parameter_sets WHERE active ORDER BY created_at DESC LIMIT 1`,
	).Scan(&payload)
	if err != nil {
		return nil, err
	}
	var p params.ParameterSet
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal parameter set: %w", err)
	}
	return &p, nil
}

// SaveRun records one optimization cycle.
func (r *Repository) SaveRun(ctx context.Context, run optimizer.Run) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO optimizer_runs (
			id, candidate_id, provenance, train_fitness, holdout_fitness,
			active_fitness, promoted, started_at, finished_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		run.ID, run.CandidateID, string(run.Provenance), run.TrainFitness,
		run.HoldoutFitness, run.ActiveFitness, run.Promoted,
		run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save optimizer run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest optimization cycles, most recent first.
func (r *Repository) RecentRuns(ctx context.Context, limit int) ([]optimizer.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, candidate_id, provenance, train_fitness, holdout_fitness,
		       active_fitness, promoted, started_at, finished_at
		FROM optimizer_runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []optimizer.Run
	for rows.Next() {
		var run optimizer.Run
		var prov string
		if err := rows.Scan(
			&run.ID, &run.CandidateID, &prov, &run.TrainFitness, &run.HoldoutFitness,
			&run.ActiveFitness, &run.Promoted, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Provenance = params.Provenance(prov)
		out = append(out, run)
	}
	return out, rows.Err()
}

// SaveCandle stores one closed candle for later replay.
func (r *Repository) SaveCandle(ctx context.Context, c market.Candle) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO candles (symbol, interval, open_time, close_time, open, high, low, close, volume)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (symbol, interval, open_time) DO NOTHING`,
		r.symbol, r.interval, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume,
	)
	if err != nil {
		return fmt.Errorf("save candle: %w", err)
	}
	return nil
}

// RecentCandles returns up to limit stored candles, oldest first.
func (r *Repository) RecentCandles(ctx context.Context, limit int) ([]market.Candle, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume
		FROM (
			SELECT * FROM candles
			WHERE symbol = $1 AND interval = $2
			ORDER BY open_time DESC
			LIMIT $3
		) newest
		ORDER BY open_time ASC`,
		r.symbol, r.interval, limit)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
