package optimizer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"pafer-trading-engine/config"
	"pafer-trading-engine/internal/events"
	"pafer-trading-engine/internal/market"
	"pafer-trading-engine/internal/params"
)

// historyLimit is how many candles a cycle replays, roughly 30 days of 15m
// bars.
const historyLimit = 2880

// CandleSource supplies historical candles for replay, oldest first.
type CandleSource interface {
	RecentCandles(ctx context.Context, limit int) ([]market.Candle, error)
}

// Run is the audit record of one optimization cycle.
type Run struct {
	ID              string              `json:"id"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
	CandidateID     string              `json:"candidate_id"`
	Provenance      params.Provenance   `json:"provenance"`
	TrainFitness    float64             `json:"train_fitness"`
	HoldoutFitness  float64             `json:"holdout_fitness"`
	ActiveFitness   float64             `json:"active_fitness"`
	Promoted        bool                `json:"promoted"`
	Candidate       params.ParameterSet `json:"candidate"`
}

// RunRecorder persists optimization cycles and the parameter sets they
// promote, so a restart resumes from the last promoted set.
type RunRecorder interface {
	SaveRun(ctx context.Context, run Run) error
	SaveParameterSet(ctx context.Context, p params.ParameterSet, active bool) error
}

// NopRunRecorder discards runs.
type NopRunRecorder struct{}

func (NopRunRecorder) SaveRun(context.Context, Run) error { return nil }
func (NopRunRecorder) SaveParameterSet(context.Context, params.ParameterSet, bool) error {
	return nil
}

// Optimizer runs the hybrid search off the trading hot path: a Bayesian
// phase maps the space, a genetic phase refines it, and the survivor must
// beat the active set on held-out candles before promotion.
type Optimizer struct {
	cfg        config.OptimizerConfig
	store      *params.Store
	backtester *Backtester
	source     CandleSource
	bus        *events.Bus
	recorder   RunRecorder
	logger     zerolog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// New creates an optimizer. recorder may be nil.
func New(cfg config.OptimizerConfig, store *params.Store, backtester *Backtester, source CandleSource, bus *events.Bus, recorder RunRecorder, logger zerolog.Logger) *Optimizer {
	if recorder == nil {
		recorder = NopRunRecorder{}
	}
	return &Optimizer{
		cfg:        cfg,
		store:      store,
		backtester: backtester,
		source:     source,
		bus:        bus,
		recorder:   recorder,
		logger:     logger,
	}
}

// Start schedules cycles with the configured cron expression. Overlapping
// runs are skipped.
func (o *Optimizer) Start() error {
	o.cron = cron.New(cron.WithSeconds())
	_, err := o.cron.AddFunc(o.cfg.Schedule, func() {
		o.mu.Lock()
		if o.running {
			o.mu.Unlock()
			o.logger.Warn().Msg("optimization cycle still running, skipping schedule tick")
			return
		}
		o.running = true
		o.mu.Unlock()

		defer func() {
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
		}()

		if _, err := o.RunOnce(context.Background()); err != nil {
			o.logger.Error().Err(err).Msg("optimization cycle failed")
		}
	})
	if err != nil {
		return fmt.Errorf("bad optimizer schedule %q: %w", o.cfg.Schedule, err)
	}
	o.cron.Start()
	o.logger.Info().Str("schedule", o.cfg.Schedule).Msg("optimizer scheduled")
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (o *Optimizer) Stop() {
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
}

// RunOnce executes a full optimization cycle and reports what happened.
func (o *Optimizer) RunOnce(ctx context.Context) (Run, error) {
	started := time.Now().UTC()
	active := o.store.Active()

	candles, err := o.source.RecentCandles(ctx, historyLimit)
	if err != nil {
		return Run{}, fmt.Errorf("load history: %w", err)
	}
	train, holdout := o.split(candles)
	minNeeded := active.Indicators().MinHistory() + 2
	if len(train) < minNeeded || len(holdout) < minNeeded {
		return Run{}, fmt.Errorf("not enough history: %d train / %d holdout candles", len(train), len(holdout))
	}

	evaluate := func(x []float64) float64 {
		candidate := params.FromVector(active, x, params.ProvenanceBayesian)
		res, err := o.backtester.Run(train, candidate)
		if err != nil {
			return -1
		}
		return o.fitness(res)
	}

	space := params.SearchSpace()
	seed := time.Now().UnixNano()

	// Phase one: Bayesian exploration, anchored on the active set.
	bayes := NewBayes(space, ExpectedImprovement{Xi: 0.01}, seed)
	activeVec := params.Vector(active)
	bayes.Observe(activeVec, evaluate(activeVec))
	for i := 0; i < o.cfg.BayesInitPoints; i++ {
		x := bayes.Sample()
		bayes.Observe(x, evaluate(x))
	}
	for i := 0; i < o.cfg.BayesIterations; i++ {
		if ctx.Err() != nil {
			return Run{}, ctx.Err()
		}
		x := bayes.Suggest(64)
		bayes.Observe(x, evaluate(x))
	}

	bestX, bestFit := bayes.Best()
	provenance := params.ProvenanceBayesian

	// Phase two: genetic refinement seeded with the Bayesian elite.
	genetic := NewGenetic(space, GeneticConfig{
		PopulationSize: o.cfg.PopulationSize,
		TournamentSize: o.cfg.TournamentSize,
		CrossoverRate:  o.cfg.CrossoverRate,
		MutationRate:   o.cfg.MutationRate,
	}, seed+1)

	elites := make([][]float64, 0, o.cfg.EliteSeeds)
	for _, obs := range bayes.Observations(o.cfg.EliteSeeds) {
		elites = append(elites, obs.x)
	}
	pop := genetic.Seed(elites)
	for gen := 0; gen < o.cfg.Generations; gen++ {
		if ctx.Err() != nil {
			return Run{}, ctx.Err()
		}
		fitness := make([]float64, len(pop))
		for i, x := range pop {
			fitness[i] = evaluate(x)
			if fitness[i] > bestFit {
				bestFit = fitness[i]
				bestX = pop[i]
				provenance = params.ProvenanceGenetic
			}
		}
		pop = genetic.Evolve(pop, fitness)
	}

	// Promotion gate: the candidate must beat the active set on candles
	// neither of them was tuned on.
	candidate := params.FromVector(active, bestX, provenance)
	holdoutFit := o.holdoutFitness(holdout, candidate)
	activeFit := o.holdoutFitness(holdout, active)

	run := Run{
		ID:             uuid.New().String(),
		StartedAt:      started,
		FinishedAt:     time.Now().UTC(),
		CandidateID:    candidate.ID,
		Provenance:     provenance,
		TrainFitness:   bestFit,
		HoldoutFitness: holdoutFit,
		ActiveFitness:  activeFit,
		Candidate:      candidate,
	}

	if holdoutFit > activeFit+o.cfg.PromotionMargin {
		candidate.Fitness = holdoutFit
		o.store.Promote(candidate)
		run.Promoted = true
		if err := o.recorder.SaveParameterSet(ctx, candidate, true); err != nil {
			o.logger.Error().Err(err).Msg("promoted parameter set not persisted")
		}
		o.bus.Emit(events.EventParamsPromoted, map[string]interface{}{
			"params_id":  candidate.ID,
			"provenance": string(provenance),
			"fitness":    holdoutFit,
		})
		o.logger.Info().
			Str("params_id", candidate.ID).
			Str("provenance", string(provenance)).
			Float64("holdout_fitness", holdoutFit).
			Float64("active_fitness", activeFit).
			Msg("candidate promoted to active parameter set")
	} else {
		o.logger.Info().
			Float64("holdout_fitness", holdoutFit).
			Float64("active_fitness", activeFit).
			Msg("candidate did not clear the promotion gate")
	}

	o.bus.Emit(events.EventOptimizerRun, map[string]interface{}{
		"promoted": run.Promoted,
		"fitness":  holdoutFit,
	})
	if err := o.recorder.SaveRun(ctx, run); err != nil {
		o.logger.Error().Err(err).Msg("optimization run not persisted")
	}
	return run, nil
}

// fitness blends risk-adjusted return with consistency. Sets that barely
// trade cannot be trusted and score a flat penalty.
func (o *Optimizer) fitness(res Result) float64 {
	if res.Trades < o.cfg.MinTrades {
		return -1
	}
	return 0.7*res.Sharpe + 0.3*res.WinRate
}

func (o *Optimizer) holdoutFitness(holdout []market.Candle, p params.ParameterSet) float64 {
	res, err := o.backtester.Run(holdout, p)
	if err != nil {
		return math.Inf(-1)
	}
	// The holdout slice is short; judge it without the trade-count gate so
	// a quiet market cannot blanket-veto every candidate.
	return 0.7*res.Sharpe + 0.3*res.WinRate
}

// split carves the most recent fraction of candles off as the holdout set.
func (o *Optimizer) split(candles []market.Candle) (train, holdout []market.Candle) {
	frac := o.cfg.HoldoutFraction
	if frac <= 0 || frac >= 1 {
		frac = 0.3
	}
	cut := len(candles) - int(float64(len(candles))*frac)
	return candles[:cut], candles[cut:]
}
