package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pafer-trading-engine/config"
	"pafer-trading-engine/internal/api"
	"pafer-trading-engine/internal/database"
	"pafer-trading-engine/internal/events"
	"pafer-trading-engine/internal/execution"
	"pafer-trading-engine/internal/lifecycle"
	"pafer-trading-engine/internal/logging"
	"pafer-trading-engine/internal/market"
	"pafer-trading-engine/internal/metrics"
	"pafer-trading-engine/internal/optimizer"
	"pafer-trading-engine/internal/params"
	"pafer-trading-engine/internal/risk"
	"pafer-trading-engine/internal/signal"
	"pafer-trading-engine/internal/vault"
)

func main() {
	// Missing .env is fine; config falls back to defaults.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file (default config.json)")
	mode := flag.String("mode", "", "override trading mode: live, simulated or optimize")
	sampleConfig := flag.String("sample-config", "", "write a sample config file to the given path and exit")
	flag.Parse()

	if *sampleConfig != "" {
		if err := config.GenerateSampleConfig(*sampleConfig); err != nil {
			fmt.Fprintf(os.Stderr, "generate sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sample config written to %s\n", *sampleConfig)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.TradingConfig.Mode = *mode
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Format: cfg.LoggingConfig.Format,
		Output: cfg.LoggingConfig.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("engine exited")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	symbol := cfg.ExchangeConfig.Symbol
	interval, err := market.ParseInterval(cfg.TradingConfig.Interval)
	if err != nil {
		return fmt.Errorf("trading interval: %w", err)
	}

	ctx, cancel := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().
		Str("symbol", symbol).
		Str("interval", cfg.TradingConfig.Interval).
		Str("mode", cfg.TradingConfig.Mode).
		Msg("starting engine")

	bus := events.NewBus()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	m.BindBus(bus)

	// Persistence is optional; without it the engine runs from memory
	// and the optimizer stays offline.
	var (
		repo        *database.Repository
		recorder    lifecycle.Recorder    = lifecycle.NopRecorder{}
		runRecorder optimizer.RunRecorder = optimizer.NopRunRecorder{}
		tradeStore  api.TradeStore
	)
	if cfg.DatabaseConfig.Enabled {
		db, err := database.New(cfg.DatabaseConfig, logging.Component(logger, "database"))
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		repo = database.NewRepository(db, symbol, cfg.TradingConfig.Interval)
		recorder = repo
		runRecorder = repo
		tradeStore = repo
	}

	store := params.NewStore(params.Default())
	if repo != nil {
		// Resume the last promoted set across restarts.
		if active, err := repo.ActiveParameterSet(ctx); err == nil && active != nil {
			if err := active.Validate(); err == nil {
				store.Promote(*active)
				logger.Info().Str("params_id", active.ID).Msg("restored active parameter set")
			}
		}
	}

	backtester := optimizer.NewBacktester(
		interval,
		cfg.SimulatorConfig.TakerFeeRate,
		cfg.SimulatorConfig.InitialBalance,
		cfg.TradingConfig.MaxTimeInTrade,
		logging.Component(logger, "backtest"),
	)

	// One-shot optimization cycle, then exit.
	if cfg.TradingConfig.Mode == "optimize" {
		if repo == nil {
			return fmt.Errorf("optimize mode requires the database")
		}
		opt := optimizer.New(cfg.OptimizerConfig, store, backtester, repo, bus, runRecorder,
			logging.Component(logger, "optimizer"))
		result, err := opt.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("optimization run: %w", err)
		}
		logger.Info().
			Str("run_id", result.ID).
			Str("provenance", string(result.Provenance)).
			Float64("holdout_fitness", result.HoldoutFitness).
			Bool("promoted", result.Promoted).
			Msg("optimization run finished")
		return nil
	}

	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		defer redisClient.Close()
	}
	stateCache := database.NewStateCache(redisClient, logging.Component(logger, "state_cache"))

	executor, err := buildExecutor(ctx, cfg, symbol, logger)
	if err != nil {
		return err
	}

	// An attempt cached by a previous process means it died mid-trade and
	// the venue may still hold the position. Flatten before trading resumes.
	if cached, err := stateCache.LoadAttempt(ctx, symbol); err == nil && cached != nil {
		logger.Warn().
			Str("attempt_id", cached.ID).
			Str("phase", string(cached.Phase)).
			Msg("attempt left over from a previous run, reconciling")
		if pos, perr := executor.Position(ctx, symbol); perr == nil && !pos.Flat() {
			if _, cerr := executor.ClosePosition(ctx, symbol); cerr != nil {
				return fmt.Errorf("flatten leftover position: %w", cerr)
			}
			logger.Warn().Str("attempt_id", cached.ID).Msg("leftover position flattened")
		}
		_ = stateCache.ClearAttempt(ctx, symbol)
	}

	window := market.NewWindow(cfg.TradingConfig.WindowSize, store.Active().Indicators())
	detector := signal.NewDetector(interval, logging.Component(logger, "signal"))
	riskManager := risk.NewManager(cfg.RiskConfig, logging.Component(logger, "risk"))

	engine := lifecycle.NewEngine(cfg.TradingConfig, symbol, lifecycle.Deps{
		Window:   window,
		Detector: detector,
		Risk:     riskManager,
		Executor: executor,
		Params:   store,
		Bus:      bus,
		Recorder: recorder,
		Metrics:  m,
		Logger:   logging.Component(logger, "lifecycle"),
	})

	// Mirror the in-flight attempt into the state cache so a restarted
	// process can see what was open. Terminal phases clear the entry; the
	// bus delivers synchronously, so the attempt may still be installed
	// when its closing transition arrives.
	bus.Subscribe(events.EventPhaseChanged, func(events.Event) {
		if a := engine.CurrentAttempt(); a != nil && !a.Phase.Terminal() {
			_ = stateCache.SaveAttempt(context.Background(), a)
		} else {
			_ = stateCache.ClearAttempt(context.Background(), symbol)
		}
	})

	if cfg.OptimizerConfig.Enabled {
		if repo == nil {
			logger.Warn().Msg("optimizer enabled but database disabled, skipping")
		} else {
			opt := optimizer.New(cfg.OptimizerConfig, store, backtester, repo, bus, runRecorder,
				logging.Component(logger, "optimizer"))
			if err := opt.Start(); err != nil {
				return fmt.Errorf("start optimizer: %w", err)
			}
			defer opt.Stop()
		}
	}

	if cfg.ServerConfig.Enabled {
		server := api.NewServer(cfg.ServerConfig, api.Deps{
			Symbol:   symbol,
			Engine:   engine,
			Store:    store,
			Executor: executor,
			Breaker:  riskManager.Breaker(),
			Trades:   tradeStore,
			Bus:      bus,
			Gatherer: registry,
			Logger:   logging.Component(logger, "api"),
		})
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("api server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	feed := market.NewFeed(cfg.ExchangeConfig.StreamURL, symbol, cfg.TradingConfig.Interval,
		logging.Component(logger, "feed"))
	go feed.Run(ctx)

	candles := make(chan market.Candle, 16)
	go func() {
		defer close(candles)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-feed.Candles():
				if !ok {
					return
				}
				if repo != nil {
					if err := repo.SaveCandle(ctx, c); err != nil {
						logger.Warn().Err(err).Msg("persist candle failed")
					}
				}
				candles <- c
			}
		}
	}()

	bus.Emit(events.EventEngineStarted, map[string]interface{}{
		"symbol": symbol,
		"mode":   cfg.TradingConfig.Mode,
	})

	err = engine.Run(ctx, candles)

	bus.Emit(events.EventEngineStopped, map[string]interface{}{"symbol": symbol})
	logger.Info().Msg("engine stopped")
	return err
}

// buildExecutor picks the execution backend for the configured mode. Live
// credentials come from the credential store and stay in memory.
func buildExecutor(ctx context.Context, cfg *config.Config, symbol string, logger zerolog.Logger) (execution.Executor, error) {
	switch cfg.TradingConfig.Mode {
	case "live":
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return nil, fmt.Errorf("init vault: %w", err)
		}
		if err := vaultClient.Health(ctx); err != nil {
			return nil, fmt.Errorf("vault health: %w", err)
		}
		creds, err := vaultClient.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("load exchange credentials: %w", err)
		}
		return execution.NewLiveExecutor(cfg.ExchangeConfig.BaseURL, creds,
			cfg.ExchangeConfig.RecvWindow, logging.Component(logger, "execution")), nil

	case "simulated":
		return execution.NewSimulator(cfg.SimulatorConfig, symbol,
			logging.Component(logger, "simulator")), nil

	default:
		return nil, fmt.Errorf("unknown trading mode %q", cfg.TradingConfig.Mode)
	}
}
