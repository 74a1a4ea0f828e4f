package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ExchangeConfig  ExchangeConfig  `json:"exchange"`
	TradingConfig   TradingConfig   `json:"trading"`
	RiskConfig      RiskConfig      `json:"risk"`
	SimulatorConfig SimulatorConfig `json:"simulator"`
	OptimizerConfig OptimizerConfig `json:"optimizer"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	VaultConfig     VaultConfig     `json:"vault"`
	ServerConfig    ServerConfig    `json:"server"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// ExchangeConfig holds the perpetual-futures exchange endpoints.
type ExchangeConfig struct {
	Symbol     string `json:"symbol"`      // e.g. "ETHUSDT"
	BaseURL    string `json:"base_url"`    // REST endpoint
	StreamURL  string `json:"stream_url"`  // websocket market stream
	TestNet    bool   `json:"testnet"`
	RecvWindow int    `json:"recv_window"` // Milliseconds
}

// TradingConfig selects the execution mode and the candle cadence the
// lifecycle runs on.
type TradingConfig struct {
	Mode                string        `json:"mode"`     // "live" or "simulated"
	Interval            string        `json:"interval"` // candle interval, e.g. "15m"
	WindowSize          int           `json:"window_size"`
	SignalCooldown      time.Duration `json:"signal_cooldown"`
	MaxTimeInTrade      time.Duration `json:"max_time_in_trade"`
	ExecutionTimeout    time.Duration `json:"execution_timeout"`
	MaxDrawdownPercent  float64       `json:"max_drawdown_percent"`  // per-trade drawdown exit in Feel
	ThesisRecheckEvery  int           `json:"thesis_recheck_every"`  // candles between thesis re-evaluations
}

type RiskConfig struct {
	MaxPositionSizeUSD   float64       `json:"max_position_size_usd"`
	MaxLeverage          float64       `json:"max_leverage"`
	MaxRiskPerTrade      float64       `json:"max_risk_per_trade"` // percent of balance
	MaxDailyLossPercent  float64       `json:"max_daily_loss_percent"`
	BreakerCooldown      time.Duration `json:"breaker_cooldown"`
	LiquidationBufferPct float64       `json:"liquidation_buffer_pct"` // min distance from liquidation price
}

// SimulatorConfig mirrors the exchange's published fee schedule and the
// slippage and margin model used in simulated mode.
type SimulatorConfig struct {
	InitialBalance        float64 `json:"initial_balance"`
	MakerFeeRate          float64 `json:"maker_fee_rate"`
	TakerFeeRate          float64 `json:"taker_fee_rate"`
	MaxSlippagePct        float64 `json:"max_slippage_pct"`
	MinSlippagePct        float64 `json:"min_slippage_pct"`
	MaintenanceMarginRate float64 `json:"maintenance_margin_rate"`
	LiquidationFeeRate    float64 `json:"liquidation_fee_rate"`
	BankruptcyFloor       float64 `json:"bankruptcy_floor"` // reset balance below this
}

type OptimizerConfig struct {
	Enabled           bool    `json:"enabled"`
	Schedule          string  `json:"schedule"` // cron spec
	BayesIterations   int     `json:"bayes_iterations"`
	BayesInitPoints   int     `json:"bayes_init_points"`
	PopulationSize    int     `json:"population_size"`
	Generations       int     `json:"generations"`
	CrossoverRate     float64 `json:"crossover_rate"`
	MutationRate      float64 `json:"mutation_rate"`
	TournamentSize    int     `json:"tournament_size"`
	EliteSeeds        int     `json:"elite_seeds"` // bayesian bests seeding the population
	MinTrades         int     `json:"min_trades"`
	HoldoutFraction   float64 `json:"holdout_fraction"`
	PromotionMargin   float64 `json:"promotion_margin"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds HashiCorp Vault configuration for exchange credentials.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
	Output string `json:"output"`
}

// Load reads path, falls back to defaults when the file is absent, and
// applies environment overrides last. An empty path means "config.json".
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}
	cfg, err := loadFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = &Config{}
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeConfig.Symbol == "" {
		cfg.ExchangeConfig.Symbol = "ETHUSDT"
	}
	if cfg.ExchangeConfig.BaseURL == "" {
		cfg.ExchangeConfig.BaseURL = "https://fapi.binance.com"
	}
	if cfg.ExchangeConfig.StreamURL == "" {
		cfg.ExchangeConfig.StreamURL = "wss://fstream.binance.com/ws"
	}
	if cfg.ExchangeConfig.RecvWindow == 0 {
		cfg.ExchangeConfig.RecvWindow = 5000
	}
	if cfg.TradingConfig.Mode == "" {
		cfg.TradingConfig.Mode = "simulated"
	}
	if cfg.TradingConfig.Interval == "" {
		cfg.TradingConfig.Interval = "15m"
	}
	if cfg.TradingConfig.WindowSize == 0 {
		cfg.TradingConfig.WindowSize = 200
	}
	if cfg.TradingConfig.SignalCooldown == 0 {
		cfg.TradingConfig.SignalCooldown = 15 * time.Minute
	}
	if cfg.TradingConfig.MaxTimeInTrade == 0 {
		cfg.TradingConfig.MaxTimeInTrade = 12 * time.Hour
	}
	if cfg.TradingConfig.ExecutionTimeout == 0 {
		cfg.TradingConfig.ExecutionTimeout = 10 * time.Second
	}
	if cfg.TradingConfig.MaxDrawdownPercent == 0 {
		cfg.TradingConfig.MaxDrawdownPercent = 8.0
	}
	if cfg.TradingConfig.ThesisRecheckEvery == 0 {
		cfg.TradingConfig.ThesisRecheckEvery = 1
	}
	if cfg.RiskConfig.MaxPositionSizeUSD == 0 {
		cfg.RiskConfig.MaxPositionSizeUSD = 500.0
	}
	if cfg.RiskConfig.MaxLeverage == 0 {
		cfg.RiskConfig.MaxLeverage = 50
	}
	if cfg.RiskConfig.MaxRiskPerTrade == 0 {
		cfg.RiskConfig.MaxRiskPerTrade = 5.0
	}
	if cfg.RiskConfig.MaxDailyLossPercent == 0 {
		cfg.RiskConfig.MaxDailyLossPercent = 5.0
	}
	if cfg.RiskConfig.BreakerCooldown == 0 {
		cfg.RiskConfig.BreakerCooldown = 30 * time.Minute
	}
	if cfg.RiskConfig.LiquidationBufferPct == 0 {
		cfg.RiskConfig.LiquidationBufferPct = 1.0
	}
	if cfg.SimulatorConfig.InitialBalance == 0 {
		cfg.SimulatorConfig.InitialBalance = 100.0
	}
	if cfg.SimulatorConfig.MakerFeeRate == 0 {
		cfg.SimulatorConfig.MakerFeeRate = 0.0002
	}
	if cfg.SimulatorConfig.TakerFeeRate == 0 {
		cfg.SimulatorConfig.TakerFeeRate = 0.0006
	}
	if cfg.SimulatorConfig.MaxSlippagePct == 0 {
		cfg.SimulatorConfig.MaxSlippagePct = 0.15
	}
	if cfg.SimulatorConfig.MinSlippagePct == 0 {
		cfg.SimulatorConfig.MinSlippagePct = 0.02
	}
	if cfg.SimulatorConfig.MaintenanceMarginRate == 0 {
		cfg.SimulatorConfig.MaintenanceMarginRate = 0.005
	}
	if cfg.SimulatorConfig.LiquidationFeeRate == 0 {
		cfg.SimulatorConfig.LiquidationFeeRate = 0.0125
	}
	if cfg.SimulatorConfig.BankruptcyFloor == 0 {
		cfg.SimulatorConfig.BankruptcyFloor = 10.0
	}
	if cfg.OptimizerConfig.Schedule == "" {
		cfg.OptimizerConfig.Schedule = "0 0 */4 * * *"
	}
	if cfg.OptimizerConfig.BayesIterations == 0 {
		cfg.OptimizerConfig.BayesIterations = 30
	}
	if cfg.OptimizerConfig.BayesInitPoints == 0 {
		cfg.OptimizerConfig.BayesInitPoints = 5
	}
	if cfg.OptimizerConfig.PopulationSize == 0 {
		cfg.OptimizerConfig.PopulationSize = 20
	}
	if cfg.OptimizerConfig.Generations == 0 {
		cfg.OptimizerConfig.Generations = 20
	}
	if cfg.OptimizerConfig.CrossoverRate == 0 {
		cfg.OptimizerConfig.CrossoverRate = 0.5
	}
	if cfg.OptimizerConfig.MutationRate == 0 {
		cfg.OptimizerConfig.MutationRate = 0.2
	}
	if cfg.OptimizerConfig.TournamentSize == 0 {
		cfg.OptimizerConfig.TournamentSize = 3
	}
	if cfg.OptimizerConfig.EliteSeeds == 0 {
		cfg.OptimizerConfig.EliteSeeds = 3
	}
	if cfg.OptimizerConfig.MinTrades == 0 {
		cfg.OptimizerConfig.MinTrades = 5
	}
	if cfg.OptimizerConfig.HoldoutFraction == 0 {
		cfg.OptimizerConfig.HoldoutFraction = 0.3
	}
	if cfg.OptimizerConfig.PromotionMargin == 0 {
		cfg.OptimizerConfig.PromotionMargin = 0.05
	}
	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Format == "" {
		cfg.LoggingConfig.Format = "json"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange credentials are never read from environment; they come from the
// credential store at session start.
func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.Symbol = getEnvOrDefault("EXCHANGE_SYMBOL", cfg.ExchangeConfig.Symbol)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.StreamURL = getEnvOrDefault("EXCHANGE_STREAM_URL", cfg.ExchangeConfig.StreamURL)
	if v := os.Getenv("EXCHANGE_TESTNET"); v != "" {
		cfg.ExchangeConfig.TestNet = v == "true"
	}

	cfg.TradingConfig.Mode = getEnvOrDefault("TRADING_MODE", cfg.TradingConfig.Mode)
	cfg.TradingConfig.Interval = getEnvOrDefault("TRADING_INTERVAL", cfg.TradingConfig.Interval)

	if v := os.Getenv("OPTIMIZER_ENABLED"); v != "" {
		cfg.OptimizerConfig.Enabled = v == "true"
	}
	cfg.OptimizerConfig.Schedule = getEnvOrDefault("OPTIMIZER_SCHEDULE", cfg.OptimizerConfig.Schedule)

	if v := os.Getenv("DB_ENABLED"); v != "" {
		cfg.DatabaseConfig.Enabled = v == "true"
	}
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	if v := os.Getenv("SERVER_ENABLED"); v != "" {
		cfg.ServerConfig.Enabled = v == "true"
	}
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Format = getEnvOrDefault("LOG_FORMAT", cfg.LoggingConfig.Format)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file.
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.DatabaseConfig.User = "pafer"
	cfg.DatabaseConfig.Password = "change_me"
	cfg.DatabaseConfig.Database = "pafer"
	cfg.RedisConfig.Address = "localhost:6379"
	cfg.VaultConfig.Address = "http://localhost:8200"
	cfg.VaultConfig.MountPath = "secret"
	cfg.VaultConfig.SecretPath = "pafer/exchange-keys"
	cfg.ServerConfig.Enabled = true

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}
