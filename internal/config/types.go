package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/multierr"
)

// Config aggregates every setting the taker needs to run.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Bitcoin  BitcoinConfig  `mapstructure:"bitcoin"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Taker    TakerConfig    `mapstructure:"taker"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// AppConfig controls application-level parameters.
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BitcoinConfig selects the target network.
type BitcoinConfig struct {
	Network string `mapstructure:"network"`
}

// Params resolves the configured network name into chain parameters.
func (c BitcoinConfig) Params() (*chaincfg.Params, error) {
	switch strings.ToLower(c.Network) {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", c.Network)
	}
}

// WalletConfig describes the wallet collaborator.
type WalletConfig struct {
	Mixdepths int  `mapstructure:"mixdepths"`
	GapLimit  int  `mapstructure:"gap_limit"`
	FastSync  bool `mapstructure:"fast_sync"`
}

// DaemonConfig describes how to reach the joinmarket daemon, or how to
// simulate one.
type DaemonConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Simulation   bool          `mapstructure:"simulation"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// TakerConfig controls the orchestration run.
type TakerConfig struct {
	// TxFee is the per-participant miner fee in satoshi. The sentinel -1
	// requests a dynamic estimate.
	TxFee            int64         `mapstructure:"tx_fee"`
	FeeRatePerKVByte int64         `mapstructure:"fee_rate_per_kvb"`
	WaitTime         time.Duration `mapstructure:"wait_time"`
	// MakerCount 0 means "pick a random default" at schedule build time.
	MakerCount int    `mapstructure:"maker_count"`
	Policy     string `mapstructure:"policy"`
	AnswerYes  bool   `mapstructure:"answer_yes"`
}

// ScheduleConfig describes where the schedule comes from: a schedule file,
// or a single payment assembled from the remaining fields.
type ScheduleConfig struct {
	File        string `mapstructure:"file"`
	Mixdepth    uint32 `mapstructure:"mixdepth"`
	Amount      int64  `mapstructure:"amount"`
	Destination string `mapstructure:"destination"`
}

// DatabaseConfig manages the event store connection.
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig controls the run-event HTTP endpoint.
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Known selection policy names.
const (
	PolicyWeighted = "weighted"
	PolicyCheapest = "cheapest"
	PolicyManual   = "manual"
)

// Validate performs basic sanity checks on the configuration.
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment must not be empty"))
	}
	if _, perr := c.Bitcoin.Params(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("bitcoin.network invalid: %w", perr))
	}
	if c.Wallet.Mixdepths <= 0 {
		err = multierr.Append(err, errors.New("wallet.mixdepths must be greater than 0"))
	}
	if c.Wallet.GapLimit <= 0 {
		err = multierr.Append(err, errors.New("wallet.gap_limit must be greater than 0"))
	}
	if c.Daemon.Host == "" {
		err = multierr.Append(err, errors.New("daemon.host must not be empty"))
	}
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		err = multierr.Append(err, errors.New("daemon.port must be a valid port"))
	}
	if c.Daemon.Simulation && c.Daemon.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("daemon.tick_interval must be positive in simulation mode"))
	}
	if c.Taker.TxFee < -1 {
		err = multierr.Append(err, errors.New("taker.tx_fee must be -1 (estimate) or non-negative"))
	}
	if c.Taker.FeeRatePerKVByte <= 0 {
		err = multierr.Append(err, errors.New("taker.fee_rate_per_kvb must be greater than 0"))
	}
	if c.Taker.WaitTime <= 0 {
		err = multierr.Append(err, errors.New("taker.wait_time must be greater than 0"))
	}
	if c.Taker.MakerCount < 0 {
		err = multierr.Append(err, errors.New("taker.maker_count must not be negative"))
	}
	switch c.Taker.Policy {
	case PolicyWeighted, PolicyCheapest, PolicyManual:
	default:
		err = multierr.Append(err, fmt.Errorf("taker.policy must be one of weighted, cheapest, manual; got %q", c.Taker.Policy))
	}
	if c.Schedule.File == "" && c.Schedule.Destination == "" {
		err = multierr.Append(err, errors.New("schedule.file or schedule.destination must be set"))
	}
	if c.Schedule.Amount < 0 {
		err = multierr.Append(err, errors.New("schedule.amount must not be negative (0 sweeps the mixdepth)"))
	}
	if c.Schedule.File == "" && int(c.Schedule.Mixdepth) >= c.Wallet.Mixdepths {
		err = multierr.Append(err, errors.New("schedule.mixdepth must be below wallet.mixdepths"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path must not be empty"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns must be greater than 0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns must not be negative"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime must not be negative"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level must not be empty"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding must not be empty"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths needs at least one target"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths needs at least one target"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port must be a valid port"))
	}

	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	return nil
}
