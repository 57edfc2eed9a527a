package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"jmtaker/internal/app"
	"jmtaker/internal/config"
	"jmtaker/internal/log"
	"jmtaker/internal/store"
)

func main() {
	var (
		configPath   string
		schedulePath string
		mixdepth     uint
		amount       int64
		destination  string
		makers       int
		answerYes    bool
		fastSync     bool
	)
	flag.StringVar(&configPath, "config", "", "config file path, defaults to configs/config.yaml")
	flag.StringVar(&schedulePath, "schedule", "", "schedule file; overrides the single-payment flags")
	flag.UintVar(&mixdepth, "mixdepth", 0, "mixdepth to spend from")
	flag.Int64Var(&amount, "amount", 0, "amount to send in satoshi; 0 sweeps the mixdepth")
	flag.StringVar(&destination, "destination", "", "destination address")
	flag.IntVar(&makers, "makers", 0, "number of makers to join with; 0 picks a random 4-6")
	flag.BoolVar(&answerYes, "yes", false, "answer yes to everything")
	flag.BoolVar(&fastSync, "fast", false, "fast wallet sync, only for a previously synced wallet")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config failed: %v\n", err)
		os.Exit(1)
	}

	// Flags override the config's schedule section, mirroring the classic
	// CLI surface.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "schedule":
			cfg.Schedule.File = schedulePath
		case "mixdepth":
			cfg.Schedule.Mixdepth = uint32(mixdepth)
		case "amount":
			cfg.Schedule.Amount = amount
		case "destination":
			cfg.Schedule.Destination = destination
		case "makers":
			cfg.Taker.MakerCount = makers
		case "yes":
			cfg.Taker.AnswerYes = answerYes
		case "fast":
			cfg.Wallet.FastSync = fastSync
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("opening event store failed", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("closing event store failed", zap.Error(closeErr))
		}
	}()

	takerApp := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := takerApp.Run(ctx); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("done")
}
