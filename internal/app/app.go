package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jmtaker/internal/config"
	"jmtaker/internal/fee"
	"jmtaker/internal/monitor"
	"jmtaker/internal/orderbook"
	"jmtaker/internal/regtest"
	"jmtaker/internal/schedule"
	"jmtaker/internal/store"
	"jmtaker/internal/taker"
)

// Collaborators are the external daemon-side dependencies of a run. When
// nil and simulation mode is on, an in-process regtest simulator is wired
// in their place.
type Collaborators struct {
	Wallet taker.Wallet
	Client taker.ProtocolClient
	Book   orderbook.BookSource
	// Background, if set, runs alongside the taker (e.g. the simulator's
	// chain ticker).
	Background func(ctx context.Context) error
	// Attach receives the taker so the adapter can deliver events.
	Attach func(n regtest.Notifier)
}

// App aggregates core dependencies and drives one taker run.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	collab *Collaborators
}

// New creates an App.
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// WithCollaborators injects externally built daemon collaborators.
func (a *App) WithCollaborators(c Collaborators) *App {
	a.collab = &c
	return a
}

// Run builds the schedule, wires the taker and executes it to its terminal
// outcome. A completed run returns nil; an aborted run returns an error.
func (a *App) Run(ctx context.Context) error {
	params, err := a.cfg.Bitcoin.Params()
	if err != nil {
		return err
	}

	sched, source, err := a.buildSchedule(params)
	if err != nil {
		return fmt.Errorf("building schedule: %w", err)
	}

	monitorSvc, err := monitor.NewService(a.store, a.logger)
	if err != nil {
		return err
	}
	monitorSvc.RecordScheduleLoaded(ctx, monitor.ScheduleLoadedPayload{
		Entries:     sched.Len(),
		NeedsSweep:  sched.NeedsSweep(),
		MaxMixdepth: sched.MaxMixdepth(),
		Source:      source,
	})

	a.logger.Info("taker initialized",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("network", params.Name),
		zap.Int("entries", sched.Len()),
		zap.Bool("needs_sweep", sched.NeedsSweep()),
		zap.Uint32("max_mixdepth", sched.MaxMixdepth()),
		zap.String("policy", a.cfg.Taker.Policy),
	)

	policy, err := a.buildPolicy()
	if err != nil {
		return err
	}
	if a.cfg.Taker.Policy == config.PolicyManual && sched.NeedsSweep() {
		a.logger.Warn("manual offer picking while sweeping may require multiple picks")
	}

	feePerParticipant := a.resolveFee()

	collab, err := a.buildCollaborators(sched)
	if err != nil {
		return err
	}

	var confirm taker.Confirm
	if !a.cfg.Taker.AnswerYes {
		confirm = promptConfirm(os.Stdin, os.Stdout)
	}

	tk, err := taker.New(taker.Options{
		Schedule:          sched,
		Wallet:            collab.Wallet,
		Client:            collab.Client,
		Book:              collab.Book,
		Policy:            policy,
		FeePerParticipant: feePerParticipant,
		WaitTime:          a.cfg.Taker.WaitTime,
		FastSync:          a.cfg.Wallet.FastSync,
		Confirm:           confirm,
		Monitor:           monitorSvc,
		Logger:            a.logger,
	})
	if err != nil {
		return err
	}
	if collab.Attach != nil {
		collab.Attach(tk)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(groupCtx, monitorSvc, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	if collab.Background != nil {
		group.Go(func() error {
			if err := collab.Background(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	var result taker.Result
	group.Go(func() error {
		r, runErr := tk.Run(groupCtx)
		result = r
		cancel()
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	a.logger.Info("run finished", zap.String("report", result.String()))
	if result.Outcome != taker.OutcomeCompleted {
		return fmt.Errorf("run aborted: %s", result.Reason)
	}
	return nil
}

func (a *App) buildSchedule(params *chaincfg.Params) (*schedule.Schedule, string, error) {
	if a.cfg.Schedule.File != "" {
		sched, err := schedule.LoadFile(a.cfg.Schedule.File, params)
		if err != nil {
			return nil, "", err
		}
		return sched, a.cfg.Schedule.File, nil
	}

	sched, err := schedule.Single(
		a.cfg.Schedule.Mixdepth,
		btcutil.Amount(a.cfg.Schedule.Amount),
		a.cfg.Taker.MakerCount,
		a.cfg.Schedule.Destination,
		params,
	)
	if err != nil {
		return nil, "", err
	}
	return sched, "single", nil
}

func (a *App) buildPolicy() (orderbook.Policy, error) {
	switch a.cfg.Taker.Policy {
	case config.PolicyCheapest:
		return orderbook.CheapestPolicy{}, nil
	case config.PolicyWeighted:
		return orderbook.NewWeightedPolicy(rand.New(rand.NewSource(time.Now().UnixNano()))), nil
	case config.PolicyManual:
		return orderbook.ManualPolicy{Pick: promptPick(os.Stdin, os.Stdout)}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q", a.cfg.Taker.Policy)
	}
}

// resolveFee returns the per-participant miner fee: the configured value,
// or a conservative 2-in/2-out estimate when the sentinel -1 is set.
func (a *App) resolveFee() btcutil.Amount {
	if a.cfg.Taker.TxFee >= 0 {
		return btcutil.Amount(a.cfg.Taker.TxFee)
	}
	estimator := fee.NewEstimator(btcutil.Amount(a.cfg.Taker.FeeRatePerKVByte))
	estimate := estimator.Estimate(fee.DefaultInputs, fee.DefaultOutputs)
	a.logger.Debug("estimated per-participant miner fee", zap.Int64("satoshi", int64(estimate)))
	return estimate
}

func (a *App) buildCollaborators(sched *schedule.Schedule) (Collaborators, error) {
	if a.collab != nil {
		return *a.collab, nil
	}
	if !a.cfg.Daemon.Simulation {
		return Collaborators{}, errors.New("daemon transport is an external collaborator: inject one or enable daemon.simulation")
	}

	sim := regtest.NewSimulator(regtest.Options{
		TickInterval: a.cfg.Daemon.TickInterval,
		TotalEntries: sched.Len(),
		Logger:       a.logger,
	})
	return Collaborators{
		Wallet:     sim,
		Client:     sim,
		Book:       sim,
		Background: sim.Run,
		Attach:     sim.Attach,
	}, nil
}

// promptConfirm asks the operator to approve each round on stdin.
func promptConfirm(in *os.File, out *os.File) taker.Confirm {
	reader := bufio.NewReader(in)
	return func(entry schedule.Entry, offers []orderbook.Offer, amount btcutil.Amount) bool {
		if entry.Sweep() {
			fmt.Fprintf(out, "sweep of mixdepth %d for %s with %d makers to %s, proceed? [y/N] ",
				entry.Mixdepth, amount, len(offers), entry.Destination)
		} else {
			fmt.Fprintf(out, "send %s from mixdepth %d with %d makers to %s, proceed? [y/N] ",
				amount, entry.Mixdepth, len(offers), entry.Destination)
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

// promptPick implements manual offer selection on stdin.
func promptPick(in *os.File, out *os.File) orderbook.Picker {
	reader := bufio.NewReader(in)
	return func(candidates []orderbook.Offer, amount btcutil.Amount) (int, error) {
		fmt.Fprintf(out, "offers for %s:\n", amount)
		for i, o := range candidates {
			fmt.Fprintf(out, "  [%d] %s order %d cost %s\n", i, o.Counterparty, o.OrderID, o.Cost(amount))
		}
		fmt.Fprint(out, "pick offer index: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, err
		}
		idx, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return 0, fmt.Errorf("invalid offer index: %w", err)
		}
		return idx, nil
	}
}
