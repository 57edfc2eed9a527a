package taker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"go.uber.org/zap"

	"jmtaker/internal/monitor"
	"jmtaker/internal/orderbook"
	"jmtaker/internal/schedule"
)

// ErrDeclined is returned when the operator refuses to confirm a round.
var ErrDeclined = errors.New("taker: operator declined the round")

// Options wires a Taker. Schedule, Wallet, Client, Book and Policy are
// required; Monitor, Confirm and Logger are optional.
type Options struct {
	Schedule          *schedule.Schedule
	Wallet            Wallet
	Client            ProtocolClient
	Book              orderbook.BookSource
	Policy            orderbook.Policy
	FeePerParticipant btcutil.Amount
	WaitTime          time.Duration
	FastSync          bool
	Confirm           Confirm
	Monitor           *monitor.Service
	Logger            *zap.Logger
}

// Taker owns the orchestrator state for one run. All mutation happens on
// the goroutine executing Run; collaborators only deliver events through
// Notify.
type Taker struct {
	schedule *schedule.Schedule
	wallet   Wallet
	client   ProtocolClient
	book     orderbook.BookSource
	policy   orderbook.Policy

	feePerParticipant btcutil.Amount
	waitTime          time.Duration
	fastSync          bool
	confirm           Confirm
	monitor           *monitor.Service
	logger            *zap.Logger

	state   State
	current int
	events  chan Event
}

// New validates the wiring and returns an idle Taker.
func New(opts Options) (*Taker, error) {
	if opts.Schedule == nil || opts.Schedule.Len() == 0 {
		return nil, errors.New("taker: schedule must not be empty")
	}
	if opts.Wallet == nil {
		return nil, errors.New("taker: wallet must not be nil")
	}
	if opts.Client == nil {
		return nil, errors.New("taker: protocol client must not be nil")
	}
	if opts.Book == nil {
		return nil, errors.New("taker: book source must not be nil")
	}
	if opts.Policy == nil {
		return nil, errors.New("taker: selection policy must not be nil")
	}
	if opts.FeePerParticipant < 0 {
		return nil, errors.New("taker: fee per participant must not be negative")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Taker{
		schedule:          opts.Schedule,
		wallet:            opts.Wallet,
		client:            opts.Client,
		book:              opts.Book,
		policy:            opts.Policy,
		feePerParticipant: opts.FeePerParticipant,
		waitTime:          opts.WaitTime,
		fastSync:          opts.FastSync,
		confirm:           opts.Confirm,
		monitor:           opts.Monitor,
		logger:            opts.Logger,
		state:             StateIdle,
		events:            make(chan Event, 16),
	}, nil
}

// State returns the current orchestrator state.
func (t *Taker) State() State {
	return t.state
}

// CurrentIndex returns the index of the next unfinished entry. It strictly
// increases, once per successful round.
func (t *Taker) CurrentIndex() int {
	return t.current
}

// Notify delivers an adapter event to the run loop. The adapter emits at
// most one round event per round and one run event per run, so the buffered
// channel never fills.
func (t *Taker) Notify(ev Event) {
	t.events <- ev
}

type action int

const (
	actionNone action = iota
	// actionResyncAndNext: a round succeeded and further entries remain.
	actionResyncAndNext
	// actionHoldForRun: the final entry's round succeeded; wait for the
	// adapter's run-level signal.
	actionHoldForRun
	actionAbort
	actionComplete
)

// transition is the pure state-transition function: given the current
// state, an adapter event, and whether entries remain after the current
// one, it yields the next state and the side effect the run loop must
// perform. Terminal states absorb all events.
func transition(state State, ev Event, moreEntries bool) (State, action) {
	if state == StateCompleted || state == StateAborted {
		return state, actionNone
	}

	switch ev.(type) {
	case RoundSucceeded:
		if state != StateRunningEntry {
			return state, actionNone
		}
		if moreEntries {
			return StateAwaitingResync, actionResyncAndNext
		}
		return StateAwaitingResync, actionHoldForRun
	case RoundFailed:
		return StateAborted, actionAbort
	case RunCompleted:
		return StateCompleted, actionComplete
	case RunAborted:
		return StateAborted, actionAbort
	default:
		return state, actionNone
	}
}

// Run executes the schedule to its single terminal outcome. Entries run
// strictly in list order; a new round never starts before the previous
// round's terminal event has been observed.
func (t *Taker) Run(ctx context.Context) (Result, error) {
	if t.state != StateIdle {
		return Result{}, fmt.Errorf("taker: run already started (state %s)", t.state)
	}

	// Balances must be fresh before the first selection reads them.
	if err := t.wallet.Sync(ctx, t.fastSync); err != nil {
		return t.abort(ctx, fmt.Errorf("initial wallet sync: %w", err))
	}

	t.state = StateRunningEntry
	if err := t.startEntry(ctx); err != nil {
		return t.abort(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			res, _ := t.abort(ctx, fmt.Errorf("run cancelled: %w", ctx.Err()))
			return res, ctx.Err()
		case ev := <-t.events:
			result, done, err := t.apply(ctx, ev)
			if err != nil {
				return t.abort(ctx, err)
			}
			if done {
				return result, nil
			}
		}
	}
}

func (t *Taker) apply(ctx context.Context, ev Event) (Result, bool, error) {
	moreEntries := t.current+1 < t.schedule.Len()
	next, act := transition(t.state, ev, moreEntries)

	t.logger.Debug("taker event",
		zap.String("event", fmt.Sprintf("%T", ev)),
		zap.String("from", t.state.String()),
		zap.String("to", next.String()),
		zap.Int("entry", t.current),
	)
	t.state = next

	switch act {
	case actionResyncAndNext:
		t.recordRoundResult(ctx, true, "")
		t.schedule.MarkCompleted(t.current)
		t.current++
		if err := t.wallet.Sync(ctx, t.fastSync); err != nil {
			return Result{}, false, fmt.Errorf("wallet resync after entry %d: %w", t.current-1, err)
		}
		t.state = StateRunningEntry
		if err := t.startEntry(ctx); err != nil {
			return Result{}, false, err
		}
		return Result{}, false, nil

	case actionHoldForRun:
		t.recordRoundResult(ctx, true, "")
		t.schedule.MarkCompleted(t.current)
		t.current++
		return Result{}, false, nil

	case actionAbort:
		reason := abortReason(ev)
		if _, isRound := ev.(RoundFailed); isRound {
			t.recordRoundResult(ctx, false, reason)
		}
		result := Result{
			Outcome:          OutcomeAborted,
			EntriesCompleted: t.current,
			Reason:           reason,
		}
		t.finish(ctx, result)
		return result, true, nil

	case actionComplete:
		result := Result{
			Outcome:          OutcomeCompleted,
			EntriesCompleted: t.current,
		}
		t.finish(ctx, result)
		return result, true, nil

	default:
		return Result{}, false, nil
	}
}

// startEntry selects counterparties for the current entry and requests a
// round. Sweep entries resolve their amount from the wallet first; they
// never pass a positive amount into selection.
func (t *Taker) startEntry(ctx context.Context) error {
	entry := t.schedule.Entry(t.current)

	t.logger.Info("starting schedule entry",
		zap.Int("index", t.current),
		zap.Uint32("mixdepth", entry.Mixdepth),
		zap.Int64("amount", int64(entry.Amount)),
		zap.Bool("sweep", entry.Sweep()),
		zap.Int("maker_count", entry.MakerCount),
	)

	// Give maker offers time to arrive before taking a book snapshot.
	if t.waitTime > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.waitTime):
		}
	}

	book, err := t.book.Offers(ctx)
	if err != nil {
		return fmt.Errorf("fetching order book: %w", err)
	}

	var (
		offers []orderbook.Offer
		amount btcutil.Amount
	)
	if entry.Sweep() {
		balance, berr := t.wallet.MixdepthBalance(ctx, entry.Mixdepth)
		if berr != nil {
			return fmt.Errorf("reading mixdepth %d balance: %w", entry.Mixdepth, berr)
		}
		offers, amount, err = orderbook.SelectSweep(t.policy, book, entry.MakerCount, balance, t.feePerParticipant)
	} else {
		amount = entry.Amount
		offers, err = t.policy.Select(book, entry.MakerCount, amount)
	}
	if err != nil {
		return fmt.Errorf("selecting offers for entry %d: %w", t.current, err)
	}

	if t.confirm != nil && !t.confirm(entry, offers, amount) {
		return ErrDeclined
	}

	if err := t.client.StartRound(ctx, entry, offers, amount, t.feePerParticipant); err != nil {
		return fmt.Errorf("starting round for entry %d: %w", t.current, err)
	}

	if t.monitor != nil {
		counterparties := make([]string, len(offers))
		for i, o := range offers {
			counterparties[i] = o.Counterparty
		}
		t.monitor.RecordRoundStarted(ctx, monitor.RoundStartedPayload{
			EntryIndex:        t.current,
			Mixdepth:          entry.Mixdepth,
			Sweep:             entry.Sweep(),
			Amount:            int64(amount),
			FeePerParticipant: int64(t.feePerParticipant),
			Counterparties:    counterparties,
		})
	}

	return nil
}

func (t *Taker) abort(ctx context.Context, cause error) (Result, error) {
	t.state = StateAborted
	result := Result{
		Outcome:          OutcomeAborted,
		EntriesCompleted: t.current,
		Reason:           cause.Error(),
	}
	if t.monitor != nil {
		t.monitor.RecordError(ctx, "run aborted", cause, map[string]interface{}{"entry": t.current})
	}
	t.finish(ctx, result)
	return result, nil
}

func (t *Taker) finish(ctx context.Context, result Result) {
	if result.Outcome == OutcomeCompleted {
		t.logger.Info("all entries completed",
			zap.Int("entries", result.EntriesCompleted),
		)
	} else {
		t.logger.Warn("run stopped before completing the schedule",
			zap.Int("entries_completed", result.EntriesCompleted),
			zap.String("reason", result.Reason),
		)
	}
	if t.monitor != nil {
		t.monitor.RecordRunResult(ctx, monitor.RunResultPayload{
			Outcome:          string(result.Outcome),
			EntriesCompleted: result.EntriesCompleted,
			Reason:           result.Reason,
		})
	}
}

func (t *Taker) recordRoundResult(ctx context.Context, success bool, reason string) {
	if t.monitor == nil {
		return
	}
	t.monitor.RecordRoundResult(ctx, monitor.RoundResultPayload{
		EntryIndex: t.current,
		Success:    success,
		Reason:     reason,
	})
}

func abortReason(ev Event) string {
	switch ev := ev.(type) {
	case RoundFailed:
		if ev.Reason != "" {
			return ev.Reason
		}
		return "round failed"
	case RunAborted:
		if ev.Reason != "" {
			return ev.Reason
		}
		return "run aborted by daemon"
	default:
		return "aborted"
	}
}
