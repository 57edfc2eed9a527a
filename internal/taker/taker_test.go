package taker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"jmtaker/internal/orderbook"
	"jmtaker/internal/schedule"
)

const (
	validP2PKH  = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	validBech32 = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
)

type fakeWallet struct {
	mu       sync.Mutex
	syncs    int
	balances map[uint32]btcutil.Amount
	syncErr  error
}

func (w *fakeWallet) Sync(ctx context.Context, fast bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.syncErr != nil {
		return w.syncErr
	}
	w.syncs++
	return nil
}

func (w *fakeWallet) MixdepthBalance(ctx context.Context, mixdepth uint32) (btcutil.Amount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[mixdepth], nil
}

func (w *fakeWallet) syncCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncs
}

type startedRound struct {
	entry  schedule.Entry
	offers []orderbook.Offer
	amount btcutil.Amount
	fee    btcutil.Amount
}

type fakeClient struct {
	mu      sync.Mutex
	started []startedRound
}

func (c *fakeClient) StartRound(ctx context.Context, entry schedule.Entry, offers []orderbook.Offer, amount, fee btcutil.Amount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, startedRound{entry: entry, offers: offers, amount: amount, fee: fee})
	return nil
}

func (c *fakeClient) rounds() []startedRound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]startedRound(nil), c.started...)
}

type staticBook struct {
	offers []orderbook.Offer
}

func (b staticBook) Offers(ctx context.Context) ([]orderbook.Offer, error) {
	return append([]orderbook.Offer(nil), b.offers...), nil
}

func liquidBook() staticBook {
	offers := []orderbook.Offer{
		{Counterparty: "J5a", OrderID: 1, Kind: orderbook.KindAbsolute, MinSize: 1000, MaxSize: 100_000_000, CJFeeAbs: 2000},
		{Counterparty: "J5b", OrderID: 2, Kind: orderbook.KindAbsolute, MinSize: 1000, MaxSize: 100_000_000, CJFeeAbs: 2500},
		{Counterparty: "J5c", OrderID: 3, Kind: orderbook.KindAbsolute, MinSize: 1000, MaxSize: 100_000_000, CJFeeAbs: 3000},
		{Counterparty: "J5d", OrderID: 4, Kind: orderbook.KindAbsolute, MinSize: 1000, MaxSize: 100_000_000, CJFeeAbs: 3500},
		{Counterparty: "J5e", OrderID: 5, Kind: orderbook.KindAbsolute, MinSize: 1000, MaxSize: 100_000_000, CJFeeAbs: 4000},
	}
	return staticBook{offers: offers}
}

func singleEntrySchedule(t *testing.T, amount btcutil.Amount, mixdepth uint32, makers int) *schedule.Schedule {
	t.Helper()
	sched, err := schedule.Single(mixdepth, amount, makers, validP2PKH, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("building schedule: %v", err)
	}
	return sched
}

type runOutcome struct {
	result Result
	err    error
}

func startRun(t *testing.T, tk *Taker) chan runOutcome {
	t.Helper()
	done := make(chan runOutcome, 1)
	go func() {
		result, err := tk.Run(context.Background())
		done <- runOutcome{result: result, err: err}
	}()
	return done
}

func waitOutcome(t *testing.T, done chan runOutcome) runOutcome {
	t.Helper()
	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not finish in time")
		return runOutcome{}
	}
}

// Scenario A: a single fixed-amount entry with sufficient offers completes,
// and the wallet is synced exactly once (at startup; no further entries
// follow the success).
func TestRun_SingleEntryCompletes(t *testing.T) {
	wallet := &fakeWallet{}
	client := &fakeClient{}

	tk, err := New(Options{
		Schedule:          singleEntrySchedule(t, 500000, 0, 4),
		Wallet:            wallet,
		Client:            client,
		Book:              liquidBook(),
		Policy:            orderbook.CheapestPolicy{},
		FeePerParticipant: 7480,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	done := startRun(t, tk)
	tk.Notify(RoundSucceeded{TxID: "aa01"})
	tk.Notify(RunCompleted{})

	out := waitOutcome(t, done)
	if out.err != nil {
		t.Fatalf("Run returned error: %v", out.err)
	}
	if out.result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", out.result.Outcome)
	}
	if out.result.String() != "all entries completed" {
		t.Errorf("report = %q", out.result.String())
	}
	if got := wallet.syncCount(); got != 1 {
		t.Errorf("wallet syncs = %d, want exactly 1 (startup only)", got)
	}

	rounds := client.rounds()
	if len(rounds) != 1 {
		t.Fatalf("rounds started = %d, want 1", len(rounds))
	}
	if rounds[0].amount != 500000 {
		t.Errorf("round amount = %d, want 500000", int64(rounds[0].amount))
	}
	if len(rounds[0].offers) != 4 {
		t.Errorf("round offers = %d, want 4", len(rounds[0].offers))
	}
}

// Scenario B: a schedule with a bad destination is rejected wholesale at
// load time; no network round is ever started.
func TestRun_BadDestinationRejectsScheduleBeforeAnyRound(t *testing.T) {
	raw := strings.Join([]string{
		"0, 500000, 4, " + validBech32,
		"1, 250000, 3, notavalidaddress",
	}, "\n")

	_, err := schedule.Parse(raw, &chaincfg.MainNetParams)
	if err == nil {
		t.Fatalf("expected schedule load to fail")
	}
	var entryErr *schedule.EntryError
	if !errors.As(err, &entryErr) {
		t.Fatalf("expected *schedule.EntryError, got %T", err)
	}
	// With no schedule there is no taker and therefore no round: the
	// protocol client is never touched.
}

// Scenario C: a sweep entry under the manual policy with no operator input
// stays suspended in RunningEntry; no round starts and no terminal signal
// is emitted.
func TestRun_ManualSweepSuspendsUntilPick(t *testing.T) {
	wallet := &fakeWallet{balances: map[uint32]btcutil.Amount{1: 10_000_000}}
	client := &fakeClient{}

	gate := make(chan struct{})
	policy := orderbook.ManualPolicy{Pick: func(candidates []orderbook.Offer, amount btcutil.Amount) (int, error) {
		<-gate // no operator input within the harness
		return 0, errors.New("harness closed")
	}}

	tk, err := New(Options{
		Schedule:          singleEntrySchedule(t, 0, 1, 3),
		Wallet:            wallet,
		Client:            client,
		Book:              liquidBook(),
		Policy:            policy,
		FeePerParticipant: 1000,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	done := startRun(t, tk)

	select {
	case out := <-done:
		t.Fatalf("run terminated while awaiting manual pick: %+v", out)
	case <-time.After(100 * time.Millisecond):
	}
	if got := len(client.rounds()); got != 0 {
		t.Fatalf("rounds started = %d, want 0 while suspended", got)
	}

	// Release the harness; the failed pick aborts the run.
	close(gate)
	out := waitOutcome(t, done)
	if out.result.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted after declined pick", out.result.Outcome)
	}
}

// Scenario D: a failed round aborts the run with no further wallet resync
// and the index unchanged.
func TestRun_RoundFailureAborts(t *testing.T) {
	wallet := &fakeWallet{}
	client := &fakeClient{}

	tk, err := New(Options{
		Schedule:          singleEntrySchedule(t, 500000, 0, 4),
		Wallet:            wallet,
		Client:            client,
		Book:              liquidBook(),
		Policy:            orderbook.CheapestPolicy{},
		FeePerParticipant: 1000,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	done := startRun(t, tk)
	tk.Notify(RoundFailed{Reason: "maker withdrew mid-round"})

	out := waitOutcome(t, done)
	if out.result.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", out.result.Outcome)
	}
	if tk.CurrentIndex() != 0 {
		t.Errorf("currentIndex = %d, want 0 after failure", tk.CurrentIndex())
	}
	if got := wallet.syncCount(); got != 1 {
		t.Errorf("wallet syncs = %d, want 1 (no resync after failure)", got)
	}
	if !strings.Contains(out.result.String(), "stopped after entry 0") {
		t.Errorf("report = %q, want stopped-after form", out.result.String())
	}
}

// Entries are visited strictly in schedule order, with a resync between
// consecutive successes.
func TestRun_VisitsEntriesInOrder(t *testing.T) {
	raw := strings.Join([]string{
		"0, 100000, 4, " + validP2PKH,
		"2, 200000, 4, " + validBech32,
		"1, 300000, 4, " + validP2PKH,
	}, "\n")
	sched, err := schedule.Parse(raw, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	wallet := &fakeWallet{}
	client := &fakeClient{}

	tk, err := New(Options{
		Schedule:          sched,
		Wallet:            wallet,
		Client:            client,
		Book:              liquidBook(),
		Policy:            orderbook.CheapestPolicy{},
		FeePerParticipant: 1000,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	done := startRun(t, tk)
	for i := 0; i < 3; i++ {
		tk.Notify(RoundSucceeded{})
	}
	tk.Notify(RunCompleted{})

	out := waitOutcome(t, done)
	if out.result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", out.result.Outcome)
	}

	rounds := client.rounds()
	if len(rounds) != 3 {
		t.Fatalf("rounds = %d, want 3", len(rounds))
	}
	wantAmounts := []btcutil.Amount{100000, 200000, 300000}
	for i, want := range wantAmounts {
		if rounds[i].amount != want {
			t.Errorf("round %d amount = %d, want %d", i, int64(rounds[i].amount), int64(want))
		}
	}
	// Startup sync plus one resync after each of the two non-final entries.
	if got := wallet.syncCount(); got != 3 {
		t.Errorf("wallet syncs = %d, want 3", got)
	}
}

// Sweep entries resolve their amount from the wallet; the schedule's zero
// amount never reaches selection or the round request.
func TestRun_SweepUsesResolvedAmount(t *testing.T) {
	wallet := &fakeWallet{balances: map[uint32]btcutil.Amount{1: 1_000_000}}
	client := &fakeClient{}

	tk, err := New(Options{
		Schedule:          singleEntrySchedule(t, 0, 1, 2),
		Wallet:            wallet,
		Client:            client,
		Book:              liquidBook(),
		Policy:            orderbook.CheapestPolicy{},
		FeePerParticipant: 5000,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	done := startRun(t, tk)
	tk.Notify(RoundSucceeded{})
	tk.Notify(RunCompleted{})

	out := waitOutcome(t, done)
	if out.result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", out.result.Outcome)
	}

	rounds := client.rounds()
	if len(rounds) != 1 {
		t.Fatalf("rounds = %d, want 1", len(rounds))
	}
	if !rounds[0].entry.Sweep() {
		t.Errorf("round entry should be a sweep")
	}
	// 1_000_000 - 5000 - (2000 + 2500) = 990500.
	if rounds[0].amount != 990500 {
		t.Errorf("sweep round amount = %d, want 990500", int64(rounds[0].amount))
	}
}

// Insufficient liquidity for a fixed-amount entry aborts the run before
// any round is requested.
func TestRun_InsufficientLiquidityAborts(t *testing.T) {
	wallet := &fakeWallet{}
	client := &fakeClient{}

	tk, err := New(Options{
		Schedule:          singleEntrySchedule(t, 500000, 0, 6),
		Wallet:            wallet,
		Client:            client,
		Book:              liquidBook(), // only 5 offers
		Policy:            orderbook.CheapestPolicy{},
		FeePerParticipant: 1000,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	out := waitOutcome(t, startRun(t, tk))
	if out.result.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", out.result.Outcome)
	}
	if got := len(client.rounds()); got != 0 {
		t.Errorf("rounds = %d, want 0", got)
	}
	if !strings.Contains(out.result.Reason, "insufficient liquidity") {
		t.Errorf("reason = %q, want liquidity error", out.result.Reason)
	}
}

// Declining the confirmation prompt aborts the run.
func TestRun_DeclinedConfirmationAborts(t *testing.T) {
	tk, err := New(Options{
		Schedule:          singleEntrySchedule(t, 500000, 0, 4),
		Wallet:            &fakeWallet{},
		Client:            &fakeClient{},
		Book:              liquidBook(),
		Policy:            orderbook.CheapestPolicy{},
		FeePerParticipant: 1000,
		Confirm: func(entry schedule.Entry, offers []orderbook.Offer, amount btcutil.Amount) bool {
			return false
		},
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	out := waitOutcome(t, startRun(t, tk))
	if out.result.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", out.result.Outcome)
	}
	if !strings.Contains(out.result.Reason, "declined") {
		t.Errorf("reason = %q, want declined", out.result.Reason)
	}
}

func TestRun_CancelledContextAborts(t *testing.T) {
	gate := make(chan struct{})
	policy := orderbook.ManualPolicy{Pick: func(candidates []orderbook.Offer, amount btcutil.Amount) (int, error) {
		<-gate
		return 0, nil
	}}

	tk, err := New(Options{
		Schedule:          singleEntrySchedule(t, 500000, 0, 4),
		Wallet:            &fakeWallet{},
		Client:            &fakeClient{},
		Book:              liquidBook(),
		Policy:            policy,
		FeePerParticipant: 1000,
		WaitTime:          time.Hour, // suspended waiting for offers
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runOutcome, 1)
	go func() {
		result, runErr := tk.Run(ctx)
		done <- runOutcome{result: result, err: runErr}
	}()
	cancel()

	out := waitOutcome(t, done)
	if out.result.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted on cancellation", out.result.Outcome)
	}
	close(gate)
}

func TestTransition(t *testing.T) {
	cases := []struct {
		name        string
		state       State
		ev          Event
		moreEntries bool
		wantState   State
		wantAction  action
	}{
		{"success with more entries", StateRunningEntry, RoundSucceeded{}, true, StateAwaitingResync, actionResyncAndNext},
		{"success on final entry", StateRunningEntry, RoundSucceeded{}, false, StateAwaitingResync, actionHoldForRun},
		{"round failure", StateRunningEntry, RoundFailed{}, true, StateAborted, actionAbort},
		{"run completed", StateAwaitingResync, RunCompleted{}, false, StateCompleted, actionComplete},
		{"run aborted", StateRunningEntry, RunAborted{}, true, StateAborted, actionAbort},
		{"success outside running entry ignored", StateAwaitingResync, RoundSucceeded{}, true, StateAwaitingResync, actionNone},
		{"terminal completed absorbs", StateCompleted, RoundFailed{}, false, StateCompleted, actionNone},
		{"terminal aborted absorbs", StateAborted, RunCompleted{}, false, StateAborted, actionNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotState, gotAction := transition(tc.state, tc.ev, tc.moreEntries)
			if gotState != tc.wantState || gotAction != tc.wantAction {
				t.Fatalf("transition(%s, %T, %v) = (%s, %d), want (%s, %d)",
					tc.state, tc.ev, tc.moreEntries, gotState, gotAction, tc.wantState, tc.wantAction)
			}
		})
	}
}
