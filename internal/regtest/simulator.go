// Package regtest provides an in-process stand-in for the joinmarket daemon
// and wallet, used for simulation runs and tests. A background ticker plays
// the role of chain confirmation: started rounds complete one tick later.
package regtest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"go.uber.org/zap"

	"jmtaker/internal/orderbook"
	"jmtaker/internal/schedule"
	"jmtaker/internal/taker"
)

// Notifier receives the events the simulator emits in the daemon's place.
type Notifier interface {
	Notify(ev taker.Event)
}

// Options configures the simulator.
type Options struct {
	// TickInterval is the simulated confirmation interval.
	TickInterval time.Duration
	// Makers is the size of the synthetic order book.
	Makers int
	// MixdepthBalance seeds every mixdepth's spendable balance.
	MixdepthBalance btcutil.Amount
	// TotalEntries lets the simulator emit the run-level signal once the
	// last entry's round confirms.
	TotalEntries int
	Seed         int64
	Logger       *zap.Logger
}

type pendingRound struct {
	entry  schedule.Entry
	amount btcutil.Amount
	fee    btcutil.Amount
	offers []orderbook.Offer
}

// Simulator implements the taker's Wallet, ProtocolClient and BookSource
// collaborators against synthetic state.
type Simulator struct {
	tickInterval time.Duration
	totalEntries int
	logger       *zap.Logger

	mu        sync.Mutex
	notifier  Notifier
	balances  map[uint32]btcutil.Amount
	book      []orderbook.Offer
	pending   *pendingRound
	completed int
	syncCalls int
	rounds    int
}

// NewSimulator builds a simulator with a synthetic order book.
func NewSimulator(opts Options) *Simulator {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	if opts.Makers <= 0 {
		opts.Makers = 10
	}
	if opts.MixdepthBalance <= 0 {
		opts.MixdepthBalance = 10 * btcutil.SatoshiPerBitcoin
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	balances := make(map[uint32]btcutil.Amount)
	for md := uint32(0); md < 8; md++ {
		balances[md] = opts.MixdepthBalance
	}

	return &Simulator{
		tickInterval: opts.TickInterval,
		totalEntries: opts.TotalEntries,
		logger:       opts.Logger,
		balances:     balances,
		book:         syntheticBook(opts.Makers, rng),
	}
}

func syntheticBook(makers int, rng *rand.Rand) []orderbook.Offer {
	book := make([]orderbook.Offer, 0, makers)
	for i := 0; i < makers; i++ {
		offer := orderbook.Offer{
			Counterparty:      fmt.Sprintf("J5sim%04d", i),
			OrderID:           uint64(i),
			MinSize:           btcutil.Amount(100_000),
			MaxSize:           btcutil.Amount(int64(20+rng.Intn(80))) * btcutil.SatoshiPerBitcoin,
			TxFeeContribution: btcutil.Amount(1000),
		}
		if i%2 == 0 {
			offer.Kind = orderbook.KindAbsolute
			offer.CJFeeAbs = btcutil.Amount(2000 + rng.Int63n(8000))
		} else {
			offer.Kind = orderbook.KindRelative
			offer.CJFeeRel = 0.0002 + rng.Float64()*0.0008
		}
		book = append(book, offer)
	}
	return book
}

// Attach registers the event target. Must be called before Run.
func (s *Simulator) Attach(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Sync implements taker.Wallet.
func (s *Simulator) Sync(ctx context.Context, fast bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCalls++
	s.logger.Debug("simulated wallet sync", zap.Bool("fast", fast), zap.Int("calls", s.syncCalls))
	return nil
}

// MixdepthBalance implements taker.Wallet.
func (s *Simulator) MixdepthBalance(ctx context.Context, mixdepth uint32) (btcutil.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[mixdepth], nil
}

// Offers implements orderbook.BookSource.
func (s *Simulator) Offers(ctx context.Context) ([]orderbook.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orderbook.Offer(nil), s.book...), nil
}

// StartRound implements taker.ProtocolClient: the round is queued and
// confirmed by the next chain tick.
func (s *Simulator) StartRound(ctx context.Context, entry schedule.Entry, offers []orderbook.Offer, amount, feePerParticipant btcutil.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return fmt.Errorf("regtest: round already in progress")
	}
	s.pending = &pendingRound{
		entry:  entry,
		amount: amount,
		fee:    feePerParticipant,
		offers: offers,
	}
	s.rounds++
	s.logger.Info("simulated round started",
		zap.Uint32("mixdepth", entry.Mixdepth),
		zap.Int64("amount", int64(amount)),
		zap.Int("makers", len(offers)),
	)
	return nil
}

// Run advances simulated chain state until the context ends. Each tick
// confirms the pending round, settles balances and emits the round event;
// after the final entry it emits the run-level completion.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Simulator) tick() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	notifier := s.notifier
	rounds := s.rounds
	if pending != nil {
		s.settle(pending)
		s.completed++
	}
	done := s.totalEntries > 0 && s.completed >= s.totalEntries
	s.mu.Unlock()

	if pending == nil || notifier == nil {
		return
	}

	notifier.Notify(taker.RoundSucceeded{TxID: fmt.Sprintf("simtx%06d", rounds)})
	if done {
		notifier.Notify(taker.RunCompleted{})
	}
}

// settle debits the spent mixdepth. Sweeps drain it entirely; fixed amounts
// also pay the coinjoin and miner fees.
func (s *Simulator) settle(p *pendingRound) {
	if p.entry.Sweep() {
		s.balances[p.entry.Mixdepth] = 0
		return
	}
	spent := p.amount + p.fee
	for _, o := range p.offers {
		spent += o.Cost(p.amount)
	}
	if spent > s.balances[p.entry.Mixdepth] {
		spent = s.balances[p.entry.Mixdepth]
	}
	s.balances[p.entry.Mixdepth] -= spent
}

// SyncCalls reports how many wallet syncs were requested. Test helper.
func (s *Simulator) SyncCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncCalls
}

// Rounds reports how many rounds were started. Test helper.
func (s *Simulator) Rounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rounds
}
