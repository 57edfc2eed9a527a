// Package taker implements the schedule-driven coinjoin orchestrator: an
// explicit state machine that decides which transaction to build next, which
// counterparties to use and what fee to offer, advancing through the
// schedule on success and halting on the first failure.
package taker

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"jmtaker/internal/orderbook"
	"jmtaker/internal/schedule"
)

// State enumerates the orchestrator's states. Completed and Aborted are
// terminal; the taker never restarts itself.
type State int

const (
	StateIdle State = iota
	StateRunningEntry
	StateAwaitingResync
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunningEntry:
		return "running_entry"
	case StateAwaitingResync:
		return "awaiting_resync"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is a signal delivered by the protocol client adapter. The adapter
// emits exactly one round-level event per round and one run-level event per
// run.
type Event interface {
	event()
}

// RoundSucceeded reports that the current round's transaction completed.
type RoundSucceeded struct {
	TxID string
}

// RoundFailed reports a mid-round failure. It is always fatal to the whole
// run: a failed round may have shared partially signed data with untrusted
// counterparties, so a blind retry is never attempted.
type RoundFailed struct {
	Reason string
}

// RunCompleted is the adapter's terminal report that every entry was
// processed.
type RunCompleted struct{}

// RunAborted is the adapter's terminal report that the run stopped before
// finishing every entry.
type RunAborted struct {
	Reason string
}

func (RoundSucceeded) event() {}
func (RoundFailed) event()    {}
func (RunCompleted) event()   {}
func (RunAborted) event()     {}

// Wallet is the wallet collaborator. The taker calls Sync once before the
// run and after every completed transaction that precedes a further entry;
// it does not interpret balances beyond "resync complete".
type Wallet interface {
	Sync(ctx context.Context, fast bool) error
	MixdepthBalance(ctx context.Context, mixdepth uint32) (btcutil.Amount, error)
}

// ProtocolClient drives the actual multi-round negotiation with makers. It
// receives a read-only view of the current entry and the chosen offers and
// reports back exclusively through taker events.
type ProtocolClient interface {
	StartRound(ctx context.Context, entry schedule.Entry, offers []orderbook.Offer, amount, feePerParticipant btcutil.Amount) error
}

// Confirm asks the operator to approve a round before it starts. A nil
// Confirm auto-approves (the answer-yes flag).
type Confirm func(entry schedule.Entry, offers []orderbook.Offer, amount btcutil.Amount) bool

// Outcome is the run's single terminal result kind.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
)

// Result is the run-level report. There is no partial-success ambiguity: a
// run either completed every entry or stopped at a specific one.
type Result struct {
	Outcome          Outcome
	EntriesCompleted int
	Reason           string
}

func (r Result) String() string {
	if r.Outcome == OutcomeCompleted {
		return "all entries completed"
	}
	return fmt.Sprintf("stopped after entry %d, reason: %s", r.EntriesCompleted, r.Reason)
}
