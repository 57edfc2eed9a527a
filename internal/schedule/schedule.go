// Package schedule models the ordered list of coinjoins a
// taker run works through. A schedule is built once, validated as a whole,
// and immutable afterwards except for per-entry completion markers.
package schedule

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Entry describes a single coinjoin to perform. Amount 0 is the sweep sentinel:
// the whole mixdepth is drained rather than a literal zero payment sent.
type Entry struct {
	Mixdepth    uint32
	Amount      btcutil.Amount
	MakerCount  int
	Destination string
	Completed   bool
}

// Sweep reports whether the entry drains its mixdepth entirely.
func (e Entry) Sweep() bool {
	return e.Amount == 0
}

// EntryError describes why a schedule entry was rejected. Line is 1-based
// for file loads and 0 for the single-entry construction path.
type EntryError struct {
	Line   int
	Reason string
}

func (e *EntryError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("schedule entry at line %d invalid: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("schedule entry invalid: %s", e.Reason)
}

// Schedule is an ordered sequence of entries; insertion order is execution
// order.
type Schedule struct {
	entries []Entry
}

// Single builds a one-entry schedule from directly supplied values. A zero
// makerCount draws the classic random default of 4 to 6 counterparties.
func Single(mixdepth uint32, amount btcutil.Amount, makerCount int, destination string, params *chaincfg.Params) (*Schedule, error) {
	if makerCount == 0 {
		makerCount = DefaultMakerCount(nil)
	}
	entry := Entry{
		Mixdepth:    mixdepth,
		Amount:      amount,
		MakerCount:  makerCount,
		Destination: destination,
	}
	if err := validateEntry(entry, params); err != nil {
		return nil, &EntryError{Reason: err.Error()}
	}
	return &Schedule{entries: []Entry{entry}}, nil
}

// LoadFile parses a schedule file: one comma-separated 4-tuple
// "mixdepth, amount, makercount, destination" per line, '#' comments and
// blank lines skipped. A single malformed line rejects the whole file.
func LoadFile(path string, params *chaincfg.Params) (*Schedule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schedule file: %w", err)
	}
	return Parse(string(raw), params)
}

// Parse builds a schedule from raw schedule-file content.
func Parse(raw string, params *chaincfg.Params) (*Schedule, error) {
	var entries []Entry
	for i, line := range strings.Split(raw, "\n") {
		lineNo := i + 1
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parseLine(line, params)
		if err != nil {
			return nil, &EntryError{Line: lineNo, Reason: err.Error()}
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, &EntryError{Reason: "schedule contains no entries"}
	}

	return &Schedule{entries: entries}, nil
}

func parseLine(line string, params *chaincfg.Params) (Entry, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return Entry{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	mixdepth, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("mixdepth %q: %w", fields[0], err)
	}
	amount, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("amount %q: %w", fields[1], err)
	}
	makerCount, err := strconv.Atoi(fields[2])
	if err != nil {
		return Entry{}, fmt.Errorf("maker count %q: %w", fields[2], err)
	}

	entry := Entry{
		Mixdepth:    uint32(mixdepth),
		Amount:      btcutil.Amount(amount),
		MakerCount:  makerCount,
		Destination: fields[3],
	}
	if err := validateEntry(entry, params); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func validateEntry(entry Entry, params *chaincfg.Params) error {
	if entry.Amount < 0 {
		return fmt.Errorf("amount must not be negative, got %d", int64(entry.Amount))
	}
	if entry.MakerCount <= 0 {
		return fmt.Errorf("maker count must be positive, got %d", entry.MakerCount)
	}
	if entry.Destination == "" {
		return fmt.Errorf("destination address is empty")
	}
	addr, err := btcutil.DecodeAddress(entry.Destination, params)
	if err != nil {
		return fmt.Errorf("destination address %q: %w", entry.Destination, err)
	}
	if !addr.IsForNet(params) {
		return fmt.Errorf("destination address %q is not valid for network %s", entry.Destination, params.Name)
	}
	return nil
}

// Len returns the number of entries.
func (s *Schedule) Len() int {
	return len(s.entries)
}

// Entry returns the entry at index i.
func (s *Schedule) Entry(i int) Entry {
	return s.entries[i]
}

// Entries returns a copy of all entries in execution order.
func (s *Schedule) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// MarkCompleted records that the entry at index i finished successfully.
// It is the only mutation a schedule allows after construction.
func (s *Schedule) MarkCompleted(i int) {
	s.entries[i].Completed = true
}

// NeedsSweep reports whether any entry uses the sweep sentinel.
func (s *Schedule) NeedsSweep() bool {
	for _, e := range s.entries {
		if e.Sweep() {
			return true
		}
	}
	return false
}

// MaxMixdepth returns the highest mixdepth referenced by the schedule,
// used to size the wallet's address space.
func (s *Schedule) MaxMixdepth() uint32 {
	var max uint32
	for _, e := range s.entries {
		if e.Mixdepth > max {
			max = e.Mixdepth
		}
	}
	return max
}

// DefaultMakerCount draws the default counterparty count, uniform in 4..6.
// A nil source uses the global generator.
func DefaultMakerCount(rng *rand.Rand) int {
	if rng == nil {
		return 4 + rand.Intn(3)
	}
	return 4 + rng.Intn(3)
}
