package monitor

import (
	"time"
)

// EventType labels a recorded run event.
type EventType string

const (
	EventScheduleLoaded EventType = "schedule_loaded"
	EventRoundStarted   EventType = "round_started"
	EventRoundResult    EventType = "round_result"
	EventRunResult      EventType = "run_result"
	EventError          EventType = "error"
)

// Event wraps a generic run event.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ScheduleLoadedPayload records the shape of the schedule a run starts with.
type ScheduleLoadedPayload struct {
	Entries     int    `json:"entries"`
	NeedsSweep  bool   `json:"needs_sweep"`
	MaxMixdepth uint32 `json:"max_mixdepth"`
	Source      string `json:"source"`
}

// RoundStartedPayload records a coinjoin round request.
type RoundStartedPayload struct {
	EntryIndex        int      `json:"entry_index"`
	Mixdepth          uint32   `json:"mixdepth"`
	Sweep             bool     `json:"sweep"`
	Amount            int64    `json:"amount"`
	FeePerParticipant int64    `json:"fee_per_participant"`
	Counterparties    []string `json:"counterparties"`
}

// RoundResultPayload records a round's terminal signal.
type RoundResultPayload struct {
	EntryIndex int    `json:"entry_index"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
}

// RunResultPayload records the run's single terminal outcome.
type RunResultPayload struct {
	Outcome          string `json:"outcome"`
	EntriesCompleted int    `json:"entries_completed"`
	Reason           string `json:"reason,omitempty"`
}

// ErrorPayload records a failure with optional context.
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
