package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"jmtaker/internal/store"
)

// Service persists run events. Recording failures are logged, never fatal:
// telemetry must not take the run down with it.
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService creates the event store schema if needed.
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_type ON run_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: creating schema: %w", err)
	}
	return nil
}

// Record writes a single event.
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: marshaling event payload: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: inserting event: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, payload interface{}) {
	if err := s.Record(ctx, Event{Type: typ, Payload: payload}); err != nil {
		s.logger.Warn("recording run event failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RecordScheduleLoaded records the schedule a run starts from.
func (s *Service) RecordScheduleLoaded(ctx context.Context, payload ScheduleLoadedPayload) {
	s.record(ctx, EventScheduleLoaded, payload)
}

// RecordRoundStarted records a round request handed to the protocol client.
func (s *Service) RecordRoundStarted(ctx context.Context, payload RoundStartedPayload) {
	s.record(ctx, EventRoundStarted, payload)
}

// RecordRoundResult records a round's terminal signal.
func (s *Service) RecordRoundResult(ctx context.Context, payload RoundResultPayload) {
	s.record(ctx, EventRoundResult, payload)
}

// RecordRunResult records the run's terminal outcome.
func (s *Service) RecordRunResult(ctx context.Context, payload RunResultPayload) {
	s.record(ctx, EventRunResult, payload)
}

// RecordError records a failure with optional context fields.
func (s *Service) RecordError(ctx context.Context, message string, err error, fields map[string]interface{}) {
	payload := ErrorPayload{
		Message: message,
		Context: fields,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, EventError, payload)
}

// StoredEvent is a persisted event row.
type StoredEvent struct {
	ID        int64           `json:"id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListEvents returns recent events, newest first, optionally filtered by
// type.
func (s *Service) ListEvents(ctx context.Context, typ EventType, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, event_type, payload, created_at FROM run_events`
	args := make([]interface{}, 0, 2)
	if typ != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: querying events: %w", err)
	}
	defer rows.Close()

	events := make([]StoredEvent, 0, limit)
	for rows.Next() {
		var (
			ev      StoredEvent
			typRaw  string
			payload string
			created string
		)
		if err := rows.Scan(&ev.ID, &typRaw, &payload, &created); err != nil {
			return nil, fmt.Errorf("monitor: scanning event row: %w", err)
		}
		ev.Type = EventType(typRaw)
		ev.Payload = json.RawMessage(payload)
		if ts, perr := time.Parse(time.RFC3339, created); perr == nil {
			ev.CreatedAt = ts
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: iterating event rows: %w", err)
	}
	return events, nil
}
