// Package events implements the append-only domain event sink. It is
// a secondary, lossy record for audit/observability; no component may
// depend on it to recover state (spec §9, "event log is lossy").
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleetd.sh/internal/domain"
)

// Publisher appends domain events. Never returns an error that would
// abort the caller's own transaction; publish failures are logged and
// swallowed, matching the "never blocks correctness" contract.
type Publisher interface {
	Publish(ctx context.Context, evt domain.DomainEvent)
}

// SamplePolicy decides whether a given event type is recorded. The
// zero value records everything.
type SamplePolicy func(eventType string) bool

type dbPublisher struct {
	db     *sql.DB
	sample SamplePolicy
	source string
	logger *slog.Logger
}

// NewPublisher creates an event publisher backed by the events table.
// sample may be nil, which records every event.
func NewPublisher(db *sql.DB, source string, sample SamplePolicy) Publisher {
	return &dbPublisher{
		db:     db,
		sample: sample,
		source: source,
		logger: slog.Default().With("component", "events"),
	}
}

func (p *dbPublisher) Publish(ctx context.Context, evt domain.DomainEvent) {
	if p.sample != nil && !p.sample(evt.Type) {
		return
	}

	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		evt.Source = p.source
	}

	data, err := json.Marshal(evt.Data)
	if err != nil {
		p.logger.Warn("failed to marshal event data", "type", evt.Type, "error", err)
		return
	}

	day := evt.Timestamp.Format("2006-01-02")
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO events (event_id, type, aggregate_type, aggregate_id, data, ts, source, day)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.Type, evt.AggregateType, evt.AggregateID, string(data), evt.Timestamp, evt.Source, day)
	if err != nil {
		p.logger.Warn("failed to persist event", "type", evt.Type, "aggregate_id", evt.AggregateID, "error", err)
	}
}

// NoSampling records every event.
func NoSampling(string) bool { return true }

// NewNoopPublisher returns a Publisher that discards everything, for
// tests that don't care about audit events.
func NewNoopPublisher() Publisher { return noopPublisher{} }

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.DomainEvent) {}
