package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carebridge/intake-engine/internal/domain/referral"
	"github.com/carebridge/intake-engine/internal/infrastructure/redpanda"
)

// EventStore appends intake domain events and stages them in the
// outbox within the same transaction, so the event log and the
// published stream cannot diverge.
type EventStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewEventStore creates an event store backed by pool.
func NewEventStore(pool *pgxpool.Pool, logger *zap.Logger) *EventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("event-store"),
	}
}

// Append persists the event and writes a matching outbox entry.
func (s *EventStore) Append(ctx context.Context, ev *referral.Event) error {
	ctx, span := s.tracer.Start(ctx, "append_event",
		trace.WithAttributes(
			attribute.String("event_type", string(ev.EventType)),
			attribute.String("aggregate_id", ev.AggregateID),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO referral_events (id, aggregate_id, aggregate_type, event_type, event_data, org_id, channel, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.Exec(ctx, query,
		ev.ID,
		ev.AggregateID,
		ev.AggregateType,
		string(ev.EventType),
		ev.EventData,
		ev.OrgID,
		string(ev.Channel),
		ev.CorrelationID,
		ev.Timestamp,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert event: %w", err)
	}

	payload, err := eventPayload(ev)
	if err != nil {
		return err
	}

	entry := &OutboxEntry{
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		KafkaTopic:    topicFor(ev.EventType),
		KafkaKey:      ev.AggregateID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit event: %w", err)
	}

	s.logger.Debug("event appended",
		zap.String("event_type", string(ev.EventType)),
		zap.String("referral_id", ev.AggregateID),
		zap.String("topic", entry.KafkaTopic))

	return nil
}

// LoadEvents returns the event history for a referral in append order.
func (s *EventStore) LoadEvents(ctx context.Context, referralID string) ([]*referral.Event, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, org_id, channel, correlation_id, created_at
		FROM referral_events
		WHERE aggregate_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.pool.Query(ctx, query, referralID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var events []*referral.Event
	for rows.Next() {
		ev := &referral.Event{}
		var eventType, channel string
		err := rows.Scan(
			&ev.ID, &ev.AggregateID, &ev.AggregateType,
			&eventType, &ev.EventData, &ev.OrgID,
			&channel, &ev.CorrelationID, &ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		ev.EventType = referral.EventType(eventType)
		ev.Channel = referral.Channel(channel)
		events = append(events, ev)
	}

	return events, rows.Err()
}

// eventPayload is the wire form relayed through the outbox. The full
// envelope is published so consumers get audit fields without a
// second lookup.
func eventPayload(ev *referral.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return payload, nil
}

// topicFor routes intake outcomes to the results topic and everything
// else to the referral event stream.
func topicFor(t referral.EventType) string {
	switch t {
	case referral.EventRecordCreated, referral.EventCaseCreated, referral.EventMergeApplied:
		return redpanda.TopicIntakeResults
	default:
		return redpanda.TopicReferralEvents
	}
}
