// internal/eventstore/eventstore.go
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// poolNamespace scopes the stream IDs derived from pool IDs.
var poolNamespace = uuid.MustParse("6f1c2b7e-4d0a-4c6e-9a51-3e8f0d2b7c14")

// PoolStream returns the stream that holds a pool's circulation log.
func PoolStream(poolID int64) uuid.UUID {
	return uuid.NewSHA1(poolNamespace, []byte("pool:"+strconv.FormatInt(poolID, 10)))
}

// Event is one entry in a pool's circulation log.
type Event struct {
	ID         int64             `json:"id" db:"id"`
	StreamID   uuid.UUID         `json:"stream_id" db:"stream_id"`
	PoolID     int64             `json:"pool_id" db:"pool_id"`
	EventType  string            `json:"event_type" db:"event_type"`
	EventData  json.RawMessage   `json:"event_data" db:"event_data"`
	Metadata   map[string]string `json:"metadata" db:"metadata"`
	Version    int               `json:"version" db:"version"`
	RecordedAt time.Time         `json:"recorded_at" db:"recorded_at"`
}

// Schema creates the log table.
const Schema = `
CREATE TABLE IF NOT EXISTS circulation_events (
	id BIGSERIAL PRIMARY KEY,
	stream_id UUID NOT NULL,
	pool_id BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL,
	metadata JSONB,
	version INT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (stream_id, version)
);
CREATE INDEX IF NOT EXISTS circulation_events_pool_idx ON circulation_events (pool_id);
`

// EventStore is an append-only log with optimistic version checks per stream.
type EventStore struct {
	db     *sql.DB
	tracer trace.Tracer
	now    func() time.Time
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("libracirc/eventstore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the log table when it is missing.
func (es *EventStore) Migrate(ctx context.Context) error {
	if _, err := es.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create circulation_events: %w", err)
	}
	return nil
}

// Append adds events to a stream whose current version must equal
// expectedVersion. Events get consecutive versions after it.
func (es *EventStore) Append(ctx context.Context, streamID uuid.UUID, poolID int64, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("stream.id", streamID.String()),
			attribute.Int64("pool.id", poolID),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	tx, err := es.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM circulation_events
		WHERE stream_id = $1
	`, streamID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query current version: %w", err)
	}

	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO circulation_events (stream_id, pool_id, event_type, event_data, metadata, version, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, event := range events {
		version := expectedVersion + i + 1
		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata %d: %w", i, err)
		}

		var eventID int64
		err = stmt.QueryRowContext(ctx,
			streamID,
			poolID,
			event.EventType,
			event.EventData,
			metadataJSON,
			version,
			es.now(),
		).Scan(&eventID)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Load returns a stream's events from fromVersion on, up to toVersion when it
// is positive.
func (es *EventStore) Load(ctx context.Context, streamID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("stream.id", streamID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `
		SELECT id, stream_id, pool_id, event_type, event_data, metadata, version, recorded_at
		FROM circulation_events
		WHERE stream_id = $1
		AND version >= $2
	`
	args := []any{streamID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}
	query += " ORDER BY version ASC"

	events, err := es.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// CurrentVersion returns the latest version of a stream, 0 when it is empty.
func (es *EventStore) CurrentVersion(ctx context.Context, streamID uuid.UUID) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.current_version",
		trace.WithAttributes(
			attribute.String("stream.id", streamID.String()),
		),
	)
	defer span.End()

	var version int
	err := es.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM circulation_events
		WHERE stream_id = $1
	`, streamID).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query version: %w", err)
	}

	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

// Stream returns up to batchSize events across all streams after fromID, for
// consumers that follow the whole log.
func (es *EventStore) Stream(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	events, err := es.query(ctx, `
		SELECT id, stream_id, pool_id, event_type, event_data, metadata, version, recorded_at
		FROM circulation_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, batchSize)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func (es *EventStore) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := es.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var metadataJSON []byte
		err := rows.Scan(
			&event.ID,
			&event.StreamID,
			&event.PoolID,
			&event.EventType,
			&event.EventData,
			&metadataJSON,
			&event.Version,
			&event.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
