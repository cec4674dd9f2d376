// internal/analytics/eventlog.go
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/eventstore"
)

// Appender is the part of the event store the log writes to.
type Appender interface {
	CurrentVersion(ctx context.Context, streamID uuid.UUID) (int, error)
	Append(ctx context.Context, streamID uuid.UUID, poolID int64, expectedVersion int, events []eventstore.Event) error
}

// EventLog persists records to the pool's stream in the event store.
type EventLog struct {
	store       Appender
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

func NewEventLog(store Appender, logger *slog.Logger) *EventLog {
	return &EventLog{
		store:       store,
		logger:      logger,
		maxAttempts: 5,
		baseDelay:   10 * time.Millisecond,
	}
}

// Collect appends the record, retrying when another writer got to the stream
// first.
func (l *EventLog) Collect(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	event := eventstore.Event{
		EventType: r.Type,
		EventData: data,
		Metadata: map[string]string{
			"applied": strconv.FormatBool(r.Applied),
		},
	}
	if r.Skipped != "" {
		event.Metadata["skipped"] = r.Skipped
	}

	stream := eventstore.PoolStream(r.PoolID)
	for attempt := range l.maxAttempts {
		if attempt > 0 {
			delay := l.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		version, err := l.store.CurrentVersion(ctx, stream)
		if err != nil {
			return fmt.Errorf("read stream version: %w", err)
		}
		err = l.store.Append(ctx, stream, r.PoolID, version, []eventstore.Event{event})
		if err == nil {
			return nil
		}
		if !errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return fmt.Errorf("append %s for pool %d: %w", r.Type, r.PoolID, err)
		}
		l.logger.DebugContext(ctx, "event log conflict, retrying",
			"pool_id", r.PoolID,
			"attempt", attempt+1,
		)
	}
	return fmt.Errorf("append %s for pool %d: %w", r.Type, r.PoolID, eventstore.ErrConcurrencyConflict)
}
