// internal/sweep/sweep.go
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/circulation"
	"libracirc/internal/clients"
	"libracirc/internal/clock"
	"libracirc/internal/licensing"
)

// Feed is the distributor data the monitor reads.
type Feed interface {
	Events(ctx context.Context, since time.Time) ([]clients.VendorEvent, error)
	Availability(ctx context.Context, identifier string) (licensing.Availability, error)
}

// Pools lists what the monitor keeps fresh.
type Pools interface {
	ListPools(ctx context.Context) ([]*licensing.LicensePool, error)
	ListLicenses(ctx context.Context, poolID int64) ([]*licensing.License, error)
}

// Monitor polls the distributor feed for one collection and folds every event
// into the matching pool, in the order the feed returns them. Pools that have
// gone stale get a full refresh.
type Monitor struct {
	feed         Feed
	circulation  circulation.Service
	pools        Pools
	collectionID int64
	clock        clock.Clock
	logger       *slog.Logger
	tracer       trace.Tracer
	interval     time.Duration
	maxStale     time.Duration

	mu    sync.Mutex
	since time.Time
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithMaxStale sets how old last_checked may get before a full refresh.
func WithMaxStale(d time.Duration) Option {
	return func(m *Monitor) { m.maxStale = d }
}

func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func New(feed Feed, circ circulation.Service, pools Pools, collectionID int64, opts ...Option) *Monitor {
	m := &Monitor{
		feed:         feed,
		circulation:  circ,
		pools:        pools,
		collectionID: collectionID,
		clock:        clock.NewSystem(),
		logger:       slog.Default(),
		tracer:       otel.Tracer("libracirc/sweep"),
		interval:     time.Minute,
		maxStale:     24 * time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls until ctx is done. Failed rounds are logged and retried on the
// next tick.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "sweep started",
		"collection_id", m.collectionID,
		"interval", m.interval.String(),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.round(ctx)
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "sweep stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) round(ctx context.Context) {
	if n, err := m.PollEvents(ctx); err != nil {
		m.logger.ErrorContext(ctx, "event poll failed", "applied_before_failure", n, "error", err)
	}
	if _, err := m.RefreshStale(ctx); err != nil {
		m.logger.ErrorContext(ctx, "stale refresh failed", "error", err)
	}
}

// Since is the feed position the next poll starts from.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// PollEvents fetches new feed entries and applies them one by one. It stops at
// the first event that cannot be applied and keeps the feed position at the
// last one that was, so the rest is fetched again next time. Entries for
// titles this collection does not carry are skipped. It returns the number of
// entries processed.
func (m *Monitor) PollEvents(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "sweep.poll_events",
		trace.WithAttributes(attribute.Int64("collection.id", m.collectionID)))
	defer span.End()

	since := m.Since()
	events, err := m.feed.Events(ctx, since)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	processed := 0
	for _, ev := range events {
		pool, err := m.circulation.FindPool(ctx, m.collectionID, ev.Identifier)
		switch {
		case errors.Is(err, circulation.ErrPoolNotFound):
			m.logger.DebugContext(ctx, "event for unknown title", "identifier", ev.Identifier, "event", ev.Type)
		case err != nil:
			span.RecordError(err)
			return processed, fmt.Errorf("find pool %s: %w", ev.Identifier, err)
		default:
			if _, _, err := m.circulation.ApplyDelta(ctx, pool.ID, ev.Delta); err != nil {
				span.RecordError(err)
				return processed, fmt.Errorf("apply %s to %s: %w", ev.Type, ev.Identifier, err)
			}
		}

		processed++
		if ev.OccurredAt != nil && ev.OccurredAt.After(since) {
			since = *ev.OccurredAt
			m.mu.Lock()
			m.since = since
			m.mu.Unlock()
		}
	}

	span.SetAttributes(attribute.Int("events.processed", processed))
	return processed, nil
}

// RefreshStale refreshes every pool of the collection whose counters are
// older than the configured maximum. Pools with licenses are recomputed from
// them; the rest take the distributor's snapshot.
func (m *Monitor) RefreshStale(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "sweep.refresh_stale",
		trace.WithAttributes(attribute.Int64("collection.id", m.collectionID)))
	defer span.End()

	pools, err := m.pools.ListPools(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	now := m.clock.Now()
	refreshed := 0
	var errs []error
	for _, pool := range pools {
		if pool.CollectionID != m.collectionID || pool.OpenAccess || !pool.NeedsUpdate(now, m.maxStale) {
			continue
		}
		ok, err := m.refresh(ctx, pool)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			refreshed++
		}
	}

	span.SetAttributes(attribute.Int("pools.refreshed", refreshed))
	return refreshed, errors.Join(errs...)
}

func (m *Monitor) refresh(ctx context.Context, pool *licensing.LicensePool) (bool, error) {
	licenses, err := m.pools.ListLicenses(ctx, pool.ID)
	if err != nil {
		return false, err
	}

	var snapshot *licensing.Availability
	if len(licenses) == 0 {
		a, err := m.feed.Availability(ctx, pool.Identifier)
		if errors.Is(err, clients.ErrTitleNotFound) {
			m.logger.WarnContext(ctx, "distributor no longer lists title", "identifier", pool.Identifier)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		snapshot = &a
	}

	if _, _, err := m.circulation.Refresh(ctx, pool.ID, snapshot); err != nil {
		return false, fmt.Errorf("refresh %s: %w", pool.Identifier, err)
	}
	return true, nil
}
