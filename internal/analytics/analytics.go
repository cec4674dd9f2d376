// internal/analytics/analytics.go
package analytics

import (
	"context"
	"errors"
	"sync"
	"time"

	"libracirc/internal/licensing"
)

// Circulation events produced by this service rather than the distributor.
const (
	EventCheckout    = "circulation_checkout"
	EventCheckin     = "circulation_checkin"
	EventHoldPlace   = "circulation_hold_place"
	EventHoldRelease = "circulation_hold_release"
)

// Catalog changes, kept in the same log as circulation.
const (
	EventPoolAdd       = "catalog_pool_add"
	EventPoolRemove    = "catalog_pool_remove"
	EventLicenseAdd    = "catalog_license_add"
	EventLicenseUpdate = "catalog_license_update"
	EventLicenseRemove = "catalog_license_remove"
)

// Record is one observation sent to analytics, whether or not it changed the
// local counters.
type Record struct {
	Type       string                 `json:"type"`
	PoolID     int64                  `json:"pool_id"`
	Identifier string                 `json:"identifier,omitempty"`
	Borrower   string                 `json:"borrower,omitempty"`
	OldValue   *int                   `json:"old_value,omitempty"`
	Amount     *int                   `json:"delta,omitempty"`
	OccurredAt *time.Time             `json:"occurred_at,omitempty"`
	Applied    bool                   `json:"applied"`
	Skipped    string                 `json:"skipped,omitempty"`
	After      licensing.Availability `json:"after"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// FromChange builds the record for a distributor event and its effect.
func FromChange(identifier string, c licensing.Change, now time.Time) Record {
	return Record{
		Type:       string(c.Delta.Type),
		PoolID:     c.PoolID,
		Identifier: identifier,
		OldValue:   c.Delta.OldValue,
		Amount:     c.Delta.Amount,
		OccurredAt: c.Delta.OccurredAt,
		Applied:    c.Applied,
		Skipped:    c.Skipped,
		After:      c.After,
		RecordedAt: now,
	}
}

// Collector receives every circulation observation.
type Collector interface {
	Collect(ctx context.Context, r Record) error
}

// Discard drops every record.
type Discard struct{}

func (Discard) Collect(context.Context, Record) error { return nil }

// Multi fans a record out to several collectors. All of them are called even
// when one fails.
type Multi []Collector

func (m Multi) Collect(ctx context.Context, r Record) error {
	var errs []error
	for _, c := range m {
		if err := c.Collect(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps records in memory.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) Collect(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

// Records returns a copy of what was collected so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
