// internal/licensing/events.go
package licensing

import (
	"fmt"
	"strings"
	"time"
)

// EventType is a change observed in distributor circulation data.
type EventType string

const (
	EventLicenseAdd         EventType = "distributor_license_add"
	EventLicenseRemove      EventType = "distributor_license_remove"
	EventCheckout           EventType = "distributor_check_out"
	EventCheckin            EventType = "distributor_check_in"
	EventHoldPlace          EventType = "distributor_hold_place"
	EventHoldRelease        EventType = "distributor_hold_release"
	EventAvailabilityNotify EventType = "distributor_availability_notify"
)

var eventTypes = map[EventType]struct{}{
	EventLicenseAdd:         {},
	EventLicenseRemove:      {},
	EventCheckout:           {},
	EventCheckin:            {},
	EventHoldPlace:          {},
	EventHoldRelease:        {},
	EventAvailabilityNotify: {},
}

// Valid reports whether t is one of the known distributor event types.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Delta is a single change reported by the distributor. Amount is the number
// of copies or patrons that moved; nil means the distributor sent no usable
// value. A nil OccurredAt means the event carries no date.
type Delta struct {
	Type       EventType  `json:"type"`
	OldValue   *int       `json:"old_value,omitempty"`
	Amount     *int       `json:"delta"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// NewDelta builds a dated delta of the given magnitude.
func NewDelta(t EventType, amount int, at time.Time) Delta {
	at = at.UTC()
	return Delta{Type: t, Amount: &amount, OccurredAt: &at}
}

// NewUndatedDelta builds a delta with no timestamp.
func NewUndatedDelta(t EventType, amount int) Delta {
	return Delta{Type: t, Amount: &amount}
}

// Skip reasons recorded on a Change that was not applied.
const (
	SkipStale         = "stale"
	SkipUndated       = "undated"
	SkipNoInformation = "no_information"
	SkipUnknownType   = "unknown_type"
)

// Change describes the effect of one observation on a pool's counters.
type Change struct {
	PoolID      int64        `json:"pool_id"`
	Delta       Delta        `json:"delta"`
	Applied     bool         `json:"applied"`
	Skipped     string       `json:"skipped,omitempty"`
	Before      Availability `json:"before"`
	After       Availability `json:"after"`
	LastChecked *time.Time   `json:"last_checked,omitempty"`
}

// Changed reports whether any counter moved.
func (c Change) Changed() bool {
	return c.Before != c.After
}

// Changelog renders the moved counters, e.g. "CHANGED abc OWN: 5=>6 AVAIL: 4=>5".
func (c Change) Changelog(label string) string {
	var b strings.Builder
	b.WriteString("CHANGED ")
	b.WriteString(label)
	part := func(name string, before, after int) {
		if before != after {
			fmt.Fprintf(&b, " %s: %d=>%d", name, before, after)
		}
	}
	part("OWN", c.Before.Owned, c.After.Owned)
	part("AVAIL", c.Before.Available, c.After.Available)
	part("RSRV", c.Before.Reserved, c.After.Reserved)
	part("HOLD", c.Before.HoldQueue, c.After.HoldQueue)
	return b.String()
}
