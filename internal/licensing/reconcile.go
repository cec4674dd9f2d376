// internal/licensing/reconcile.go
package licensing

import (
	"time"
)

// ApplyDelta folds one distributor observation into the pool's counters.
//
// Events are expected in the order they were received. Once the pool has been
// checked, an event that is undated or not strictly newer than LastChecked is
// not applied, so duplicate and late deliveries leave the counters alone. An
// applied, dated event moves LastChecked forward to its timestamp.
func (p *LicensePool) ApplyDelta(d Delta) Change {
	c := Change{PoolID: p.ID, Delta: d, Before: p.Availability()}
	c.After = c.Before

	switch {
	case p.LastChecked != nil && d.OccurredAt == nil:
		c.Skipped = SkipUndated
	case p.LastChecked != nil && !d.OccurredAt.After(*p.LastChecked):
		c.Skipped = SkipStale
	case !d.Type.Valid():
		c.Skipped = SkipUnknownType
	case d.Amount == nil || *d.Amount < 0:
		c.Skipped = SkipNoInformation
	default:
		c.After = p.CalculateChange(d.Type, *d.Amount)
		c.Applied = true
		p.set(c.After)
		if d.OccurredAt != nil {
			at := d.OccurredAt.UTC()
			p.LastChecked = &at
		}
	}

	c.LastChecked = p.LastChecked
	return c
}

// CalculateChange returns the counters the pool would have after an event of
// the given type and magnitude. The pool cannot see the other counters move,
// so they are estimated; nothing goes below zero and available never exceeds
// owned.
func (p *LicensePool) CalculateChange(t EventType, delta int) Availability {
	a := p.Availability()
	deduct := func(v int) int {
		return max(v-delta, 0)
	}

	switch t {
	case EventHoldPlace:
		// A hold on an available book means it is no longer available.
		a.HoldQueue += delta
		a.Available = 0
	case EventHoldRelease:
		a.HoldQueue = deduct(a.HoldQueue)
	case EventCheckin:
		if p.PatronsInHoldQueue == 0 {
			a.Available += delta
		} else if delta > a.HoldQueue {
			// Returned copies go to the queue first; availability
			// notifications will follow for those.
			a.Available += delta - a.HoldQueue
		}
	case EventCheckout:
		if a.HoldQueue > 0 || a.Available == 0 {
			a.Reserved = deduct(a.Reserved)
		} else {
			a.Available = deduct(a.Available)
		}
	case EventLicenseAdd:
		a.Owned += delta
		if a.HoldQueue == 0 {
			a.Available += delta
		}
	case EventLicenseRemove:
		a.Owned = deduct(a.Owned)
	case EventAvailabilityNotify:
		a.HoldQueue = deduct(a.HoldQueue)
		a.Reserved += delta
	}

	// More available than owned most likely means licenses expired unseen.
	if a.Available > a.Owned {
		a.Available = a.Owned
	}
	return a.clamp()
}

// UpdateAvailability replaces the counters with a full snapshot from the
// distributor. A nil asOf leaves LastChecked untouched.
func (p *LicensePool) UpdateAvailability(snapshot Availability, asOf *time.Time) Change {
	c := Change{PoolID: p.ID, Before: p.Availability(), Applied: true}
	c.After = snapshot.clamp()
	p.set(c.After)
	if asOf != nil && (p.LastChecked == nil || asOf.After(*p.LastChecked)) {
		at := asOf.UTC()
		p.LastChecked = &at
	}
	c.LastChecked = p.LastChecked
	return c
}

// AvailabilityFromLicenses derives the counters from per-license state and the
// number of active holds. Reserved copies are taken out of the available ones.
func AvailabilityFromLicenses(licenses []*License, activeHolds int, now time.Time) Availability {
	var a Availability
	for _, l := range licenses {
		a.Owned += l.TotalRemainingLoans(now)
		a.Available += l.CurrentlyAvailableLoans(now)
	}
	a.HoldQueue = activeHolds
	if activeHolds > a.Available {
		a.Reserved = a.Available
		a.Available = 0
	} else {
		a.Reserved = activeHolds
		a.Available -= activeHolds
	}
	return a.clamp()
}

// UpdateAvailabilityFromLicenses recomputes the counters of a pool that tracks
// individual licenses.
func (p *LicensePool) UpdateAvailabilityFromLicenses(licenses []*License, activeHolds int, now time.Time) Change {
	return p.UpdateAvailability(AvailabilityFromLicenses(licenses, activeHolds, now), &now)
}

// NeedsUpdate reports whether the pool's counters are due for a full refresh.
// A zero maxStale means the pool never goes stale once checked.
func (p *LicensePool) NeedsUpdate(now time.Time, maxStale time.Duration) bool {
	if p.LastChecked == nil {
		return true
	}
	if maxStale <= 0 {
		return false
	}
	return now.Sub(*p.LastChecked) > maxStale
}
