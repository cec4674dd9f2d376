// internal/licensing/selector.go
package licensing

import (
	"cmp"
	"slices"
	"time"
)

// priority orders license regimes; lower lends first.
type priority int

const (
	priorityTimeLimited priority = iota
	priorityPerpetual
	priorityTimeAndLoanLimited
	priorityLoanLimited
)

func (l *License) priority() priority {
	switch {
	case l.IsTimeLimited() && l.IsLoanLimited():
		return priorityTimeAndLoanLimited
	case l.IsTimeLimited():
		return priorityTimeLimited
	case l.IsLoanLimited():
		return priorityLoanLimited
	default:
		return priorityPerpetual
	}
}

func compareLicenses(a, b *License) int {
	if c := cmp.Compare(a.priority(), b.priority()); c != 0 {
		return c
	}
	if a.Expires != nil && b.Expires != nil {
		if c := a.Expires.Compare(*b.Expires); c != 0 {
			return c
		}
	}
	// More loans left lends first.
	if a.CheckoutsLeft != nil && b.CheckoutsLeft != nil {
		if c := cmp.Compare(*b.CheckoutsLeft, *a.CheckoutsLeft); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}

// BestAvailableLicenses returns the licenses that can lend right now, the one
// the next loan should come from first.
//
// Time-limited licenses expiring soonest go first so longer terms are not
// wasted, then perpetual ones. Loan-limited licenses come last, those that are
// also time-limited ahead of the rest, and among equals the one with the most
// loans left.
func BestAvailableLicenses(licenses []*License, now time.Time) []*License {
	available := make([]*License, 0, len(licenses))
	for _, l := range licenses {
		if l.IsAvailableForBorrowing(now) {
			available = append(available, l)
		}
	}
	slices.SortStableFunc(available, compareLicenses)
	return available
}

// BestAvailableLicense returns the license the next loan should come from, or
// false when every license is checked out or inactive.
func BestAvailableLicense(licenses []*License, now time.Time) (*License, bool) {
	best := BestAvailableLicenses(licenses, now)
	if len(best) == 0 {
		return nil, false
	}
	return best[0], true
}
