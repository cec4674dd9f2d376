// internal/circulation/hold.go
package circulation

import (
	"cmp"
	"slices"
	"time"

	"libracirc/internal/licensing"
)

// Until gives or estimates when the title becomes available to this borrower.
// A future End reported by the distributor wins. Otherwise the estimate is a
// worst case and needs both periods; nil means no estimate.
func (h *Hold) Until(pool *licensing.LicensePool, loanPeriod, reservationPeriod time.Duration, now time.Time) *time.Time {
	if h.End != nil && h.End.After(now) {
		end := *h.End
		return &end
	}
	if loanPeriod <= 0 || reservationPeriod <= 0 {
		return nil
	}

	// Unknown position: assume the back of the line.
	position := pool.PatronsInHoldQueue
	if h.Position != nil {
		position = *h.Position
	}
	return CalculateUntil(now, position, pool.LicensesOwned, loanPeriod, reservationPeriod)
}

// CalculateUntil estimates when the copy reaches queue position. Every cycle
// through the fleet of licenses takes a reservation period plus a loan period.
//
// With 4 licenses and position 21 the queue moves to 17, 13, 9, 5, 1 and
// then it is this borrower's turn: six cycles.
func CalculateUntil(start time.Time, position, fleet int, loanPeriod, reservationPeriod time.Duration) *time.Time {
	if fleet <= 0 {
		return nil
	}
	if position <= 0 {
		// Reserved now; the borrower has the reservation period to act.
		t := start.Add(reservationPeriod)
		return &t
	}

	cycles := 1
	if position > fleet {
		cycles += position / fleet
		if fleet > 1 && position%fleet == 0 {
			cycles--
		}
	}
	t := start.Add(time.Duration(cycles) * (loanPeriod + reservationPeriod))
	return &t
}

// Update sets the fields that are known and leaves the rest.
func (h *Hold) Update(start, end *time.Time, position *int) {
	if start != nil {
		h.Start = start
	}
	if end != nil {
		h.End = end
	}
	if position != nil {
		h.Position = position
	}
}

// IsReserved reports whether a copy is waiting for the borrower.
func (h *Hold) IsReserved() bool {
	return h.Position != nil && *h.Position == 0
}

// Expired reports whether a reservation lapsed without a checkout.
func (h *Hold) Expired(now time.Time) bool {
	return h.IsReserved() && h.End != nil && !h.End.After(now)
}

// Until is when the loan ends: End when known, otherwise Start plus the
// default period. Nil when neither can be worked out.
func (l *Loan) Until(defaultLoanPeriod time.Duration) *time.Time {
	if l.End != nil {
		end := *l.End
		return &end
	}
	if l.Start == nil || defaultLoanPeriod <= 0 {
		return nil
	}
	t := l.Start.Add(defaultLoanPeriod)
	return &t
}

func compareHolds(a, b *Hold) int {
	switch {
	case a.Start == nil && b.Start != nil:
		return 1
	case a.Start != nil && b.Start == nil:
		return -1
	case a.Start != nil && b.Start != nil:
		if c := a.Start.Compare(*b.Start); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}

// SplitExpired separates lapsed reservations from the holds still in line.
func SplitExpired(holds []*Hold, now time.Time) (active, expired []*Hold) {
	for _, h := range holds {
		if h.Expired(now) {
			expired = append(expired, h)
		} else {
			active = append(active, h)
		}
	}
	return active, expired
}

// RecalculateQueue renumbers active holds in the order they were placed. The
// first reserved holds get position 0 and a reservation window; the rest
// queue from 1. It returns the holds that changed.
func RecalculateQueue(holds []*Hold, reserved int, reservationPeriod time.Duration, now time.Time) []*Hold {
	ordered := slices.Clone(holds)
	slices.SortStableFunc(ordered, compareHolds)

	var changed []*Hold
	for i, h := range ordered {
		if i < reserved {
			if h.IsReserved() {
				continue
			}
			zero := 0
			h.Position = &zero
			h.End = nil
			if reservationPeriod > 0 {
				end := now.Add(reservationPeriod)
				h.End = &end
			}
			changed = append(changed, h)
			continue
		}

		position := i - reserved + 1
		if h.Position != nil && *h.Position == position {
			continue
		}
		h.Position = &position
		h.End = nil
		changed = append(changed, h)
	}
	return changed
}
