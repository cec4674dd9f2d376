// internal/licensing/license.go
package licensing

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidConcurrency = errors.New("terms concurrency must be at least 1")
	ErrInvalidAvailable   = errors.New("checkouts available out of range")
	ErrInvalidCheckouts   = errors.New("checkouts left must not be negative")
)

// IsPerpetual reports whether the license never expires and has no loan cap.
func (l *License) IsPerpetual() bool {
	return l.Expires == nil && l.CheckoutsLeft == nil
}

func (l *License) IsTimeLimited() bool {
	return l.Expires != nil
}

func (l *License) IsLoanLimited() bool {
	return l.CheckoutsLeft != nil
}

func (l *License) expired(now time.Time) bool {
	return l.Expires != nil && !l.Expires.After(now)
}

// IsInactive reports whether the license is expired, exhausted or marked unavailable.
func (l *License) IsInactive(now time.Time) bool {
	if l.expired(now) {
		return true
	}
	if l.CheckoutsLeft != nil && *l.CheckoutsLeft <= 0 {
		return true
	}
	return l.Status != StatusAvailable
}

// TotalRemainingLoans is how many loans the license can still serve at once
// over its remaining life. It is capped by the terms concurrency, so it is
// not the lifetime count of loans left on a loan-limited license.
func (l *License) TotalRemainingLoans(now time.Time) int {
	if l.IsInactive(now) {
		return 0
	}
	if l.IsLoanLimited() {
		return min(*l.CheckoutsLeft, l.TermsConcurrency)
	}
	return l.TermsConcurrency
}

// CurrentlyAvailableLoans is the number of checkouts the license can serve right now.
func (l *License) CurrentlyAvailableLoans(now time.Time) int {
	if l.IsInactive(now) {
		return 0
	}
	return l.CheckoutsAvailable
}

func (l *License) IsAvailableForBorrowing(now time.Time) bool {
	return l.CurrentlyAvailableLoans(now) > 0
}

// Checkout consumes one concurrent slot and, for loan-limited licenses, one loan.
// Callers verify availability first. Inactive licenses are left untouched and
// false is returned.
func (l *License) Checkout(now time.Time) bool {
	if l.IsInactive(now) {
		return false
	}
	if l.CheckoutsLeft != nil && *l.CheckoutsLeft > 0 {
		left := *l.CheckoutsLeft - 1
		l.CheckoutsLeft = &left
	}
	if l.CheckoutsAvailable > 0 {
		l.CheckoutsAvailable--
	}
	return true
}

// Checkin returns one concurrent slot, never above the terms concurrency or the
// loans left. An unexpired time-limited license with a loan count gets its term
// slot back, even when the loan being returned was its last one. Expired or
// unavailable licenses, and exhausted licenses limited by loans alone, are left
// untouched and false is returned.
func (l *License) Checkin(now time.Time) bool {
	if l.expired(now) || l.Status != StatusAvailable {
		return false
	}
	switch {
	case l.IsTimeLimited() && l.CheckoutsLeft != nil:
		left := *l.CheckoutsLeft + 1
		l.CheckoutsLeft = &left
	case l.CheckoutsLeft != nil && *l.CheckoutsLeft <= 0:
		return false
	}
	available := min(l.CheckoutsAvailable+1, l.TermsConcurrency)
	if l.CheckoutsLeft != nil {
		available = min(available, *l.CheckoutsLeft)
	}
	l.CheckoutsAvailable = max(available, 0)
	return true
}

// Validate checks the license terms before it is stored.
func (l *License) Validate() error {
	if l.TermsConcurrency < 1 {
		return fmt.Errorf("license %q: %w", l.Identifier, ErrInvalidConcurrency)
	}
	if l.CheckoutsAvailable < 0 || l.CheckoutsAvailable > l.TermsConcurrency {
		return fmt.Errorf("license %q: %w", l.Identifier, ErrInvalidAvailable)
	}
	if l.CheckoutsLeft != nil && *l.CheckoutsLeft < 0 {
		return fmt.Errorf("license %q: %w", l.Identifier, ErrInvalidCheckouts)
	}
	return nil
}
