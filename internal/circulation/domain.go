// internal/circulation/domain.go
package circulation

import (
	"fmt"
	"time"

	"libracirc/internal/licensing"
)

// BorrowerKind tells patrons apart from service accounts.
type BorrowerKind string

const (
	KindPatron         BorrowerKind = "patron"
	KindServiceAccount BorrowerKind = "service_account"
)

// Borrower is whoever a loan or hold is for: a library patron or an
// integration acting on its own behalf.
type Borrower struct {
	Kind BorrowerKind `json:"kind"`
	ID   int64        `json:"id"`
}

// Patron returns the borrower for a library patron.
func Patron(id int64) Borrower {
	return Borrower{Kind: KindPatron, ID: id}
}

// ServiceAccount returns the borrower for an integration client.
func ServiceAccount(id int64) Borrower {
	return Borrower{Kind: KindServiceAccount, ID: id}
}

func (b Borrower) Valid() bool {
	return (b.Kind == KindPatron || b.Kind == KindServiceAccount) && b.ID > 0
}

func (b Borrower) String() string {
	return fmt.Sprintf("%s:%d", b.Kind, b.ID)
}

// Collection groups pools from one source. Zero periods mean none is configured
// and the service defaults apply.
type Collection struct {
	ID                       int64         `json:"id"`
	Name                     string        `json:"name"`
	Active                   bool          `json:"active"`
	DefaultLoanPeriod        time.Duration `json:"default_loan_period"`
	DefaultReservationPeriod time.Duration `json:"default_reservation_period"`
}

// Loan binds a borrower to a pool and, for pools that track individual
// licenses, to the license serving it.
type Loan struct {
	ID                 int64      `json:"id"`
	PoolID             int64      `json:"pool_id"`
	LicenseID          *int64     `json:"license_id,omitempty"`
	Borrower           Borrower   `json:"borrower"`
	Start              *time.Time `json:"start,omitempty"`
	End                *time.Time `json:"end,omitempty"`
	ExternalIdentifier string     `json:"external_identifier,omitempty"`
	Fulfillment        string     `json:"fulfillment,omitempty"`
}

// Hold is a borrower's place in the wait queue for a pool. Position 0 means a
// copy is reserved for them until End.
type Hold struct {
	ID       int64      `json:"id"`
	PoolID   int64      `json:"pool_id"`
	Borrower Borrower   `json:"borrower"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
	Position *int       `json:"position,omitempty"`
}

// NoticeKind names a state change the caller may want to propagate.
type NoticeKind string

const (
	NoticePoolChanged   NoticeKind = "pool_changed"
	NoticeLoanCreated   NoticeKind = "loan_created"
	NoticeLoanReturned  NoticeKind = "loan_returned"
	NoticeHoldPlaced    NoticeKind = "hold_placed"
	NoticeHoldReleased  NoticeKind = "hold_released"
	NoticeHoldsReserved NoticeKind = "holds_reserved"
)

// Notice is returned by mutating operations instead of firing listeners.
type Notice struct {
	Kind   NoticeKind              `json:"kind"`
	PoolID int64                   `json:"pool_id"`
	Before *licensing.Availability `json:"before,omitempty"`
	After  *licensing.Availability `json:"after,omitempty"`
}

func poolChanged(c licensing.Change) []Notice {
	if !c.Changed() {
		return nil
	}
	before, after := c.Before, c.After
	return []Notice{{Kind: NoticePoolChanged, PoolID: c.PoolID, Before: &before, After: &after}}
}
