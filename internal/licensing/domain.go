// internal/licensing/domain.go
package licensing

import (
	"time"
)

// LicenseStatus is the distributor-reported state of a single license.
type LicenseStatus string

const (
	StatusAvailable   LicenseStatus = "available"
	StatusUnavailable LicenseStatus = "unavailable"
)

// License is one term-bearing grant of lending rights belonging to a pool.
type License struct {
	ID                 int64         `json:"id" db:"id"`
	PoolID             int64         `json:"pool_id" db:"license_pool_id"`
	Identifier         string        `json:"identifier" db:"identifier"`
	Status             LicenseStatus `json:"status" db:"status"`
	Expires            *time.Time    `json:"expires,omitempty" db:"expires"`
	CheckoutsLeft      *int          `json:"checkouts_left,omitempty" db:"checkouts_left"`
	CheckoutsAvailable int           `json:"checkouts_available" db:"checkouts_available"`
	TermsConcurrency   int           `json:"terms_concurrency" db:"terms_concurrency"`
}

// LicensePool is the aggregate availability record for one title in one collection.
type LicensePool struct {
	ID                 int64      `json:"id" db:"id"`
	CollectionID       int64      `json:"collection_id" db:"collection_id"`
	Identifier         string     `json:"identifier" db:"identifier"`
	OpenAccess         bool       `json:"open_access" db:"open_access"`
	LicensesOwned      int        `json:"licenses_owned" db:"licenses_owned"`
	LicensesAvailable  int        `json:"licenses_available" db:"licenses_available"`
	LicensesReserved   int        `json:"licenses_reserved" db:"licenses_reserved"`
	PatronsInHoldQueue int        `json:"patrons_in_hold_queue" db:"patrons_in_hold_queue"`
	LastChecked        *time.Time `json:"last_checked,omitempty" db:"last_checked"`
	Version            int        `json:"version" db:"version"`
}

// Availability is a snapshot of the four pool counters.
type Availability struct {
	Owned     int `json:"licenses_owned"`
	Available int `json:"licenses_available"`
	Reserved  int `json:"licenses_reserved"`
	HoldQueue int `json:"patrons_in_hold_queue"`
}

// Availability returns the pool's current counters.
func (p *LicensePool) Availability() Availability {
	return Availability{
		Owned:     p.LicensesOwned,
		Available: p.LicensesAvailable,
		Reserved:  p.LicensesReserved,
		HoldQueue: p.PatronsInHoldQueue,
	}
}

func (p *LicensePool) set(a Availability) {
	p.LicensesOwned = a.Owned
	p.LicensesAvailable = a.Available
	p.LicensesReserved = a.Reserved
	p.PatronsInHoldQueue = a.HoldQueue
}

// clamp floors every counter at zero.
func (a Availability) clamp() Availability {
	return Availability{
		Owned:     max(a.Owned, 0),
		Available: max(a.Available, 0),
		Reserved:  max(a.Reserved, 0),
		HoldQueue: max(a.HoldQueue, 0),
	}
}
