// internal/catalog/domain.go
package catalog

import (
	"time"

	"libracirc/internal/licensing"
)

// CollectionRequest is the body of a create-collection call. Periods are Go
// duration strings such as "504h"; empty means the library default.
type CollectionRequest struct {
	Name                     string `json:"name"`
	Active                   *bool  `json:"active,omitempty"`
	DefaultLoanPeriod        string `json:"default_loan_period,omitempty"`
	DefaultReservationPeriod string `json:"default_reservation_period,omitempty"`
}

// LicenseRequest is the body of an add- or update-license call.
type LicenseRequest struct {
	Identifier         string                  `json:"identifier"`
	Status             licensing.LicenseStatus `json:"status"`
	Expires            *time.Time              `json:"expires,omitempty"`
	CheckoutsLeft      *int                    `json:"checkouts_left,omitempty"`
	CheckoutsAvailable int                     `json:"checkouts_available"`
	TermsConcurrency   int                     `json:"terms_concurrency"`
}

func (r LicenseRequest) license(poolID int64) licensing.License {
	status := r.Status
	if status == "" {
		status = licensing.StatusAvailable
	}
	return licensing.License{
		PoolID:             poolID,
		Identifier:         r.Identifier,
		Status:             status,
		Expires:            r.Expires,
		CheckoutsLeft:      r.CheckoutsLeft,
		CheckoutsAvailable: r.CheckoutsAvailable,
		TermsConcurrency:   r.TermsConcurrency,
	}
}
