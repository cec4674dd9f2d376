// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"libracirc/internal/licensing"
)

// Service is the admission API for loans and holds, and the entry point for
// distributor observations.
type Service interface {
	Checkout(ctx context.Context, b Borrower, poolID int64) (*Loan, []Notice, error)
	Checkin(ctx context.Context, b Borrower, poolID int64) ([]Notice, error)
	PlaceHold(ctx context.Context, b Borrower, poolID int64) (*Hold, []Notice, error)
	ReleaseHold(ctx context.Context, b Borrower, poolID int64) ([]Notice, error)
	EstimateHold(ctx context.Context, b Borrower, poolID int64) (*HoldEstimate, error)
	ApplyDelta(ctx context.Context, poolID int64, d licensing.Delta) (licensing.Change, []Notice, error)
	Refresh(ctx context.Context, poolID int64, snapshot *licensing.Availability) (licensing.Change, []Notice, error)
	Pool(ctx context.Context, poolID int64) (*licensing.LicensePool, error)
	FindPool(ctx context.Context, collectionID int64, identifier string) (*licensing.LicensePool, error)
}

// HoldEstimate is a hold with its estimated availability. Until is nil when no
// estimate can be made.
type HoldEstimate struct {
	Hold  *Hold      `json:"hold"`
	Until *time.Time `json:"until,omitempty"`
}

// Repository is the storage the service runs on. Calls made with the context
// passed to WithTx's callback join its transaction.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetCollection(ctx context.Context, id int64) (Collection, error)

	GetPool(ctx context.Context, id int64) (*licensing.LicensePool, error)
	// GetPoolForUpdate locks the pool row until the transaction ends.
	GetPoolForUpdate(ctx context.Context, id int64) (*licensing.LicensePool, error)
	FindPool(ctx context.Context, collectionID int64, identifier string) (*licensing.LicensePool, error)
	ListPools(ctx context.Context) ([]*licensing.LicensePool, error)
	SavePool(ctx context.Context, p *licensing.LicensePool) error

	ListLicenses(ctx context.Context, poolID int64) ([]*licensing.License, error)
	SaveLicense(ctx context.Context, l *licensing.License) error

	// FindLoan and FindHold return nil, nil when there is none.
	FindLoan(ctx context.Context, b Borrower, poolID int64) (*Loan, error)
	CreateLoan(ctx context.Context, loan *Loan) error
	DeleteLoan(ctx context.Context, id int64) error

	FindHold(ctx context.Context, b Borrower, poolID int64) (*Hold, error)
	ListHolds(ctx context.Context, poolID int64) ([]*Hold, error)
	CreateHold(ctx context.Context, h *Hold) error
	SaveHold(ctx context.Context, h *Hold) error
	DeleteHold(ctx context.Context, id int64) error
}
