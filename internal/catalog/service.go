// internal/catalog/service.go
package catalog

import (
	"context"

	"libracirc/internal/circulation"
	"libracirc/internal/licensing"
)

// Service manages the collections, pools and licenses circulation runs on.
// Every license change recomputes the pool's counters.
type Service interface {
	CreateCollection(ctx context.Context, req CollectionRequest) (circulation.Collection, error)
	GetCollection(ctx context.Context, id int64) (circulation.Collection, error)
	AddPool(ctx context.Context, collectionID int64, identifier string, openAccess bool) (*licensing.LicensePool, error)
	RemovePool(ctx context.Context, poolID int64) error
	Licenses(ctx context.Context, poolID int64) ([]*licensing.License, error)
	AddLicense(ctx context.Context, poolID int64, req LicenseRequest) (*licensing.License, error)
	UpdateLicense(ctx context.Context, poolID int64, req LicenseRequest) (*licensing.License, error)
	RemoveLicense(ctx context.Context, poolID, licenseID int64) error
}

// Store is the storage the catalog writes to. Both storage backends
// implement it next to circulation.Repository.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateCollection(ctx context.Context, c circulation.Collection) (circulation.Collection, error)
	GetCollection(ctx context.Context, id int64) (circulation.Collection, error)
	GetPool(ctx context.Context, id int64) (*licensing.LicensePool, error)
	CreatePool(ctx context.Context, p licensing.LicensePool) (*licensing.LicensePool, error)
	DeletePool(ctx context.Context, id int64) error
	ListLicenses(ctx context.Context, poolID int64) ([]*licensing.License, error)
	CreateLicense(ctx context.Context, l licensing.License) (*licensing.License, error)
	SaveLicense(ctx context.Context, l *licensing.License) error
	DeleteLicense(ctx context.Context, id int64) error
}
