// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"libracirc/internal/analytics"
	"libracirc/internal/circulation"
	"libracirc/internal/clock"
	"libracirc/internal/licensing"
)

var ErrInvalidRequest = errors.New("invalid request")

// service implements the Service interface.
type service struct {
	store       Store
	circulation circulation.Service
	collector   analytics.Collector
	clock       clock.Clock
	logger      *slog.Logger
}

type Option func(*service)

func WithCollector(c analytics.Collector) Option {
	return func(s *service) { s.collector = c }
}

func WithClock(c clock.Clock) Option {
	return func(s *service) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

// NewService creates a new catalog service instance. circ recomputes pool
// counters after license changes and must run on the same store.
func NewService(store Store, circ circulation.Service, opts ...Option) Service {
	s := &service{
		store:       store,
		circulation: circ,
		collector:   analytics.Discard{},
		clock:       clock.NewSystem(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) record(ctx context.Context, eventType string, poolID int64, identifier string, after licensing.Availability) {
	r := analytics.Record{
		Type:       eventType,
		PoolID:     poolID,
		Identifier: identifier,
		Applied:    true,
		After:      after,
		RecordedAt: s.clock.Now(),
	}
	if err := s.collector.Collect(ctx, r); err != nil {
		s.logger.WarnContext(ctx, "failed to record catalog change", "type", eventType, "pool_id", poolID, "error", err)
	}
}

func parsePeriod(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s %q", ErrInvalidRequest, name, v)
	}
	return d, nil
}

func (s *service) CreateCollection(ctx context.Context, req CollectionRequest) (circulation.Collection, error) {
	if strings.TrimSpace(req.Name) == "" {
		return circulation.Collection{}, fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	loan, err := parsePeriod("default_loan_period", req.DefaultLoanPeriod)
	if err != nil {
		return circulation.Collection{}, err
	}
	reservation, err := parsePeriod("default_reservation_period", req.DefaultReservationPeriod)
	if err != nil {
		return circulation.Collection{}, err
	}

	c := circulation.Collection{
		Name:                     req.Name,
		Active:                   req.Active == nil || *req.Active,
		DefaultLoanPeriod:        loan,
		DefaultReservationPeriod: reservation,
	}
	c, err = s.store.CreateCollection(ctx, c)
	if err != nil {
		return circulation.Collection{}, fmt.Errorf("failed to create collection: %w", err)
	}
	s.logger.InfoContext(ctx, "collection created", "collection_id", c.ID, "name", c.Name)
	return c, nil
}

func (s *service) GetCollection(ctx context.Context, id int64) (circulation.Collection, error) {
	return s.store.GetCollection(ctx, id)
}

// AddPool registers a title in a collection with zeroed counters.
func (s *service) AddPool(ctx context.Context, collectionID int64, identifier string, openAccess bool) (*licensing.LicensePool, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	}
	pool, err := s.store.CreatePool(ctx, licensing.LicensePool{
		CollectionID: collectionID,
		Identifier:   identifier,
		OpenAccess:   openAccess,
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "pool added", "pool_id", pool.ID, "identifier", identifier)
	s.record(ctx, analytics.EventPoolAdd, pool.ID, identifier, pool.Availability())
	return pool, nil
}

// RemovePool deletes a pool and its licenses. Pools with loans or holds stay.
func (s *service) RemovePool(ctx context.Context, poolID int64) error {
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePool(ctx, poolID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "pool removed", "pool_id", poolID, "identifier", pool.Identifier)
	s.record(ctx, analytics.EventPoolRemove, poolID, pool.Identifier, licensing.Availability{})
	return nil
}

func (s *service) Licenses(ctx context.Context, poolID int64) ([]*licensing.License, error) {
	if _, err := s.store.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return s.store.ListLicenses(ctx, poolID)
}

// withRefresh runs fn and recomputes the pool's counters in one transaction.
func (s *service) withRefresh(ctx context.Context, poolID int64, fn func(ctx context.Context) error) (licensing.Change, error) {
	var change licensing.Change
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		var err error
		change, _, err = s.circulation.Refresh(ctx, poolID, nil)
		return err
	})
	return change, err
}

func (s *service) AddLicense(ctx context.Context, poolID int64, req LicenseRequest) (*licensing.License, error) {
	var license *licensing.License
	change, err := s.withRefresh(ctx, poolID, func(ctx context.Context) error {
		var err error
		license, err = s.store.CreateLicense(ctx, req.license(poolID))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "license added", "pool_id", poolID, "license", license.Identifier)
	s.record(ctx, analytics.EventLicenseAdd, poolID, license.Identifier, change.After)
	return license, nil
}

func findLicense(licenses []*licensing.License, match func(*licensing.License) bool) (*licensing.License, error) {
	for _, l := range licenses {
		if match(l) {
			return l, nil
		}
	}
	return nil, circulation.ErrLicenseNotFound
}

// UpdateLicense replaces the terms of the pool's license with the request's
// identifier, as a distributor feed reports them.
func (s *service) UpdateLicense(ctx context.Context, poolID int64, req LicenseRequest) (*licensing.License, error) {
	var license *licensing.License
	change, err := s.withRefresh(ctx, poolID, func(ctx context.Context) error {
		licenses, err := s.store.ListLicenses(ctx, poolID)
		if err != nil {
			return err
		}
		existing, err := findLicense(licenses, func(l *licensing.License) bool { return l.Identifier == req.Identifier })
		if err != nil {
			return err
		}
		updated := req.license(poolID)
		updated.ID = existing.ID
		if err := updated.Validate(); err != nil {
			return err
		}
		license = &updated
		return s.store.SaveLicense(ctx, license)
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "license updated", "pool_id", poolID, "license", license.Identifier)
	s.record(ctx, analytics.EventLicenseUpdate, poolID, license.Identifier, change.After)
	return license, nil
}

// RemoveLicense deletes a license no loan is using.
func (s *service) RemoveLicense(ctx context.Context, poolID, licenseID int64) error {
	var identifier string
	change, err := s.withRefresh(ctx, poolID, func(ctx context.Context) error {
		licenses, err := s.store.ListLicenses(ctx, poolID)
		if err != nil {
			return err
		}
		existing, err := findLicense(licenses, func(l *licensing.License) bool { return l.ID == licenseID })
		if err != nil {
			return err
		}
		identifier = existing.Identifier
		return s.store.DeleteLicense(ctx, licenseID)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "license removed", "pool_id", poolID, "license", identifier)
	s.record(ctx, analytics.EventLicenseRemove, poolID, identifier, change.After)
	return nil
}
