// internal/circulation/implementation.go
package circulation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/analytics"
	"libracirc/internal/clock"
	"libracirc/internal/licensing"
)

// service implements the Service interface.
type service struct {
	repo              Repository
	clock             clock.Clock
	collector         analytics.Collector
	logger            *slog.Logger
	tracer            trace.Tracer
	allowHolds        bool
	loanPeriod        time.Duration
	reservationPeriod time.Duration
}

type Option func(*service)

// WithClock overrides the system clock.
func WithClock(c clock.Clock) Option {
	return func(s *service) { s.clock = c }
}

// WithCollector sets where circulation events are forwarded.
func WithCollector(c analytics.Collector) Option {
	return func(s *service) { s.collector = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

// WithHolds turns hold placement on or off for the library. Holds are allowed
// by default.
func WithHolds(allow bool) Option {
	return func(s *service) { s.allowHolds = allow }
}

// WithPeriods sets the library defaults used when a collection has none.
func WithPeriods(loan, reservation time.Duration) Option {
	return func(s *service) {
		s.loanPeriod = loan
		s.reservationPeriod = reservation
	}
}

// NewService creates a new circulation service instance.
func NewService(repo Repository, opts ...Option) Service {
	s := &service{
		repo:       repo,
		clock:      clock.NewSystem(),
		collector:  analytics.Discard{},
		logger:     slog.Default(),
		tracer:     otel.Tracer("libracirc/circulation"),
		allowHolds: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) start(ctx context.Context, name string, poolID int64, b *Borrower) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.Int64("pool.id", poolID)}
	if b != nil {
		attrs = append(attrs, attribute.String("borrower", b.String()))
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// periods returns the collection's loan and reservation periods, falling back
// to the library defaults.
func (s *service) periods(c Collection) (loan, reservation time.Duration) {
	loan, reservation = s.loanPeriod, s.reservationPeriod
	if c.DefaultLoanPeriod > 0 {
		loan = c.DefaultLoanPeriod
	}
	if c.DefaultReservationPeriod > 0 {
		reservation = c.DefaultReservationPeriod
	}
	return loan, reservation
}

// collect forwards a record after the transaction committed. Analytics
// failures never fail the caller.
func (s *service) collect(ctx context.Context, r analytics.Record) {
	if err := s.collector.Collect(ctx, r); err != nil {
		s.logger.WarnContext(ctx, "failed to forward circulation event",
			"type", r.Type,
			"pool_id", r.PoolID,
			"error", err,
		)
	}
}

func (s *service) localRecord(eventType string, pool *licensing.LicensePool, b Borrower, now time.Time) analytics.Record {
	one := 1
	return analytics.Record{
		Type:       eventType,
		PoolID:     pool.ID,
		Identifier: pool.Identifier,
		Borrower:   b.String(),
		Amount:     &one,
		OccurredAt: &now,
		Applied:    true,
		After:      pool.Availability(),
		RecordedAt: now,
	}
}

// syncQueue drops lapsed reservations, recomputes the counters of a pool that
// tracks licenses and renumbers the remaining holds. Without licenses the
// counters belong to the distributor and are left as they are.
func (s *service) syncQueue(ctx context.Context, pool *licensing.LicensePool, licenses []*licensing.License, reservationPeriod time.Duration, now time.Time) ([]Notice, error) {
	holds, err := s.repo.ListHolds(ctx, pool.ID)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	active, expired := SplitExpired(holds, now)
	for _, h := range expired {
		if err := s.repo.DeleteHold(ctx, h.ID); err != nil {
			return nil, fmt.Errorf("delete expired hold %d: %w", h.ID, err)
		}
		s.logger.InfoContext(ctx, "reservation expired",
			"pool_id", pool.ID,
			"borrower", h.Borrower.String(),
		)
	}

	if len(licenses) > 0 {
		pool.UpdateAvailabilityFromLicenses(licenses, len(active), now)
	}

	var notices []Notice
	for _, h := range RecalculateQueue(active, pool.LicensesReserved, reservationPeriod, now) {
		if err := s.repo.SaveHold(ctx, h); err != nil {
			return nil, fmt.Errorf("save hold %d: %w", h.ID, err)
		}
		if h.IsReserved() && len(notices) == 0 {
			notices = append(notices, Notice{Kind: NoticeHoldsReserved, PoolID: pool.ID})
		}
	}
	return notices, nil
}

func (s *service) savePool(ctx context.Context, pool *licensing.LicensePool, before licensing.Availability) ([]Notice, error) {
	if err := s.repo.SavePool(ctx, pool); err != nil {
		return nil, fmt.Errorf("save pool %d: %w", pool.ID, err)
	}
	return poolChanged(licensing.Change{PoolID: pool.ID, Before: before, After: pool.Availability()}), nil
}

func anyActive(licenses []*licensing.License, now time.Time) bool {
	for _, l := range licenses {
		if !l.IsInactive(now) {
			return true
		}
	}
	return false
}

// Checkout lends the title to the borrower from the best license available.
// A pool without licenses lends against its distributor counters and the loan
// is not pinned to a license. Someone else's reservation is never taken: without a reserved hold of their
// own, the borrower needs an unreserved copy.
func (s *service) Checkout(ctx context.Context, b Borrower, poolID int64) (*Loan, []Notice, error) {
	ctx, span := s.start(ctx, "circulation.checkout", poolID, &b)
	defer span.End()
	if !b.Valid() {
		return nil, nil, fail(span, ErrInvalidBorrower)
	}

	now := s.clock.Now()
	var (
		loan    *Loan
		pool    *licensing.LicensePool
		notices []Notice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		pool, err = s.repo.GetPoolForUpdate(ctx, poolID)
		if err != nil {
			return err
		}
		before := pool.Availability()

		existing, err := s.repo.FindLoan(ctx, b, poolID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyCheckedOut
		}

		collection, err := s.repo.GetCollection(ctx, pool.CollectionID)
		if err != nil {
			return err
		}
		if !collection.Active {
			return ErrCollectionInactive
		}
		loanPeriod, reservationPeriod := s.periods(collection)

		loan = &Loan{
			PoolID:             poolID,
			Borrower:           b,
			Start:              &now,
			ExternalIdentifier: uuid.NewString(),
		}
		if pool.OpenAccess {
			if err := s.repo.CreateLoan(ctx, loan); err != nil {
				return err
			}
			notices = append(notices, Notice{Kind: NoticeLoanCreated, PoolID: poolID})
			return nil
		}

		licenses, err := s.repo.ListLicenses(ctx, poolID)
		if err != nil {
			return err
		}
		// Without licenses the distributor's counters decide.
		tracked := len(licenses) > 0
		if tracked && !anyActive(licenses, now) {
			return ErrNoLicenses
		}

		if _, err := s.syncQueue(ctx, pool, licenses, reservationPeriod, now); err != nil {
			return err
		}
		// Read after the queue was renumbered; a lapsed hold is gone by now.
		hold, err := s.repo.FindHold(ctx, b, poolID)
		if err != nil {
			return err
		}
		reserved := hold != nil && hold.IsReserved()
		if !reserved && pool.LicensesAvailable < 1 {
			return ErrNoAvailableCopies
		}

		if tracked {
			license, ok := licensing.BestAvailableLicense(licenses, now)
			if !ok {
				return ErrNoAvailableCopies
			}
			license.Checkout(now)
			if err := s.repo.SaveLicense(ctx, license); err != nil {
				return err
			}
			licenseID := license.ID
			loan.LicenseID = &licenseID
		} else {
			pool.UpdateAvailability(pool.CalculateChange(licensing.EventCheckout, 1), nil)
			if hold != nil {
				pool.UpdateAvailability(pool.CalculateChange(licensing.EventHoldRelease, 1), nil)
			}
		}

		if loanPeriod > 0 {
			end := now.Add(loanPeriod)
			loan.End = &end
		}
		if err := s.repo.CreateLoan(ctx, loan); err != nil {
			return err
		}
		if hold != nil {
			if err := s.repo.DeleteHold(ctx, hold.ID); err != nil {
				return err
			}
		}

		// The hold is gone, so the queue is recounted without it.
		queueNotices, err := s.syncQueue(ctx, pool, licenses, reservationPeriod, now)
		if err != nil {
			return err
		}
		changed, err := s.savePool(ctx, pool, before)
		if err != nil {
			return err
		}
		notices = append(notices, Notice{Kind: NoticeLoanCreated, PoolID: poolID})
		notices = append(notices, changed...)
		notices = append(notices, queueNotices...)
		return nil
	})
	if err != nil {
		return nil, nil, fail(span, err)
	}

	s.logger.InfoContext(ctx, "loan created",
		"pool_id", poolID,
		"borrower", b.String(),
		"loan_id", loan.ID,
	)
	s.collect(ctx, s.localRecord(analytics.EventCheckout, pool, b, now))
	return loan, notices, nil
}

// Checkin ends the borrower's loan and returns its license slot, or the copy
// to the counters of a pool without licenses.
func (s *service) Checkin(ctx context.Context, b Borrower, poolID int64) ([]Notice, error) {
	ctx, span := s.start(ctx, "circulation.checkin", poolID, &b)
	defer span.End()

	now := s.clock.Now()
	var (
		pool    *licensing.LicensePool
		notices []Notice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		pool, err = s.repo.GetPoolForUpdate(ctx, poolID)
		if err != nil {
			return err
		}
		before := pool.Availability()

		loan, err := s.repo.FindLoan(ctx, b, poolID)
		if err != nil {
			return err
		}
		if loan == nil {
			return ErrNotCheckedOut
		}
		if err := s.repo.DeleteLoan(ctx, loan.ID); err != nil {
			return err
		}
		notices = append(notices, Notice{Kind: NoticeLoanReturned, PoolID: poolID})
		if pool.OpenAccess {
			return nil
		}

		licenses, err := s.repo.ListLicenses(ctx, poolID)
		if err != nil {
			return err
		}
		if len(licenses) == 0 {
			pool.UpdateAvailability(pool.CalculateChange(licensing.EventCheckin, 1), nil)
		}
		for _, l := range licenses {
			if loan.LicenseID == nil || l.ID != *loan.LicenseID {
				continue
			}
			if !l.Checkin(now) {
				s.logger.WarnContext(ctx, "checkin on inactive license",
					"pool_id", poolID,
					"license", l.Identifier,
				)
			}
			if err := s.repo.SaveLicense(ctx, l); err != nil {
				return err
			}
		}

		collection, err := s.repo.GetCollection(ctx, pool.CollectionID)
		if err != nil {
			return err
		}
		_, reservationPeriod := s.periods(collection)
		queueNotices, err := s.syncQueue(ctx, pool, licenses, reservationPeriod, now)
		if err != nil {
			return err
		}
		changed, err := s.savePool(ctx, pool, before)
		if err != nil {
			return err
		}
		notices = append(notices, changed...)
		notices = append(notices, queueNotices...)
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}

	s.logger.InfoContext(ctx, "loan returned", "pool_id", poolID, "borrower", b.String())
	s.collect(ctx, s.localRecord(analytics.EventCheckin, pool, b, now))
	return notices, nil
}

// PlaceHold puts the borrower at the back of the queue for a title with no
// copy to lend.
func (s *service) PlaceHold(ctx context.Context, b Borrower, poolID int64) (*Hold, []Notice, error) {
	ctx, span := s.start(ctx, "circulation.place_hold", poolID, &b)
	defer span.End()
	if !s.allowHolds {
		return nil, nil, fail(span, ErrHoldsDisabled)
	}
	if !b.Valid() {
		return nil, nil, fail(span, ErrInvalidBorrower)
	}

	now := s.clock.Now()
	var (
		hold    *Hold
		pool    *licensing.LicensePool
		notices []Notice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		pool, err = s.repo.GetPoolForUpdate(ctx, poolID)
		if err != nil {
			return err
		}
		before := pool.Availability()

		collection, err := s.repo.GetCollection(ctx, pool.CollectionID)
		if err != nil {
			return err
		}
		if !collection.Active {
			return ErrCollectionInactive
		}
		if pool.OpenAccess {
			return ErrHoldOnOpenAccess
		}
		if loan, err := s.repo.FindLoan(ctx, b, poolID); err != nil {
			return err
		} else if loan != nil {
			return ErrAlreadyCheckedOut
		}
		if existing, err := s.repo.FindHold(ctx, b, poolID); err != nil {
			return err
		} else if existing != nil && !existing.Expired(now) {
			return ErrAlreadyOnHold
		}

		licenses, err := s.repo.ListLicenses(ctx, poolID)
		if err != nil {
			return err
		}
		_, reservationPeriod := s.periods(collection)
		queueNotices, err := s.syncQueue(ctx, pool, licenses, reservationPeriod, now)
		if err != nil {
			return err
		}
		if pool.LicensesAvailable > 0 {
			return ErrCurrentlyAvailable
		}

		position := pool.PatronsInHoldQueue + 1
		hold = &Hold{PoolID: poolID, Borrower: b, Start: &now, Position: &position}
		if err := s.repo.CreateHold(ctx, hold); err != nil {
			return err
		}
		if len(licenses) > 0 {
			// Renumber with the new hold in line.
			more, err := s.syncQueue(ctx, pool, licenses, reservationPeriod, now)
			if err != nil {
				return err
			}
			queueNotices = append(queueNotices, more...)
			if hold, err = s.repo.FindHold(ctx, b, poolID); err != nil {
				return err
			}
		} else {
			a := pool.Availability()
			a.HoldQueue = position
			pool.UpdateAvailability(a, nil)
		}

		changed, err := s.savePool(ctx, pool, before)
		if err != nil {
			return err
		}
		notices = append(notices, Notice{Kind: NoticeHoldPlaced, PoolID: poolID})
		notices = append(notices, changed...)
		notices = append(notices, queueNotices...)
		return nil
	})
	if err != nil {
		return nil, nil, fail(span, err)
	}

	s.logger.InfoContext(ctx, "hold placed",
		"pool_id", poolID,
		"borrower", b.String(),
		"position", *hold.Position,
	)
	s.collect(ctx, s.localRecord(analytics.EventHoldPlace, pool, b, now))
	return hold, notices, nil
}

// ReleaseHold removes the borrower from the queue.
func (s *service) ReleaseHold(ctx context.Context, b Borrower, poolID int64) ([]Notice, error) {
	ctx, span := s.start(ctx, "circulation.release_hold", poolID, &b)
	defer span.End()

	now := s.clock.Now()
	var (
		pool    *licensing.LicensePool
		notices []Notice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		pool, err = s.repo.GetPoolForUpdate(ctx, poolID)
		if err != nil {
			return err
		}
		before := pool.Availability()

		hold, err := s.repo.FindHold(ctx, b, poolID)
		if err != nil {
			return err
		}
		if hold == nil {
			return ErrNotOnHold
		}
		if err := s.repo.DeleteHold(ctx, hold.ID); err != nil {
			return err
		}

		licenses, err := s.repo.ListLicenses(ctx, poolID)
		if err != nil {
			return err
		}
		if len(licenses) == 0 {
			pool.UpdateAvailability(pool.CalculateChange(licensing.EventHoldRelease, 1), nil)
		}
		collection, err := s.repo.GetCollection(ctx, pool.CollectionID)
		if err != nil {
			return err
		}
		_, reservationPeriod := s.periods(collection)
		queueNotices, err := s.syncQueue(ctx, pool, licenses, reservationPeriod, now)
		if err != nil {
			return err
		}

		changed, err := s.savePool(ctx, pool, before)
		if err != nil {
			return err
		}
		notices = append(notices, Notice{Kind: NoticeHoldReleased, PoolID: poolID})
		notices = append(notices, changed...)
		notices = append(notices, queueNotices...)
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}

	s.logger.InfoContext(ctx, "hold released", "pool_id", poolID, "borrower", b.String())
	s.collect(ctx, s.localRecord(analytics.EventHoldRelease, pool, b, now))
	return notices, nil
}

// EstimateHold returns the borrower's hold with its estimated availability.
func (s *service) EstimateHold(ctx context.Context, b Borrower, poolID int64) (*HoldEstimate, error) {
	ctx, span := s.start(ctx, "circulation.estimate_hold", poolID, &b)
	defer span.End()

	pool, err := s.repo.GetPool(ctx, poolID)
	if err != nil {
		return nil, fail(span, err)
	}
	hold, err := s.repo.FindHold(ctx, b, poolID)
	if err != nil {
		return nil, fail(span, err)
	}
	if hold == nil {
		return nil, fail(span, ErrNotOnHold)
	}
	collection, err := s.repo.GetCollection(ctx, pool.CollectionID)
	if err != nil {
		return nil, fail(span, err)
	}

	loanPeriod, reservationPeriod := s.periods(collection)
	return &HoldEstimate{
		Hold:  hold,
		Until: hold.Until(pool, loanPeriod, reservationPeriod, s.clock.Now()),
	}, nil
}

// ApplyDelta folds one distributor event into the pool. Every event is
// forwarded to analytics whether or not it was applied.
func (s *service) ApplyDelta(ctx context.Context, poolID int64, d licensing.Delta) (licensing.Change, []Notice, error) {
	ctx, span := s.start(ctx, "circulation.apply_delta", poolID, nil)
	defer span.End()
	span.SetAttributes(attribute.String("event.type", string(d.Type)))

	var (
		change licensing.Change
		pool   *licensing.LicensePool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		var err error
		pool, err = s.repo.GetPoolForUpdate(ctx, poolID)
		if err != nil {
			return err
		}
		change = pool.ApplyDelta(d)
		if !change.Applied {
			return nil
		}
		return s.repo.SavePool(ctx, pool)
	})
	if err != nil {
		return licensing.Change{}, nil, fail(span, err)
	}

	span.SetAttributes(attribute.Bool("delta.applied", change.Applied))
	switch {
	case change.Changed():
		s.logger.InfoContext(ctx, change.Changelog(pool.Identifier), "event", d.Type)
	case !change.Applied:
		s.logger.DebugContext(ctx, "distributor event not applied",
			"pool_id", poolID,
			"event", d.Type,
			"reason", change.Skipped,
		)
	}
	s.collect(ctx, analytics.FromChange(pool.Identifier, change, s.clock.Now()))
	return change, poolChanged(change), nil
}

// Refresh replaces the pool's counters. A nil snapshot recomputes them from
// the pool's licenses and holds; otherwise the snapshot is taken as reported.
func (s *service) Refresh(ctx context.Context, poolID int64, snapshot *licensing.Availability) (licensing.Change, []Notice, error) {
	ctx, span := s.start(ctx, "circulation.refresh", poolID, nil)
	defer span.End()

	now := s.clock.Now()
	var (
		change  licensing.Change
		notices []Notice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context) error {
		pool, err := s.repo.GetPoolForUpdate(ctx, poolID)
		if err != nil {
			return err
		}
		before := pool.Availability()

		collection, err := s.repo.GetCollection(ctx, pool.CollectionID)
		if err != nil {
			return err
		}
		_, reservationPeriod := s.periods(collection)

		var licenses []*licensing.License
		if snapshot != nil {
			pool.UpdateAvailability(*snapshot, &now)
		} else if licenses, err = s.repo.ListLicenses(ctx, poolID); err != nil {
			return err
		}
		queueNotices, err := s.syncQueue(ctx, pool, licenses, reservationPeriod, now)
		if err != nil {
			return err
		}
		if err := s.repo.SavePool(ctx, pool); err != nil {
			return err
		}

		change = licensing.Change{
			PoolID:      pool.ID,
			Applied:     true,
			Before:      before,
			After:       pool.Availability(),
			LastChecked: pool.LastChecked,
		}
		if change.Changed() {
			s.logger.InfoContext(ctx, change.Changelog(pool.Identifier), "refresh", true)
		}
		notices = append(poolChanged(change), queueNotices...)
		return nil
	})
	if err != nil {
		return licensing.Change{}, nil, fail(span, err)
	}
	return change, notices, nil
}

func (s *service) Pool(ctx context.Context, poolID int64) (*licensing.LicensePool, error) {
	return s.repo.GetPool(ctx, poolID)
}

func (s *service) FindPool(ctx context.Context, collectionID int64, identifier string) (*licensing.LicensePool, error) {
	return s.repo.FindPool(ctx, collectionID, identifier)
}
