package circulation_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/analytics"
	"libracirc/internal/circulation"
	"libracirc/internal/clock"
	"libracirc/internal/licensing"
	"libracirc/internal/storage/memory"
)

const day = 24 * time.Hour

type fixture struct {
	store    *memory.Store
	clock    *clock.Fake
	recorder *analytics.Recorder
	service  circulation.Service
	pool     *licensing.LicensePool
}

type setup struct {
	openAccess bool
	inactive   bool
	licenses   []licensing.License
	opts       []circulation.Option
}

func newFixture(t *testing.T, s setup) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:    memory.New(),
		clock:    clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		recorder: &analytics.Recorder{},
	}

	c, err := f.store.CreateCollection(ctx, circulation.Collection{
		Name:                     "Distributor",
		Active:                   !s.inactive,
		DefaultLoanPeriod:        6 * day,
		DefaultReservationPeriod: day,
	})
	require.NoError(t, err)

	f.pool, err = f.store.CreatePool(ctx, licensing.LicensePool{
		CollectionID: c.ID,
		Identifier:   "urn:isbn:9780000000001",
		OpenAccess:   s.openAccess,
	})
	require.NoError(t, err)
	for _, l := range s.licenses {
		l.PoolID = f.pool.ID
		_, err := f.store.CreateLicense(ctx, l)
		require.NoError(t, err)
	}

	opts := append([]circulation.Option{
		circulation.WithClock(f.clock),
		circulation.WithCollector(f.recorder),
		circulation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, s.opts...)
	f.service = circulation.NewService(f.store, opts...)

	if len(s.licenses) > 0 {
		_, _, err = f.service.Refresh(ctx, f.pool.ID, nil)
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) reload(t *testing.T) *licensing.LicensePool {
	t.Helper()
	p, err := f.service.Pool(context.Background(), f.pool.ID)
	require.NoError(t, err)
	return p
}

func perpetual(id string, concurrency int) licensing.License {
	return licensing.License{
		Identifier:         id,
		Status:             licensing.StatusAvailable,
		CheckoutsAvailable: concurrency,
		TermsConcurrency:   concurrency,
	}
}

func noticeKinds(notices []circulation.Notice) []circulation.NoticeKind {
	kinds := make([]circulation.NoticeKind, len(notices))
	for i, n := range notices {
		kinds[i] = n.Kind
	}
	return kinds
}

func TestCheckoutAndCheckin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{licenses: []licensing.License{perpetual("lic-1", 2)}})

	pool := f.reload(t)
	assert.Equal(t, licensing.Availability{Owned: 2, Available: 2}, pool.Availability())

	loan, notices, err := f.service.Checkout(ctx, circulation.Patron(1), f.pool.ID)
	require.NoError(t, err)
	require.NotNil(t, loan.LicenseID)
	require.NotNil(t, loan.End)
	assert.Equal(t, f.clock.Now().Add(6*day), *loan.End)
	assert.NotEmpty(t, loan.ExternalIdentifier)
	assert.Equal(t, []circulation.NoticeKind{circulation.NoticeLoanCreated, circulation.NoticePoolChanged}, noticeKinds(notices))
	assert.Equal(t, licensing.Availability{Owned: 2, Available: 1}, f.reload(t).Availability())

	_, _, err = f.service.Checkout(ctx, circulation.Patron(1), f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrAlreadyCheckedOut)

	notices, err = f.service.Checkin(ctx, circulation.Patron(1), f.pool.ID)
	require.NoError(t, err)
	assert.Contains(t, noticeKinds(notices), circulation.NoticeLoanReturned)
	assert.Equal(t, licensing.Availability{Owned: 2, Available: 2}, f.reload(t).Availability())

	_, err = f.service.Checkin(ctx, circulation.Patron(1), f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNotCheckedOut)

	records := f.recorder.Records()
	require.Len(t, records, 2)
	assert.Equal(t, analytics.EventCheckout, records[0].Type)
	assert.Equal(t, "patron:1", records[0].Borrower)
	assert.Equal(t, analytics.EventCheckin, records[1].Type)
}

func TestCheckoutPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid borrower", func(t *testing.T) {
		f := newFixture(t, setup{licenses: []licensing.License{perpetual("lic-1", 1)}})
		_, _, err := f.service.Checkout(ctx, circulation.Borrower{Kind: circulation.KindPatron}, f.pool.ID)
		assert.ErrorIs(t, err, circulation.ErrInvalidBorrower)
	})

	t.Run("unknown pool", func(t *testing.T) {
		f := newFixture(t, setup{})
		_, _, err := f.service.Checkout(ctx, circulation.Patron(1), 999)
		assert.ErrorIs(t, err, circulation.ErrPoolNotFound)
	})

	t.Run("inactive collection", func(t *testing.T) {
		f := newFixture(t, setup{inactive: true, licenses: []licensing.License{perpetual("lic-1", 1)}})
		_, _, err := f.service.Checkout(ctx, circulation.Patron(1), f.pool.ID)
		assert.ErrorIs(t, err, circulation.ErrCollectionInactive)
	})

	t.Run("no active licenses", func(t *testing.T) {
		exhausted := perpetual("lic-1", 1)
		exhausted.Status = licensing.StatusUnavailable
		f := newFixture(t, setup{licenses: []licensing.License{exhausted}})
		_, _, err := f.service.Checkout(ctx, circulation.Patron(1), f.pool.ID)
		assert.ErrorIs(t, err, circulation.ErrNoLicenses)
	})

	t.Run("no copies left", func(t *testing.T) {
		f := newFixture(t, setup{licenses: []licensing.License{perpetual("lic-1", 1)}})
		_, _, err := f.service.Checkout(ctx, circulation.Patron(1), f.pool.ID)
		require.NoError(t, err)

		_, _, err = f.service.Checkout(ctx, circulation.Patron(2), f.pool.ID)
		assert.ErrorIs(t, err, circulation.ErrNoAvailableCopies)

		var policy *circulation.PolicyError
		require.ErrorAs(t, err, &policy)
		assert.NotEmpty(t, policy.Reason)
		assert.Len(t, f.recorder.Records(), 1, "rejected checkouts are not collected")
	})

	t.Run("open access needs no license", func(t *testing.T) {
		f := newFixture(t, setup{openAccess: true})
		loan, notices, err := f.service.Checkout(ctx, circulation.Patron(1), f.pool.ID)
		require.NoError(t, err)
		assert.Nil(t, loan.LicenseID)
		assert.Equal(t, []circulation.NoticeKind{circulation.NoticeLoanCreated}, noticeKinds(notices))

		_, err = f.service.Checkin(ctx, circulation.Patron(1), f.pool.ID)
		require.NoError(t, err)
	})
}

func TestHoldQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{licenses: []licensing.License{perpetual("lic-1", 1)}})
	alice, bob, carol := circulation.Patron(1), circulation.Patron(2), circulation.ServiceAccount(3)

	_, _, err := f.service.PlaceHold(ctx, bob, f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrCurrentlyAvailable)

	_, _, err = f.service.Checkout(ctx, alice, f.pool.ID)
	require.NoError(t, err)

	_, _, err = f.service.PlaceHold(ctx, alice, f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrAlreadyCheckedOut)

	f.clock.Advance(time.Minute)
	hold, notices, err := f.service.PlaceHold(ctx, bob, f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *hold.Position)
	assert.Contains(t, noticeKinds(notices), circulation.NoticeHoldPlaced)

	_, _, err = f.service.PlaceHold(ctx, bob, f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrAlreadyOnHold)

	f.clock.Advance(time.Minute)
	hold, _, err = f.service.PlaceHold(ctx, carol, f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, *hold.Position)
	assert.Equal(t, licensing.Availability{Owned: 1, HoldQueue: 2}, f.reload(t).Availability())

	// Alice returns the copy: it is reserved for bob, carol moves up.
	notices, err = f.service.Checkin(ctx, alice, f.pool.ID)
	require.NoError(t, err)
	assert.Contains(t, noticeKinds(notices), circulation.NoticeHoldsReserved)
	assert.Equal(t, licensing.Availability{Owned: 1, Reserved: 1, HoldQueue: 2}, f.reload(t).Availability())

	estimate, err := f.service.EstimateHold(ctx, bob, f.pool.ID)
	require.NoError(t, err)
	assert.True(t, estimate.Hold.IsReserved())
	assert.Equal(t, f.clock.Now().Add(day), *estimate.Until)

	estimate, err = f.service.EstimateHold(ctx, carol, f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *estimate.Hold.Position)
	assert.Equal(t, f.clock.Now().Add(7*day), *estimate.Until)

	// Carol cannot take bob's reservation.
	_, _, err = f.service.Checkout(ctx, carol, f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNoAvailableCopies)

	_, _, err = f.service.Checkout(ctx, bob, f.pool.ID)
	require.NoError(t, err)
	_, err = f.service.EstimateHold(ctx, bob, f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNotOnHold, "the hold becomes the loan")
	assert.Equal(t, licensing.Availability{Owned: 1, HoldQueue: 1}, f.reload(t).Availability())

	_, err = f.service.ReleaseHold(ctx, carol, f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.Availability{Owned: 1}, f.reload(t).Availability())

	_, err = f.service.ReleaseHold(ctx, carol, f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNotOnHold)
}

func TestReservationLapses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{licenses: []licensing.License{perpetual("lic-1", 1)}})
	alice, bob, carol := circulation.Patron(1), circulation.Patron(2), circulation.Patron(3)

	_, _, err := f.service.Checkout(ctx, alice, f.pool.ID)
	require.NoError(t, err)
	_, _, err = f.service.PlaceHold(ctx, bob, f.pool.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, _, err = f.service.PlaceHold(ctx, carol, f.pool.ID)
	require.NoError(t, err)
	_, err = f.service.Checkin(ctx, alice, f.pool.ID)
	require.NoError(t, err)

	// Bob never picks the copy up.
	f.clock.Advance(2 * day)

	loan, _, err := f.service.Checkout(ctx, carol, f.pool.ID)
	require.NoError(t, err)
	assert.NotNil(t, loan.LicenseID)

	_, err = f.service.EstimateHold(ctx, bob, f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNotOnHold)
	assert.Equal(t, licensing.Availability{Owned: 1}, f.reload(t).Availability())
}

func TestHoldPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("holds disabled", func(t *testing.T) {
		f := newFixture(t, setup{opts: []circulation.Option{circulation.WithHolds(false)}})
		_, _, err := f.service.PlaceHold(ctx, circulation.Patron(1), f.pool.ID)
		assert.ErrorIs(t, err, circulation.ErrHoldsDisabled)
	})

	t.Run("open access", func(t *testing.T) {
		f := newFixture(t, setup{openAccess: true})
		_, _, err := f.service.PlaceHold(ctx, circulation.Patron(1), f.pool.ID)
		assert.ErrorIs(t, err, circulation.ErrHoldOnOpenAccess)
	})

	t.Run("inactive collection", func(t *testing.T) {
		f := newFixture(t, setup{inactive: true})
		_, _, err := f.service.PlaceHold(ctx, circulation.Patron(1), f.pool.ID)
		assert.ErrorIs(t, err, circulation.ErrCollectionInactive)
	})
}

func TestHoldOnDistributorCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{})

	_, _, err := f.service.Refresh(ctx, f.pool.ID, &licensing.Availability{Owned: 2, HoldQueue: 3})
	require.NoError(t, err)

	hold, _, err := f.service.PlaceHold(ctx, circulation.Patron(1), f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, *hold.Position)
	assert.Equal(t, 4, f.reload(t).PatronsInHoldQueue)

	_, err = f.service.ReleaseHold(ctx, circulation.Patron(1), f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, f.reload(t).PatronsInHoldQueue)

	records := f.recorder.Records()
	require.Len(t, records, 2)
	assert.Equal(t, analytics.EventHoldPlace, records[0].Type)
	assert.Equal(t, analytics.EventHoldRelease, records[1].Type)
}

func TestCheckoutOnDistributorCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{})

	_, _, err := f.service.Refresh(ctx, f.pool.ID, &licensing.Availability{Owned: 3, Available: 3})
	require.NoError(t, err)

	_, _, err = f.service.PlaceHold(ctx, circulation.Patron(1), f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrCurrentlyAvailable)

	loan, notices, err := f.service.Checkout(ctx, circulation.Patron(1), f.pool.ID)
	require.NoError(t, err)
	assert.Nil(t, loan.LicenseID)
	require.NotNil(t, loan.End)
	assert.Equal(t, f.clock.Now().Add(6*day), *loan.End)
	assert.Equal(t, []circulation.NoticeKind{circulation.NoticeLoanCreated, circulation.NoticePoolChanged}, noticeKinds(notices))
	assert.Equal(t, licensing.Availability{Owned: 3, Available: 2}, f.reload(t).Availability())

	for _, b := range []circulation.Borrower{circulation.Patron(2), circulation.Patron(3)} {
		_, _, err := f.service.Checkout(ctx, b, f.pool.ID)
		require.NoError(t, err)
	}
	_, _, err = f.service.Checkout(ctx, circulation.Patron(4), f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNoAvailableCopies)

	_, err = f.service.Checkin(ctx, circulation.Patron(1), f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.Availability{Owned: 3, Available: 1}, f.reload(t).Availability())

	_, _, err = f.service.Checkout(ctx, circulation.Patron(4), f.pool.ID)
	require.NoError(t, err)
}

func TestReservedHoldOnDistributorCounters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{})
	alice, bob := circulation.Patron(1), circulation.Patron(2)

	_, _, err := f.service.Refresh(ctx, f.pool.ID, &licensing.Availability{Owned: 1})
	require.NoError(t, err)
	_, _, err = f.service.PlaceHold(ctx, alice, f.pool.ID)
	require.NoError(t, err)

	_, _, err = f.service.ApplyDelta(ctx, f.pool.ID,
		licensing.NewDelta(licensing.EventAvailabilityNotify, 1, f.clock.Now().Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, licensing.Availability{Owned: 1, Reserved: 1}, f.reload(t).Availability())

	_, _, err = f.service.Checkout(ctx, bob, f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNoAvailableCopies)

	loan, _, err := f.service.Checkout(ctx, alice, f.pool.ID)
	require.NoError(t, err)
	assert.Nil(t, loan.LicenseID)
	assert.Equal(t, licensing.Availability{Owned: 1}, f.reload(t).Availability())
	_, err = f.service.ReleaseHold(ctx, alice, f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNotOnHold)

	_, err = f.service.Checkin(ctx, alice, f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.Availability{Owned: 1, Available: 1}, f.reload(t).Availability())
}

func TestCheckinRestoresLastTermSlot(t *testing.T) {
	ctx := context.Background()
	expires := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	left := 1
	f := newFixture(t, setup{licenses: []licensing.License{{
		Identifier:         "lic-1",
		Status:             licensing.StatusAvailable,
		Expires:            &expires,
		CheckoutsLeft:      &left,
		CheckoutsAvailable: 1,
		TermsConcurrency:   1,
	}}})
	assert.Equal(t, licensing.Availability{Owned: 1, Available: 1}, f.reload(t).Availability())

	_, _, err := f.service.Checkout(ctx, circulation.Patron(1), f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.Availability{}, f.reload(t).Availability())

	_, _, err = f.service.Checkout(ctx, circulation.Patron(2), f.pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNoLicenses)

	_, err = f.service.Checkin(ctx, circulation.Patron(1), f.pool.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.Availability{Owned: 1, Available: 1}, f.reload(t).Availability())

	licenses, err := f.store.ListLicenses(ctx, f.pool.ID)
	require.NoError(t, err)
	require.Len(t, licenses, 1)
	assert.Equal(t, 1, *licenses[0].CheckoutsLeft)
	assert.Equal(t, 1, licenses[0].CheckoutsAvailable)

	_, _, err = f.service.Checkout(ctx, circulation.Patron(2), f.pool.ID)
	require.NoError(t, err)
}

func TestApplyDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{})
	at := f.clock.Now()

	change, notices, err := f.service.ApplyDelta(ctx, f.pool.ID, licensing.NewDelta(licensing.EventLicenseAdd, 3, at))
	require.NoError(t, err)
	assert.True(t, change.Applied)
	assert.Equal(t, []circulation.NoticeKind{circulation.NoticePoolChanged}, noticeKinds(notices))

	pool := f.reload(t)
	assert.Equal(t, licensing.Availability{Owned: 3, Available: 3}, pool.Availability())
	require.NotNil(t, pool.LastChecked)
	assert.Equal(t, at, *pool.LastChecked)

	// Duplicate delivery is collected but changes nothing.
	change, notices, err = f.service.ApplyDelta(ctx, f.pool.ID, licensing.NewDelta(licensing.EventLicenseAdd, 3, at))
	require.NoError(t, err)
	assert.False(t, change.Applied)
	assert.Equal(t, licensing.SkipStale, change.Skipped)
	assert.Empty(t, notices)
	assert.Equal(t, pool.Availability(), f.reload(t).Availability())

	records := f.recorder.Records()
	require.Len(t, records, 2)
	assert.True(t, records[0].Applied)
	assert.False(t, records[1].Applied)
	assert.Equal(t, licensing.SkipStale, records[1].Skipped)
	assert.Equal(t, "urn:isbn:9780000000001", records[1].Identifier)

	_, _, err = f.service.ApplyDelta(ctx, 999, licensing.NewDelta(licensing.EventCheckout, 1, at))
	assert.ErrorIs(t, err, circulation.ErrPoolNotFound)
}

type failingCollector struct{}

func (failingCollector) Collect(context.Context, analytics.Record) error {
	return assert.AnError
}

func TestCollectorFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, setup{
		licenses: []licensing.License{perpetual("lic-1", 1)},
		opts:     []circulation.Option{circulation.WithCollector(failingCollector{})},
	})

	_, _, err := f.service.Checkout(ctx, circulation.Patron(1), f.pool.ID)
	require.NoError(t, err)
	_, _, err = f.service.ApplyDelta(ctx, f.pool.ID, licensing.NewDelta(licensing.EventCheckin, 1, f.clock.Now()))
	require.NoError(t, err)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshot", func(t *testing.T) {
		f := newFixture(t, setup{})
		snapshot := licensing.Availability{Owned: 5, Available: 2, Reserved: 1, HoldQueue: 3}

		change, notices, err := f.service.Refresh(ctx, f.pool.ID, &snapshot)
		require.NoError(t, err)
		assert.True(t, change.Changed())
		assert.Len(t, notices, 1)

		pool := f.reload(t)
		assert.Equal(t, snapshot, pool.Availability())
		require.NotNil(t, pool.LastChecked)
		assert.Equal(t, f.clock.Now(), *pool.LastChecked)

		// The same snapshot again is not a change.
		change, notices, err = f.service.Refresh(ctx, f.pool.ID, &snapshot)
		require.NoError(t, err)
		assert.False(t, change.Changed())
		assert.Empty(t, notices)
	})

	t.Run("from licenses", func(t *testing.T) {
		f := newFixture(t, setup{licenses: []licensing.License{perpetual("lic-1", 2), perpetual("lic-2", 3)}})
		assert.Equal(t, licensing.Availability{Owned: 5, Available: 5}, f.reload(t).Availability())
	})

	t.Run("expired license drops out", func(t *testing.T) {
		expiring := perpetual("lic-1", 2)
		expires := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
		expiring.Expires = &expires
		f := newFixture(t, setup{licenses: []licensing.License{expiring, perpetual("lic-2", 1)}})
		assert.Equal(t, 3, f.reload(t).LicensesOwned)

		f.clock.Advance(day)
		_, _, err := f.service.Refresh(ctx, f.pool.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, licensing.Availability{Owned: 1, Available: 1}, f.reload(t).Availability())
	})
}

func TestFindPool(t *testing.T) {
	f := newFixture(t, setup{})
	pool, err := f.service.FindPool(context.Background(), f.pool.CollectionID, f.pool.Identifier)
	require.NoError(t, err)
	assert.Equal(t, f.pool.ID, pool.ID)

	_, err = f.service.FindPool(context.Background(), f.pool.CollectionID, "urn:isbn:missing")
	assert.ErrorIs(t, err, circulation.ErrPoolNotFound)
}
