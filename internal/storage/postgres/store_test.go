package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/circulation"
	"libracirc/internal/licensing"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// setupTestDB connects to PostgreSQL and skips the test when it is not reachable.
func setupTestDB(t testing.TB) *Store {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getenv("PGHOST", "localhost"),
		getenv("PGPORT", "5432"),
		getenv("PGUSER", "user"),
		getenv("PGPASSWORD", "password"),
		getenv("PGDATABASE", "testdb"),
	)

	db, err := sqlx.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}

	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seed(t *testing.T, s *Store) (circulation.Collection, *licensing.LicensePool) {
	t.Helper()
	ctx := context.Background()
	c, err := s.CreateCollection(ctx, circulation.Collection{
		Name:                     "Distributor",
		Active:                   true,
		DefaultLoanPeriod:        21 * 24 * time.Hour,
		DefaultReservationPeriod: 24 * time.Hour,
	})
	require.NoError(t, err)
	p, err := s.CreatePool(ctx, licensing.LicensePool{CollectionID: c.ID, Identifier: "urn:isbn:9780000000001"})
	require.NoError(t, err)
	return c, p
}

func TestCollectionRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	c, _ := seed(t, s)

	got, err := s.GetCollection(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = s.GetCollection(context.Background(), -1)
	assert.ErrorIs(t, err, circulation.ErrCollectionNotFound)
}

func TestPoolAndLicenses(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	c, pool := seed(t, s)

	_, err := s.CreatePool(ctx, licensing.LicensePool{CollectionID: c.ID, Identifier: pool.Identifier})
	assert.ErrorIs(t, err, circulation.ErrDuplicatePool)

	left := 5
	lic, err := s.CreateLicense(ctx, licensing.License{
		PoolID:             pool.ID,
		Identifier:         "lic-1",
		Status:             licensing.StatusAvailable,
		CheckoutsLeft:      &left,
		CheckoutsAvailable: 2,
		TermsConcurrency:   2,
	})
	require.NoError(t, err)

	_, err = s.CreateLicense(ctx, licensing.License{PoolID: pool.ID, Identifier: "lic-1", Status: licensing.StatusAvailable, TermsConcurrency: 1})
	assert.ErrorIs(t, err, circulation.ErrDuplicateLicense)

	lic.Checkout(time.Now())
	require.NoError(t, s.SaveLicense(ctx, lic))

	licenses, err := s.ListLicenses(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, licenses, 1)
	assert.Equal(t, 4, *licenses[0].CheckoutsLeft)
	assert.Equal(t, 1, licenses[0].CheckoutsAvailable)

	now := time.Now().UTC().Truncate(time.Microsecond)
	pool.LicensesOwned, pool.LicensesAvailable, pool.LastChecked = 2, 1, &now
	require.NoError(t, s.SavePool(ctx, pool))

	got, err := s.FindPool(ctx, c.ID, pool.Identifier)
	require.NoError(t, err)
	assert.Equal(t, licensing.Availability{Owned: 2, Available: 1}, got.Availability())
	assert.True(t, now.Equal(*got.LastChecked))
	assert.Equal(t, pool.Version, got.Version)

	require.NoError(t, s.DeletePool(ctx, pool.ID))
	_, err = s.GetPool(ctx, pool.ID)
	assert.ErrorIs(t, err, circulation.ErrPoolNotFound)
}

func TestLoansAndHolds(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	_, pool := seed(t, s)
	b := circulation.ServiceAccount(7)
	now := time.Now().UTC().Truncate(time.Microsecond)

	loan := &circulation.Loan{PoolID: pool.ID, Borrower: b, Start: &now, ExternalIdentifier: "ext-1"}
	require.NoError(t, s.CreateLoan(ctx, loan))
	assert.ErrorIs(t, s.CreateLoan(ctx, &circulation.Loan{PoolID: pool.ID, Borrower: b}), circulation.ErrAlreadyCheckedOut)

	found, err := s.FindLoan(ctx, b, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, b, found.Borrower)
	assert.Equal(t, "ext-1", found.ExternalIdentifier)

	missing, err := s.FindLoan(ctx, circulation.Patron(7), pool.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.ErrorIs(t, s.DeletePool(ctx, pool.ID), circulation.ErrPoolInUse)
	require.NoError(t, s.DeleteLoan(ctx, loan.ID))

	first, second := 1, 2
	later := now.Add(time.Minute)
	h1 := &circulation.Hold{PoolID: pool.ID, Borrower: circulation.Patron(1), Start: &later, Position: &second}
	h2 := &circulation.Hold{PoolID: pool.ID, Borrower: circulation.Patron(2), Start: &now, Position: &first}
	require.NoError(t, s.CreateHold(ctx, h1))
	require.NoError(t, s.CreateHold(ctx, h2))

	holds, err := s.ListHolds(ctx, pool.ID)
	require.NoError(t, err)
	require.Len(t, holds, 2)
	assert.Equal(t, h2.ID, holds[0].ID)

	zero := 0
	h2.Position = &zero
	require.NoError(t, s.SaveHold(ctx, h2))
	got, err := s.FindHold(ctx, h2.Borrower, pool.ID)
	require.NoError(t, err)
	assert.True(t, got.IsReserved())

	require.NoError(t, s.DeleteHold(ctx, h1.ID))
	assert.ErrorIs(t, s.DeleteHold(ctx, h1.ID), circulation.ErrHoldNotFound)
}

func TestWithTxRollsBack(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	_, pool := seed(t, s)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(ctx context.Context) error {
		p, err := s.GetPoolForUpdate(ctx, pool.ID)
		if err != nil {
			return err
		}
		p.LicensesOwned = 9
		if err := s.SavePool(ctx, p); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Zero(t, got.LicensesOwned)
}

func TestServiceOnPostgres(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	_, pool := seed(t, s)

	_, err := s.CreateLicense(ctx, licensing.License{
		PoolID:             pool.ID,
		Identifier:         "lic-1",
		Status:             licensing.StatusAvailable,
		CheckoutsAvailable: 1,
		TermsConcurrency:   1,
	})
	require.NoError(t, err)

	svc := circulation.NewService(s)
	_, _, err = svc.Refresh(ctx, pool.ID, nil)
	require.NoError(t, err)

	loan, _, err := svc.Checkout(ctx, circulation.Patron(1), pool.ID)
	require.NoError(t, err)
	require.NotNil(t, loan.LicenseID)

	_, _, err = svc.Checkout(ctx, circulation.Patron(2), pool.ID)
	assert.ErrorIs(t, err, circulation.ErrNoAvailableCopies)

	hold, _, err := svc.PlaceHold(ctx, circulation.Patron(2), pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *hold.Position)

	_, err = svc.Checkin(ctx, circulation.Patron(1), pool.ID)
	require.NoError(t, err)

	got, err := svc.Pool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.Availability{Owned: 1, Reserved: 1, HoldQueue: 1}, got.Availability())
}
