// internal/storage/postgres/store.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"libracirc/internal/circulation"
	"libracirc/internal/licensing"
)

const Schema = `
CREATE TABLE IF NOT EXISTS collections (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    default_loan_period_seconds BIGINT NOT NULL DEFAULT 0,
    default_reservation_period_seconds BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS license_pools (
    id BIGSERIAL PRIMARY KEY,
    collection_id BIGINT NOT NULL REFERENCES collections(id),
    identifier TEXT NOT NULL,
    open_access BOOLEAN NOT NULL DEFAULT FALSE,
    licenses_owned INTEGER NOT NULL DEFAULT 0 CHECK (licenses_owned >= 0),
    licenses_available INTEGER NOT NULL DEFAULT 0 CHECK (licenses_available >= 0),
    licenses_reserved INTEGER NOT NULL DEFAULT 0 CHECK (licenses_reserved >= 0),
    patrons_in_hold_queue INTEGER NOT NULL DEFAULT 0 CHECK (patrons_in_hold_queue >= 0),
    last_checked TIMESTAMPTZ,
    version INTEGER NOT NULL DEFAULT 0,
    UNIQUE (collection_id, identifier)
);

CREATE TABLE IF NOT EXISTS licenses (
    id BIGSERIAL PRIMARY KEY,
    license_pool_id BIGINT NOT NULL REFERENCES license_pools(id),
    identifier TEXT NOT NULL,
    status TEXT NOT NULL,
    expires TIMESTAMPTZ,
    checkouts_left INTEGER,
    checkouts_available INTEGER NOT NULL,
    terms_concurrency INTEGER NOT NULL,
    UNIQUE (license_pool_id, identifier)
);

CREATE TABLE IF NOT EXISTS loans (
    id BIGSERIAL PRIMARY KEY,
    license_pool_id BIGINT NOT NULL REFERENCES license_pools(id),
    license_id BIGINT REFERENCES licenses(id),
    borrower_kind TEXT NOT NULL,
    borrower_id BIGINT NOT NULL,
    start_at TIMESTAMPTZ,
    end_at TIMESTAMPTZ,
    external_identifier TEXT NOT NULL DEFAULT '',
    fulfillment TEXT NOT NULL DEFAULT '',
    UNIQUE (license_pool_id, borrower_kind, borrower_id)
);

CREATE TABLE IF NOT EXISTS holds (
    id BIGSERIAL PRIMARY KEY,
    license_pool_id BIGINT NOT NULL REFERENCES license_pools(id),
    borrower_kind TEXT NOT NULL,
    borrower_id BIGINT NOT NULL,
    start_at TIMESTAMPTZ,
    end_at TIMESTAMPTZ,
    position INTEGER,
    UNIQUE (license_pool_id, borrower_kind, borrower_id)
);

CREATE INDEX IF NOT EXISTS idx_loans_license ON loans(license_id);
`

// Store keeps circulation state in PostgreSQL.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

type collectionRow struct {
	ID                 int64  `db:"id"`
	Name               string `db:"name"`
	Active             bool   `db:"active"`
	LoanSeconds        int64  `db:"default_loan_period_seconds"`
	ReservationSeconds int64  `db:"default_reservation_period_seconds"`
}

func (r collectionRow) collection() circulation.Collection {
	return circulation.Collection{
		ID:                       r.ID,
		Name:                     r.Name,
		Active:                   r.Active,
		DefaultLoanPeriod:        time.Duration(r.LoanSeconds) * time.Second,
		DefaultReservationPeriod: time.Duration(r.ReservationSeconds) * time.Second,
	}
}

type loanRow struct {
	ID                 int64      `db:"id"`
	PoolID             int64      `db:"license_pool_id"`
	LicenseID          *int64     `db:"license_id"`
	BorrowerKind       string     `db:"borrower_kind"`
	BorrowerID         int64      `db:"borrower_id"`
	Start              *time.Time `db:"start_at"`
	End                *time.Time `db:"end_at"`
	ExternalIdentifier string     `db:"external_identifier"`
	Fulfillment        string     `db:"fulfillment"`
}

func (r loanRow) loan() *circulation.Loan {
	return &circulation.Loan{
		ID:                 r.ID,
		PoolID:             r.PoolID,
		LicenseID:          r.LicenseID,
		Borrower:           circulation.Borrower{Kind: circulation.BorrowerKind(r.BorrowerKind), ID: r.BorrowerID},
		Start:              r.Start,
		End:                r.End,
		ExternalIdentifier: r.ExternalIdentifier,
		Fulfillment:        r.Fulfillment,
	}
}

type holdRow struct {
	ID           int64      `db:"id"`
	PoolID       int64      `db:"license_pool_id"`
	BorrowerKind string     `db:"borrower_kind"`
	BorrowerID   int64      `db:"borrower_id"`
	Start        *time.Time `db:"start_at"`
	End          *time.Time `db:"end_at"`
	Position     *int       `db:"position"`
}

func (r holdRow) hold() *circulation.Hold {
	return &circulation.Hold{
		ID:       r.ID,
		PoolID:   r.PoolID,
		Borrower: circulation.Borrower{Kind: circulation.BorrowerKind(r.BorrowerKind), ID: r.BorrowerID},
		Start:    r.Start,
		End:      r.End,
		Position: r.Position,
	}
}

const (
	poolColumns = `id, collection_id, identifier, open_access, licenses_owned, licenses_available,
       licenses_reserved, patrons_in_hold_queue, last_checked, version`
	licenseColumns = `id, license_pool_id, identifier, status, expires, checkouts_left,
       checkouts_available, terms_concurrency`
	loanColumns = `id, license_pool_id, license_id, borrower_kind, borrower_id, start_at, end_at,
       external_identifier, fulfillment`
	holdColumns = `id, license_pool_id, borrower_kind, borrower_id, start_at, end_at, position`
)

func (s *Store) CreateCollection(ctx context.Context, c circulation.Collection) (circulation.Collection, error) {
	const query = `
INSERT INTO collections (name, active, default_loan_period_seconds, default_reservation_period_seconds)
VALUES ($1, $2, $3, $4)
RETURNING id`
	err := sqlx.GetContext(ctx, s.ext(ctx), &c.ID, query,
		c.Name, c.Active, int64(c.DefaultLoanPeriod/time.Second), int64(c.DefaultReservationPeriod/time.Second))
	if err != nil {
		return circulation.Collection{}, fmt.Errorf("create collection: %w", err)
	}
	return c, nil
}

func (s *Store) GetCollection(ctx context.Context, id int64) (circulation.Collection, error) {
	const query = `
SELECT id, name, active, default_loan_period_seconds, default_reservation_period_seconds
FROM collections WHERE id = $1`
	var row collectionRow
	if err := sqlx.GetContext(ctx, s.ext(ctx), &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return circulation.Collection{}, circulation.ErrCollectionNotFound
		}
		return circulation.Collection{}, fmt.Errorf("get collection: %w", err)
	}
	return row.collection(), nil
}

func (s *Store) getPool(ctx context.Context, query string, args ...any) (*licensing.LicensePool, error) {
	var p licensing.LicensePool
	if err := sqlx.GetContext(ctx, s.ext(ctx), &p, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, circulation.ErrPoolNotFound
		}
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return &p, nil
}

func (s *Store) GetPool(ctx context.Context, id int64) (*licensing.LicensePool, error) {
	return s.getPool(ctx, `SELECT `+poolColumns+` FROM license_pools WHERE id = $1`, id)
}

func (s *Store) GetPoolForUpdate(ctx context.Context, id int64) (*licensing.LicensePool, error) {
	return s.getPool(ctx, `SELECT `+poolColumns+` FROM license_pools WHERE id = $1 FOR UPDATE`, id)
}

func (s *Store) FindPool(ctx context.Context, collectionID int64, identifier string) (*licensing.LicensePool, error) {
	return s.getPool(ctx,
		`SELECT `+poolColumns+` FROM license_pools WHERE collection_id = $1 AND identifier = $2`,
		collectionID, identifier)
}

func (s *Store) ListPools(ctx context.Context) ([]*licensing.LicensePool, error) {
	var pools []*licensing.LicensePool
	if err := sqlx.SelectContext(ctx, s.ext(ctx), &pools, `SELECT `+poolColumns+` FROM license_pools ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	return pools, nil
}

func (s *Store) CreatePool(ctx context.Context, p licensing.LicensePool) (*licensing.LicensePool, error) {
	const query = `
INSERT INTO license_pools (collection_id, identifier, open_access, licenses_owned, licenses_available,
                           licenses_reserved, patrons_in_hold_queue, last_checked)
VALUES (:collection_id, :identifier, :open_access, :licenses_owned, :licenses_available,
        :licenses_reserved, :patrons_in_hold_queue, :last_checked)
RETURNING id, version`
	named, args, err := sqlx.Named(query, p)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := sqlx.GetContext(ctx, s.ext(ctx), &p, s.db.Rebind(named), args...); err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, fmt.Errorf("%s: %w", p.Identifier, circulation.ErrDuplicatePool)
		case isForeignKeyViolation(err):
			return nil, circulation.ErrCollectionNotFound
		}
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return &p, nil
}

// SavePool writes the pool's counters and bumps its version.
func (s *Store) SavePool(ctx context.Context, p *licensing.LicensePool) error {
	const query = `
UPDATE license_pools
SET licenses_owned = $2, licenses_available = $3, licenses_reserved = $4,
    patrons_in_hold_queue = $5, last_checked = $6, version = version + 1
WHERE id = $1
RETURNING version`
	err := sqlx.GetContext(ctx, s.ext(ctx), &p.Version, query,
		p.ID, p.LicensesOwned, p.LicensesAvailable, p.LicensesReserved, p.PatronsInHoldQueue, p.LastChecked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return circulation.ErrPoolNotFound
		}
		return fmt.Errorf("save pool %d: %w", p.ID, err)
	}
	return nil
}

// DeletePool removes a pool and its licenses unless loans or holds still
// reference it.
func (s *Store) DeletePool(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.GetPoolForUpdate(ctx, id); err != nil {
			return err
		}
		var inUse bool
		const check = `
SELECT EXISTS (SELECT 1 FROM loans WHERE license_pool_id = $1)
    OR EXISTS (SELECT 1 FROM holds WHERE license_pool_id = $1)`
		if err := sqlx.GetContext(ctx, s.ext(ctx), &inUse, check, id); err != nil {
			return fmt.Errorf("delete pool: %w", err)
		}
		if inUse {
			return circulation.ErrPoolInUse
		}
		if _, err := s.ext(ctx).ExecContext(ctx, `DELETE FROM licenses WHERE license_pool_id = $1`, id); err != nil {
			return fmt.Errorf("delete pool licenses: %w", err)
		}
		if _, err := s.ext(ctx).ExecContext(ctx, `DELETE FROM license_pools WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete pool: %w", err)
		}
		return nil
	})
}

func (s *Store) ListLicenses(ctx context.Context, poolID int64) ([]*licensing.License, error) {
	var licenses []*licensing.License
	err := sqlx.SelectContext(ctx, s.ext(ctx), &licenses,
		`SELECT `+licenseColumns+` FROM licenses WHERE license_pool_id = $1 ORDER BY id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return licenses, nil
}

func (s *Store) CreateLicense(ctx context.Context, l licensing.License) (*licensing.License, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	const query = `
INSERT INTO licenses (license_pool_id, identifier, status, expires, checkouts_left,
                      checkouts_available, terms_concurrency)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`
	err := sqlx.GetContext(ctx, s.ext(ctx), &l.ID, query,
		l.PoolID, l.Identifier, l.Status, l.Expires, l.CheckoutsLeft, l.CheckoutsAvailable, l.TermsConcurrency)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, fmt.Errorf("%s: %w", l.Identifier, circulation.ErrDuplicateLicense)
		case isForeignKeyViolation(err):
			return nil, circulation.ErrPoolNotFound
		}
		return nil, fmt.Errorf("create license: %w", err)
	}
	return &l, nil
}

func (s *Store) SaveLicense(ctx context.Context, l *licensing.License) error {
	const query = `
UPDATE licenses
SET status = $2, expires = $3, checkouts_left = $4, checkouts_available = $5, terms_concurrency = $6
WHERE id = $1`
	res, err := s.ext(ctx).ExecContext(ctx, query,
		l.ID, l.Status, l.Expires, l.CheckoutsLeft, l.CheckoutsAvailable, l.TermsConcurrency)
	if err != nil {
		return fmt.Errorf("save license %d: %w", l.ID, err)
	}
	return expectOne(res, circulation.ErrLicenseNotFound)
}

func (s *Store) DeleteLicense(ctx context.Context, id int64) error {
	res, err := s.ext(ctx).ExecContext(ctx, `DELETE FROM licenses WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return circulation.ErrLicenseInUse
		}
		return fmt.Errorf("delete license %d: %w", id, err)
	}
	return expectOne(res, circulation.ErrLicenseNotFound)
}

func (s *Store) FindLoan(ctx context.Context, b circulation.Borrower, poolID int64) (*circulation.Loan, error) {
	var row loanRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row,
		`SELECT `+loanColumns+` FROM loans WHERE license_pool_id = $1 AND borrower_kind = $2 AND borrower_id = $3`,
		poolID, b.Kind, b.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find loan: %w", err)
	}
	return row.loan(), nil
}

func (s *Store) CreateLoan(ctx context.Context, loan *circulation.Loan) error {
	const query = `
INSERT INTO loans (license_pool_id, license_id, borrower_kind, borrower_id, start_at, end_at,
                   external_identifier, fulfillment)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`
	err := sqlx.GetContext(ctx, s.ext(ctx), &loan.ID, query,
		loan.PoolID, loan.LicenseID, loan.Borrower.Kind, loan.Borrower.ID, loan.Start, loan.End,
		loan.ExternalIdentifier, loan.Fulfillment)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return circulation.ErrAlreadyCheckedOut
		case isForeignKeyViolation(err):
			return circulation.ErrPoolNotFound
		}
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

func (s *Store) DeleteLoan(ctx context.Context, id int64) error {
	res, err := s.ext(ctx).ExecContext(ctx, `DELETE FROM loans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete loan %d: %w", id, err)
	}
	return expectOne(res, circulation.ErrLoanNotFound)
}

func (s *Store) FindHold(ctx context.Context, b circulation.Borrower, poolID int64) (*circulation.Hold, error) {
	var row holdRow
	err := sqlx.GetContext(ctx, s.ext(ctx), &row,
		`SELECT `+holdColumns+` FROM holds WHERE license_pool_id = $1 AND borrower_kind = $2 AND borrower_id = $3`,
		poolID, b.Kind, b.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find hold: %w", err)
	}
	return row.hold(), nil
}

// ListHolds returns the pool's holds in queue order.
func (s *Store) ListHolds(ctx context.Context, poolID int64) ([]*circulation.Hold, error) {
	var rows []holdRow
	err := sqlx.SelectContext(ctx, s.ext(ctx), &rows,
		`SELECT `+holdColumns+` FROM holds WHERE license_pool_id = $1 ORDER BY start_at NULLS LAST, id`, poolID)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	holds := make([]*circulation.Hold, len(rows))
	for i, r := range rows {
		holds[i] = r.hold()
	}
	return holds, nil
}

func (s *Store) CreateHold(ctx context.Context, h *circulation.Hold) error {
	const query = `
INSERT INTO holds (license_pool_id, borrower_kind, borrower_id, start_at, end_at, position)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`
	err := sqlx.GetContext(ctx, s.ext(ctx), &h.ID, query,
		h.PoolID, h.Borrower.Kind, h.Borrower.ID, h.Start, h.End, h.Position)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return circulation.ErrAlreadyOnHold
		case isForeignKeyViolation(err):
			return circulation.ErrPoolNotFound
		}
		return fmt.Errorf("create hold: %w", err)
	}
	return nil
}

func (s *Store) SaveHold(ctx context.Context, h *circulation.Hold) error {
	res, err := s.ext(ctx).ExecContext(ctx,
		`UPDATE holds SET start_at = $2, end_at = $3, position = $4 WHERE id = $1`,
		h.ID, h.Start, h.End, h.Position)
	if err != nil {
		return fmt.Errorf("save hold %d: %w", h.ID, err)
	}
	return expectOne(res, circulation.ErrHoldNotFound)
}

func (s *Store) DeleteHold(ctx context.Context, id int64) error {
	res, err := s.ext(ctx).ExecContext(ctx, `DELETE FROM holds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete hold %d: %w", id, err)
	}
	return expectOne(res, circulation.ErrHoldNotFound)
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
