// internal/storage/memory/store.go
package memory

import (
	"context"
	"sync"

	"libracirc/internal/circulation"
	"libracirc/internal/licensing"
)

// Store keeps everything in a circulation.Ledger behind a mutex. A
// transaction holds the mutex for its whole callback and restores the ledger
// when the callback fails.
type Store struct {
	mu     sync.Mutex
	ledger *circulation.Ledger
}

func New() *Store {
	return &Store{ledger: circulation.NewLedger()}
}

type txKey struct{}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.ledger.Clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.ledger = snapshot
		return err
	}
	return nil
}

func copyPool(p *licensing.LicensePool) *licensing.LicensePool {
	cp := *p
	return &cp
}

func (s *Store) GetCollection(ctx context.Context, id int64) (circulation.Collection, error) {
	defer s.lock(ctx)()
	return s.ledger.Collection(id)
}

func (s *Store) CreateCollection(ctx context.Context, c circulation.Collection) (circulation.Collection, error) {
	defer s.lock(ctx)()
	return s.ledger.AddCollection(c), nil
}

func (s *Store) GetPool(ctx context.Context, id int64) (*licensing.LicensePool, error) {
	defer s.lock(ctx)()
	p, err := s.ledger.Pool(id)
	if err != nil {
		return nil, err
	}
	return copyPool(p), nil
}

// GetPoolForUpdate is GetPool; the transaction already holds the store lock.
func (s *Store) GetPoolForUpdate(ctx context.Context, id int64) (*licensing.LicensePool, error) {
	return s.GetPool(ctx, id)
}

func (s *Store) FindPool(ctx context.Context, collectionID int64, identifier string) (*licensing.LicensePool, error) {
	defer s.lock(ctx)()
	p, err := s.ledger.FindPool(collectionID, identifier)
	if err != nil {
		return nil, err
	}
	return copyPool(p), nil
}

func (s *Store) ListPools(ctx context.Context) ([]*licensing.LicensePool, error) {
	defer s.lock(ctx)()
	pools := s.ledger.Pools()
	out := make([]*licensing.LicensePool, len(pools))
	for i, p := range pools {
		out[i] = copyPool(p)
	}
	return out, nil
}

func (s *Store) CreatePool(ctx context.Context, p licensing.LicensePool) (*licensing.LicensePool, error) {
	defer s.lock(ctx)()
	stored, err := s.ledger.AddPool(p)
	if err != nil {
		return nil, err
	}
	return copyPool(stored), nil
}

func (s *Store) SavePool(ctx context.Context, p *licensing.LicensePool) error {
	defer s.lock(ctx)()
	stored, err := s.ledger.PutPool(*p)
	if err != nil {
		return err
	}
	p.Version = stored.Version
	return nil
}

func (s *Store) DeletePool(ctx context.Context, id int64) error {
	defer s.lock(ctx)()
	return s.ledger.DeletePool(id)
}

func (s *Store) ListLicenses(ctx context.Context, poolID int64) ([]*licensing.License, error) {
	defer s.lock(ctx)()
	licenses := s.ledger.Licenses(poolID)
	out := make([]*licensing.License, len(licenses))
	for i, l := range licenses {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) CreateLicense(ctx context.Context, l licensing.License) (*licensing.License, error) {
	defer s.lock(ctx)()
	stored, err := s.ledger.AddLicense(l)
	if err != nil {
		return nil, err
	}
	cp := *stored
	return &cp, nil
}

func (s *Store) SaveLicense(ctx context.Context, l *licensing.License) error {
	defer s.lock(ctx)()
	return s.ledger.PutLicense(*l)
}

func (s *Store) DeleteLicense(ctx context.Context, id int64) error {
	defer s.lock(ctx)()
	return s.ledger.DeleteLicense(id)
}

func (s *Store) FindLoan(ctx context.Context, b circulation.Borrower, poolID int64) (*circulation.Loan, error) {
	defer s.lock(ctx)()
	loan, ok := s.ledger.Loan(b, poolID)
	if !ok {
		return nil, nil
	}
	cp := *loan
	return &cp, nil
}

func (s *Store) CreateLoan(ctx context.Context, loan *circulation.Loan) error {
	defer s.lock(ctx)()
	if _, ok := s.ledger.Loan(loan.Borrower, loan.PoolID); ok {
		return circulation.ErrAlreadyCheckedOut
	}

	var (
		stored *circulation.Loan
		err    error
	)
	if loan.LicenseID != nil {
		stored, _, err = s.ledger.LicenseLoanTo(*loan.LicenseID, loan.Borrower, loan.Start, loan.End, loan.ExternalIdentifier)
	} else {
		stored, _, err = s.ledger.LoanTo(loan.Borrower, loan.PoolID, loan.Start, loan.End, loan.ExternalIdentifier)
	}
	if err != nil {
		return err
	}
	stored.Fulfillment = loan.Fulfillment
	loan.ID = stored.ID
	return nil
}

func (s *Store) DeleteLoan(ctx context.Context, id int64) error {
	defer s.lock(ctx)()
	return s.ledger.DeleteLoan(id)
}

func (s *Store) FindHold(ctx context.Context, b circulation.Borrower, poolID int64) (*circulation.Hold, error) {
	defer s.lock(ctx)()
	h, ok := s.ledger.Hold(b, poolID)
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (s *Store) ListHolds(ctx context.Context, poolID int64) ([]*circulation.Hold, error) {
	defer s.lock(ctx)()
	holds := s.ledger.Holds(poolID)
	out := make([]*circulation.Hold, len(holds))
	for i, h := range holds {
		cp := *h
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) CreateHold(ctx context.Context, h *circulation.Hold) error {
	defer s.lock(ctx)()
	if _, ok := s.ledger.Hold(h.Borrower, h.PoolID); ok {
		return circulation.ErrAlreadyOnHold
	}
	stored, _, err := s.ledger.OnHoldTo(h.Borrower, h.PoolID, h.Start, h.End, h.Position)
	if err != nil {
		return err
	}
	h.ID = stored.ID
	return nil
}

func (s *Store) SaveHold(ctx context.Context, h *circulation.Hold) error {
	defer s.lock(ctx)()
	return s.ledger.PutHold(*h)
}

func (s *Store) DeleteHold(ctx context.Context, id int64) error {
	defer s.lock(ctx)()
	return s.ledger.DeleteHold(id)
}
