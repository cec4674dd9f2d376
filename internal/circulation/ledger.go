// internal/circulation/ledger.go
package circulation

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"

	"libracirc/internal/licensing"
)

// Ledger is an in-memory arena of collections, pools, licenses, loans and
// holds. Records reference each other by ID only and every cascade is an
// explicit call. It is not safe for concurrent use.
type Ledger struct {
	nextID      int64
	collections map[int64]Collection
	pools       map[int64]*licensing.LicensePool
	licenses    map[int64]*licensing.License
	loans       map[int64]*Loan
	holds       map[int64]*Hold
}

func NewLedger() *Ledger {
	return &Ledger{
		collections: make(map[int64]Collection),
		pools:       make(map[int64]*licensing.LicensePool),
		licenses:    make(map[int64]*licensing.License),
		loans:       make(map[int64]*Loan),
		holds:       make(map[int64]*Hold),
	}
}

func (l *Ledger) id() int64 {
	l.nextID++
	return l.nextID
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		nextID:      l.nextID,
		collections: maps.Clone(l.collections),
		pools:       make(map[int64]*licensing.LicensePool, len(l.pools)),
		licenses:    make(map[int64]*licensing.License, len(l.licenses)),
		loans:       make(map[int64]*Loan, len(l.loans)),
		holds:       make(map[int64]*Hold, len(l.holds)),
	}
	for id, p := range l.pools {
		cp := *p
		c.pools[id] = &cp
	}
	for id, lic := range l.licenses {
		cp := *lic
		c.licenses[id] = &cp
	}
	for id, loan := range l.loans {
		cp := *loan
		c.loans[id] = &cp
	}
	for id, h := range l.holds {
		cp := *h
		c.holds[id] = &cp
	}
	return c
}

func (l *Ledger) AddCollection(c Collection) Collection {
	c.ID = l.id()
	l.collections[c.ID] = c
	return c
}

func (l *Ledger) Collection(id int64) (Collection, error) {
	c, ok := l.collections[id]
	if !ok {
		return Collection{}, ErrCollectionNotFound
	}
	return c, nil
}

// AddPool stores a pool. Identifiers are unique within a collection.
func (l *Ledger) AddPool(p licensing.LicensePool) (*licensing.LicensePool, error) {
	if _, ok := l.collections[p.CollectionID]; !ok {
		return nil, ErrCollectionNotFound
	}
	if _, err := l.FindPool(p.CollectionID, p.Identifier); err == nil {
		return nil, fmt.Errorf("%s: %w", p.Identifier, ErrDuplicatePool)
	}
	p.ID = l.id()
	l.pools[p.ID] = &p
	return &p, nil
}

func (l *Ledger) Pool(id int64) (*licensing.LicensePool, error) {
	p, ok := l.pools[id]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return p, nil
}

func (l *Ledger) FindPool(collectionID int64, identifier string) (*licensing.LicensePool, error) {
	for _, p := range l.pools {
		if p.CollectionID == collectionID && p.Identifier == identifier {
			return p, nil
		}
	}
	return nil, ErrPoolNotFound
}

// Pools returns every pool ordered by ID.
func (l *Ledger) Pools() []*licensing.LicensePool {
	return sortedByID(l.pools, func(p *licensing.LicensePool) int64 { return p.ID })
}

// PutPool replaces a stored pool and bumps its version.
func (l *Ledger) PutPool(p licensing.LicensePool) (*licensing.LicensePool, error) {
	if _, ok := l.pools[p.ID]; !ok {
		return nil, ErrPoolNotFound
	}
	p.Version++
	l.pools[p.ID] = &p
	return &p, nil
}

// AddLicense stores a license under an existing pool.
func (l *Ledger) AddLicense(lic licensing.License) (*licensing.License, error) {
	if _, ok := l.pools[lic.PoolID]; !ok {
		return nil, ErrPoolNotFound
	}
	if err := lic.Validate(); err != nil {
		return nil, err
	}
	for _, existing := range l.licenses {
		if existing.PoolID == lic.PoolID && existing.Identifier == lic.Identifier {
			return nil, fmt.Errorf("%s: %w", lic.Identifier, ErrDuplicateLicense)
		}
	}
	lic.ID = l.id()
	l.licenses[lic.ID] = &lic
	return &lic, nil
}

func (l *Ledger) License(id int64) (*licensing.License, error) {
	lic, ok := l.licenses[id]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	return lic, nil
}

// Licenses returns the pool's licenses ordered by ID.
func (l *Ledger) Licenses(poolID int64) []*licensing.License {
	var out []*licensing.License
	for _, lic := range sortedByID(l.licenses, func(lic *licensing.License) int64 { return lic.ID }) {
		if lic.PoolID == poolID {
			out = append(out, lic)
		}
	}
	return out
}

func (l *Ledger) PutLicense(lic licensing.License) error {
	if _, ok := l.licenses[lic.ID]; !ok {
		return ErrLicenseNotFound
	}
	l.licenses[lic.ID] = &lic
	return nil
}

// LoanTo returns the borrower's loan for the pool, creating it when there is
// none. Known fields of an existing loan are updated. The bool reports whether
// the loan is new.
func (l *Ledger) LoanTo(b Borrower, poolID int64, start, end *time.Time, externalID string) (*Loan, bool, error) {
	if !b.Valid() {
		return nil, false, ErrInvalidBorrower
	}
	if _, ok := l.pools[poolID]; !ok {
		return nil, false, ErrPoolNotFound
	}
	if loan, ok := l.Loan(b, poolID); ok {
		if start != nil {
			loan.Start = start
		}
		if end != nil {
			loan.End = end
		}
		if externalID != "" {
			loan.ExternalIdentifier = externalID
		}
		return loan, false, nil
	}
	loan := &Loan{
		ID:                 l.id(),
		PoolID:             poolID,
		Borrower:           b,
		Start:              start,
		End:                end,
		ExternalIdentifier: externalID,
	}
	l.loans[loan.ID] = loan
	return loan, true, nil
}

// LicenseLoanTo is LoanTo for a specific license; the loan is pinned to it.
func (l *Ledger) LicenseLoanTo(licenseID int64, b Borrower, start, end *time.Time, externalID string) (*Loan, bool, error) {
	lic, err := l.License(licenseID)
	if err != nil {
		return nil, false, err
	}
	loan, created, err := l.LoanTo(b, lic.PoolID, start, end, externalID)
	if err != nil {
		return nil, false, err
	}
	id := lic.ID
	loan.LicenseID = &id
	return loan, created, nil
}

func (l *Ledger) Loan(b Borrower, poolID int64) (*Loan, bool) {
	for _, loan := range l.loans {
		if loan.PoolID == poolID && loan.Borrower == b {
			return loan, true
		}
	}
	return nil, false
}

// Loans returns the pool's loans ordered by ID.
func (l *Ledger) Loans(poolID int64) []*Loan {
	var out []*Loan
	for _, loan := range sortedByID(l.loans, func(loan *Loan) int64 { return loan.ID }) {
		if loan.PoolID == poolID {
			out = append(out, loan)
		}
	}
	return out
}

func (l *Ledger) DeleteLoan(id int64) error {
	if _, ok := l.loans[id]; !ok {
		return ErrLoanNotFound
	}
	delete(l.loans, id)
	return nil
}

// OnHoldTo returns the borrower's hold on the pool, creating it when there is
// none. Known fields of an existing hold are updated. The bool reports whether
// the hold is new.
func (l *Ledger) OnHoldTo(b Borrower, poolID int64, start, end *time.Time, position *int) (*Hold, bool, error) {
	if !b.Valid() {
		return nil, false, ErrInvalidBorrower
	}
	if _, ok := l.pools[poolID]; !ok {
		return nil, false, ErrPoolNotFound
	}
	if h, ok := l.Hold(b, poolID); ok {
		h.Update(start, end, position)
		return h, false, nil
	}
	h := &Hold{ID: l.id(), PoolID: poolID, Borrower: b}
	h.Update(start, end, position)
	l.holds[h.ID] = h
	return h, true, nil
}

func (l *Ledger) Hold(b Borrower, poolID int64) (*Hold, bool) {
	for _, h := range l.holds {
		if h.PoolID == poolID && h.Borrower == b {
			return h, true
		}
	}
	return nil, false
}

// Holds returns the pool's holds in queue order.
func (l *Ledger) Holds(poolID int64) []*Hold {
	var out []*Hold
	for _, h := range l.holds {
		if h.PoolID == poolID {
			out = append(out, h)
		}
	}
	slices.SortStableFunc(out, compareHolds)
	return out
}

func (l *Ledger) PutHold(h Hold) error {
	if _, ok := l.holds[h.ID]; !ok {
		return ErrHoldNotFound
	}
	l.holds[h.ID] = &h
	return nil
}

func (l *Ledger) DeleteHold(id int64) error {
	if _, ok := l.holds[id]; !ok {
		return ErrHoldNotFound
	}
	delete(l.holds, id)
	return nil
}

// DeletePool removes a pool and its licenses. A pool with loans or holds is
// left alone.
func (l *Ledger) DeletePool(id int64) error {
	if _, ok := l.pools[id]; !ok {
		return ErrPoolNotFound
	}
	if len(l.Loans(id)) > 0 || len(l.Holds(id)) > 0 {
		return ErrPoolInUse
	}
	for _, lic := range l.Licenses(id) {
		delete(l.licenses, lic.ID)
	}
	delete(l.pools, id)
	return nil
}

// DeleteLicense removes a license no loan points at.
func (l *Ledger) DeleteLicense(id int64) error {
	if _, ok := l.licenses[id]; !ok {
		return ErrLicenseNotFound
	}
	for _, loan := range l.loans {
		if loan.LicenseID != nil && *loan.LicenseID == id {
			return ErrLicenseInUse
		}
	}
	delete(l.licenses, id)
	return nil
}

func sortedByID[T any](m map[int64]T, id func(T) int64) []T {
	out := slices.Collect(maps.Values(m))
	slices.SortFunc(out, func(a, b T) int {
		return cmp.Compare(id(a), id(b))
	})
	return out
}
