// internal/circulation/errors.go
package circulation

import (
	"errors"
)

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrPoolNotFound       = errors.New("license pool not found")
	ErrLicenseNotFound    = errors.New("license not found")
	ErrLoanNotFound       = errors.New("loan not found")
	ErrHoldNotFound       = errors.New("hold not found")
	ErrDuplicatePool      = errors.New("license pool already exists")
	ErrDuplicateLicense   = errors.New("license already exists")
	ErrPoolInUse          = errors.New("license pool is referenced by loans or holds")
	ErrLicenseInUse       = errors.New("license is referenced by a loan")
	ErrInvalidBorrower    = errors.New("invalid borrower")
)

// PolicyError is a request the library's rules refuse. Nothing was changed.
type PolicyError struct {
	Code   string
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Reason
}

// Is matches policy errors by code so the sentinels below work with errors.Is.
func (e *PolicyError) Is(target error) bool {
	var t *PolicyError
	return errors.As(target, &t) && t.Code == e.Code
}

var (
	ErrHoldsDisabled      = &PolicyError{Code: "holds_disabled", Reason: "Holds are disabled for this library."}
	ErrCollectionInactive = &PolicyError{Code: "collection_inactive", Reason: "The collection is not active."}
	ErrNoLicenses         = &PolicyError{Code: "no_licenses", Reason: "The library has no active licenses for this title."}
	ErrNoAvailableCopies  = &PolicyError{Code: "no_available_copies", Reason: "No copies are available to lend."}
	ErrAlreadyCheckedOut  = &PolicyError{Code: "already_checked_out", Reason: "The title is already on loan to this borrower."}
	ErrAlreadyOnHold      = &PolicyError{Code: "already_on_hold", Reason: "The borrower already has a hold on this title."}
	ErrCurrentlyAvailable = &PolicyError{Code: "currently_available", Reason: "The title is available; borrow it instead of placing a hold."}
	ErrHoldOnOpenAccess   = &PolicyError{Code: "hold_on_open_access", Reason: "Open-access titles cannot be put on hold."}
	ErrNotCheckedOut      = &PolicyError{Code: "not_checked_out", Reason: "The title is not on loan to this borrower."}
	ErrNotOnHold          = &PolicyError{Code: "not_on_hold", Reason: "The borrower has no hold on this title."}
)
