package models

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the core wraps one of these.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrConflict         = errors.New("conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrCommitFailed     = errors.New("commit failed")
)

var (
	ErrRideNotFound          = fmt.Errorf("ride %w", ErrNotFound)
	ErrDriverProfileNotFound = fmt.Errorf("driver profile %w", ErrNotFound)
	ErrRideNotEligible       = fmt.Errorf("ride not eligible for matching: %w", ErrInvalidState)
	ErrRideAlreadyResolved   = fmt.Errorf("ride is already matched or completed: %w", ErrInvalidState)
	ErrDriverNotAvailable    = fmt.Errorf("driver is not available: %w", ErrConflict)
	ErrDriverBusy            = fmt.Errorf("driver is being matched elsewhere: %w", ErrConflict)
	ErrMatchCommitFailed     = fmt.Errorf("match %w", ErrCommitFailed)
)

// Unavailable wraps a transport failure from a backing store.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
