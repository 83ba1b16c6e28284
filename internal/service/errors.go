package service

import (
	"errors"
	"fmt"

	"storagequota/internal/repository"
)

var (
	ErrInvalidSize         = errors.New("size must be a positive integer")
	ErrUserNotFound        = repository.ErrUserNotFound
	ErrQuotaExceeded       = errors.New("storage quota exceeded")
	ErrConcurrencyConflict = errors.New("quota update conflict, retry later")
)

// QuotaExceededError describes a rejected reservation. It matches
// ErrQuotaExceeded with errors.Is.
type QuotaExceededError struct {
	Remaining int64
	Limit     int64
	Burst     int64
	Used      int64
	Reserved  int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: requested %d bytes, %d remaining (limit %d, burst %d, used %d, reserved %d)",
		e.Requested, e.Remaining, e.Limit, e.Burst, e.Used, e.Reserved)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}
