package models

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied never says whether the resource exists
	ErrPermissionDenied     = errors.New("permission denied")
	ErrInvalidCredential    = errors.New("invalid credential")
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")
	ErrNotFound             = errors.New("not found")
	ErrSyncInFlight         = errors.New("sync already in flight for collection")
	ErrInvalidRequest       = errors.New("invalid request")
)

// StorageError is returned by the client storage engine
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NetworkError is a transient transport failure; callers may retry it
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying automatically.
// Permission and credential failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrInvalidCredential) {
		return false
	}
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsQuotaExceeded reports whether err came from a full store
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrStorageQuotaExceeded)
}
