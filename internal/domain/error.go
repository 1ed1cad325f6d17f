package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")

	// Code lifecycle errors
	ErrCodeNotFound        = errors.New("code not found")
	ErrAlreadyRedeemed     = errors.New("code already redeemed by principal")
	ErrTokenSpaceExhausted = errors.New("token space exhausted")

	// Storage errors
	ErrStorage       = errors.New("storage error")
	ErrCorruptRecord = errors.New("corrupt record")
	ErrStoreBusy     = errors.New("store is locked by another writer")
)

// StorageError is returned by record stores and by the registry's Load/Save.
// errors.Is(err, ErrStorage) holds for every StorageError.
type StorageError struct {
	Backend string
	Op      string
	Path    string
	Err     error
}

func (e *StorageError) Error() string {
	msg := "storage " + e.Op
	if e.Backend != "" {
		msg = e.Backend + " " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps err with the backend and operation that failed.
func NewStorageError(backend, op, path string, err error) *StorageError {
	return &StorageError{Backend: backend, Op: op, Path: path, Err: err}
}

// CorruptRecord builds a storage error for a record that cannot be turned into a code.
func CorruptRecord(backend string, index int, format string, args ...any) *StorageError {
	cause := fmt.Errorf("record %d: %s: %w", index, fmt.Sprintf(format, args...), ErrCorruptRecord)
	return &StorageError{Backend: backend, Op: "decode", Err: cause}
}
