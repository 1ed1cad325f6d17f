package repository

import (
	"context"
	"iter"

	"command-codes/internal/domain/model"
)

// RecordStore is the port for durable code records.
//
// ReadAll yields every persisted record in storage order. Iteration opens the
// backing storage each time it starts; an open or parse failure is yielded as
// a *domain.StorageError and ends the sequence.
//
// ReplaceAll atomically replaces the persisted contents. After a failed call
// the previous contents must still be readable.
type RecordStore interface {
	ReadAll(ctx context.Context) iter.Seq2[model.Record, error]
	ReplaceAll(ctx context.Context, records []model.Record) error
	// Exists reports whether the backing storage has been created.
	Exists(ctx context.Context) (bool, error)
	// Create is a no-op when the storage already exists.
	Create(ctx context.Context) error
	// Backend names the implementation for logs and metrics.
	Backend() string
}
