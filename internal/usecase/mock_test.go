//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/rs/zerolog"

	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/domain/ports/repository"
	"command-codes/internal/usecase"
)

// -----------------------------
// Utilities: tiny helpers
// -----------------------------

func newTestLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// seqTokens hands out the given tokens in order, then fails.
func seqTokens(tokens ...string) usecase.TokenFunc {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(tokens) {
			return "", errors.New("seqTokens: out of tokens")
		}
		t := tokens[i]
		i++
		return t, nil
	}
}

// counterTokens yields t1, t2, t3, ... forever.
func counterTokens() usecase.TokenFunc {
	var mu sync.Mutex
	n := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("t%d", n), nil
	}
}

// capped wraps a TokenFunc with a fixed capacity.
type capped struct {
	usecase.TokenFunc
	capacity uint64
}

func (c capped) Capacity() uint64 { return c.capacity }

// -----------------------------
// MockRecordStore
// -----------------------------

var _ repository.RecordStore = (*MockRecordStore)(nil)

type MockRecordStore struct {
	mu      sync.Mutex
	exists  bool
	records []model.Record

	// ReadErrAt yields a storage error instead of the record at that index (>=0).
	ReadErrAt int
	// ReplaceErr makes ReplaceAll fail without touching records.
	ReplaceErr error

	ReplaceCalls int
}

func NewMockRecordStore(records ...model.Record) *MockRecordStore {
	return &MockRecordStore{exists: len(records) > 0, records: records, ReadErrAt: -1}
}

func (m *MockRecordStore) Backend() string { return "mock" }

func (m *MockRecordStore) Exists(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists, nil
}

func (m *MockRecordStore) Create(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exists = true
	return nil
}

func (m *MockRecordStore) ReadAll(ctx context.Context) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		m.mu.Lock()
		recs := append([]model.Record(nil), m.records...)
		errAt := m.ReadErrAt
		m.mu.Unlock()
		for i, r := range recs {
			if i == errAt {
				yield(model.Record{}, domain.NewStorageError("mock", "read", "", errors.New("disk on fire")))
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *MockRecordStore) ReplaceAll(ctx context.Context, records []model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplaceCalls++
	if m.ReplaceErr != nil {
		return domain.NewStorageError("mock", "replace", "", m.ReplaceErr)
	}
	m.records = append([]model.Record(nil), records...)
	m.exists = true
	return nil
}

func (m *MockRecordStore) Records() []model.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Record(nil), m.records...)
}
