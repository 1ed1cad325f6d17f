//go:build !integration

package web

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/rs/zerolog"

	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/infra/worker"
	"command-codes/internal/usecase"
)

// --- in-memory infra mocks ---

type memStore struct {
	mu      sync.Mutex
	records []model.Record
	failErr error
}

func (m *memStore) Backend() string                          { return "mem" }
func (m *memStore) Exists(ctx context.Context) (bool, error) { return true, nil }
func (m *memStore) Create(ctx context.Context) error         { return nil }

func (m *memStore) ReadAll(ctx context.Context) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		m.mu.Lock()
		recs := append([]model.Record(nil), m.records...)
		m.mu.Unlock()
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *memStore) ReplaceAll(ctx context.Context, records []model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return domain.NewStorageError("mem", "replace", "", m.failErr)
	}
	m.records = append([]model.Record(nil), records...)
	return nil
}

// recordingDispatcher remembers dispatched payloads.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (d *recordingDispatcher) Name() string { return "recording" }

func (d *recordingDispatcher) Dispatch(ctx context.Context, principal model.PrincipalID, payload string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, string(principal)+"|"+payload)
	return d.err
}

// inlineTasks runs tasks synchronously.
type inlineTasks struct{ full bool }

func (t inlineTasks) Submit(task worker.Task) error {
	if t.full {
		return worker.ErrQueueFull
	}
	return task(context.Background())
}

type denyAfter struct {
	mu   sync.Mutex
	n    int
	seen map[string]int
	err  error
}

func (d *denyAfter) Allow(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = map[string]int{}
	}
	d.seen[key]++
	return d.seen[key] <= d.n, nil
}

var errLimiterDown = errors.New("limiter down")

func newTestLogger() *zerolog.Logger { l := zerolog.Nop(); return &l }

func counterTokens() usecase.TokenFunc {
	var mu sync.Mutex
	n := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("code%d", n), nil
	}
}
