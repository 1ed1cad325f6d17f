//go:build !integration

package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"command-codes/internal/usecase"
)

type fakeRegistry struct {
	mu    sync.Mutex
	dirty bool
	saves int
	err   error
}

func (f *fakeRegistry) Stats() usecase.RegistryStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return usecase.RegistryStats{Dirty: f.dirty}
}

func (f *fakeRegistry) Save(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.err != nil {
		return f.err
	}
	f.dirty = false
	return nil
}

func TestAutosaveWorker_Tick(t *testing.T) {
	logger := zerolog.Nop()
	reg := &fakeRegistry{}
	w := NewAutosaveWorker(time.Hour, reg, &logger)

	w.tick(context.Background())
	if reg.saves != 0 {
		t.Fatalf("clean registry must not be saved, saves=%d", reg.saves)
	}

	reg.dirty = true
	reg.err = errors.New("disk full")
	w.tick(context.Background())
	w.tick(context.Background())
	if reg.saves != 2 {
		t.Fatalf("dirty registry should be retried each tick, saves=%d", reg.saves)
	}

	reg.err = nil
	w.tick(context.Background())
	w.tick(context.Background())
	if reg.saves != 3 {
		t.Fatalf("saves=%d, want 3", reg.saves)
	}
}

func TestAutosaveWorker_RunStopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	reg := &fakeRegistry{dirty: true}
	w := NewAutosaveWorker(10*time.Millisecond, reg, &logger)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v", err)
	}
	if reg.Stats().Dirty {
		t.Error("registry should have been saved while running")
	}
}
