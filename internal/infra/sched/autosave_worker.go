package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"command-codes/internal/usecase"
)

// Registry is the part of the code registry the autosave worker needs.
type Registry interface {
	Stats() usecase.RegistryStats
	Save(ctx context.Context) error
}

// AutosaveWorker periodically saves the registry when it has unsaved changes.
type AutosaveWorker struct {
	interval time.Duration
	reg      Registry
	log      *zerolog.Logger
}

func NewAutosaveWorker(interval time.Duration, reg Registry, logger *zerolog.Logger) *AutosaveWorker {
	saveLog := logger.With().Str("component", "AutosaveWorker").Logger()
	return &AutosaveWorker{
		interval: interval,
		reg:      reg,
		log:      &saveLog,
	}
}

// Run blocks until ctx is cancelled. A failed save is logged and retried on
// the next tick because the registry stays dirty.
func (w *AutosaveWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting autosave worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping autosave worker")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *AutosaveWorker) tick(ctx context.Context) {
	if !w.reg.Stats().Dirty {
		return
	}
	if err := w.reg.Save(ctx); err != nil {
		w.log.Error().Err(err).Msg("autosave failed")
		return
	}
	w.log.Debug().Msg("autosaved")
}
