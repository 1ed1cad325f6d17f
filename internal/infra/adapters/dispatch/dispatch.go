// Package dispatch holds the Dispatcher adapters that hand redeemed payloads
// to whatever executes them.
package dispatch

import (
	"fmt"

	"github.com/rs/zerolog"

	"command-codes/internal/config"
	"command-codes/internal/domain/ports/adapter"
)

// Named is a Dispatcher that reports its mode for metrics.
type Named interface {
	adapter.Dispatcher
	Name() string
}

// New builds the dispatcher selected by dispatch.mode.
func New(cfg config.DispatchConfig, logger *zerolog.Logger) (Named, error) {
	switch cfg.Mode {
	case "noop", "":
		return NewNoopDispatcher(logger), nil
	case "webhook":
		return NewWebhookDispatcher(cfg.WebhookURL, cfg.Timeout, cfg.Retries)
	}
	return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Mode)
}
