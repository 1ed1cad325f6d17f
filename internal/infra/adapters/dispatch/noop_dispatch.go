package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"command-codes/internal/domain/model"
	"command-codes/internal/domain/ports/adapter"
)

var _ adapter.Dispatcher = (*NoopDispatcher)(nil)

// Dispatched is one payload handed to a dispatcher.
type Dispatched struct {
	Principal model.PrincipalID
	Payload   string
}

// NoopDispatcher logs payloads and remembers them. Used when no front end
// is attached and in tests.
type NoopDispatcher struct {
	mu   sync.Mutex
	sent []Dispatched
	log  *zerolog.Logger
}

func NewNoopDispatcher(logger *zerolog.Logger) *NoopDispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "NoopDispatcher").Logger()
	return &NoopDispatcher{log: &l}
}

func (d *NoopDispatcher) Name() string { return "noop" }

func (d *NoopDispatcher) Dispatch(ctx context.Context, principal model.PrincipalID, payload string) error {
	d.mu.Lock()
	d.sent = append(d.sent, Dispatched{Principal: principal, Payload: payload})
	d.mu.Unlock()
	d.log.Info().Str("principal", string(principal)).Str("payload", payload).Msg("payload dispatched")
	return nil
}

// Sent returns a copy of everything dispatched so far.
func (d *NoopDispatcher) Sent() []Dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Dispatched(nil), d.sent...)
}
