package adapter

import (
	"context"

	"command-codes/internal/domain/model"
)

// Dispatcher acts on a redeemed code's payload on behalf of the principal.
// The registry never calls it; front ends do, after a successful redemption.
type Dispatcher interface {
	Dispatch(ctx context.Context, principal model.PrincipalID, payload string) error
}
