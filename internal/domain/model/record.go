package model

import (
	"fmt"

	"command-codes/internal/domain"
)

// Record is the storage representation of one Code. Stores treat it as an
// ordered set of named scalar fields and know nothing about code semantics.
type Record struct {
	Token       string   `json:"token"`
	Payload     string   `json:"payload"`
	UsesAllowed int      `json:"uses_allowed"`
	Spent       bool     `json:"spent"`
	Redeemers   []string `json:"redeemers"`
}

// ToRecord serializes c. Redeemers is always non-nil so an empty list is
// written explicitly.
func (c *Code) ToRecord() Record {
	redeemers := make([]string, len(c.Redeemers))
	for i, p := range c.Redeemers {
		redeemers[i] = string(p)
	}
	return Record{
		Token:       c.Token,
		Payload:     c.Payload,
		UsesAllowed: c.UsesAllowed,
		Spent:       c.IsSpent(),
		Redeemers:   redeemers,
	}
}

// CodeFromRecord rebuilds a Code. An absent and an empty redeemer list both
// yield an empty slice.
func CodeFromRecord(r Record) (*Code, error) {
	if r.Token == "" {
		return nil, fmt.Errorf("empty token: %w", domain.ErrInvalidArgument)
	}
	if r.UsesAllowed < 1 {
		return nil, fmt.Errorf("token %q: uses_allowed %d < 1: %w", r.Token, r.UsesAllowed, domain.ErrInvalidArgument)
	}
	if len(r.Redeemers) > r.UsesAllowed {
		return nil, fmt.Errorf("token %q: %d redeemers exceed uses_allowed %d: %w",
			r.Token, len(r.Redeemers), r.UsesAllowed, domain.ErrInvalidArgument)
	}
	redeemers := make([]PrincipalID, 0, len(r.Redeemers))
	for _, p := range r.Redeemers {
		if p == "" {
			return nil, fmt.Errorf("token %q: empty redeemer: %w", r.Token, domain.ErrInvalidArgument)
		}
		redeemers = append(redeemers, PrincipalID(p))
	}
	return &Code{
		Token:       r.Token,
		Payload:     r.Payload,
		UsesAllowed: r.UsesAllowed,
		Redeemers:   redeemers,
	}, nil
}
