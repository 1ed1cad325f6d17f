package model

import (
	"fmt"
	"slices"

	"command-codes/internal/domain"
)

// PrincipalID identifies the actor redeeming a code (typically a UUID string).
type PrincipalID string

// CodeStatus tags which set a code belongs to.
type CodeStatus int

const (
	CodeActive CodeStatus = iota
	CodeSpent
)

func (s CodeStatus) String() string {
	switch s {
	case CodeActive:
		return "active"
	case CodeSpent:
		return "spent"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseCodeStatus maps "active"/"spent" back to a CodeStatus.
func ParseCodeStatus(s string) (CodeStatus, error) {
	switch s {
	case "active", "":
		return CodeActive, nil
	case "spent":
		return CodeSpent, nil
	}
	return 0, fmt.Errorf("unknown code status %q: %w", s, domain.ErrInvalidArgument)
}

// Code is a redeemable token bound to an opaque payload and a use count.
type Code struct {
	Token       string
	Payload     string
	UsesAllowed int
	Redeemers   []PrincipalID // in redemption order
}

// NewCode constructs and validates a fresh code with no redeemers.
func NewCode(token, payload string, usesAllowed int) (*Code, error) {
	if token == "" || payload == "" {
		return nil, domain.ErrInvalidArgument
	}
	if usesAllowed < 1 {
		return nil, domain.ErrInvalidArgument
	}
	return &Code{
		Token:       token,
		Payload:     payload,
		UsesAllowed: usesAllowed,
		Redeemers:   []PrincipalID{},
	}, nil
}

// IsSpent reports whether the code has no redemption capacity left.
func (c *Code) IsSpent() bool {
	return len(c.Redeemers) >= c.UsesAllowed
}

func (c *Code) Status() CodeStatus {
	if c.IsSpent() {
		return CodeSpent
	}
	return CodeActive
}

// Remaining is the number of redemptions still available.
func (c *Code) Remaining() int {
	if n := c.UsesAllowed - len(c.Redeemers); n > 0 {
		return n
	}
	return 0
}

func (c *Code) HasRedeemed(p PrincipalID) bool {
	return slices.Contains(c.Redeemers, p)
}

// AddRedeemer appends p. It refuses to push a code past its use count.
func (c *Code) AddRedeemer(p PrincipalID) error {
	if p == "" {
		return domain.ErrInvalidArgument
	}
	if c.IsSpent() {
		return domain.ErrCodeNotFound
	}
	c.Redeemers = append(c.Redeemers, p)
	return nil
}

// Clone returns a deep copy so callers cannot reach registry-owned state.
func (c *Code) Clone() *Code {
	cp := *c
	cp.Redeemers = make([]PrincipalID, len(c.Redeemers))
	copy(cp.Redeemers, c.Redeemers)
	return &cp
}
