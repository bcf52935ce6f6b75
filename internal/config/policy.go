// internal/config/policy.go
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Policy is the set of circulation rules read at operation time.
type Policy struct {
	LoanDurationDays     int `validate:"gte=1"`
	MaxRenewals          int `validate:"gte=0"`
	ReservationHoldHours int `validate:"gte=1"`
	FinePerDay           decimal.Decimal
}

// DefaultPolicy returns the rules used when nothing else is configured.
func DefaultPolicy() Policy {
	return Policy{
		LoanDurationDays:     14,
		MaxRenewals:          2,
		ReservationHoldHours: 24,
		FinePerDay:           decimal.RequireFromString("0.25"),
	}
}

// Validate checks the rules are usable. Rules read from storage go through
// it as well as those read from the environment.
func (p Policy) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(p); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	if p.FinePerDay.IsNegative() {
		return errors.New("invalid policy: fine per day must not be negative")
	}
	return nil
}

// DueDate returns the due date of a loan period starting at from.
func (p Policy) DueDate(from time.Time) time.Time {
	return from.AddDate(0, 0, p.LoanDurationDays)
}

// HoldWindow is how long a reservation stays valid.
func (p Policy) HoldWindow() time.Duration {
	return time.Duration(p.ReservationHoldHours) * time.Hour
}

// FinesEnabled reports whether overdue loans accrue fines at all.
func (p Policy) FinesEnabled() bool {
	return p.FinePerDay.IsPositive()
}

// PolicySource supplies the current Policy. Values may change between calls.
type PolicySource interface {
	Policy(ctx context.Context) (Policy, error)
}

// StaticPolicy is a PolicySource that always returns the same rules.
type StaticPolicy Policy

func (s StaticPolicy) Policy(context.Context) (Policy, error) {
	return Policy(s), nil
}
