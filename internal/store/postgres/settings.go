// internal/store/postgres/settings.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/libranexus/circulation/internal/config"
)

// Settings reads the circulation policy from the library_settings row, so
// staff can change it without a restart. Without a row, fallback applies.
type Settings struct {
	store    *Store
	fallback config.Policy
}

var _ config.PolicySource = (*Settings)(nil)

func NewSettings(s *Store, fallback config.Policy) *Settings {
	return &Settings{store: s, fallback: fallback}
}

type settingsRow struct {
	LoanDurationDays     int             `db:"loan_duration_days"`
	MaxRenewals          int             `db:"max_renewals"`
	ReservationHoldHours int             `db:"reservation_hold_hours"`
	FinePerDay           decimal.Decimal `db:"fine_per_day"`
}

// Policy returns the stored rules. A row that breaks them is an error rather
// than a silently wrong loan period or renewal limit.
func (s *Settings) Policy(ctx context.Context) (config.Policy, error) {
	var row settingsRow
	err := s.store.db.GetContext(ctx, &row, `
		SELECT loan_duration_days, max_renewals, reservation_hold_hours, fine_per_day
		FROM library_settings
		WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return s.fallback, nil
	}
	if err != nil {
		return config.Policy{}, fmt.Errorf("query library settings: %w", err)
	}
	return row.policy()
}

func (r settingsRow) policy() (config.Policy, error) {
	p := config.Policy{
		LoanDurationDays:     r.LoanDurationDays,
		MaxRenewals:          r.MaxRenewals,
		ReservationHoldHours: r.ReservationHoldHours,
		FinePerDay:           r.FinePerDay,
	}
	if err := p.Validate(); err != nil {
		return config.Policy{}, fmt.Errorf("library settings: %w", err)
	}
	return p, nil
}

// Save upserts the library_settings row.
func (s *Settings) Save(ctx context.Context, p config.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.store.db.ExecContext(ctx, `
		INSERT INTO library_settings (id, loan_duration_days, max_renewals, reservation_hold_hours, fine_per_day)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET loan_duration_days = EXCLUDED.loan_duration_days,
		    max_renewals = EXCLUDED.max_renewals,
		    reservation_hold_hours = EXCLUDED.reservation_hold_hours,
		    fine_per_day = EXCLUDED.fine_per_day
	`, p.LoanDurationDays, p.MaxRenewals, p.ReservationHoldHours, p.FinePerDay)
	if err != nil {
		return fmt.Errorf("save library settings: %w", err)
	}
	return nil
}
