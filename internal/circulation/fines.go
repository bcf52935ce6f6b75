// internal/circulation/fines.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/libranexus/circulation/internal/membership"
)

const day = 24 * time.Hour

// startOfDay truncates t to midnight UTC.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// overdueDays counts whole calendar days between the due date and today.
func overdueDays(due, today time.Time) int64 {
	return int64(today.Sub(startOfDay(due)) / day)
}

// RunFineAccrual recomputes the fine of every overdue, unreturned loan. The
// amount is a function of the current date only, so running it several times
// on one day leaves the same result.
func (s *service) RunFineAccrual(ctx context.Context) (FineAccrualResult, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.RunFineAccrual")
	defer span.End()

	var result FineAccrualResult

	policy, err := s.policy(ctx)
	if err != nil {
		return result, err
	}
	if !policy.FinesEnabled() {
		result.Disabled = true
		s.logger.InfoContext(ctx, "fine system is disabled", "fine_per_day", policy.FinePerDay.String())
		return result, nil
	}

	now := s.clock()
	today := startOfDay(now)
	loans, err := s.store.ListOverdueLoans(ctx, today)
	if err != nil {
		err = fmt.Errorf("failed to list overdue loans: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	var errs []error
	for _, loan := range loans {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		result.Processed++

		days := overdueDays(loan.DueDate, today)
		amount := policy.FinePerDay.Mul(decimal.NewFromInt(days)).Round(2)

		fine, changed, err := s.accrue(ctx, loan, amount, now)
		if err != nil {
			result.Failed++
			s.metrics.failures.Add(ctx, 1, jobAttr("fine_accrual"))
			s.logger.ErrorContext(ctx, "failed to accrue fine", "loan_id", loan.ID, "err", err)
			errs = append(errs, fmt.Errorf("loan %s: %w", loan.ID, err))
			continue
		}
		if changed {
			result.Updated++
		}

		if fine.Status != FinePending || !fine.Amount.IsPositive() {
			continue
		}
		if s.notify(ctx, Notification{
			Type:   NotifyFine,
			UserID: loan.UserID,
			Context: map[string]any{
				"loan_id":      loan.ID.String(),
				"title_id":     loan.TitleID.String(),
				"due_date":     loan.DueDate.Format("Monday, January 02, 2006"),
				"days_overdue": days,
				"fine_amount":  "$" + fine.Amount.StringFixed(2),
			},
		}) {
			result.Notified++
		}
	}

	span.SetAttributes(
		attribute.Int("fines.processed", result.Processed),
		attribute.Int("fines.updated", result.Updated),
		attribute.Int("fines.notified", result.Notified),
		attribute.Int("fines.failed", result.Failed),
	)
	s.logger.InfoContext(ctx, "fine accrual finished",
		"processed", result.Processed, "updated", result.Updated,
		"notified", result.Notified, "failed", result.Failed)

	if len(errs) > 0 {
		span.SetStatus(codes.Error, "some fines could not be accrued")
		return result, errors.Join(errs...)
	}
	return result, nil
}

// accrue gets or creates the fine of loan and brings a PENDING fine up to
// amount. changed reports whether an existing fine was recomputed.
func (s *service) accrue(ctx context.Context, loan Loan, amount decimal.Decimal, now time.Time) (*Fine, bool, error) {
	var (
		stored  *Fine
		changed bool
	)
	err := s.store.Within(ctx, func(ctx context.Context, tx Tx) error {
		fine, created, err := tx.GetOrCreateFine(ctx, &Fine{
			ID:        uuid.New(),
			LoanID:    loan.ID,
			UserID:    loan.UserID,
			Amount:    amount,
			Status:    FinePending,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("failed to get or create fine: %w", err)
		}
		stored = fine

		if created {
			s.metrics.fines.Add(ctx, 1)
			return s.journal(ctx, tx, loan.TitleID, EventFineAssessed, now, FineEvent{
				FineID: fine.ID, LoanID: fine.LoanID, Amount: fine.Amount, Status: fine.Status,
			})
		}
		if fine.Status != FinePending || fine.Amount.Equal(amount) {
			return nil
		}

		fine.Amount = amount
		fine.UpdatedAt = now
		if err := tx.UpdateFine(ctx, fine); err != nil {
			return fmt.Errorf("failed to update fine: %w", err)
		}
		changed = true
		s.metrics.fines.Add(ctx, 1)
		return s.journal(ctx, tx, loan.TitleID, EventFineAssessed, now, FineEvent{
			FineID: fine.ID, LoanID: fine.LoanID, Amount: fine.Amount, Status: fine.Status,
		})
	})
	return stored, changed, err
}

// MarkFinePaid settles a fine. Staff only.
func (s *service) MarkFinePaid(ctx context.Context, who membership.Identity, fineID uuid.UUID) (*Fine, error) {
	return s.settleFine(ctx, who, fineID, FinePaid)
}

// MarkFineWaived waives a fine. Staff only.
func (s *service) MarkFineWaived(ctx context.Context, who membership.Identity, fineID uuid.UUID) (*Fine, error) {
	return s.settleFine(ctx, who, fineID, FineWaived)
}

// ListFines lists fines, optionally narrowed to one status. Staff only.
func (s *service) ListFines(ctx context.Context, who membership.Identity, status FineStatus) ([]Fine, error) {
	if !who.IsStaff() {
		return nil, ErrStaffOnly
	}
	switch status {
	case "", FinePending, FinePaid, FineWaived:
	default:
		return nil, ErrBadFineStatus
	}

	fines, err := s.store.ListFines(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list fines: %w", err)
	}
	return fines, nil
}

// GetFine returns one fine. Staff only.
func (s *service) GetFine(ctx context.Context, who membership.Identity, fineID uuid.UUID) (*Fine, error) {
	if !who.IsStaff() {
		return nil, ErrStaffOnly
	}
	fine, err := s.store.GetFine(ctx, fineID)
	if err != nil {
		return nil, notFound(err, ErrFineNotFound)
	}
	return fine, nil
}

func (s *service) settleFine(ctx context.Context, who membership.Identity, fineID uuid.UUID, status FineStatus) (*Fine, error) {
	if !who.IsStaff() {
		return nil, ErrStaffOnly
	}

	current, err := s.store.GetFine(ctx, fineID)
	if err != nil {
		return nil, notFound(err, ErrFineNotFound)
	}
	loan, err := s.store.GetLoan(ctx, current.LoanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load loan of fine: %w", err)
	}
	now := s.clock()

	var fine *Fine
	err = s.store.Within(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.LockFine(ctx, fineID)
		if err != nil {
			return notFound(err, ErrFineNotFound)
		}
		locked.Status = status
		locked.UpdatedAt = now
		if err := tx.UpdateFine(ctx, locked); err != nil {
			return fmt.Errorf("failed to update fine: %w", err)
		}
		fine = locked

		return s.journal(ctx, tx, loan.TitleID, EventFineSettled, now, FineEvent{
			FineID: fine.ID, LoanID: fine.LoanID, Amount: fine.Amount, Status: fine.Status,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "fine settled", "fine_id", fine.ID, "status", fine.Status, "by", who.UserID)
	return fine, nil
}
