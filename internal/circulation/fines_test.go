package circulation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/config"
)

// overdue borrows a copy at start and moves the clock to the given number of
// days past its due date.
func (f *fixture) overdue(t *testing.T, days int) *circulation.Loan {
	t.Helper()
	_, loan, _ := f.exhausted(t)
	f.clock.Advance(loan.DueDate.Sub(f.clock.Now()) + time.Duration(days)*day - time.Hour)
	return loan
}

func TestFineAccrual(t *testing.T) {
	f := newFixture(t)
	loan := f.overdue(t, 3)

	result, err := f.service.RunFineAccrual(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, circulation.FineAccrualResult{Processed: 1, Updated: 0, Notified: 1}, result)
	fine, err := f.store.FineByLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.75", fine.Amount.StringFixed(2))
	assert.Equal(t, circulation.FinePending, fine.Status)

	notices := f.notifier.ofType(circulation.NotifyFine)
	require.Len(t, notices, 1)
	assert.Equal(t, loan.UserID, notices[0].UserID)
	assert.Equal(t, "$0.75", notices[0].Context["fine_amount"])
	assert.Equal(t, "Monday, March 16, 2026", notices[0].Context["due_date"])
}

func TestFineAccrualIsIdempotentWithinADay(t *testing.T) {
	f := newFixture(t)
	loan := f.overdue(t, 2)
	_, err := f.service.RunFineAccrual(f.ctx)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)

	result, err := f.service.RunFineAccrual(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Updated)
	fine, err := f.store.FineByLoan(loan.ID)
	require.NoError(t, err)
	assert.True(t, fine.Amount.Equal(decimal.RequireFromString("0.50")))
}

func TestFineGrowsEachDay(t *testing.T) {
	f := newFixture(t)
	loan := f.overdue(t, 1)
	_, err := f.service.RunFineAccrual(f.ctx)
	require.NoError(t, err)
	f.clock.Advance(day)

	result, err := f.service.RunFineAccrual(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	fine, err := f.store.FineByLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.50", fine.Amount.StringFixed(2))
}

func TestFineAccrualSkipsLoansNotYetOverdue(t *testing.T) {
	f := newFixture(t)
	_, loan, _ := f.exhausted(t)
	f.clock.Advance(loan.DueDate.Sub(start) + time.Hour)

	result, err := f.service.RunFineAccrual(f.ctx)

	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func TestFineAccrualDisabled(t *testing.T) {
	f := newFixture(t, func(p *config.Policy) { p.FinePerDay = decimal.Zero })
	f.overdue(t, 4)

	result, err := f.service.RunFineAccrual(f.ctx)

	require.NoError(t, err)
	assert.True(t, result.Disabled)
	assert.Zero(t, result.Processed)
	assert.Empty(t, f.notifier.ofType(circulation.NotifyFine))
}

func TestFineAccrualNotificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	loan := f.overdue(t, 2)
	f.notifier.err = errors.New("smtp down")

	result, err := f.service.RunFineAccrual(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Notified)
	_, err = f.store.FineByLoan(loan.ID)
	assert.NoError(t, err)
}

func TestSettledFinesAreFrozen(t *testing.T) {
	for _, settle := range []struct {
		name   string
		status circulation.FineStatus
		call   func(f *fixture, fineID uuid.UUID) (*circulation.Fine, error)
	}{
		{"paid", circulation.FinePaid, func(f *fixture, id uuid.UUID) (*circulation.Fine, error) {
			return f.service.MarkFinePaid(f.ctx, newLibrarian(), id)
		}},
		{"waived", circulation.FineWaived, func(f *fixture, id uuid.UUID) (*circulation.Fine, error) {
			return f.service.MarkFineWaived(f.ctx, newLibrarian(), id)
		}},
	} {
		t.Run(settle.name, func(t *testing.T) {
			f := newFixture(t)
			loan := f.overdue(t, 2)
			_, err := f.service.RunFineAccrual(f.ctx)
			require.NoError(t, err)
			fine, err := f.store.FineByLoan(loan.ID)
			require.NoError(t, err)

			settled, err := settle.call(f, fine.ID)
			require.NoError(t, err)
			assert.Equal(t, settle.status, settled.Status)

			f.clock.Advance(3 * day)
			result, err := f.service.RunFineAccrual(f.ctx)

			require.NoError(t, err)
			assert.Zero(t, result.Updated)
			assert.Zero(t, result.Notified)
			after, err := f.store.FineByLoan(loan.ID)
			require.NoError(t, err)
			assert.Equal(t, "0.50", after.Amount.StringFixed(2))
			assert.Equal(t, settle.status, after.Status)
		})
	}
}

func TestSettleFineRules(t *testing.T) {
	f := newFixture(t)
	loan := f.overdue(t, 1)
	_, err := f.service.RunFineAccrual(f.ctx)
	require.NoError(t, err)
	fine, err := f.store.FineByLoan(loan.ID)
	require.NoError(t, err)

	_, err = f.service.MarkFinePaid(f.ctx, newMember(), fine.ID)
	assert.ErrorIs(t, err, circulation.ErrStaffOnly)
	assert.ErrorIs(t, err, circulation.ErrPermission)

	_, err = f.service.MarkFineWaived(f.ctx, newLibrarian(), uuid.New())
	assert.ErrorIs(t, err, circulation.ErrFineNotFound)

	history, err := f.service.TitleHistory(f.ctx, loan.TitleID)
	require.NoError(t, err)
	assert.Equal(t, circulation.EventFineAssessed, history[len(history)-1].EventType)
}

func TestDueDateReminders(t *testing.T) {
	f := newFixture(t)
	dueTomorrow := f.borrow(t, newMember(), f.title(t, 1).ID)
	holder := newMember()
	returned := f.borrow(t, holder, f.title(t, 1).ID)
	_, err := f.service.Return(f.ctx, holder, returned.ID)
	require.NoError(t, err)
	f.clock.Advance(2 * day)
	f.borrow(t, newMember(), f.title(t, 1).ID)

	// The first loans are due on March 16; move to the morning before.
	f.clock.Advance(dueTomorrow.DueDate.Sub(f.clock.Now()) - 26*time.Hour)

	sent, err := f.service.SendDueDateReminders(f.ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	reminders := f.notifier.ofType(circulation.NotifyDueDateReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, dueTomorrow.UserID, reminders[0].UserID)
	assert.Equal(t, dueTomorrow.ID.String(), reminders[0].Context["loan_id"])
}

func TestListAndGetFines(t *testing.T) {
	f := newFixture(t)
	first := f.overdue(t, 2)
	second := f.overdue(t, 1)
	_, err := f.service.RunFineAccrual(f.ctx)
	require.NoError(t, err)
	paid, err := f.store.FineByLoan(first.ID)
	require.NoError(t, err)
	_, err = f.service.MarkFinePaid(f.ctx, newLibrarian(), paid.ID)
	require.NoError(t, err)
	staff := newLibrarian()

	all, err := f.service.ListFines(f.ctx, staff, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := f.service.ListFines(f.ctx, staff, circulation.FinePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].LoanID)

	got, err := f.service.GetFine(f.ctx, staff, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.FinePaid, got.Status)

	_, err = f.service.ListFines(f.ctx, staff, "OVERDUE")
	assert.ErrorIs(t, err, circulation.ErrBadFineStatus)
	_, err = f.service.GetFine(f.ctx, staff, uuid.New())
	assert.ErrorIs(t, err, circulation.ErrFineNotFound)

	_, err = f.service.ListFines(f.ctx, newMember(), "")
	assert.ErrorIs(t, err, circulation.ErrStaffOnly)
	_, err = f.service.GetFine(f.ctx, newMember(), paid.ID)
	assert.ErrorIs(t, err, circulation.ErrStaffOnly)
}
