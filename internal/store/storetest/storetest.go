// internal/store/storetest/storetest.go

// Package storetest is the conformance suite every storage backend runs.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/store"
)

// Backend is a complete storage implementation.
type Backend interface {
	circulation.Store
	catalog.Repository
}

// Run executes the suite. newBackend must return an empty backend.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Backend)
	}{
		{"DuplicateISBN", testDuplicateISBN},
		{"UnknownTitle", testUnknownTitle},
		{"RollbackOnError", testRollbackOnError},
		{"SerializedWriters", testSerializedWriters},
		{"QueueFIFOAndPositions", testQueueFIFOAndPositions},
		{"DuplicateQueueEntry", testDuplicateQueueEntry},
		{"Reservations", testReservations},
		{"GetOrCreateFine", testGetOrCreateFine},
		{"TriggerRecordedOnce", testTriggerRecordedOnce},
		{"LoanListings", testLoanListings},
		{"LoadEvents", testLoadEvents},
		{"UnpromotedReturns", testUnpromotedReturns},
		{"ListFines", testListFines},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newTitle(t *testing.T, s Backend, copies uint) *catalog.Title {
	t.Helper()
	created := now()
	title := &catalog.Title{
		ID:              uuid.New(),
		ISBN:            uuid.NewString()[:13],
		Name:            "Dune",
		Author:          "Frank Herbert",
		TotalCopies:     copies,
		AvailableCopies: copies,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	require.NoError(t, s.InsertTitle(context.Background(), title))
	return title
}

func entry(titleID uuid.UUID, status circulation.QueueStatus, createdAt time.Time) *circulation.QueueEntry {
	return &circulation.QueueEntry{
		ID:        uuid.New(),
		TitleID:   titleID,
		UserID:    uuid.New(),
		Status:    status,
		CreatedAt: createdAt,
	}
}

func testDuplicateISBN(t *testing.T, s Backend) {
	title := newTitle(t, s, 1)

	dup := *title
	dup.ID = uuid.New()
	err := s.InsertTitle(context.Background(), &dup)

	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func testUnknownTitle(t *testing.T, s Backend) {
	ctx := context.Background()

	err := s.WithinTitle(ctx, uuid.New(), func(context.Context, circulation.Tx, *catalog.Title) error {
		t.Error("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetTitle(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetLoan(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetQueueEntry(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetFine(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRollbackOnError(t *testing.T, s Backend) {
	title := newTitle(t, s, 2)
	ctx := context.Background()

	err := s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, locked *catalog.Title) error {
		locked.TakeCopy()
		require.NoError(t, tx.SaveTitle(ctx, locked))
		require.NoError(t, tx.InsertQueueEntry(ctx, entry(title.ID, circulation.StatusActive, now())))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	stored, err := s.GetTitle(ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(2), stored.AvailableCopies)

	err = s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, _ *catalog.Title) error {
		active, err := tx.HasActiveEntries(ctx, title.ID)
		require.NoError(t, err)
		assert.False(t, active)
		return nil
	})
	require.NoError(t, err)
}

func testSerializedWriters(t *testing.T, s Backend) {
	title := newTitle(t, s, 40)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, locked *catalog.Title) error {
				locked.TakeCopy()
				return tx.SaveTitle(ctx, locked)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := s.GetTitle(ctx, title.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(0), stored.AvailableCopies)
}

func testQueueFIFOAndPositions(t *testing.T, s Backend) {
	title := newTitle(t, s, 1)
	ctx := context.Background()
	createdAt := now()

	var entries []*circulation.QueueEntry
	err := s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, _ *catalog.Title) error {
		for range 3 {
			e := entry(title.ID, circulation.StatusActive, createdAt)
			if err := tx.InsertQueueEntry(ctx, e); err != nil {
				return err
			}
			assert.NotZero(t, e.Seq)
			entries = append(entries, e)
		}
		next, err := tx.NextActiveEntry(ctx, title.ID)
		require.NoError(t, err)
		assert.Equal(t, entries[0].ID, next.ID)

		next.Expire()
		require.NoError(t, tx.UpdateQueueEntry(ctx, next))
		next, err = tx.NextActiveEntry(ctx, title.ID)
		require.NoError(t, err)
		assert.Equal(t, entries[1].ID, next.ID)
		return nil
	})
	require.NoError(t, err)

	positions, err := s.ListQueueByUser(ctx, entries[2].UserID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2, positions[0].Position)

	found, err := s.GetQueueEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusExpired, found.Status)
}

func testDuplicateQueueEntry(t *testing.T, s Backend) {
	title := newTitle(t, s, 1)
	ctx := context.Background()

	err := s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, _ *catalog.Title) error {
		first := entry(title.ID, circulation.StatusActive, now())
		require.NoError(t, tx.InsertQueueEntry(ctx, first))
		second := entry(title.ID, circulation.StatusActive, now())
		second.UserID = first.UserID
		return tx.InsertQueueEntry(ctx, second)
	})

	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func testReservations(t *testing.T, s Backend) {
	title := newTitle(t, s, 2)
	ctx := context.Background()
	reservedAt := now().Add(-48 * time.Hour)

	// Two copies freed to two waiters are both held.
	var held []*circulation.QueueEntry
	err := s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, _ *catalog.Title) error {
		for i := range 2 {
			e := entry(title.ID, circulation.StatusActive, reservedAt.Add(time.Duration(i)*time.Minute))
			require.NoError(t, tx.InsertQueueEntry(ctx, e))
			e.Reserve(e.CreatedAt, 24*time.Hour)
			require.NoError(t, tx.UpdateQueueEntry(ctx, e))
			held = append(held, e)
		}
		return nil
	})
	require.NoError(t, err)

	lapsed, err := s.ListExpiredReservations(ctx, now())
	require.NoError(t, err)
	require.Len(t, lapsed, 2)
	assert.Equal(t, held[0].ID, lapsed[0].ID)
	assert.Equal(t, held[1].ID, lapsed[1].ID)

	lapsed, err = s.ListExpiredReservations(ctx, reservedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, lapsed)
}

func testGetOrCreateFine(t *testing.T, s Backend) {
	title := newTitle(t, s, 1)
	ctx := context.Background()
	at := now()

	loan := &circulation.Loan{
		ID: uuid.New(), TitleID: title.ID, UserID: uuid.New(),
		LoanDate: at.AddDate(0, 0, -20), DueDate: at.AddDate(0, 0, -6),
	}
	require.NoError(t, s.Within(ctx, func(ctx context.Context, tx circulation.Tx) error {
		return tx.InsertLoan(ctx, loan)
	}))

	create := func(amount string) (*circulation.Fine, bool) {
		var (
			fine    *circulation.Fine
			created bool
		)
		require.NoError(t, s.Within(ctx, func(ctx context.Context, tx circulation.Tx) error {
			var err error
			fine, created, err = tx.GetOrCreateFine(ctx, &circulation.Fine{
				ID: uuid.New(), LoanID: loan.ID, UserID: loan.UserID,
				Amount: decimal.RequireFromString(amount), Status: circulation.FinePending,
				CreatedAt: at, UpdatedAt: at,
			})
			return err
		}))
		return fine, created
	}

	first, created := create("1.50")
	assert.True(t, created)
	assert.True(t, decimal.RequireFromString("1.50").Equal(first.Amount))

	second, created := create("1.75")
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, decimal.RequireFromString("1.50").Equal(second.Amount))

	require.NoError(t, s.Within(ctx, func(ctx context.Context, tx circulation.Tx) error {
		locked, err := tx.LockFine(ctx, first.ID)
		require.NoError(t, err)
		locked.Status = circulation.FinePaid
		return tx.UpdateFine(ctx, locked)
	}))
	stored, err := s.GetFine(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.FinePaid, stored.Status)
}

func testTriggerRecordedOnce(t *testing.T, s Backend) {
	title := newTitle(t, s, 1)
	ctx := context.Background()
	trigger := circulation.PromotionTrigger{
		ID: uuid.New(), TitleID: title.ID, Outcome: circulation.OutcomeReleased, CreatedAt: now(),
	}

	require.NoError(t, s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, _ *catalog.Title) error {
		return tx.RecordTrigger(ctx, trigger)
	}))

	err := s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, _ *catalog.Title) error {
		handled, err := tx.TriggerHandled(ctx, trigger.ID)
		require.NoError(t, err)
		assert.True(t, handled)
		return tx.RecordTrigger(ctx, trigger)
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func testLoanListings(t *testing.T, s Backend) {
	title := newTitle(t, s, 3)
	ctx := context.Background()
	today := now().Truncate(24 * time.Hour)
	user := uuid.New()

	overdue := &circulation.Loan{ID: uuid.New(), TitleID: title.ID, UserID: user,
		LoanDate: today.AddDate(0, 0, -20), DueDate: today.AddDate(0, 0, -6)}
	dueTomorrow := &circulation.Loan{ID: uuid.New(), TitleID: title.ID, UserID: uuid.New(),
		LoanDate: today.AddDate(0, 0, -13), DueDate: today.AddDate(0, 0, 1).Add(10 * time.Hour)}
	returned := &circulation.Loan{ID: uuid.New(), TitleID: title.ID, UserID: user,
		LoanDate: today.AddDate(0, 0, -30), DueDate: today.AddDate(0, 0, -16)}

	require.NoError(t, s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, _ *catalog.Title) error {
		for _, l := range []*circulation.Loan{overdue, dueTomorrow, returned} {
			require.NoError(t, tx.InsertLoan(ctx, l))
		}
		locked, err := tx.LockLoan(ctx, returned.ID)
		require.NoError(t, err)
		locked.MarkReturned(today.AddDate(0, 0, -15))
		require.NoError(t, tx.UpdateLoan(ctx, locked))

		open, err := tx.HasOpenLoan(ctx, title.ID, user)
		require.NoError(t, err)
		assert.True(t, open)

		_, err = tx.LockLoan(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))

	late, err := s.ListOverdueLoans(ctx, today)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, overdue.ID, late[0].ID)

	due, err := s.ListLoansDueBetween(ctx, today.AddDate(0, 0, 1), today.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueTomorrow.ID, due[0].ID)

	mine, err := s.ListLoans(ctx, circulation.LoanFilter{UserID: &user})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	open, err := s.ListLoans(ctx, circulation.LoanFilter{UserID: &user, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, overdue.ID, open[0].ID)
	all, err := s.ListLoans(ctx, circulation.LoanFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testLoadEvents(t *testing.T, s Backend) {
	title := newTitle(t, s, 1)
	ctx := context.Background()

	require.NoError(t, s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, _ *catalog.Title) error {
		for _, eventType := range []string{circulation.EventLoanOpened, circulation.EventLoanReturned} {
			err := tx.AppendEvent(ctx, circulation.Event{
				AggregateID: title.ID, AggregateType: "title", EventType: eventType,
				EventData: []byte(`{"ok":true}`), CreatedAt: now(),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	events, err := s.LoadEvents(ctx, title.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, circulation.EventLoanOpened, events[0].EventType)
	assert.Equal(t, circulation.EventLoanReturned, events[1].EventType)
	assert.JSONEq(t, `{"ok":true}`, string(events[0].EventData))

	none, err := s.LoadEvents(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUnpromotedReturns(t *testing.T, s Backend) {
	title := newTitle(t, s, 2)
	ctx := context.Background()
	at := now()

	var loans []*circulation.Loan
	require.NoError(t, s.WithinTitle(ctx, title.ID, func(ctx context.Context, tx circulation.Tx, _ *catalog.Title) error {
		for i := range 3 {
			loan := &circulation.Loan{ID: uuid.New(), TitleID: title.ID, UserID: uuid.New(),
				LoanDate: at.AddDate(0, 0, -10+i), DueDate: at.AddDate(0, 0, 4+i)}
			require.NoError(t, tx.InsertLoan(ctx, loan))
			loans = append(loans, loan)
		}
		for _, loan := range loans[:2] {
			loan.MarkReturned(at)
			require.NoError(t, tx.UpdateLoan(ctx, loan))
		}
		return tx.RecordTrigger(ctx, circulation.PromotionTrigger{
			ID: loans[0].ID, TitleID: title.ID, Outcome: circulation.OutcomeReleased, CreatedAt: at,
		})
	}))

	stranded, err := s.ListUnpromotedReturns(ctx)
	require.NoError(t, err)
	require.Len(t, stranded, 1)
	assert.Equal(t, loans[1].ID, stranded[0].ID)
}

func testListFines(t *testing.T, s Backend) {
	title := newTitle(t, s, 2)
	ctx := context.Background()
	at := now()

	var fines []*circulation.Fine
	require.NoError(t, s.Within(ctx, func(ctx context.Context, tx circulation.Tx) error {
		for i := range 2 {
			loan := &circulation.Loan{ID: uuid.New(), TitleID: title.ID, UserID: uuid.New(),
				LoanDate: at.AddDate(0, 0, -20), DueDate: at.AddDate(0, 0, -6)}
			require.NoError(t, tx.InsertLoan(ctx, loan))
			created := at.Add(time.Duration(i) * time.Hour)
			fine, _, err := tx.GetOrCreateFine(ctx, &circulation.Fine{
				ID: uuid.New(), LoanID: loan.ID, UserID: loan.UserID,
				Amount: decimal.RequireFromString("1.50"), Status: circulation.FinePending,
				CreatedAt: created, UpdatedAt: created,
			})
			require.NoError(t, err)
			fines = append(fines, fine)
		}
		fines[0].Status = circulation.FineWaived
		return tx.UpdateFine(ctx, fines[0])
	}))

	all, err := s.ListFines(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, fines[1].ID, all[0].ID)

	pending, err := s.ListFines(ctx, circulation.FinePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fines[1].ID, pending[0].ID)
}
