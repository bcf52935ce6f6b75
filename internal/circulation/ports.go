// internal/circulation/ports.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/catalog"
)

// Store is the transactional storage the circulation core runs on. Lookups
// that match nothing return store.ErrNotFound.
type Store interface {
	// WithinTitle runs fn in one transaction holding an exclusive lock on the
	// title row. The title passed to fn is the locked, current row; changes to
	// it are persisted with Tx.SaveTitle.
	WithinTitle(ctx context.Context, titleID uuid.UUID, fn func(ctx context.Context, tx Tx, title *catalog.Title) error) error
	// Within runs fn in one transaction without taking a title lock.
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	GetQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	GetFine(ctx context.Context, id uuid.UUID) (*Fine, error)
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)
	ListQueueByUser(ctx context.Context, userID uuid.UUID) ([]QueuePosition, error)
	ListExpiredReservations(ctx context.Context, now time.Time) ([]QueueEntry, error)
	ListOverdueLoans(ctx context.Context, dueBefore time.Time) ([]Loan, error)
	ListLoansDueBetween(ctx context.Context, from, to time.Time) ([]Loan, error)
	// ListUnpromotedReturns lists returned loans whose freed copy never went
	// through the promotion engine.
	ListUnpromotedReturns(ctx context.Context) ([]Loan, error)
	// ListFines lists fines, newest first. An empty status lists all of them.
	ListFines(ctx context.Context, status FineStatus) ([]Fine, error)
	LoadEvents(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)
}

// LoanFilter narrows ListLoans. A nil UserID lists every loan.
type LoanFilter struct {
	UserID   *uuid.UUID
	OpenOnly bool
}

// Tx is the set of writes and locked reads available inside a transaction.
type Tx interface {
	SaveTitle(ctx context.Context, title *catalog.Title) error

	InsertLoan(ctx context.Context, loan *Loan) error
	LockLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	UpdateLoan(ctx context.Context, loan *Loan) error
	HasOpenLoan(ctx context.Context, titleID, userID uuid.UUID) (bool, error)

	FindQueueEntry(ctx context.Context, titleID, userID uuid.UUID) (*QueueEntry, error)
	LockQueueEntry(ctx context.Context, id uuid.UUID) (*QueueEntry, error)
	NextActiveEntry(ctx context.Context, titleID uuid.UUID) (*QueueEntry, error)
	HasActiveEntries(ctx context.Context, titleID uuid.UUID) (bool, error)
	// InsertQueueEntry stores entry and assigns its Seq.
	InsertQueueEntry(ctx context.Context, entry *QueueEntry) error
	UpdateQueueEntry(ctx context.Context, entry *QueueEntry) error

	// GetOrCreateFine returns the locked fine of fine.LoanID, inserting fine
	// when none exists. created reports whether the insert happened.
	GetOrCreateFine(ctx context.Context, fine *Fine) (stored *Fine, created bool, err error)
	LockFine(ctx context.Context, id uuid.UUID) (*Fine, error)
	UpdateFine(ctx context.Context, fine *Fine) error

	TriggerHandled(ctx context.Context, triggerID uuid.UUID) (bool, error)
	RecordTrigger(ctx context.Context, trigger PromotionTrigger) error

	AppendEvent(ctx context.Context, event Event) error
}

// Notifier delivers notifications. Delivery is best-effort.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Promoter runs the promotion engine for one freed copy.
type Promoter interface {
	Promote(ctx context.Context, titleID, triggerID uuid.UUID) (*PromotionResult, error)
}

// Dispatcher schedules promotions outside the request that freed the copy.
type Dispatcher interface {
	Dispatch(ctx context.Context, req PromotionRequest)
}
