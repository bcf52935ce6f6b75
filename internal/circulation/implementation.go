// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/membership"
	"github.com/libranexus/circulation/internal/store"
)

// service implements the Service interface.
type service struct {
	store       Store
	policies    config.PolicySource
	notifier    Notifier
	invalidator catalog.Invalidator
	dispatcher  Dispatcher
	logger      *slog.Logger
	now         func() time.Time
	tracer      trace.Tracer
	metrics     *engineMetrics
}

// Option configures the circulation service.
type Option func(*service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// WithDispatcher makes Return hand promotions to d instead of running them
// right after the return commits.
func WithDispatcher(d Dispatcher) Option {
	return func(s *service) {
		s.dispatcher = d
	}
}

// NewService creates a new circulation service instance.
func NewService(
	st Store,
	policies config.PolicySource,
	notifier Notifier,
	invalidator catalog.Invalidator,
	logger *slog.Logger,
	options ...Option,
) Service {
	s := &service{
		store:       st,
		policies:    policies,
		notifier:    notifier,
		invalidator: invalidator,
		logger:      logger,
		now:         time.Now,
		tracer:      otel.Tracer("libranexus/circulation"),
	}
	s.dispatcher = inlineDispatcher{promoter: s, logger: logger}

	for _, option := range options {
		option(s)
	}

	metrics, err := newEngineMetrics(otel.Meter("libranexus/circulation"))
	if err != nil {
		logger.Warn("failed to create circulation metrics, continuing without", "err", err)
		metrics = noopEngineMetrics()
	}
	s.metrics = metrics

	return s
}

// Borrow lends a copy of a title to who. A reservation held by the caller is
// consumed first; otherwise one copy is taken from the general pool and any
// ACTIVE queue entry of the caller is closed.
func (s *service) Borrow(ctx context.Context, who membership.Identity, titleID uuid.UUID) (*Loan, error) {
	policy, err := s.policy(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock()

	var loan *Loan
	err = s.store.WithinTitle(ctx, titleID, func(ctx context.Context, tx Tx, title *catalog.Title) error {
		entry, err := optional(tx.FindQueueEntry(ctx, titleID, who.UserID))
		if err != nil {
			return fmt.Errorf("failed to look up reservation: %w", err)
		}

		viaReservation := entry != nil && entry.Status == StatusReserved
		if viaReservation {
			entry.Fulfill()
			if err := tx.UpdateQueueEntry(ctx, entry); err != nil {
				return fmt.Errorf("failed to fulfill reservation: %w", err)
			}
			if err := s.journal(ctx, tx, titleID, EventReservationFulfilled, now, QueueEntryEvent{
				EntryID: entry.ID, UserID: entry.UserID, Status: entry.Status,
			}); err != nil {
				return err
			}
		} else {
			if !title.TakeCopy() {
				return ErrNotAvailable
			}
			title.UpdatedAt = now
			if err := tx.SaveTitle(ctx, title); err != nil {
				return fmt.Errorf("failed to update title copies: %w", err)
			}
			// A waiter served from the pool leaves the queue, otherwise a
			// later freed copy would be held for someone who already has one.
			if entry != nil && entry.Status == StatusActive {
				entry.Fulfill()
				if err := tx.UpdateQueueEntry(ctx, entry); err != nil {
					return fmt.Errorf("failed to close queue entry: %w", err)
				}
				if err := s.journal(ctx, tx, titleID, EventQueueEntryFulfilled, now, QueueEntryEvent{
					EntryID: entry.ID, UserID: entry.UserID, Status: entry.Status,
				}); err != nil {
					return err
				}
			}
		}

		loan = &Loan{
			ID:       uuid.New(),
			TitleID:  titleID,
			UserID:   who.UserID,
			LoanDate: now,
			DueDate:  policy.DueDate(now),
		}
		if err := tx.InsertLoan(ctx, loan); err != nil {
			return fmt.Errorf("failed to insert loan: %w", err)
		}

		return s.journal(ctx, tx, titleID, EventLoanOpened, now, LoanOpenedEvent{
			LoanID: loan.ID, UserID: loan.UserID, DueDate: loan.DueDate, ViaReservation: viaReservation,
		})
	})
	if err != nil {
		return nil, titleErr(err)
	}

	s.invalidate(ctx, titleID)
	s.logger.InfoContext(ctx, "loan opened", "loan_id", loan.ID, "title_id", titleID, "user_id", who.UserID)
	return loan, nil
}

// Return closes a loan and hands the freed copy to the promotion engine.
func (s *service) Return(ctx context.Context, who membership.Identity, loanID uuid.UUID) (*Loan, error) {
	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, notFound(err, ErrLoanNotFound)
	}
	if loan.UserID != who.UserID && !who.IsStaff() {
		return nil, ErrNotLoanOwner
	}
	now := s.clock()

	err = s.store.WithinTitle(ctx, loan.TitleID, func(ctx context.Context, tx Tx, _ *catalog.Title) error {
		locked, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		if locked.IsReturned {
			return ErrAlreadyReturned
		}

		locked.MarkReturned(now)
		if err := tx.UpdateLoan(ctx, locked); err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}
		loan = locked

		return s.journal(ctx, tx, loan.TitleID, EventLoanReturned, now, LoanReturnedEvent{
			LoanID: loan.ID, UserID: loan.UserID, ReturnDate: now,
		})
	})
	if err != nil {
		return nil, titleErr(err)
	}

	s.invalidate(ctx, loan.TitleID)
	s.dispatcher.Dispatch(context.WithoutCancel(ctx), PromotionRequest{TitleID: loan.TitleID, TriggerID: loan.ID})
	s.logger.InfoContext(ctx, "loan returned", "loan_id", loan.ID, "title_id", loan.TitleID)
	return loan, nil
}

// Renew extends an open loan by one loan period.
func (s *service) Renew(ctx context.Context, who membership.Identity, loanID uuid.UUID) (*Loan, error) {
	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, notFound(err, ErrLoanNotFound)
	}
	if loan.UserID != who.UserID {
		return nil, ErrNotLoanOwner.withReason("You do not have permission to renew this loan.")
	}

	policy, err := s.policy(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock()

	err = s.store.WithinTitle(ctx, loan.TitleID, func(ctx context.Context, tx Tx, _ *catalog.Title) error {
		locked, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return notFound(err, ErrLoanNotFound)
		}
		if locked.IsReturned {
			return ErrRenewReturned
		}
		if locked.RenewalsMade >= uint(policy.MaxRenewals) {
			return ErrRenewalLimit.withReason(fmt.Sprintf(
				"You have reached the maximum of %d renewals for this loan.", policy.MaxRenewals))
		}

		waiting, err := tx.HasActiveEntries(ctx, locked.TitleID)
		if err != nil {
			return fmt.Errorf("failed to check queue: %w", err)
		}
		if waiting {
			return ErrQueueWaiting
		}

		locked.Extend(policy.LoanDurationDays)
		if err := tx.UpdateLoan(ctx, locked); err != nil {
			return fmt.Errorf("failed to update loan: %w", err)
		}
		loan = locked

		return s.journal(ctx, tx, loan.TitleID, EventLoanRenewed, now, LoanRenewedEvent{
			LoanID: loan.ID, DueDate: loan.DueDate, RenewalsMade: loan.RenewalsMade,
		})
	})
	if err != nil {
		return nil, titleErr(err)
	}
	return loan, nil
}

// ListLoans returns the caller's loans, or every loan for staff.
func (s *service) ListLoans(ctx context.Context, who membership.Identity) ([]Loan, error) {
	filter := LoanFilter{}
	if !who.IsStaff() {
		filter.UserID = &who.UserID
	}
	loans, err := s.store.ListLoans(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return loans, nil
}

// JoinQueue puts who on the waitlist of an exhausted title.
func (s *service) JoinQueue(ctx context.Context, who membership.Identity, titleID uuid.UUID) (*QueueEntry, error) {
	now := s.clock()

	var entry *QueueEntry
	err := s.store.WithinTitle(ctx, titleID, func(ctx context.Context, tx Tx, title *catalog.Title) error {
		existing, err := optional(tx.FindQueueEntry(ctx, titleID, who.UserID))
		if err != nil {
			return fmt.Errorf("failed to look up queue entry: %w", err)
		}
		if existing != nil {
			switch existing.Status {
			case StatusActive:
				return ErrAlreadyQueued
			case StatusReserved:
				return ErrAlreadyReserved
			default:
				return ErrCannotRejoin
			}
		}

		if title.Available() {
			return ErrTitleAvailable
		}

		onLoan, err := tx.HasOpenLoan(ctx, titleID, who.UserID)
		if err != nil {
			return fmt.Errorf("failed to check open loans: %w", err)
		}
		if onLoan {
			return ErrAlreadyOnLoan
		}

		entry = &QueueEntry{
			ID:        uuid.New(),
			TitleID:   titleID,
			UserID:    who.UserID,
			Status:    StatusActive,
			CreatedAt: now,
		}
		if err := tx.InsertQueueEntry(ctx, entry); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrAlreadyQueued
			}
			return fmt.Errorf("failed to insert queue entry: %w", err)
		}

		return s.journal(ctx, tx, titleID, EventQueueJoined, now, QueueEntryEvent{
			EntryID: entry.ID, UserID: entry.UserID, Status: entry.Status,
		})
	})
	if err != nil {
		return nil, titleErr(err)
	}
	return entry, nil
}

// LeaveQueue expires the caller's entry. Leaving while holding a reservation
// frees the held copy, which is promoted in the same transaction.
func (s *service) LeaveQueue(ctx context.Context, who membership.Identity, entryID uuid.UUID) error {
	entry, err := s.store.GetQueueEntry(ctx, entryID)
	if err != nil {
		return notFound(err, ErrEntryNotFound)
	}
	if entry.UserID != who.UserID {
		return ErrNotEntryOwner
	}

	policy, err := s.policy(ctx)
	if err != nil {
		return err
	}
	now := s.clock()

	var promoted *PromotionResult
	err = s.store.WithinTitle(ctx, entry.TitleID, func(ctx context.Context, tx Tx, title *catalog.Title) error {
		locked, err := tx.LockQueueEntry(ctx, entryID)
		if err != nil {
			return notFound(err, ErrEntryNotFound)
		}
		if locked.Status.Terminal() {
			return ErrEntryClosed
		}

		wasReserved := locked.Status == StatusReserved
		locked.Expire()
		if err := tx.UpdateQueueEntry(ctx, locked); err != nil {
			return fmt.Errorf("failed to update queue entry: %w", err)
		}
		if err := s.journal(ctx, tx, locked.TitleID, EventQueueLeft, now, QueueEntryEvent{
			EntryID: locked.ID, UserID: locked.UserID, Status: locked.Status,
		}); err != nil {
			return err
		}

		if !wasReserved {
			return nil
		}
		promoted, err = s.promoteLocked(ctx, tx, title, locked.ID, policy, now)
		return err
	})
	if err != nil {
		return titleErr(err)
	}

	if promoted != nil {
		s.afterPromotion(ctx, promoted)
	}
	return nil
}

// ListQueue returns the caller's ACTIVE entries with their positions.
func (s *service) ListQueue(ctx context.Context, who membership.Identity) ([]QueuePosition, error) {
	positions, err := s.store.ListQueueByUser(ctx, who.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	return positions, nil
}

// TitleHistory returns the journal of a title, oldest first.
func (s *service) TitleHistory(ctx context.Context, titleID uuid.UUID) ([]Event, error) {
	events, err := s.store.LoadEvents(ctx, titleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return events, nil
}

func (s *service) clock() time.Time {
	return s.now().UTC()
}

func (s *service) policy(ctx context.Context) (config.Policy, error) {
	p, err := s.policies.Policy(ctx)
	if err != nil {
		return config.Policy{}, fmt.Errorf("failed to read policy: %w", err)
	}
	return p, nil
}

// journal appends one event for titleID inside tx.
func (s *service) journal(ctx context.Context, tx Tx, titleID uuid.UUID, eventType string, now time.Time, payload any) error {
	data, err := jsoniter.ConfigFastest.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	err = tx.AppendEvent(ctx, Event{
		AggregateID:   titleID,
		AggregateType: "title",
		EventType:     eventType,
		EventData:     data,
		CreatedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

func (s *service) notify(ctx context.Context, n Notification) bool {
	if err := s.notifier.Send(ctx, n); err != nil {
		s.logger.WarnContext(ctx, "notification failed", "type", n.Type, "user_id", n.UserID, "err", err)
		return false
	}
	return true
}

func (s *service) invalidate(ctx context.Context, titleID uuid.UUID) {
	if err := s.invalidator.Invalidate(ctx, titleID); err != nil {
		s.logger.WarnContext(ctx, "cache invalidation failed", "title_id", titleID, "err", err)
	}
}

// optional turns a not-found lookup into a nil result.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// notFound maps store.ErrNotFound to the given rejection.
func notFound(err error, rejection *Error) error {
	if errors.Is(err, store.ErrNotFound) {
		return rejection
	}
	return err
}

// titleErr maps a missing title row, reported by WithinTitle, to
// ErrTitleNotFound. Rejections raised inside the transaction pass through.
func titleErr(err error) error {
	var rejection *Error
	if errors.As(err, &rejection) {
		return rejection
	}
	return notFound(err, ErrTitleNotFound)
}

// inlineDispatcher runs the promotion right away in the caller's goroutine.
type inlineDispatcher struct {
	promoter Promoter
	logger   *slog.Logger
}

func (d inlineDispatcher) Dispatch(ctx context.Context, req PromotionRequest) {
	if _, err := d.promoter.Promote(ctx, req.TitleID, req.TriggerID); err != nil {
		d.logger.ErrorContext(ctx, "promotion failed", "title_id", req.TitleID, "trigger_id", req.TriggerID, "err", err)
	}
}
