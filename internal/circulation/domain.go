// internal/circulation/domain.go
package circulation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Loan represents one borrow of a title by a user.
type Loan struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	TitleID      uuid.UUID  `json:"title_id" db:"title_id"`
	UserID       uuid.UUID  `json:"user_id" db:"user_id"`
	LoanDate     time.Time  `json:"loan_date" db:"loan_date"`
	DueDate      time.Time  `json:"due_date" db:"due_date"`
	ReturnDate   *time.Time `json:"return_date,omitempty" db:"return_date"`
	IsReturned   bool       `json:"is_returned" db:"is_returned"`
	RenewalsMade uint       `json:"renewals_made" db:"renewals_made"`
}

// MarkReturned closes the loan.
func (l *Loan) MarkReturned(now time.Time) {
	l.IsReturned = true
	l.ReturnDate = &now
}

// Extend pushes the due date out by one loan period.
func (l *Loan) Extend(days int) {
	l.DueDate = l.DueDate.AddDate(0, 0, days)
	l.RenewalsMade++
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	StatusActive    QueueStatus = "ACTIVE"
	StatusReserved  QueueStatus = "RESERVED"
	StatusFulfilled QueueStatus = "FULFILLED"
	StatusExpired   QueueStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s QueueStatus) Terminal() bool {
	return s == StatusFulfilled || s == StatusExpired
}

// QueueEntry is one user's place in the waitlist of a title. Seq is a
// store-assigned insertion sequence that breaks created_at ties.
type QueueEntry struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	Seq       int64       `json:"-" db:"seq"`
	TitleID   uuid.UUID   `json:"title_id" db:"title_id"`
	UserID    uuid.UUID   `json:"user_id" db:"user_id"`
	Status    QueueStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
}

// Before orders entries FIFO.
func (e *QueueEntry) Before(other *QueueEntry) bool {
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.Before(other.CreatedAt)
	}
	return e.Seq < other.Seq
}

// Reserve holds a copy for the entry's user until now+hold.
func (e *QueueEntry) Reserve(now time.Time, hold time.Duration) {
	expires := now.Add(hold)
	e.Status = StatusReserved
	e.ExpiresAt = &expires
}

// Fulfill marks the reservation as consumed by a borrow.
func (e *QueueEntry) Fulfill() {
	e.Status = StatusFulfilled
}

// Expire closes the entry without a borrow.
func (e *QueueEntry) Expire() {
	e.Status = StatusExpired
}

// HoldLapsed reports whether a reservation's hold window has passed at now.
func (e *QueueEntry) HoldLapsed(now time.Time) bool {
	return e.Status == StatusReserved && e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

// QueuePosition is an ACTIVE entry together with its 1-based FIFO position.
type QueuePosition struct {
	QueueEntry
	Position int `json:"position" db:"position"`
}

// FineStatus is the settlement state of a fine.
type FineStatus string

const (
	FinePending FineStatus = "PENDING"
	FinePaid    FineStatus = "PAID"
	FineWaived  FineStatus = "WAIVED"
)

// Fine is the overdue charge attached to a loan.
type Fine struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	LoanID    uuid.UUID       `json:"loan_id" db:"loan_id"`
	UserID    uuid.UUID       `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Status    FineStatus      `json:"status" db:"status"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// FineAccrualResult summarises one run of the fine accrual engine.
type FineAccrualResult struct {
	Disabled  bool `json:"disabled"`
	Processed int  `json:"processed"`
	Updated   int  `json:"updated"`
	Notified  int  `json:"notified"`
	Failed    int  `json:"failed"`
}

// PromotionOutcome is what a promotion did with the freed copy.
type PromotionOutcome string

const (
	OutcomeReserved PromotionOutcome = "reserved"
	OutcomeReleased PromotionOutcome = "released"
	OutcomeSkipped  PromotionOutcome = "skipped"
)

// PromotionTrigger records that the copy freed by TriggerID has been handled.
type PromotionTrigger struct {
	ID        uuid.UUID        `db:"trigger_id"`
	TitleID   uuid.UUID        `db:"title_id"`
	Outcome   PromotionOutcome `db:"outcome"`
	CreatedAt time.Time        `db:"created_at"`
}

// PromotionResult is returned by the promotion engine.
type PromotionResult struct {
	TitleID uuid.UUID        `json:"title_id"`
	Outcome PromotionOutcome `json:"outcome"`
	Entry   *QueueEntry      `json:"entry,omitempty"`
}

// PromotionRequest asks the engine to hand out a copy freed by TriggerID.
type PromotionRequest struct {
	TitleID   uuid.UUID
	TriggerID uuid.UUID
}

// Event is a journal record of a circulation transition. All events are
// keyed by the title they affect.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

const (
	EventLoanOpened           = "LoanOpened"
	EventLoanRenewed          = "LoanRenewed"
	EventLoanReturned         = "LoanReturned"
	EventQueueJoined          = "QueueJoined"
	EventQueueLeft            = "QueueLeft"
	EventQueueEntryFulfilled  = "QueueEntryFulfilled"
	EventReservationCreated   = "ReservationCreated"
	EventReservationFulfilled = "ReservationFulfilled"
	EventReservationExpired   = "ReservationExpired"
	EventCopyReleased         = "CopyReleased"
	EventFineAssessed         = "FineAssessed"
	EventFineSettled          = "FineSettled"
)

// LoanOpenedEvent is journaled when a borrow succeeds.
type LoanOpenedEvent struct {
	LoanID         uuid.UUID `json:"loan_id"`
	UserID         uuid.UUID `json:"user_id"`
	DueDate        time.Time `json:"due_date"`
	ViaReservation bool      `json:"via_reservation"`
}

// LoanRenewedEvent is journaled when a loan is renewed.
type LoanRenewedEvent struct {
	LoanID       uuid.UUID `json:"loan_id"`
	DueDate      time.Time `json:"due_date"`
	RenewalsMade uint      `json:"renewals_made"`
}

// LoanReturnedEvent is journaled when a loan is closed.
type LoanReturnedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	UserID     uuid.UUID `json:"user_id"`
	ReturnDate time.Time `json:"return_date"`
}

// QueueEntryEvent is journaled for join, leave, fulfillment and expiry.
type QueueEntryEvent struct {
	EntryID uuid.UUID   `json:"entry_id"`
	UserID  uuid.UUID   `json:"user_id"`
	Status  QueueStatus `json:"status"`
}

// ReservationCreatedEvent is journaled when an entry is promoted.
type ReservationCreatedEvent struct {
	EntryID   uuid.UUID `json:"entry_id"`
	UserID    uuid.UUID `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	TriggerID uuid.UUID `json:"trigger_id"`
}

// CopyReleasedEvent is journaled when a freed copy goes back to the pool.
type CopyReleasedEvent struct {
	TriggerID       uuid.UUID `json:"trigger_id"`
	AvailableCopies uint      `json:"available_copies"`
}

// FineEvent is journaled when a fine is assessed or settled.
type FineEvent struct {
	FineID uuid.UUID       `json:"fine_id"`
	LoanID uuid.UUID       `json:"loan_id"`
	Amount decimal.Decimal `json:"amount"`
	Status FineStatus      `json:"status"`
}

// Notification types sent to the notification collaborator.
const (
	NotifyReservationReady = "reservation_ready"
	NotifyFine             = "fine_notice"
	NotifyDueDateReminder  = "due_date_reminder"
)

// Notification is a best-effort message for one user.
type Notification struct {
	Type    string         `json:"type"`
	UserID  uuid.UUID      `json:"user_id"`
	Context map[string]any `json:"context"`
}
