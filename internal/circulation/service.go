// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/membership"
)

// Service defines the interface for the circulation service.
type Service interface {
	Borrow(ctx context.Context, who membership.Identity, titleID uuid.UUID) (*Loan, error)
	Return(ctx context.Context, who membership.Identity, loanID uuid.UUID) (*Loan, error)
	Renew(ctx context.Context, who membership.Identity, loanID uuid.UUID) (*Loan, error)
	ListLoans(ctx context.Context, who membership.Identity) ([]Loan, error)

	JoinQueue(ctx context.Context, who membership.Identity, titleID uuid.UUID) (*QueueEntry, error)
	LeaveQueue(ctx context.Context, who membership.Identity, entryID uuid.UUID) error
	ListQueue(ctx context.Context, who membership.Identity) ([]QueuePosition, error)

	Promote(ctx context.Context, titleID, triggerID uuid.UUID) (*PromotionResult, error)
	RunExpirySweep(ctx context.Context) (int, error)

	RunFineAccrual(ctx context.Context) (FineAccrualResult, error)
	MarkFinePaid(ctx context.Context, who membership.Identity, fineID uuid.UUID) (*Fine, error)
	MarkFineWaived(ctx context.Context, who membership.Identity, fineID uuid.UUID) (*Fine, error)
	ListFines(ctx context.Context, who membership.Identity, status FineStatus) ([]Fine, error)
	GetFine(ctx context.Context, who membership.Identity, fineID uuid.UUID) (*Fine, error)
	SendDueDateReminders(ctx context.Context) (int, error)

	TitleHistory(ctx context.Context, titleID uuid.UUID) ([]Event, error)
}
