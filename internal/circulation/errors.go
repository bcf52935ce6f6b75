// internal/circulation/errors.go
package circulation

// Kind classifies a rejected operation.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindPermission
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is a structured rejection surfaced to callers. Code identifies the
// precondition that failed; Reason is the user-facing message.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

// Is matches sentinels by code, or by kind when the target has no code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Code == e.Code
}

// withReason returns a copy of e carrying a more specific message.
func (e *Error) withReason(reason string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Reason: reason}
}

var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrPermission = &Error{Kind: KindPermission}
	ErrNotFound   = &Error{Kind: KindNotFound}
)

var (
	ErrTitleNotFound = &Error{KindNotFound, "title_not_found", "Title not found."}
	ErrLoanNotFound  = &Error{KindNotFound, "loan_not_found", "Loan not found."}
	ErrEntryNotFound = &Error{KindNotFound, "queue_entry_not_found", "Queue entry not found."}
	ErrFineNotFound  = &Error{KindNotFound, "fine_not_found", "Fine not found."}

	ErrNotAvailable    = &Error{KindValidation, "not_available", "This title is not currently available. Please join the queue."}
	ErrAlreadyReturned = &Error{KindValidation, "already_returned", "This book has already been returned."}
	ErrRenewReturned   = &Error{KindValidation, "renew_returned", "Cannot renew a loan that has already been returned."}
	ErrRenewalLimit    = &Error{KindValidation, "renewal_limit", "You have reached the maximum number of renewals for this loan."}
	ErrQueueWaiting    = &Error{KindValidation, "queue_waiting", "Cannot renew this loan as other members are waiting in the queue."}
	ErrAlreadyQueued   = &Error{KindValidation, "already_queued", "You are already in the active queue for this title."}
	ErrAlreadyReserved = &Error{KindValidation, "already_reserved", "This title is already reserved for you. Please borrow it directly."}
	ErrCannotRejoin    = &Error{KindValidation, "cannot_rejoin", "You have a previous queue entry for this title and cannot rejoin at this time."}
	ErrTitleAvailable  = &Error{KindValidation, "title_available", "This title is currently available and cannot be queued for."}
	ErrAlreadyOnLoan   = &Error{KindValidation, "already_on_loan", "You cannot join the queue for a title you currently have on loan."}
	ErrEntryClosed     = &Error{KindValidation, "queue_entry_closed", "This queue entry is no longer active."}
	ErrBadFineStatus   = &Error{KindValidation, "bad_fine_status", "Fine status must be PENDING, PAID or WAIVED."}

	ErrNotLoanOwner  = &Error{KindPermission, "not_loan_owner", "You do not have permission to act on this loan."}
	ErrNotEntryOwner = &Error{KindPermission, "not_entry_owner", "You do not have permission to act on this queue entry."}
	ErrStaffOnly     = &Error{KindPermission, "staff_only", "Only librarians and admins may do this."}
)
