// internal/store/postgres/tx.go
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/libranexus/circulation/internal/catalog"
	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/store"
)

const (
	loanColumns  = `id, title_id, user_id, loan_date, due_date, return_date, is_returned, renewals_made`
	entryColumns = `id, seq, title_id, user_id, status, created_at, expires_at`
	fineColumns  = `id, loan_id, user_id, amount, status, created_at, updated_at`
)

// tx implements circulation.Tx on one database transaction.
type tx struct {
	tx *sqlx.Tx
}

func (t *tx) SaveTitle(ctx context.Context, title *catalog.Title) error {
	return t.exec(ctx, "update title", `
		UPDATE titles
		SET total_copies = $2, available_copies = $3, updated_at = $4
		WHERE id = $1
	`, title.ID, title.TotalCopies, title.AvailableCopies, title.UpdatedAt)
}

func (t *tx) InsertLoan(ctx context.Context, loan *circulation.Loan) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (:id, :title_id, :user_id, :loan_date, :due_date, :return_date, :is_returned, :renewals_made)
	`, loan)
	if err != nil {
		return fmt.Errorf("insert loan: %w", duplicate(err))
	}
	return nil
}

func (t *tx) LockLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	var loan circulation.Loan
	err := t.tx.GetContext(ctx, &loan, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &loan, nil
}

func (t *tx) UpdateLoan(ctx context.Context, loan *circulation.Loan) error {
	return t.exec(ctx, "update loan", `
		UPDATE loans
		SET due_date = $2, return_date = $3, is_returned = $4, renewals_made = $5
		WHERE id = $1
	`, loan.ID, loan.DueDate, loan.ReturnDate, loan.IsReturned, loan.RenewalsMade)
}

func (t *tx) HasOpenLoan(ctx context.Context, titleID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM loans WHERE title_id = $1 AND user_id = $2 AND NOT is_returned
		)
	`, titleID, userID)
	if err != nil {
		return false, fmt.Errorf("query open loan: %w", err)
	}
	return exists, nil
}

func (t *tx) FindQueueEntry(ctx context.Context, titleID, userID uuid.UUID) (*circulation.QueueEntry, error) {
	var entry circulation.QueueEntry
	err := t.tx.GetContext(ctx, &entry, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE title_id = $1 AND user_id = $2
		FOR UPDATE
	`, titleID, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (t *tx) LockQueueEntry(ctx context.Context, id uuid.UUID) (*circulation.QueueEntry, error) {
	var entry circulation.QueueEntry
	err := t.tx.GetContext(ctx, &entry, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (t *tx) NextActiveEntry(ctx context.Context, titleID uuid.UUID) (*circulation.QueueEntry, error) {
	var entry circulation.QueueEntry
	err := t.tx.GetContext(ctx, &entry, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE title_id = $1 AND status = 'ACTIVE'
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
		FOR UPDATE
	`, titleID)
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (t *tx) HasActiveEntries(ctx context.Context, titleID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM queue_entries WHERE title_id = $1 AND status = 'ACTIVE')
	`, titleID)
	if err != nil {
		return false, fmt.Errorf("query active entries: %w", err)
	}
	return exists, nil
}

func (t *tx) InsertQueueEntry(ctx context.Context, entry *circulation.QueueEntry) error {
	err := t.tx.QueryRowxContext(ctx, `
		INSERT INTO queue_entries (id, title_id, user_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`, entry.ID, entry.TitleID, entry.UserID, entry.Status, entry.CreatedAt, entry.ExpiresAt).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("insert queue entry: %w", duplicate(err))
	}
	return nil
}

func (t *tx) UpdateQueueEntry(ctx context.Context, entry *circulation.QueueEntry) error {
	return t.exec(ctx, "update queue entry", `
		UPDATE queue_entries SET status = $2, expires_at = $3 WHERE id = $1
	`, entry.ID, entry.Status, entry.ExpiresAt)
}

func (t *tx) GetOrCreateFine(ctx context.Context, fine *circulation.Fine) (*circulation.Fine, bool, error) {
	var stored circulation.Fine
	rows, err := sqlx.NamedQueryContext(ctx, t.tx, `
		INSERT INTO fines (`+fineColumns+`)
		VALUES (:id, :loan_id, :user_id, :amount, :status, :created_at, :updated_at)
		ON CONFLICT (loan_id) DO NOTHING
		RETURNING `+fineColumns, fine)
	if err != nil {
		return nil, false, fmt.Errorf("insert fine: %w", err)
	}
	created := rows.Next()
	if created {
		err = rows.StructScan(&stored)
	} else {
		err = rows.Err()
	}
	rows.Close()
	if err != nil {
		return nil, false, fmt.Errorf("scan fine: %w", err)
	}
	if created {
		return &stored, true, nil
	}

	err = t.tx.GetContext(ctx, &stored, `SELECT `+fineColumns+` FROM fines WHERE loan_id = $1 FOR UPDATE`, fine.LoanID)
	if err != nil {
		return nil, false, fmt.Errorf("select fine: %w", notFound(err))
	}
	return &stored, false, nil
}

func (t *tx) LockFine(ctx context.Context, id uuid.UUID) (*circulation.Fine, error) {
	var fine circulation.Fine
	err := t.tx.GetContext(ctx, &fine, `SELECT `+fineColumns+` FROM fines WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &fine, nil
}

func (t *tx) UpdateFine(ctx context.Context, fine *circulation.Fine) error {
	return t.exec(ctx, "update fine", `
		UPDATE fines SET amount = $2, status = $3, updated_at = $4 WHERE id = $1
	`, fine.ID, fine.Amount, fine.Status, fine.UpdatedAt)
}

func (t *tx) TriggerHandled(ctx context.Context, triggerID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM promotion_triggers WHERE trigger_id = $1)
	`, triggerID)
	if err != nil {
		return false, fmt.Errorf("query promotion trigger: %w", err)
	}
	return exists, nil
}

func (t *tx) RecordTrigger(ctx context.Context, trigger circulation.PromotionTrigger) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO promotion_triggers (trigger_id, title_id, outcome, created_at)
		VALUES (:trigger_id, :title_id, :outcome, :created_at)
	`, trigger)
	if err != nil {
		return fmt.Errorf("insert promotion trigger: %w", duplicate(err))
	}
	return nil
}

func (t *tx) AppendEvent(ctx context.Context, event circulation.Event) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.AggregateID, event.AggregateType, event.EventType, []byte(event.EventData), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// exec runs a single-row write and reports store.ErrNotFound when no row
// matched.
func (t *tx) exec(ctx context.Context, what, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
