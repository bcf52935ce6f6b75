// internal/store/postgres/queries.go
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/libranexus/circulation/internal/circulation"
)

var (
	loanFields = []any{
		"id", "title_id", "user_id", "loan_date", "due_date", "return_date", "is_returned", "renewals_made",
	}
	fineFields = []any{"id", "loan_id", "user_id", "amount", "status", "created_at", "updated_at"}
)

func (s *Store) GetLoan(ctx context.Context, id uuid.UUID) (*circulation.Loan, error) {
	var loan circulation.Loan
	if err := s.db.GetContext(ctx, &loan, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &loan, nil
}

func (s *Store) GetQueueEntry(ctx context.Context, id uuid.UUID) (*circulation.QueueEntry, error) {
	var entry circulation.QueueEntry
	if err := s.db.GetContext(ctx, &entry, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (s *Store) GetFine(ctx context.Context, id uuid.UUID) (*circulation.Fine, error) {
	var fine circulation.Fine
	if err := s.db.GetContext(ctx, &fine, `SELECT `+fineColumns+` FROM fines WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &fine, nil
}

// loansQuery builds the ListLoans query for filter.
func (s *Store) loansQuery(filter circulation.LoanFilter) (string, []any, error) {
	ds := s.dialect.From("loans").Select(loanFields...).Order(goqu.C("loan_date").Asc())
	if filter.UserID != nil {
		ds = ds.Where(goqu.C("user_id").Eq(filter.UserID.String()))
	}
	if filter.OpenOnly {
		ds = ds.Where(goqu.C("is_returned").IsFalse())
	}
	return ds.Prepared(true).ToSQL()
}

func (s *Store) ListLoans(ctx context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	query, args, err := s.loansQuery(filter)
	if err != nil {
		return nil, fmt.Errorf("build loans query: %w", err)
	}
	var loans []circulation.Loan
	if err := s.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("query loans: %w", err)
	}
	return loans, nil
}

func (s *Store) ListOverdueLoans(ctx context.Context, dueBefore time.Time) ([]circulation.Loan, error) {
	var loans []circulation.Loan
	err := s.db.SelectContext(ctx, &loans, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE NOT is_returned AND due_date < $1
		ORDER BY due_date ASC
	`, dueBefore)
	if err != nil {
		return nil, fmt.Errorf("query overdue loans: %w", err)
	}
	return loans, nil
}

func (s *Store) ListLoansDueBetween(ctx context.Context, from, to time.Time) ([]circulation.Loan, error) {
	var loans []circulation.Loan
	err := s.db.SelectContext(ctx, &loans, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE NOT is_returned AND due_date >= $1 AND due_date < $2
		ORDER BY due_date ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query loans due: %w", err)
	}
	return loans, nil
}

func (s *Store) ListUnpromotedReturns(ctx context.Context) ([]circulation.Loan, error) {
	var loans []circulation.Loan
	err := s.db.SelectContext(ctx, &loans, `
		SELECT `+loanColumns+`
		FROM loans
		WHERE is_returned
			AND NOT EXISTS (SELECT 1 FROM promotion_triggers p WHERE p.trigger_id = loans.id)
		ORDER BY return_date ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query unpromoted returns: %w", err)
	}
	return loans, nil
}

// finesQuery builds the ListFines query, newest first.
func (s *Store) finesQuery(status circulation.FineStatus) (string, []any, error) {
	ds := s.dialect.From("fines").Select(fineFields...).Order(goqu.C("created_at").Desc())
	if status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(status)))
	}
	return ds.Prepared(true).ToSQL()
}

func (s *Store) ListFines(ctx context.Context, status circulation.FineStatus) ([]circulation.Fine, error) {
	query, args, err := s.finesQuery(status)
	if err != nil {
		return nil, fmt.Errorf("build fines query: %w", err)
	}
	var fines []circulation.Fine
	if err := s.db.SelectContext(ctx, &fines, query, args...); err != nil {
		return nil, fmt.Errorf("query fines: %w", err)
	}
	return fines, nil
}

func (s *Store) ListQueueByUser(ctx context.Context, userID uuid.UUID) ([]circulation.QueuePosition, error) {
	var positions []circulation.QueuePosition
	err := s.db.SelectContext(ctx, &positions, `
		SELECT `+entryColumns+`, position
		FROM (
			SELECT `+entryColumns+`,
				ROW_NUMBER() OVER (PARTITION BY title_id ORDER BY created_at, seq) AS position
			FROM queue_entries
			WHERE status = 'ACTIVE'
		) ranked
		WHERE user_id = $1
		ORDER BY created_at, seq
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query queue positions: %w", err)
	}
	return positions, nil
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time) ([]circulation.QueueEntry, error) {
	var entries []circulation.QueueEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE status = 'RESERVED' AND expires_at < $1
		ORDER BY expires_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	return entries, nil
}

// LoadEvents returns the journal of one aggregate in append order.
func (s *Store) LoadEvents(ctx context.Context, aggregateID uuid.UUID) ([]circulation.Event, error) {
	ctx, span := s.tracer.Start(ctx, "store.LoadEvents", trace.WithAttributes(
		attribute.String("aggregate.id", aggregateID.String()),
	))
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, created_at
		FROM events
		WHERE aggregate_id = $1
		ORDER BY id ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []circulation.Event
	for rows.Next() {
		var (
			event circulation.Event
			data  []byte
		)
		err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&data,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EventData = data
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}
