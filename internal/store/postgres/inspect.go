// internal/store/postgres/inspect.go
package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/libranexus/circulation/internal/circulation"
)

// InconsistentTitles counts titles whose available copies exceed the total.
func (s *Store) InconsistentTitles(ctx context.Context) (int, error) {
	ds := s.dialect.From("titles").Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C("available_copies").Gt(goqu.C("total_copies")))
	return s.count(ctx, "inconsistent titles", ds)
}

// Reservations counts the RESERVED entries of a title.
func (s *Store) Reservations(ctx context.Context, titleID uuid.UUID) (int, error) {
	ds := s.dialect.From("queue_entries").Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C("title_id").Eq(titleID.String()), goqu.C("status").Eq(string(circulation.StatusReserved)))
	return s.count(ctx, "reservations", ds)
}

// OverAllocatedTitles counts titles whose pool, holds and open loans add up
// to more copies than they own.
func (s *Store) OverAllocatedTitles(ctx context.Context) (int, error) {
	held := s.dialect.From(goqu.T("queue_entries").As("q")).Select(goqu.COUNT(goqu.Star())).
		Where(goqu.I("q.title_id").Eq(goqu.I("t.id")), goqu.I("q.status").Eq(string(circulation.StatusReserved)))
	lent := s.dialect.From(goqu.T("loans").As("l")).Select(goqu.COUNT(goqu.Star())).
		Where(goqu.I("l.title_id").Eq(goqu.I("t.id")), goqu.I("l.is_returned").IsFalse())
	ds := s.dialect.From(goqu.T("titles").As("t")).Select(goqu.COUNT(goqu.Star())).
		Where(goqu.L("t.available_copies + ? + ? > t.total_copies", held, lent))
	return s.count(ctx, "over-allocated titles", ds)
}

func (s *Store) count(ctx context.Context, name string, ds *goqu.SelectDataset) (int, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build %s query: %w", name, err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", name, err)
	}
	return n, nil
}
