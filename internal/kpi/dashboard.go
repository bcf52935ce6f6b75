// internal/kpi/dashboard.go

// Package kpi builds the staff dashboard from read-only queries.
package kpi

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	historyDays = 7
	topN        = 5
)

// Dashboard is a snapshot of circulation activity.
type Dashboard struct {
	// TotalMembers counts members who ever borrowed or queued. Accounts
	// themselves live with the identity provider.
	TotalMembers     int           `json:"total_members"`
	ActiveLoans      int           `json:"active_loans"`
	OverdueLoans     int           `json:"overdue_loans"`
	TitlesWithQueues int           `json:"titles_with_queues"`
	LoansPerDay      []DailyCount  `json:"loans_per_day"`
	TopQueued        []QueuedTitle `json:"top_queued"`
	MostOverdue      []LoanSummary `json:"most_overdue"`
	RecentlyReturned []LoanSummary `json:"recently_returned"`
	GeneratedAt      time.Time     `json:"generated_at"`
}

type DailyCount struct {
	Day   time.Time `json:"day" db:"day"`
	Loans int       `json:"loans" db:"loans"`
}

type QueuedTitle struct {
	TitleID uuid.UUID `json:"title_id" db:"title_id"`
	Name    string    `json:"name" db:"name"`
	Waiting int       `json:"waiting" db:"waiting"`
}

type LoanSummary struct {
	LoanID     uuid.UUID  `json:"loan_id" db:"loan_id"`
	TitleName  string     `json:"title_name" db:"title_name"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty" db:"return_date"`
}

type Service struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
	now     func() time.Time
}

func New(db *sqlx.DB) *Service {
	return &Service{db: db, dialect: goqu.Dialect("postgres"), now: time.Now}
}

type query struct {
	sql  string
	args []any
}

func build(ds *goqu.SelectDataset) (query, error) {
	sql, args, err := ds.Prepared(true).ToSQL()
	return query{sql: sql, args: args}, err
}

func (s *Service) countMembers() *goqu.SelectDataset {
	users := s.dialect.From("loans").Select("user_id").
		Union(s.dialect.From("queue_entries").Select("user_id"))
	return s.dialect.From(users.As("u")).Select(goqu.COUNT(goqu.Star()))
}

func (s *Service) countActiveLoans() *goqu.SelectDataset {
	return s.dialect.From("loans").Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C("is_returned").IsFalse())
}

func (s *Service) countOverdueLoans(now time.Time) *goqu.SelectDataset {
	return s.countActiveLoans().Where(goqu.C("due_date").Lt(now))
}

func (s *Service) countQueuedTitles() *goqu.SelectDataset {
	return s.dialect.From("queue_entries").
		Select(goqu.COUNT(goqu.DISTINCT("title_id"))).
		Where(goqu.C("status").Eq("ACTIVE"))
}

func (s *Service) loansPerDay(now time.Time) *goqu.SelectDataset {
	since := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -(historyDays - 1))
	return s.dialect.From("loans").
		Select(goqu.L("DATE(loan_date)").As("day"), goqu.COUNT(goqu.Star()).As("loans")).
		Where(goqu.C("loan_date").Gte(since)).
		GroupBy(goqu.I("day")).
		Order(goqu.I("day").Asc())
}

func (s *Service) topQueued() *goqu.SelectDataset {
	return s.dialect.From(goqu.T("queue_entries").As("q")).
		Join(goqu.T("titles").As("t"), goqu.On(goqu.I("q.title_id").Eq(goqu.I("t.id")))).
		Select(goqu.I("t.id").As("title_id"), goqu.I("t.name").As("name"), goqu.COUNT("q.id").As("waiting")).
		Where(goqu.I("q.status").Eq("ACTIVE")).
		GroupBy(goqu.I("t.id"), goqu.I("t.name")).
		Order(goqu.I("waiting").Desc()).
		Limit(topN)
}

func (s *Service) loanSummaries() *goqu.SelectDataset {
	return s.dialect.From(goqu.T("loans").As("l")).
		Join(goqu.T("titles").As("t"), goqu.On(goqu.I("l.title_id").Eq(goqu.I("t.id")))).
		Select(
			goqu.I("l.id").As("loan_id"),
			goqu.I("t.name").As("title_name"),
			goqu.I("l.user_id").As("user_id"),
			goqu.I("l.due_date").As("due_date"),
			goqu.I("l.return_date").As("return_date"),
		).
		Limit(topN)
}

func (s *Service) mostOverdue(now time.Time) *goqu.SelectDataset {
	return s.loanSummaries().
		Where(goqu.I("l.is_returned").IsFalse(), goqu.I("l.due_date").Lt(now)).
		Order(goqu.I("l.due_date").Asc())
}

func (s *Service) recentlyReturned() *goqu.SelectDataset {
	return s.loanSummaries().
		Where(goqu.I("l.is_returned").IsTrue()).
		Order(goqu.I("l.return_date").Desc())
}

// Dashboard runs every KPI query against the database.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.now().UTC()
	d := &Dashboard{GeneratedAt: now}

	counts := []struct {
		name string
		ds   *goqu.SelectDataset
		dst  *int
	}{
		{"total members", s.countMembers(), &d.TotalMembers},
		{"active loans", s.countActiveLoans(), &d.ActiveLoans},
		{"overdue loans", s.countOverdueLoans(now), &d.OverdueLoans},
		{"queued titles", s.countQueuedTitles(), &d.TitlesWithQueues},
	}
	for _, c := range counts {
		q, err := build(c.ds)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s query: %w", c.name, err)
		}
		if err := s.db.GetContext(ctx, c.dst, q.sql, q.args...); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.name, err)
		}
	}

	lists := []struct {
		name string
		ds   *goqu.SelectDataset
		dst  any
	}{
		{"loans per day", s.loansPerDay(now), &d.LoansPerDay},
		{"top queued", s.topQueued(), &d.TopQueued},
		{"most overdue", s.mostOverdue(now), &d.MostOverdue},
		{"recently returned", s.recentlyReturned(), &d.RecentlyReturned},
	}
	for _, l := range lists {
		q, err := build(l.ds)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s query: %w", l.name, err)
		}
		if err := s.db.SelectContext(ctx, l.dst, q.sql, q.args...); err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", l.name, err)
		}
	}

	return d, nil
}
