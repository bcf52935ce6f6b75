package kpi

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqlOf(t *testing.T, ds *goqu.SelectDataset) string {
	t.Helper()
	q, err := build(ds)
	require.NoError(t, err)
	return q.sql
}

func TestCountQueries(t *testing.T) {
	s := New(nil)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	members := sqlOf(t, s.countMembers())
	assert.Contains(t, members, `COUNT(*)`)
	assert.Contains(t, members, `SELECT "user_id" FROM "loans" UNION (SELECT "user_id" FROM "queue_entries")`)
	assert.Contains(t, members, `AS "u"`)
	assert.NotContains(t, members, `"members"`)

	active := sqlOf(t, s.countActiveLoans())
	assert.Contains(t, active, `"is_returned" IS FALSE`)

	overdue, err := build(s.countOverdueLoans(now))
	require.NoError(t, err)
	assert.Contains(t, overdue.sql, `"is_returned" IS FALSE`)
	assert.Contains(t, overdue.sql, `"due_date" < $1`)
	assert.Equal(t, []any{now}, overdue.args)

	queued := sqlOf(t, s.countQueuedTitles())
	assert.Contains(t, queued, `COUNT(DISTINCT(`)
	assert.Contains(t, queued, `"status" = $1`)
}

func TestLoansPerDayCoversSevenDays(t *testing.T) {
	s := New(nil)
	now := time.Date(2026, 5, 4, 15, 30, 0, 0, time.UTC)

	q, err := build(s.loansPerDay(now))

	require.NoError(t, err)
	assert.Contains(t, q.sql, `DATE(loan_date) AS "day"`)
	assert.Contains(t, q.sql, `GROUP BY "day"`)
	assert.Contains(t, q.sql, `ORDER BY "day" ASC`)
	assert.Equal(t, []any{time.Date(2026, 4, 28, 0, 0, 0, 0, time.UTC)}, q.args)
}

func TestTopQueuedJoinsTitles(t *testing.T) {
	s := New(nil)

	q := sqlOf(t, s.topQueued())

	assert.Contains(t, q, `INNER JOIN "titles" AS "t"`)
	assert.Contains(t, q, `ORDER BY "waiting" DESC`)
	assert.Contains(t, q, `LIMIT`)
}

func TestLoanSummaryOrdering(t *testing.T) {
	s := New(nil)
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	overdue := sqlOf(t, s.mostOverdue(now))
	assert.Contains(t, overdue, `ORDER BY "l"."due_date" ASC`)

	returned := sqlOf(t, s.recentlyReturned())
	assert.Contains(t, returned, `"l"."is_returned" IS TRUE`)
	assert.Contains(t, returned, `ORDER BY "l"."return_date" DESC`)
}

type fakeSource struct {
	dashboard *Dashboard
	err       error
}

func (f fakeSource) Dashboard(context.Context) (*Dashboard, error) {
	return f.dashboard, f.err
}

func TestHandleDashboard(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("ok", func(t *testing.T) {
		h := NewHandler(fakeSource{dashboard: &Dashboard{ActiveLoans: 3}}, logger)
		rec := httptest.NewRecorder()

		h.HandleDashboard(rec, httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"active_loans":3`)
	})

	t.Run("failure", func(t *testing.T) {
		h := NewHandler(fakeSource{err: assert.AnError}, logger)
		rec := httptest.NewRecorder()

		h.HandleDashboard(rec, httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
