package circulation_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libranexus/circulation/internal/circulation"
	"github.com/libranexus/circulation/internal/membership"
)

type api struct {
	*fixture
	router http.Handler
	tokens *membership.Tokens
}

func newAPI(t *testing.T) *api {
	t.Helper()
	f := newFixture(t)
	tokens := membership.NewTokens("test-secret-of-sufficient-length", time.Hour)

	r := chi.NewRouter()
	r.Use(membership.Authenticate(tokens))
	circulation.NewHandler(f.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes(r)
	return &api{fixture: f, router: r, tokens: tokens}
}

func (a *api) do(t *testing.T, who membership.Identity, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := a.tokens.Issue(who)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(rec.Body.Bytes(), dst))
}

func TestHandleBorrowAndReturn(t *testing.T) {
	a := newAPI(t)
	title := a.title(t, 1)
	who := newMember()

	rec := a.do(t, who, http.MethodPost, "/loans", `{"title_id":"`+title.ID.String()+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var loan circulation.Loan
	decodeBody(t, rec, &loan)
	assert.Equal(t, title.ID, loan.TitleID)

	rec = a.do(t, who, http.MethodPost, "/loans/"+loan.ID.String()+"/return", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &loan)
	assert.True(t, loan.IsReturned)
}

func TestHandleErrorMapping(t *testing.T) {
	a := newAPI(t)
	title, loan, _ := a.exhausted(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"not available", http.MethodPost, "/loans", `{"title_id":"` + title.ID.String() + `"}`, http.StatusBadRequest, "not_available"},
		{"not owner", http.MethodPost, "/loans/" + loan.ID.String() + "/renew", "", http.StatusForbidden, "not_loan_owner"},
		{"unknown loan", http.MethodPost, "/loans/6f1c1a36-1b0e-4a36-8d0e-5c4f7b0b9a11/return", "", http.StatusNotFound, "loan_not_found"},
		{"bad id", http.MethodPost, "/loans/not-a-uuid/return", "", http.StatusBadRequest, "invalid_id"},
		{"bad body", http.MethodPost, "/loans", `{"title_id":"nope"}`, http.StatusBadRequest, "invalid_body"},
		{"staff only", http.MethodPost, "/admin/sweep", "", http.StatusForbidden, ""},
		{"history is staff only", http.MethodGet, "/titles/" + title.ID.String() + "/history", "", http.StatusForbidden, ""},
		{"fines are staff only", http.MethodGet, "/fines", "", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, newMember(), tt.method, tt.path, tt.body)

			require.Equal(t, tt.status, rec.Code)
			if tt.code == "" {
				return
			}
			var p struct {
				Code   string `json:"code"`
				Detail string `json:"detail"`
			}
			decodeBody(t, rec, &p)
			assert.Equal(t, tt.code, p.Code)
			assert.NotEmpty(t, p.Detail)
		})
	}
}

func TestHandleQueueLifecycle(t *testing.T) {
	a := newAPI(t)
	title, _, _ := a.exhausted(t)
	who := newMember()

	rec := a.do(t, who, http.MethodPost, "/titles/"+title.ID.String()+"/queue", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var entry circulation.QueueEntry
	decodeBody(t, rec, &entry)

	rec = a.do(t, who, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []circulation.QueuePosition
	decodeBody(t, rec, &positions)
	require.Len(t, positions, 1)
	assert.Equal(t, 1, positions[0].Position)

	rec = a.do(t, who, http.MethodDelete, "/queue/"+entry.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = a.do(t, who, http.MethodGet, "/titles/"+title.ID.String()+"/history", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(t, newLibrarian(), http.MethodGet, "/titles/"+title.ID.String()+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []circulation.Event
	decodeBody(t, rec, &history)
	assert.Equal(t, circulation.EventQueueLeft, history[len(history)-1].EventType)
}

func TestHandleAdminJobs(t *testing.T) {
	a := newAPI(t)
	title, _, _ := a.exhausted(t)
	a.join(t, newMember(), title.ID)
	staff := newLibrarian()

	rec := a.do(t, staff, http.MethodPost, "/admin/promote",
		`{"title_id":"`+title.ID.String()+`","trigger_id":"0b7d4a52-8c61-4f0e-9a8e-2d3b6c1f5e47"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result circulation.PromotionResult
	decodeBody(t, rec, &result)
	assert.Equal(t, circulation.OutcomeReserved, result.Outcome)

	a.clock.Advance(25 * time.Hour)
	rec = a.do(t, staff, http.MethodPost, "/admin/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":1}`, rec.Body.String())

	rec = a.do(t, staff, http.MethodPost, "/admin/fines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fines circulation.FineAccrualResult
	decodeBody(t, rec, &fines)
	assert.Zero(t, fines.Processed)

	rec = a.do(t, staff, http.MethodPost, "/admin/reminders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0}`, rec.Body.String())
}

func TestHandleFines(t *testing.T) {
	a := newAPI(t)
	loan := a.overdue(t, 2)
	_, err := a.service.RunFineAccrual(a.ctx)
	require.NoError(t, err)
	staff := newLibrarian()

	rec := a.do(t, staff, http.MethodGet, "/fines?status=PENDING", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fines []circulation.Fine
	decodeBody(t, rec, &fines)
	require.Len(t, fines, 1)
	assert.Equal(t, loan.ID, fines[0].LoanID)

	rec = a.do(t, staff, http.MethodPost, "/fines/"+fines[0].ID.String()+"/waived", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, staff, http.MethodGet, "/fines/"+fines[0].ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fine circulation.Fine
	decodeBody(t, rec, &fine)
	assert.Equal(t, circulation.FineWaived, fine.Status)

	rec = a.do(t, staff, http.MethodGet, "/fines?status=PENDING", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []circulation.Fine
	decodeBody(t, rec, &pending)
	assert.Empty(t, pending)

	rec = a.do(t, staff, http.MethodGet, "/fines?status=LATE", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, newMember(), http.MethodGet, "/fines/"+fines[0].ID.String(), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleRequiresToken(t *testing.T) {
	a := newAPI(t)
	rec := httptest.NewRecorder()

	a.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/loans", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
