// internal/circulation/handler.go
package circulation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/libranexus/circulation/internal/membership"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler struct {
	service  Service
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Routes mounts the circulation endpoints. Callers must be authenticated.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/loans", h.HandleListLoans)
	r.Post("/loans", h.HandleBorrow)
	r.Post("/loans/{loanID}/return", h.HandleReturn)
	r.Post("/loans/{loanID}/renew", h.HandleRenew)

	r.Get("/queue", h.HandleListQueue)
	r.Post("/titles/{titleID}/queue", h.HandleJoinQueue)
	r.Delete("/queue/{entryID}", h.HandleLeaveQueue)

	r.Post("/fines/{fineID}/paid", h.HandleMarkFinePaid)
	r.Post("/fines/{fineID}/waived", h.HandleMarkFineWaived)

	r.Group(func(r chi.Router) {
		r.Use(membership.RequireStaff)
		// The journal names every borrower of the title.
		r.Get("/titles/{titleID}/history", h.HandleTitleHistory)
		r.Get("/fines", h.HandleListFines)
		r.Get("/fines/{fineID}", h.HandleGetFine)
		r.Post("/admin/sweep", h.HandleRunSweep)
		r.Post("/admin/fines", h.HandleRunFines)
		r.Post("/admin/reminders", h.HandleRunReminders)
		r.Post("/admin/promote", h.HandlePromote)
	})
}

type borrowRequest struct {
	TitleID string `json:"title_id" validate:"required,uuid"`
}

type promoteRequest struct {
	TitleID   string `json:"title_id" validate:"required,uuid"`
	TriggerID string `json:"trigger_id" validate:"required,uuid"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req borrowRequest
	if !h.decode(w, r, &req) {
		return
	}

	loan, err := h.service.Borrow(r.Context(), who, uuid.MustParse(req.TitleID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	h.loanAction(w, r, h.service.Return)
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	h.loanAction(w, r, h.service.Renew)
}

func (h *Handler) loanAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, who membership.Identity, id uuid.UUID) (*Loan, error),
) {
	who, ok := h.identity(w, r)
	if !ok {
		return
	}
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}

	loan, err := action(r.Context(), who, loanID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identity(w, r)
	if !ok {
		return
	}
	loans, err := h.service.ListLoans(r.Context(), who)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (h *Handler) HandleJoinQueue(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identity(w, r)
	if !ok {
		return
	}
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}

	entry, err := h.service.JoinQueue(r.Context(), who, titleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) HandleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identity(w, r)
	if !ok {
		return
	}
	entryID, ok := pathID(w, r, "entryID")
	if !ok {
		return
	}

	if err := h.service.LeaveQueue(r.Context(), who, entryID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleListQueue(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identity(w, r)
	if !ok {
		return
	}
	positions, err := h.service.ListQueue(r.Context(), who)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handler) HandleTitleHistory(w http.ResponseWriter, r *http.Request) {
	titleID, ok := pathID(w, r, "titleID")
	if !ok {
		return
	}
	events, err := h.service.TitleHistory(r.Context(), titleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleListFines(w http.ResponseWriter, r *http.Request) {
	who, ok := h.identity(w, r)
	if !ok {
		return
	}
	status := FineStatus(r.URL.Query().Get("status"))
	fines, err := h.service.ListFines(r.Context(), who, status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fines)
}

func (h *Handler) HandleGetFine(w http.ResponseWriter, r *http.Request) {
	h.fineAction(w, r, h.service.GetFine)
}

func (h *Handler) HandleMarkFinePaid(w http.ResponseWriter, r *http.Request) {
	h.fineAction(w, r, h.service.MarkFinePaid)
}

func (h *Handler) HandleMarkFineWaived(w http.ResponseWriter, r *http.Request) {
	h.fineAction(w, r, h.service.MarkFineWaived)
}

func (h *Handler) fineAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, who membership.Identity, id uuid.UUID) (*Fine, error),
) {
	who, ok := h.identity(w, r)
	if !ok {
		return
	}
	fineID, ok := pathID(w, r, "fineID")
	if !ok {
		return
	}

	fine, err := action(r.Context(), who, fineID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fine)
}

func (h *Handler) HandleRunSweep(w http.ResponseWriter, r *http.Request) {
	expired, err := h.service.RunExpirySweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: expired})
}

func (h *Handler) HandleRunFines(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunFineAccrual(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleRunReminders(w http.ResponseWriter, r *http.Request) {
	sent, err := h.service.SendDueDateReminders(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: sent})
}

func (h *Handler) HandlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.Promote(r.Context(), uuid.MustParse(req.TitleID), uuid.MustParse(req.TriggerID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (membership.Identity, bool) {
	who, ok := membership.FromContext(r.Context())
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "unauthenticated", "Authentication credentials were not provided.")
	}
	return who, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := codec.NewDecoder(r.Body).Decode(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_id", "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

type problem struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// writeError maps rejections to their HTTP status. Anything else is an
// internal failure and its message is not exposed.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rejection *Error
	if !errors.As(err, &rejection) {
		h.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeProblem(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	status := http.StatusBadRequest
	switch rejection.Kind {
	case KindPermission:
		status = http.StatusForbidden
	case KindNotFound:
		status = http.StatusNotFound
	}
	writeProblem(w, status, rejection.Code, rejection.Reason)
}

func writeProblem(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, problem{Code: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	codec.NewEncoder(w).Encode(v)
}
