// internal/catalog/handler.go
package catalog

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/libranexus/circulation/internal/membership"
	"github.com/libranexus/circulation/internal/store"
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

// Routes mounts the catalog endpoints. Writes are staff only.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/titles/{titleID}", h.HandleGetTitle)
	r.With(membership.RequireStaff).Post("/titles", h.HandleAddTitle)
	r.With(membership.RequireStaff).Patch("/titles/{titleID}", h.HandleUpdateCopies)
}

type addTitleRequest struct {
	ISBN        string `json:"isbn" validate:"required,max=20"`
	Name        string `json:"name" validate:"required,max=255"`
	Author      string `json:"author" validate:"max=255"`
	TotalCopies uint   `json:"total_copies" validate:"required,gte=1"`
}

type updateCopiesRequest struct {
	TotalCopies uint `json:"total_copies" validate:"required,gte=1"`
}

func (h *Handler) HandleAddTitle(w http.ResponseWriter, r *http.Request) {
	var req addTitleRequest
	if !h.decode(w, r, &req) {
		return
	}

	title, err := h.service.AddTitle(r.Context(), req.ISBN, req.Name, req.Author, req.TotalCopies)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, title)
}

func (h *Handler) HandleGetTitle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "titleID"))
	if err != nil {
		http.Error(w, "invalid title ID", http.StatusBadRequest)
		return
	}

	title, err := h.service.GetTitle(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, title)
}

func (h *Handler) HandleUpdateCopies(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "titleID"))
	if err != nil {
		http.Error(w, "invalid title ID", http.StatusBadRequest)
		return
	}
	var req updateCopiesRequest
	if !h.decode(w, r, &req) {
		return
	}

	title, err := h.service.SetTotalCopies(r.Context(), id, req.TotalCopies)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, title)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := codec.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "title not found", http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicate):
		http.Error(w, "a title with this ISBN already exists", http.StatusConflict)
	case errors.Is(err, ErrInvalidTitle), errors.Is(err, ErrNoCopies):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.ErrorContext(r.Context(), "catalog request failed", "path", r.URL.Path, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	codec.NewEncoder(w).Encode(v)
}
