// internal/kpi/handler.go
package kpi

import (
	"context"
	"log/slog"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

// Source produces the dashboard.
type Source interface {
	Dashboard(ctx context.Context) (*Dashboard, error)
}

type Handler struct {
	source Source
	logger *slog.Logger
}

func NewHandler(source Source, logger *slog.Logger) *Handler {
	return &Handler{source: source, logger: logger}
}

func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	dashboard, err := h.source.Dashboard(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to build dashboard", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(dashboard)
}
