package ops

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tendant/mini-nac/internal/httputil"
	"github.com/tendant/mini-nac/pkg/domain"
	"github.com/tendant/mini-nac/pkg/guest"
)

// Service exposes the operational views of the session manager.
type Service interface {
	OpenAccountingSessions(ctx context.Context) ([]domain.AccountingSession, error)
	Outstanding() []guest.Obligation
}

// Handler serves read-only operational endpoints.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// ActiveAccounting lists accounting sessions the AAA backend still has open.
// GET /v1/accounting/active
func (h *Handler) ActiveAccounting(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.OpenAccountingSessions(r.Context())
	if err != nil {
		if httputil.StatusFor(err) == http.StatusInternalServerError {
			h.logger.Error("list accounting sessions failed", "error", err)
		}
		httputil.DomainError(w, err, "failed to list accounting sessions")
		return
	}
	if sessions == nil {
		sessions = []domain.AccountingSession{}
	}
	httputil.JSON(w, http.StatusOK, sessions)
}

// Revocations lists the expiry and cleanup work the scheduler still holds.
// GET /v1/revocations
func (h *Handler) Revocations(w http.ResponseWriter, r *http.Request) {
	pending := h.service.Outstanding()
	if pending == nil {
		pending = []guest.Obligation{}
	}
	httputil.JSON(w, http.StatusOK, pending)
}
