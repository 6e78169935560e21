package disconnect

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tendant/mini-nac/internal/httputil"
	"github.com/tendant/mini-nac/pkg/guest"
)

// Sender sends disconnect signals to access points.
type Sender interface {
	Disconnect(ctx context.Context, req guest.DisconnectRequest) error
}

// Handler handles the disconnect endpoint.
type Handler struct {
	sender Sender
	logger *slog.Logger
}

// NewHandler creates a new disconnect handler.
func NewHandler(sender Sender, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sender: sender, logger: logger}
}

// Request represents a disconnect request.
type Request struct {
	Username    string `json:"username"`
	AccessPoint string `json:"access_point"`
	Secret      string `json:"secret"`
}

// Disconnect asks an access point to drop a client.
// POST /v1/disconnect
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadBody(w, err)
		return
	}

	err := h.sender.Disconnect(r.Context(), guest.DisconnectRequest{
		Username:    req.Username,
		AccessPoint: req.AccessPoint,
		Secret:      req.Secret,
	})
	if err != nil {
		if httputil.StatusFor(err) >= http.StatusInternalServerError {
			h.logger.Error("disconnect failed", "username", req.Username, "access_point", req.AccessPoint, "error", err)
		}
		httputil.DomainError(w, err, "failed to disconnect client")
		return
	}

	httputil.JSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}
