package guests

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/mini-nac/internal/http/middleware"
	"github.com/tendant/mini-nac/internal/httputil"
	"github.com/tendant/mini-nac/pkg/domain"
	"github.com/tendant/mini-nac/pkg/guest"
	"github.com/tendant/mini-nac/pkg/wifiqr"
)

// Service is the part of guest.Manager the handler needs.
type Service interface {
	CreateSession(ctx context.Context, req guest.CreateRequest) (*domain.GuestSession, error)
	GetSession(ctx context.Context, uid string) (*domain.GuestSession, error)
	ListSessions(ctx context.Context) ([]*domain.GuestSession, error)
	DeleteSession(ctx context.Context, uid string) error
	ComputeStatus(ctx context.Context, uid string) (domain.SessionStatus, error)
}

// Handler handles guest session endpoints.
type Handler struct {
	service      Service
	wifi         *wifiqr.Network
	trustProxies bool
	logger       *slog.Logger
}

// NewHandler creates a new guest handler. wifi may be nil, in which case the
// QR endpoint reports 501.
func NewHandler(service Service, wifi *wifiqr.Network, trustProxies bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:      service,
		wifi:         wifi,
		trustProxies: trustProxies,
		logger:       logger,
	}
}

// CreateRequest represents a guest creation request.
type CreateRequest struct {
	Username              string     `json:"username"`
	Password              string     `json:"password"`
	SessionTimeoutMinutes int        `json:"session_timeout_minutes"`
	ExpiresAt             *time.Time `json:"expires_at"`
	MaxDownloadBps        *int64     `json:"max_download_bps"`
	MaxUploadBps          *int64     `json:"max_upload_bps"`
	ClientAddress         string     `json:"client_address"`
}

// Create provisions a guest session.
// POST /v1/guests
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadBody(w, err)
		return
	}

	address := req.ClientAddress
	if address == "" {
		address = httputil.ClientIP(r, h.trustProxies)
	}

	in := guest.CreateRequest{
		Username:              req.Username,
		Password:              req.Password,
		SessionTimeoutMinutes: req.SessionTimeoutMinutes,
		ExpiresAt:             req.ExpiresAt,
		ClientAddress:         address,
		MaxDownloadBps:        req.MaxDownloadBps,
		MaxUploadBps:          req.MaxUploadBps,
	}
	if adminID, ok := middleware.GetAdminID(r.Context()); ok {
		in.CreatedBy = adminID
	}

	session, err := h.service.CreateSession(r.Context(), in)
	if err != nil {
		h.fail(w, "create guest session failed", err, "failed to create guest session", "username", req.Username)
		return
	}

	httputil.JSON(w, http.StatusCreated, session)
}

// List returns every guest session.
// GET /v1/guests
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.ListSessions(r.Context())
	if err != nil {
		h.fail(w, "list guest sessions failed", err, "failed to list guest sessions")
		return
	}
	httputil.JSON(w, http.StatusOK, sessions)
}

// Get returns one guest session.
// GET /v1/guests/{uid}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	session, err := h.service.GetSession(r.Context(), uid)
	if err != nil {
		h.fail(w, "get guest session failed", err, "failed to get guest session", "uid", uid)
		return
	}
	httputil.JSON(w, http.StatusOK, session)
}

// Delete revokes a guest session.
// DELETE /v1/guests/{uid}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	if err := h.service.DeleteSession(r.Context(), uid); err != nil {
		h.fail(w, "delete guest session failed", err, "failed to revoke guest session", "uid", uid)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status reports whether a guest session currently grants access.
// GET /v1/guests/{uid}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	status, err := h.service.ComputeStatus(r.Context(), uid)
	if err != nil {
		h.fail(w, "guest status failed", err, "failed to compute status", "uid", uid)
		return
	}
	httputil.JSON(w, http.StatusOK, status)
}

// QR renders the Wi-Fi onboarding code for a live guest session.
// GET /v1/guests/{uid}/qr
func (h *Handler) QR(w http.ResponseWriter, r *http.Request) {
	if h.wifi == nil {
		httputil.Error(w, http.StatusNotImplemented, "wifi onboarding is not configured")
		return
	}

	uid := chi.URLParam(r, "uid")
	session, err := h.service.GetSession(r.Context(), uid)
	if err != nil {
		h.fail(w, "guest qr lookup failed", err, "failed to get guest session", "uid", uid)
		return
	}
	if session.State.IsTerminal() {
		httputil.Error(w, http.StatusConflict, "guest session has ended")
		return
	}

	payload, err := wifiqr.Payload(*h.wifi, session.Username, session.CredentialSecret)
	if err != nil {
		h.logger.Error("build wifi payload failed", "uid", uid, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to render qr code")
		return
	}
	img, err := wifiqr.PNG(payload, 0)
	if err != nil {
		h.logger.Error("render qr code failed", "uid", uid, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to render qr code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error, fallback string, attrs ...any) {
	if httputil.StatusFor(err) == http.StatusInternalServerError {
		h.logger.Error(msg, append(attrs, "error", err)...)
	}
	httputil.DomainError(w, err, fallback)
}
