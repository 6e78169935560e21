package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/mini-nac/internal/config"
	"github.com/tendant/mini-nac/internal/http/features/disconnect"
	"github.com/tendant/mini-nac/internal/http/features/guests"
	"github.com/tendant/mini-nac/internal/http/features/ops"
	"github.com/tendant/mini-nac/internal/http/middleware"
	"github.com/tendant/mini-nac/internal/httputil"
	"github.com/tendant/mini-nac/pkg/auth"
	"github.com/tendant/mini-nac/pkg/wifiqr"
)

// Manager is everything the routes need from the session manager.
type Manager interface {
	guests.Service
	disconnect.Sender
	ops.Service
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger          *slog.Logger
	Manager         Manager
	Tokens          *auth.AdminTokens
	WiFi            *wifiqr.Network // nil disables the QR endpoint
	RateLimitConfig config.RateLimitConfig
	SecurityHeaders config.SecurityHeadersConfig
	MaxBodyBytes    int64
	TrustProxies    bool
}

// NewRouter creates a new HTTP router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()

	// Apply global middleware
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders(cfg.SecurityHeaders))
	r.Use(middleware.RequestSizeLimit(cfg.MaxBodyBytes))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	rateLimiters := middleware.CreateRateLimiters(cfg.RateLimitConfig, cfg.Logger)

	guestHandler := guests.NewHandler(cfg.Manager, cfg.WiFi, cfg.TrustProxies, cfg.Logger)
	disconnectHandler := disconnect.NewHandler(cfg.Manager, cfg.Logger)
	opsHandler := ops.NewHandler(cfg.Manager, cfg.Logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.Tokens))

		r.With(rateLimiters[middleware.LimitCreate]).Post("/guests", guestHandler.Create)
		r.Get("/guests", guestHandler.List)
		r.Get("/guests/{uid}", guestHandler.Get)
		r.Delete("/guests/{uid}", guestHandler.Delete)
		r.Get("/guests/{uid}/status", guestHandler.Status)
		r.Get("/guests/{uid}/qr", guestHandler.QR)

		r.With(rateLimiters[middleware.LimitDisconnect]).Post("/disconnect", disconnectHandler.Disconnect)

		r.Get("/accounting/active", opsHandler.ActiveAccounting)
		r.Get("/revocations", opsHandler.Revocations)
	})

	return r
}
