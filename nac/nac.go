// Package nac provides a guest network admission controller: it creates
// time-boxed guest sessions, provisions their RADIUS credentials, opens the
// gateway firewall for the client address and withdraws both when the
// session expires or is revoked.
//
// Setup:
//
//  1. Create the schema with `mini-nac migrate` (or repository.EnsureSchema)
//  2. Create a NAC instance, reconcile, and mount its router
//
// Basic usage:
//
//	n, err := nac.New(nac.Config{
//	    Directory:      repository.NewGuestSessionsRepository(db),
//	    Credentials:    repository.NewRadiusRepository(radiusDB),
//	    Firewall:       firewall.NewGateway(firewall.NewIPTables(firewall.LocalRunner{}, "FORWARD", true), nil),
//	    AdminJWTSecret: "your-secret-key-at-least-32-chars",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Close()
//
//	if _, err := n.Reconcile(ctx); err != nil {
//	    log.Print(err)
//	}
//	http.ListenAndServe(":8080", n.Router())
package nac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/tendant/mini-nac/internal/config"
	httpserver "github.com/tendant/mini-nac/internal/http"
	"github.com/tendant/mini-nac/internal/http/middleware"
	"github.com/tendant/mini-nac/internal/httputil"
	"github.com/tendant/mini-nac/pkg/auth"
	"github.com/tendant/mini-nac/pkg/guest"
	"github.com/tendant/mini-nac/pkg/wifiqr"
)

// Config holds the configuration for a NAC instance.
type Config struct {
	// Directory stores guest session records (required).
	Directory guest.Directory

	// Credentials provisions RADIUS credentials (required).
	Credentials guest.CredentialStore

	// Firewall grants and withdraws client access (required).
	Firewall guest.Firewall

	// Disconnect sends disconnect signals to access points (optional).
	Disconnect guest.DisconnectSignal

	// Accounting lists open accounting sessions (optional).
	Accounting guest.AccountingSource

	// AdminJWTSecret signs administrator bearer tokens (required, min 32 chars).
	AdminJWTSecret string

	// AdminJWTIssuer is the issuer claim in admin tokens (default: "mini-nac").
	AdminJWTIssuer string

	// Lifecycle tunes default durations and backend retries.
	Lifecycle guest.Config

	// WiFi enables onboarding QR codes (optional).
	WiFi *wifiqr.Network

	RateLimit       config.RateLimitConfig
	SecurityHeaders config.SecurityHeadersConfig
	MaxBodyBytes    int64
	TrustProxies    bool

	// Logger is the structured logger (default: JSON on stdout).
	Logger *slog.Logger
}

// NAC is a running admission controller.
type NAC struct {
	config  Config
	manager *guest.Manager
	tokens  *auth.AdminTokens
	closers []io.Closer
}

// New creates a NAC instance with the given configuration. Call Reconcile
// before serving to restore expiry obligations from the directory.
func New(cfg Config) (*NAC, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	manager := guest.NewManager(cfg.Lifecycle, guest.Deps{
		Directory:   cfg.Directory,
		Credentials: cfg.Credentials,
		Firewall:    cfg.Firewall,
		Disconnect:  cfg.Disconnect,
		Accounting:  cfg.Accounting,
		Logger:      cfg.Logger,
	})

	tokens := auth.NewAdminTokens(auth.AdminTokenConfig{
		Secret: []byte(cfg.AdminJWTSecret),
		Issuer: cfg.AdminJWTIssuer,
	})

	return &NAC{
		config:  cfg,
		manager: manager,
		tokens:  tokens,
	}, nil
}

// Router returns the HTTP API.
//
// Routes:
//
//	GET    /health                   - Liveness
//	POST   /v1/guests                - Create a guest session
//	GET    /v1/guests                - List guest sessions
//	GET    /v1/guests/{uid}          - Get a guest session
//	DELETE /v1/guests/{uid}          - Revoke a guest session
//	GET    /v1/guests/{uid}/status   - Active flag and remaining minutes
//	GET    /v1/guests/{uid}/qr       - Wi-Fi onboarding QR code (if configured)
//	POST   /v1/disconnect            - Disconnect a client from an access point
//	GET    /v1/accounting/active     - Open accounting sessions
//	GET    /v1/revocations           - Outstanding expiry and cleanup work
func (n *NAC) Router() http.Handler {
	return httpserver.NewRouter(httpserver.RouterConfig{
		Logger:          n.config.Logger,
		Manager:         n.manager,
		Tokens:          n.tokens,
		WiFi:            n.config.WiFi,
		RateLimitConfig: n.config.RateLimit,
		SecurityHeaders: n.config.SecurityHeaders,
		MaxBodyBytes:    n.config.MaxBodyBytes,
		TrustProxies:    n.config.TrustProxies,
	})
}

// Manager returns the session manager for advanced usage.
func (n *NAC) Manager() *guest.Manager {
	return n.manager
}

// Tokens returns the admin token issuer.
func (n *NAC) Tokens() *auth.AdminTokens {
	return n.tokens
}

// Reconcile restores firewall grants and expiry timers from the directory.
func (n *NAC) Reconcile(ctx context.Context) (guest.ReconcileReport, error) {
	return n.manager.Reconcile(ctx)
}

// AdminMiddleware returns middleware that validates admin bearer tokens.
// Use this to protect your own routes:
//
//	r.Group(func(r chi.Router) {
//	    r.Use(n.AdminMiddleware())
//	    r.Get("/protected", handler)
//	})
func (n *NAC) AdminMiddleware() func(http.Handler) http.Handler {
	return middleware.AdminAuth(n.tokens)
}

// GetAdminID extracts the administrator ID from a request.
// Use after AdminMiddleware.
func GetAdminID(r *http.Request) (uuid.UUID, bool) {
	return middleware.GetAdminID(r.Context())
}

// HealthHandler returns a simple health check handler.
func (n *NAC) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Close stops the expiry scheduler and releases backends opened by Open.
// Sessions keep their state in the directory; the next Reconcile resumes them.
func (n *NAC) Close() error {
	n.manager.Stop()

	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateConfig(cfg *Config) error {
	if cfg.Directory == nil {
		return errors.New("nac: Directory is required")
	}
	if cfg.Credentials == nil {
		return errors.New("nac: Credentials is required")
	}
	if cfg.Firewall == nil {
		return errors.New("nac: Firewall is required")
	}
	if cfg.AdminJWTSecret == "" {
		return errors.New("nac: AdminJWTSecret is required")
	}
	if len(cfg.AdminJWTSecret) < 32 {
		return errors.New("nac: AdminJWTSecret must be at least 32 characters")
	}
	if cfg.WiFi != nil && cfg.WiFi.SSID == "" {
		return errors.New("nac: WiFi SSID is required when WiFi is configured")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.AdminJWTIssuer == "" {
		cfg.AdminJWTIssuer = "mini-nac"
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
}
