// Package coa sends RFC 5176 dynamic authorization requests to access points
// so they drop a guest's live association.
package coa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/tendant/mini-nac/pkg/domain"
)

// DefaultPort is the dynamic authorization port access points listen on.
const DefaultPort = 3799

// Mode selects the request code sent to the access point.
type Mode string

const (
	ModeDisconnect Mode = "disconnect"
	ModeCoA        Mode = "coa"
)

// Config holds client settings.
type Config struct {
	Port          int
	DefaultSecret string
	Timeout       time.Duration
	Mode          Mode
}

// Client delivers disconnect signals.
type Client struct {
	cfg    Config
	radius *radius.Client
	logger *slog.Logger
}

// NewClient creates a client, filling unset config with defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDisconnect
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		radius: &radius.Client{Retry: 500 * time.Millisecond},
		logger: logger,
	}
}

func (c *Client) requestCode() (request, ack radius.Code) {
	if c.cfg.Mode == ModeCoA {
		return radius.CodeCoARequest, radius.CodeCoAACK
	}
	return radius.CodeDisconnectRequest, radius.CodeDisconnectACK
}

// target returns host:port for accessPoint, adding the default port when
// none is given.
func (c *Client) target(accessPoint string) string {
	if _, _, err := net.SplitHostPort(accessPoint); err == nil {
		return accessPoint
	}
	return net.JoinHostPort(accessPoint, strconv.Itoa(c.cfg.Port))
}

// SendDisconnect asks accessPoint to drop username. An empty secret falls back
// to the configured default. Only an ACK counts as success.
func (c *Client) SendDisconnect(ctx context.Context, username, accessPoint, secret string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", domain.ErrValidation)
	}
	if accessPoint == "" {
		return fmt.Errorf("%w: access point is required", domain.ErrValidation)
	}
	if secret == "" {
		secret = c.cfg.DefaultSecret
	}
	if secret == "" {
		return fmt.Errorf("%w: no shared secret for %s", domain.ErrValidation, accessPoint)
	}

	code, ack := c.requestCode()
	packet := radius.New(code, []byte(secret))
	if err := rfc2865.UserName_SetString(packet, username); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	addr := c.target(accessPoint)
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	response, err := c.radius.Exchange(ctx, packet, addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("disconnect timed out", "username", username, "access_point", addr, "elapsed", time.Since(start))
		}
		return fmt.Errorf("%w: %s to %s: %w", domain.ErrDisconnect, code, addr, err)
	}

	if response.Code != ack {
		c.logger.Warn("disconnect refused", "username", username, "access_point", addr, "code", response.Code.String())
		return fmt.Errorf("%w: %s answered %s", domain.ErrDisconnect, addr, response.Code)
	}

	c.logger.Info("disconnect acknowledged", "username", username, "access_point", addr, "elapsed", time.Since(start))
	return nil
}
