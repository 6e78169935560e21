package guest

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/tendant/mini-nac/pkg/domain"
)

const (
	maxUsernameLength = 64
	maxSecretLength   = 128
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._@-]+$`)

// ValidateUsername checks a guest username: 1 to 64 characters drawn from
// letters, digits and . _ @ -.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", domain.ErrValidation)
	}
	if len(username) > maxUsernameLength {
		return fmt.Errorf("%w: username must be at most %d characters", domain.ErrValidation, maxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username may only contain letters, digits, '.', '_', '@' and '-'", domain.ErrValidation)
	}
	return nil
}

// ValidateSecret checks the credential secret forwarded to the AAA backend.
func ValidateSecret(secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: password is required", domain.ErrValidation)
	}
	if len(secret) > maxSecretLength {
		return fmt.Errorf("%w: password must be at most %d characters", domain.ErrValidation, maxSecretLength)
	}
	if strings.IndexFunc(secret, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: password contains control characters", domain.ErrValidation)
	}
	return nil
}

// CanonicalAddress parses a client address and returns its canonical form.
func CanonicalAddress(address string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("%w: invalid client address %q", domain.ErrValidation, address)
	}
	return addr.Unmap().WithZone("").String(), nil
}

// CreateRequest carries the inputs of CreateSession.
type CreateRequest struct {
	Username              string
	Password              string
	SessionTimeoutMinutes int
	ExpiresAt             *time.Time
	ClientAddress         string
	MaxDownloadBps        *int64
	MaxUploadBps          *int64
	CreatedBy             uuid.UUID
}

// validate checks req and canonicalizes its client address in place.
func (req *CreateRequest) validate(now time.Time) error {
	if err := ValidateUsername(req.Username); err != nil {
		return err
	}
	if err := ValidateSecret(req.Password); err != nil {
		return err
	}
	if req.SessionTimeoutMinutes < 0 {
		return fmt.Errorf("%w: session timeout must not be negative", domain.ErrValidation)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiration must be in the future", domain.ErrValidation)
	}
	if req.MaxDownloadBps != nil && *req.MaxDownloadBps < 0 {
		return fmt.Errorf("%w: download cap must not be negative", domain.ErrValidation)
	}
	if req.MaxUploadBps != nil && *req.MaxUploadBps < 0 {
		return fmt.Errorf("%w: upload cap must not be negative", domain.ErrValidation)
	}
	if req.CreatedBy == uuid.Nil {
		return fmt.Errorf("%w: creating administrator is required", domain.ErrValidation)
	}

	addr, err := CanonicalAddress(req.ClientAddress)
	if err != nil {
		return err
	}
	req.ClientAddress = addr
	return nil
}

// DisconnectRequest carries the inputs of Disconnect.
type DisconnectRequest struct {
	Username    string
	AccessPoint string
	Secret      string
}

func (req DisconnectRequest) validate() error {
	if err := ValidateUsername(req.Username); err != nil {
		return err
	}
	if strings.TrimSpace(req.AccessPoint) == "" {
		return fmt.Errorf("%w: access point is required", domain.ErrValidation)
	}
	return nil
}
