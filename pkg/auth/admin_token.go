// Package auth issues and validates the bearer tokens administrators present
// to the management API.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultAdminTokenTTL is the lifetime of tokens minted by Issue.
const DefaultAdminTokenTTL = 12 * time.Hour

// ErrInvalidToken is returned for any token that fails validation.
var ErrInvalidToken = errors.New("invalid or expired token")

// AdminTokenConfig holds token settings.
type AdminTokenConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// AdminClaims are the claims carried by an administrator token. The subject
// is the administrator's id.
type AdminClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// AdminTokens signs and verifies HS256 administrator tokens.
type AdminTokens struct {
	config AdminTokenConfig
}

// NewAdminTokens creates a token service.
func NewAdminTokens(config AdminTokenConfig) *AdminTokens {
	if config.TTL == 0 {
		config.TTL = DefaultAdminTokenTTL
	}
	return &AdminTokens{config: config}
}

// Issue mints a token for the administrator.
func (s *AdminTokens) Issue(adminID uuid.UUID, name string) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TTL)),
			Issuer:    s.config.Issuer,
			ID:        uuid.NewString(),
		},
		Name: name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.config.Secret)
}

// Validate checks the signature, expiry and issuer of a token and returns
// the administrator id with the claims.
func (s *AdminTokens) Validate(tokenString string) (uuid.UUID, *AdminClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.config.Secret, nil
	}, opts...)
	if err != nil {
		return uuid.Nil, nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return uuid.Nil, nil, ErrInvalidToken
	}

	adminID, err := uuid.Parse(claims.Subject)
	if err != nil || adminID == uuid.Nil {
		return uuid.Nil, nil, ErrInvalidToken
	}
	return adminID, claims, nil
}
