package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UIDPrefix prefixes every guest session uid.
const UIDPrefix = "USR"

// State is the lifecycle state of a guest session.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateExpired State = "expired"
	StateRevoked State = "revoked"
)

// IsTerminal reports whether access has been removed for good.
func (s State) IsTerminal() bool {
	return s == StateExpired || s == StateRevoked
}

// IsLive reports whether the state still owns its username.
func (s State) IsLive() bool {
	return s == StatePending || s == StateActive
}

// CanTransitionTo reports whether moving from s to next goes forward.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StatePending:
		return next == StateActive
	case StateActive:
		return next == StateExpired || next == StateRevoked
	default:
		return false
	}
}

// GuestSession is a time-boxed grant of network access to one identity.
type GuestSession struct {
	UID                   string     `json:"uid"`
	Seq                   int64      `json:"-"`
	Username              string     `json:"username"`
	CredentialSecret      string     `json:"-"`
	ClientAddress         string     `json:"client_address"`
	State                 State      `json:"state"`
	SessionTimeoutMinutes int        `json:"session_timeout_minutes"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	MaxDownloadBps        *int64     `json:"max_download_bps,omitempty"`
	MaxUploadBps          *int64     `json:"max_upload_bps,omitempty"`
	RevocationPending     bool       `json:"revocation_pending"`
	CreatedBy             uuid.UUID  `json:"created_by"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// IsActiveAt reports whether the session grants access at the given instant.
func (g *GuestSession) IsActiveAt(now time.Time) bool {
	if g.State != StateActive || g.ExpiresAt == nil {
		return false
	}
	return now.Before(*g.ExpiresAt)
}

// Remaining returns the access time left at now, never negative.
func (g *GuestSession) Remaining(now time.Time) time.Duration {
	if !g.IsActiveAt(now) {
		return 0
	}
	return g.ExpiresAt.Sub(now)
}

// Clone returns a deep copy.
func (g *GuestSession) Clone() *GuestSession {
	c := *g
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		c.ExpiresAt = &t
	}
	if g.MaxDownloadBps != nil {
		v := *g.MaxDownloadBps
		c.MaxDownloadBps = &v
	}
	if g.MaxUploadBps != nil {
		v := *g.MaxUploadBps
		c.MaxUploadBps = &v
	}
	return &c
}

// SessionStatus is the derived view returned by status reads.
type SessionStatus struct {
	UID              string  `json:"uid"`
	Active           bool    `json:"active"`
	RemainingMinutes float64 `json:"remaining_minutes"`
}

// FormatUID renders a sequence value as a guest uid, e.g. USR0042.
func FormatUID(seq int64) string {
	return fmt.Sprintf("%s%04d", UIDPrefix, seq)
}

// ParseUID extracts the sequence value from a guest uid.
func ParseUID(uid string) (int64, error) {
	if !strings.HasPrefix(uid, UIDPrefix) {
		return 0, fmt.Errorf("%w: malformed uid %q", ErrValidation, uid)
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(uid, UIDPrefix), 10, 64)
	if err != nil || seq <= 0 {
		return 0, fmt.Errorf("%w: malformed uid %q", ErrValidation, uid)
	}
	return seq, nil
}
