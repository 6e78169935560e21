package guest

import (
	"context"

	"github.com/tendant/mini-nac/pkg/domain"
)

// Directory is the source of truth for guest sessions.
type Directory interface {
	// NextSeq returns a sequence value never handed out before.
	NextSeq(ctx context.Context) (int64, error)
	Create(ctx context.Context, g *domain.GuestSession) error
	Get(ctx context.Context, uid string) (*domain.GuestSession, error)
	// List returns all sessions ordered by sequence.
	List(ctx context.Context) ([]*domain.GuestSession, error)
	Update(ctx context.Context, g *domain.GuestSession) error
	// Delete removes a record; absence is success.
	Delete(ctx context.Context, uid string) error
}

// CredentialStore provisions AAA credentials.
type CredentialStore interface {
	Provision(ctx context.Context, rec domain.CredentialRecord) error
	Deprovision(ctx context.Context, username string) error
}

// AccountingSource reads open accounting records from the AAA backend.
type AccountingSource interface {
	OpenAccountingSessions(ctx context.Context) ([]domain.AccountingSession, error)
}

// Firewall grants forwarding for client addresses on behalf of a holder.
type Firewall interface {
	Authorize(ctx context.Context, address, holder string) error
	Revoke(ctx context.Context, address, holder string) error
}

// DisconnectSignal asks an access point to drop a user's association.
type DisconnectSignal interface {
	SendDisconnect(ctx context.Context, username, accessPoint, secret string) error
}
