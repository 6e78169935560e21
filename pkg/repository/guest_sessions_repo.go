package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tendant/mini-nac/pkg/domain"
)

// GuestSessionsRepository is the Postgres guest session directory.
type GuestSessionsRepository struct {
	db *sql.DB
}

// NewGuestSessionsRepository creates a new guest sessions repository.
func NewGuestSessionsRepository(db *sql.DB) *GuestSessionsRepository {
	return &GuestSessionsRepository{db: db}
}

const liveUsernameIndex = "guest_sessions_live_username"

const guestSessionColumns = `uid, seq, username, credential_secret, client_address, state,
	session_timeout_minutes, expires_at, max_download_bps, max_upload_bps,
	revocation_pending, created_by, created_at, updated_at`

// NextSeq draws the next value of the uid sequence. Values are never reused,
// even when the insert that follows fails.
func (r *GuestSessionsRepository) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.QueryRowContext(ctx, `SELECT nextval('guest_session_uid_seq')`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Create inserts a session. A session already holding the username (live, or
// terminal with cleanup still owed) yields domain.ErrUsernameTaken.
func (r *GuestSessionsRepository) Create(ctx context.Context, g *domain.GuestSession) error {
	query := `
		INSERT INTO guest_sessions (` + guestSessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		g.UID,
		g.Seq,
		g.Username,
		g.CredentialSecret,
		g.ClientAddress,
		g.State,
		g.SessionTimeoutMinutes,
		g.ExpiresAt,
		g.MaxDownloadBps,
		g.MaxUploadBps,
		g.RevocationPending,
		g.CreatedBy,
		g.CreatedAt,
		g.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, liveUsernameIndex) {
			return fmt.Errorf("%w: %s", domain.ErrUsernameTaken, g.Username)
		}
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGuestSession(row rowScanner) (*domain.GuestSession, error) {
	var g domain.GuestSession
	err := row.Scan(
		&g.UID,
		&g.Seq,
		&g.Username,
		&g.CredentialSecret,
		&g.ClientAddress,
		&g.State,
		&g.SessionTimeoutMinutes,
		&g.ExpiresAt,
		&g.MaxDownloadBps,
		&g.MaxUploadBps,
		&g.RevocationPending,
		&g.CreatedBy,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// Get retrieves a session by uid.
func (r *GuestSessionsRepository) Get(ctx context.Context, uid string) (*domain.GuestSession, error) {
	query := `SELECT ` + guestSessionColumns + ` FROM guest_sessions WHERE uid = $1`

	g, err := scanGuestSession(r.db.QueryRowContext(ctx, query, uid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}
	return g, nil
}

// List returns every session ordered by sequence.
func (r *GuestSessionsRepository) List(ctx context.Context) ([]*domain.GuestSession, error) {
	query := `SELECT ` + guestSessionColumns + ` FROM guest_sessions ORDER BY seq ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.GuestSession
	for rows.Next() {
		g, err := scanGuestSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, g)
	}
	return sessions, rows.Err()
}

// Update persists the mutable fields of a session.
func (r *GuestSessionsRepository) Update(ctx context.Context, g *domain.GuestSession) error {
	query := `
		UPDATE guest_sessions
		SET state = $2, expires_at = $3, revocation_pending = $4, updated_at = $5
		WHERE uid = $1
	`
	result, err := r.db.ExecContext(ctx, query, g.UID, g.State, g.ExpiresAt, g.RevocationPending, g.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, liveUsernameIndex) {
			return fmt.Errorf("%w: %s", domain.ErrUsernameTaken, g.Username)
		}
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// Delete removes a session record. Absence is not an error.
func (r *GuestSessionsRepository) Delete(ctx context.Context, uid string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM guest_sessions WHERE uid = $1`, uid)
	return err
}
