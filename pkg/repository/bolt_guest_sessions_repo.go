package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/tendant/mini-nac/pkg/domain"
)

var (
	bucketGuestSessions  = []byte("guest_sessions")
	bucketGuestUsernames = []byte("guest_usernames")
	bucketGuestSequence  = []byte("guest_sequence")
)

// BoltGuestSessionsRepository is an embedded guest session directory for
// single-node deployments without Postgres.
type BoltGuestSessionsRepository struct {
	db *bbolt.DB
}

// OpenBoltGuestSessions opens (creating if needed) a bbolt file at path.
func OpenBoltGuestSessions(path string) (*BoltGuestSessionsRepository, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	repo, err := NewBoltGuestSessionsRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewBoltGuestSessionsRepository wraps an open bbolt database.
func NewBoltGuestSessionsRepository(db *bbolt.DB) (*BoltGuestSessionsRepository, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketGuestSessions, bucketGuestUsernames, bucketGuestSequence} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &BoltGuestSessionsRepository{db: db}, nil
}

// Close closes the underlying database.
func (r *BoltGuestSessionsRepository) Close() error {
	return r.db.Close()
}

// boltGuestRecord is the stored form; it keeps the fields the API view hides.
type boltGuestRecord struct {
	UID                   string       `json:"uid"`
	Seq                   int64        `json:"seq"`
	Username              string       `json:"username"`
	CredentialSecret      string       `json:"credential_secret"`
	ClientAddress         string       `json:"client_address"`
	State                 domain.State `json:"state"`
	SessionTimeoutMinutes int          `json:"session_timeout_minutes"`
	ExpiresAt             *time.Time   `json:"expires_at,omitempty"`
	MaxDownloadBps        *int64       `json:"max_download_bps,omitempty"`
	MaxUploadBps          *int64       `json:"max_upload_bps,omitempty"`
	RevocationPending     bool         `json:"revocation_pending"`
	CreatedBy             uuid.UUID    `json:"created_by"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

func toBoltRecord(g *domain.GuestSession) boltGuestRecord {
	c := g.Clone()
	return boltGuestRecord{
		UID:                   c.UID,
		Seq:                   c.Seq,
		Username:              c.Username,
		CredentialSecret:      c.CredentialSecret,
		ClientAddress:         c.ClientAddress,
		State:                 c.State,
		SessionTimeoutMinutes: c.SessionTimeoutMinutes,
		ExpiresAt:             c.ExpiresAt,
		MaxDownloadBps:        c.MaxDownloadBps,
		MaxUploadBps:          c.MaxUploadBps,
		RevocationPending:     c.RevocationPending,
		CreatedBy:             c.CreatedBy,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
}

func (rec boltGuestRecord) session() *domain.GuestSession {
	return &domain.GuestSession{
		UID:                   rec.UID,
		Seq:                   rec.Seq,
		Username:              rec.Username,
		CredentialSecret:      rec.CredentialSecret,
		ClientAddress:         rec.ClientAddress,
		State:                 rec.State,
		SessionTimeoutMinutes: rec.SessionTimeoutMinutes,
		ExpiresAt:             rec.ExpiresAt,
		MaxDownloadBps:        rec.MaxDownloadBps,
		MaxUploadBps:          rec.MaxUploadBps,
		RevocationPending:     rec.RevocationPending,
		CreatedBy:             rec.CreatedBy,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
	}
}

func getBoltRecord(tx *bbolt.Tx, uid string) (*boltGuestRecord, error) {
	data := tx.Bucket(bucketGuestSessions).Get([]byte(uid))
	if data == nil {
		return nil, domain.ErrSessionNotFound
	}
	var rec boltGuestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", uid, err)
	}
	return &rec, nil
}

func putBoltRecord(tx *bbolt.Tx, rec boltGuestRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketGuestSessions).Put([]byte(rec.UID), data)
}

// NextSeq draws the next uid sequence value inside a write transaction.
func (r *BoltGuestSessionsRepository) NextSeq(ctx context.Context) (int64, error) {
	var seq uint64
	err := r.db.Update(func(tx *bbolt.Tx) error {
		var err error
		seq, err = tx.Bucket(bucketGuestSequence).NextSequence()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

// Create stores a session and claims its username while it is live.
func (r *BoltGuestSessionsRepository) Create(ctx context.Context, g *domain.GuestSession) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(bucketGuestSessions)
		if sessions.Get([]byte(g.UID)) != nil {
			return fmt.Errorf("guest session %s already exists", g.UID)
		}
		if g.State.IsLive() {
			usernames := tx.Bucket(bucketGuestUsernames)
			if usernames.Get([]byte(g.Username)) != nil {
				return fmt.Errorf("%w: %s", domain.ErrUsernameTaken, g.Username)
			}
			if err := usernames.Put([]byte(g.Username), []byte(g.UID)); err != nil {
				return err
			}
		}
		return putBoltRecord(tx, toBoltRecord(g))
	})
}

// Get retrieves a session by uid.
func (r *BoltGuestSessionsRepository) Get(ctx context.Context, uid string) (*domain.GuestSession, error) {
	var g *domain.GuestSession
	err := r.db.View(func(tx *bbolt.Tx) error {
		rec, err := getBoltRecord(tx, uid)
		if err != nil {
			return err
		}
		g = rec.session()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// List returns every session ordered by sequence.
func (r *BoltGuestSessionsRepository) List(ctx context.Context) ([]*domain.GuestSession, error) {
	var sessions []*domain.GuestSession
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGuestSessions).ForEach(func(k, v []byte) error {
			var rec boltGuestRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding %s: %w", k, err)
			}
			sessions = append(sessions, rec.session())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Seq < sessions[j].Seq })
	return sessions, nil
}

// Update persists the mutable fields of a session. The username is released
// once the session is terminal and owes no cleanup.
func (r *BoltGuestSessionsRepository) Update(ctx context.Context, g *domain.GuestSession) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getBoltRecord(tx, g.UID)
		if err != nil {
			return err
		}
		rec.State = g.State
		rec.ExpiresAt = g.Clone().ExpiresAt
		rec.RevocationPending = g.RevocationPending
		rec.UpdatedAt = g.UpdatedAt

		if !rec.State.IsLive() && !rec.RevocationPending {
			if err := releaseUsername(tx, rec.Username, rec.UID); err != nil {
				return err
			}
		}
		return putBoltRecord(tx, *rec)
	})
}

// Delete removes a session record. Absence is not an error.
func (r *BoltGuestSessionsRepository) Delete(ctx context.Context, uid string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getBoltRecord(tx, uid)
		if err == domain.ErrSessionNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := releaseUsername(tx, rec.Username, rec.UID); err != nil {
			return err
		}
		return tx.Bucket(bucketGuestSessions).Delete([]byte(uid))
	})
}

func releaseUsername(tx *bbolt.Tx, username, uid string) error {
	usernames := tx.Bucket(bucketGuestUsernames)
	if string(usernames.Get([]byte(username))) != uid {
		return nil
	}
	return usernames.Delete([]byte(username))
}
