// Package guest runs the guest session lifecycle: it admits a client by
// provisioning credentials and opening the firewall, then guarantees the
// grant is withdrawn at its deadline or on explicit revocation.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/mini-nac/internal/retry"
	"github.com/tendant/mini-nac/internal/syncx"
	"github.com/tendant/mini-nac/pkg/domain"
)

// DefaultSessionDuration applies when a request sets neither a timeout nor
// an explicit expiration.
const DefaultSessionDuration = 10 * time.Minute

// Config holds manager settings.
type Config struct {
	DefaultSessionDuration time.Duration
	// Backend governs retries and per-call timeouts of backend calls.
	Backend   retry.Policy
	Scheduler SchedulerConfig
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Deps are the backends a Manager drives. Disconnect and Accounting are
// optional.
type Deps struct {
	Directory   Directory
	Credentials CredentialStore
	Firewall    Firewall
	Disconnect  DisconnectSignal
	Accounting  AccountingSource
	Logger      *slog.Logger
}

// Manager orchestrates guest sessions across the backends. Operations on one
// uid are serialized; operations on different uids run concurrently.
type Manager struct {
	dir        Directory
	creds      CredentialStore
	fw         Firewall
	disconnect DisconnectSignal
	accounting AccountingSource

	cfg    Config
	locks  *syncx.KeyedMutex
	sched  *Scheduler
	logger *slog.Logger

	// revoking holds uids whose delete failed. Until the directory reads
	// terminal, a retry finishes them as revoked, never expired.
	revoking sync.Map
}

// NewManager creates a manager with its own expiry scheduler.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.DefaultSessionDuration <= 0 {
		cfg.DefaultSessionDuration = DefaultSessionDuration
	}
	if cfg.Backend.Attempts == 0 {
		cfg.Backend = retry.DefaultPolicy
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		dir:        deps.Directory,
		creds:      deps.Credentials,
		fw:         deps.Firewall,
		disconnect: deps.Disconnect,
		accounting: deps.Accounting,
		cfg:        cfg,
		locks:      syncx.NewKeyedMutex(),
		logger:     logger,
	}
	m.sched = NewScheduler(m.onDeadline, cfg.Scheduler, logger)
	return m
}

// Stop halts the expiry scheduler.
func (m *Manager) Stop() {
	m.sched.Stop()
}

func (m *Manager) now() time.Time {
	return m.cfg.Now()
}

// call runs a backend operation under the retry policy. Outcomes that cannot
// change on retry are returned at once.
func (m *Manager) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, m.cfg.Backend, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, domain.ErrValidation) ||
			errors.Is(err, domain.ErrUsernameTaken) ||
			errors.Is(err, domain.ErrSessionNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

// once runs a non-idempotent backend operation a single time under the
// per-call timeout.
func (m *Manager) once(ctx context.Context, fn func(ctx context.Context) error) error {
	p := m.cfg.Backend
	p.Attempts = 1
	return retry.Do(ctx, p, fn)
}

func wrapAs(sentinel, err error) error {
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// CreateSession admits a guest. Each completed step registers its undo; if a
// later step fails the undos run in reverse order so nothing is left behind.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*domain.GuestSession, error) {
	if err := req.validate(m.now()); err != nil {
		return nil, err
	}

	var seq int64
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		seq, err = m.dir.NextSeq(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("allocating uid: %w", err)
	}
	uid := domain.FormatUID(seq)

	unlock := m.locks.Lock(uid)
	defer unlock()

	now := m.now()
	g := &domain.GuestSession{
		UID:                   uid,
		Seq:                   seq,
		Username:              req.Username,
		CredentialSecret:      req.Password,
		ClientAddress:         req.ClientAddress,
		State:                 domain.StatePending,
		SessionTimeoutMinutes: req.SessionTimeoutMinutes,
		MaxDownloadBps:        req.MaxDownloadBps,
		MaxUploadBps:          req.MaxUploadBps,
		CreatedBy:             req.CreatedBy,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if req.ExpiresAt != nil {
		t := *req.ExpiresAt
		g.ExpiresAt = &t
	}

	if err := m.once(ctx, func(ctx context.Context) error { return m.dir.Create(ctx, g) }); err != nil {
		return nil, fmt.Errorf("recording %s: %w", uid, err)
	}

	var undo compensation
	undo.push("delete record", func(ctx context.Context) error {
		return m.call(ctx, func(ctx context.Context) error { return m.dir.Delete(ctx, uid) })
	})

	rec := domain.CredentialRecord{
		Username:              g.Username,
		Secret:                g.CredentialSecret,
		SessionTimeoutSeconds: g.SessionTimeoutMinutes * 60,
		MaxDownloadBps:        g.MaxDownloadBps,
		MaxUploadBps:          g.MaxUploadBps,
	}
	if err := m.call(ctx, func(ctx context.Context) error { return m.creds.Provision(ctx, rec) }); err != nil {
		m.abort(ctx, g, &undo, "provision", err)
		return nil, wrapAs(domain.ErrProvisioning, err)
	}
	undo.push("deprovision", func(ctx context.Context) error {
		return m.call(ctx, func(ctx context.Context) error { return m.creds.Deprovision(ctx, g.Username) })
	})

	if err := m.call(ctx, func(ctx context.Context) error { return m.fw.Authorize(ctx, g.ClientAddress, uid) }); err != nil {
		m.abort(ctx, g, &undo, "authorize", err)
		return nil, wrapAs(domain.ErrFirewall, err)
	}
	undo.push("revoke", func(ctx context.Context) error {
		return m.call(ctx, func(ctx context.Context) error { return m.fw.Revoke(ctx, g.ClientAddress, uid) })
	})

	deadline := m.deadlineFor(g, now)
	g.State = domain.StateActive
	g.ExpiresAt = &deadline
	g.UpdatedAt = m.now()
	if err := m.call(ctx, func(ctx context.Context) error { return m.dir.Update(ctx, g) }); err != nil {
		m.abort(ctx, g, &undo, "activate", err)
		return nil, fmt.Errorf("activating %s: %w", uid, err)
	}

	if err := m.sched.Arm(uid, deadline); err != nil {
		m.abort(ctx, g, &undo, "arm", err)
		return nil, err
	}

	m.logger.Info("guest session created",
		"uid", uid, "username", g.Username, "client_address", g.ClientAddress,
		"expires_at", deadline, "created_by", g.CreatedBy)
	return g.Clone(), nil
}

func (m *Manager) deadlineFor(g *domain.GuestSession, now time.Time) time.Time {
	switch {
	case g.ExpiresAt != nil:
		return *g.ExpiresAt
	case g.SessionTimeoutMinutes > 0:
		return now.Add(time.Duration(g.SessionTimeoutMinutes) * time.Minute)
	default:
		return now.Add(m.cfg.DefaultSessionDuration)
	}
}

// abort unwinds a failed creation. If an undo fails the pending record is
// kept and handed to the scheduler, which finishes the cleanup.
func (m *Manager) abort(ctx context.Context, g *domain.GuestSession, undo *compensation, step string, cause error) {
	m.logger.Warn("guest session creation failed, compensating",
		"uid", g.UID, "username", g.Username, "step", step, "error", cause)

	ctx = context.WithoutCancel(ctx)
	if err := undo.run(ctx); err != nil {
		m.logger.Error("compensation incomplete, scheduling cleanup", "uid", g.UID, "error", err)
		if armErr := m.sched.Arm(g.UID, m.now()); armErr != nil {
			m.logger.Error("cleanup not scheduled", "uid", g.UID, "error", armErr)
		}
	}
}

// GetSession returns the session with the given uid.
func (m *Manager) GetSession(ctx context.Context, uid string) (*domain.GuestSession, error) {
	return m.dir.Get(ctx, uid)
}

// ListSessions returns every session ordered by uid sequence.
func (m *Manager) ListSessions(ctx context.Context) ([]*domain.GuestSession, error) {
	sessions, err := m.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []*domain.GuestSession{}
	}
	return sessions, nil
}

// ComputeStatus derives whether the session grants access right now and how
// many minutes remain. It never mutates state.
func (m *Manager) ComputeStatus(ctx context.Context, uid string) (domain.SessionStatus, error) {
	g, err := m.dir.Get(ctx, uid)
	if err != nil {
		return domain.SessionStatus{}, err
	}
	now := m.now()
	return domain.SessionStatus{
		UID:              g.UID,
		Active:           g.IsActiveAt(now),
		RemainingMinutes: g.Remaining(now).Minutes(),
	}, nil
}

// DeleteSession revokes a session. Deleting a session that is already
// terminal succeeds without side effects. If the backends fail, the session
// is still marked revoked, the error is returned and cleanup is retried in the
// background. If the revoked state itself cannot be recorded, the retry keeps
// trying to record it.
func (m *Manager) DeleteSession(ctx context.Context, uid string) error {
	unlock := m.locks.Lock(uid)
	defer unlock()

	g, err := m.dir.Get(ctx, uid)
	if err != nil {
		return err
	}

	switch {
	case g.State.IsTerminal():
		m.revoking.Delete(uid)
		return nil
	case g.State == domain.StatePending:
		return m.discardPending(ctx, g)
	}

	m.sched.Cancel(uid)
	if err := m.teardown(ctx, g, domain.StateRevoked); err != nil {
		m.revoking.Store(uid, struct{}{})
		if armErr := m.sched.Arm(uid, m.now()); armErr != nil {
			err = errors.Join(err, armErr)
		}
		return fmt.Errorf("revoking %s: %w", uid, err)
	}
	return nil
}

// Disconnect signals an access point to drop a user's association. Session
// state is not consulted or changed.
func (m *Manager) Disconnect(ctx context.Context, req DisconnectRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if m.disconnect == nil {
		return fmt.Errorf("%w: no disconnect client configured", domain.ErrDisconnect)
	}
	if err := m.disconnect.SendDisconnect(ctx, req.Username, req.AccessPoint, req.Secret); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return err
		}
		return wrapAs(domain.ErrDisconnect, err)
	}
	return nil
}

// OpenAccountingSessions lists the AAA backend's open accounting records.
func (m *Manager) OpenAccountingSessions(ctx context.Context) ([]domain.AccountingSession, error) {
	if m.accounting == nil {
		return nil, fmt.Errorf("%w: accounting", domain.ErrUnsupported)
	}
	return m.accounting.OpenAccountingSessions(ctx)
}

// Outstanding lists revocation obligations the scheduler is tracking.
func (m *Manager) Outstanding() []Obligation {
	return m.sched.Outstanding()
}

// ReconcileReport summarizes a Reconcile pass.
type ReconcileReport struct {
	Active  int `json:"active"`
	Cleanup int `json:"cleanup"`
	Pending int `json:"pending"`
}

// Reconcile restores in-memory state from the directory after a restart:
// active sessions are re-authorized and re-armed (past deadlines fire at
// once), terminal sessions still owing cleanup and pending leftovers of an
// interrupted creation are handed to the scheduler.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	sessions, err := m.dir.List(ctx)
	if err != nil {
		return report, fmt.Errorf("listing sessions: %w", err)
	}

	var errs []error
	now := m.now()
	for _, g := range sessions {
		switch {
		case g.State == domain.StateActive && g.ExpiresAt != nil:
			report.Active++
			if g.IsActiveAt(now) {
				err := m.call(ctx, func(ctx context.Context) error { return m.fw.Authorize(ctx, g.ClientAddress, g.UID) })
				if err != nil {
					errs = append(errs, fmt.Errorf("re-authorizing %s: %w", g.UID, err))
				}
			}
			if err := m.sched.Arm(g.UID, *g.ExpiresAt); err != nil {
				errs = append(errs, err)
			}
		case g.State.IsTerminal() && g.RevocationPending:
			report.Cleanup++
			if err := m.sched.Arm(g.UID, now); err != nil {
				errs = append(errs, err)
			}
		case g.State == domain.StatePending:
			report.Pending++
			if err := m.sched.Arm(g.UID, now); err != nil {
				errs = append(errs, err)
			}
		}
	}

	m.logger.Info("reconciled guest sessions",
		"active", report.Active, "cleanup", report.Cleanup, "pending", report.Pending)
	return report, errors.Join(errs...)
}

// onDeadline is the scheduler callback.
func (m *Manager) onDeadline(ctx context.Context, uid string) error {
	unlock := m.locks.Lock(uid)
	defer unlock()

	g, err := m.dir.Get(ctx, uid)
	if errors.Is(err, domain.ErrSessionNotFound) {
		m.revoking.Delete(uid)
		return nil
	}
	if err != nil {
		return err
	}

	if g.State.IsTerminal() {
		m.revoking.Delete(uid)
	}

	switch {
	case g.State == domain.StateActive:
		if _, ok := m.revoking.Load(uid); ok {
			if err := m.teardown(ctx, g, domain.StateRevoked); err != nil {
				return err
			}
			m.revoking.Delete(uid)
			return nil
		}
		if g.ExpiresAt != nil && m.now().Before(*g.ExpiresAt) {
			// Woke early; wait for the recorded deadline.
			return m.sched.Arm(uid, *g.ExpiresAt)
		}
		return m.teardown(ctx, g, domain.StateExpired)
	case g.State.IsTerminal() && g.RevocationPending:
		return m.finishRevocation(ctx, g)
	case g.State == domain.StatePending:
		return m.discardPending(ctx, g)
	default:
		return nil
	}
}

// release withdraws the firewall grant and the credentials. Both are
// attempted even if the first fails.
func (m *Manager) release(ctx context.Context, g *domain.GuestSession) error {
	var errs []error
	if err := m.call(ctx, func(ctx context.Context) error { return m.fw.Revoke(ctx, g.ClientAddress, g.UID) }); err != nil {
		errs = append(errs, wrapAs(domain.ErrFirewall, err))
	}
	if err := m.call(ctx, func(ctx context.Context) error { return m.creds.Deprovision(ctx, g.Username) }); err != nil {
		errs = append(errs, wrapAs(domain.ErrProvisioning, err))
	}
	return errors.Join(errs...)
}

// teardown moves an active session to a terminal state. The state change is
// recorded even when releasing fails, with RevocationPending set.
func (m *Manager) teardown(ctx context.Context, g *domain.GuestSession, to domain.State) error {
	if !g.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", domain.ErrValidation, g.UID, g.State, to)
	}

	relErr := m.release(ctx, g)

	g.State = to
	g.RevocationPending = relErr != nil
	g.UpdatedAt = m.now()
	if err := m.call(ctx, func(ctx context.Context) error { return m.dir.Update(ctx, g) }); err != nil {
		return errors.Join(relErr, fmt.Errorf("recording %s as %s: %w", g.UID, to, err))
	}

	if relErr != nil {
		m.logger.Warn("guest session ended with cleanup outstanding",
			"uid", g.UID, "state", to, "error", relErr)
		return relErr
	}
	m.logger.Info("guest session ended", "uid", g.UID, "username", g.Username, "state", to)
	return nil
}

func (m *Manager) finishRevocation(ctx context.Context, g *domain.GuestSession) error {
	if err := m.release(ctx, g); err != nil {
		return err
	}
	g.RevocationPending = false
	g.UpdatedAt = m.now()
	if err := m.call(ctx, func(ctx context.Context) error { return m.dir.Update(ctx, g) }); err != nil {
		return err
	}
	m.logger.Info("outstanding cleanup completed", "uid", g.UID, "state", g.State)
	return nil
}

// discardPending cleans up after a creation that never completed.
func (m *Manager) discardPending(ctx context.Context, g *domain.GuestSession) error {
	if err := m.release(ctx, g); err != nil {
		return err
	}
	if err := m.call(ctx, func(ctx context.Context) error { return m.dir.Delete(ctx, g.UID) }); err != nil {
		return err
	}
	m.logger.Info("discarded incomplete guest session", "uid", g.UID, "username", g.Username)
	return nil
}

type compensationStep struct {
	name string
	fn   func(ctx context.Context) error
}

// compensation collects undo steps in the order their actions completed.
type compensation struct {
	steps []compensationStep
}

func (c *compensation) push(name string, fn func(ctx context.Context) error) {
	c.steps = append(c.steps, compensationStep{name: name, fn: fn})
}

// run executes the steps in reverse. The first step, removing the record, is
// skipped when a later undo failed so the leftover stays discoverable.
func (c *compensation) run(ctx context.Context) error {
	var errs []error
	for i := len(c.steps) - 1; i >= 0; i-- {
		if i == 0 && len(errs) > 0 {
			break
		}
		if err := c.steps[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.steps[i].name, err))
		}
	}
	return errors.Join(errs...)
}
