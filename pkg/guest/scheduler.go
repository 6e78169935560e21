package guest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tendant/mini-nac/internal/retry"
	"github.com/tendant/mini-nac/pkg/domain"
)

// ExpireFunc performs the work owed when a session's deadline arrives. A
// non-nil error makes the scheduler try again after a backoff.
type ExpireFunc func(ctx context.Context, uid string) error

// SchedulerConfig configures retry pacing for failed firings.
type SchedulerConfig struct {
	RetryBase time.Duration
	RetryMax  time.Duration
}

// Obligation describes one tracked revocation.
type Obligation struct {
	UID         string    `json:"uid"`
	Deadline    time.Time `json:"deadline"`
	NextAttempt time.Time `json:"next_attempt"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	Firing      bool      `json:"firing"`
}

type timerEntry struct {
	deadline time.Time
	next     time.Time
	timer    *time.Timer
	firing   bool
	attempts int
	lastErr  error
}

// Scheduler fires one callback per uid at its deadline and keeps retrying
// failed firings until they succeed, the uid is re-armed or cancelled, or the
// scheduler stops.
type Scheduler struct {
	fire    ExpireFunc
	backoff retry.Policy
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*timerEntry
	stopped bool
}

// NewScheduler creates a running scheduler.
func NewScheduler(fire ExpireFunc, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		fire:    fire,
		backoff: retry.Policy{BaseDelay: cfg.RetryBase, MaxDelay: cfg.RetryMax},
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*timerEntry),
	}
}

// Arm schedules uid to fire at the given instant, replacing any pending
// timer. Instants in the past fire immediately.
func (s *Scheduler) Arm(uid string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("%w: arming %s after stop", domain.ErrScheduler, uid)
	}
	if old, ok := s.entries[uid]; ok && old.timer != nil {
		old.timer.Stop()
	}

	e := &timerEntry{deadline: at, next: at}
	s.entries[uid] = e
	e.timer = time.AfterFunc(time.Until(at), func() { s.run(uid, e) })
	return nil
}

// Cancel drops the timer for uid. It does nothing if the uid is unknown or
// its callback is already running.
func (s *Scheduler) Cancel(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[uid]
	if !ok || e.firing {
		return
	}
	e.timer.Stop()
	delete(s.entries, uid)
}

// Deadline returns the instant uid is armed for.
func (s *Scheduler) Deadline(uid string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[uid]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Outstanding lists every tracked obligation ordered by uid.
func (s *Scheduler) Outstanding() []Obligation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Obligation, 0, len(s.entries))
	for uid, e := range s.entries {
		o := Obligation{
			UID:         uid,
			Deadline:    e.deadline,
			NextAttempt: e.next,
			Attempts:    e.attempts,
			Firing:      e.firing,
		}
		if e.lastErr != nil {
			o.LastError = e.lastErr.Error()
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Stop halts every timer, aborts running callbacks through their context and
// waits for them to return. Unfinished obligations stay recorded in the
// directory.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, e := range s.entries {
		e.timer.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(uid string, e *timerEntry) {
	s.mu.Lock()
	if s.stopped || s.entries[uid] != e {
		s.mu.Unlock()
		return
	}
	e.firing = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	err := s.fire(s.ctx, uid)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-armed or cancelled while running; the newer entry owns the uid.
	if s.entries[uid] != e {
		return
	}
	e.firing = false
	if err == nil {
		delete(s.entries, uid)
		return
	}

	e.attempts++
	e.lastErr = err
	if s.stopped {
		return
	}
	delay := s.backoff.Backoff(e.attempts)
	e.next = time.Now().Add(delay)
	e.timer = time.AfterFunc(delay, func() { s.run(uid, e) })
	s.logger.Warn("revocation attempt failed, retrying",
		"uid", uid, "attempt", e.attempts, "retry_in", delay, "error", err)
}
