package guest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/mini-nac/internal/retry"
	"github.com/tendant/mini-nac/pkg/domain"
)

type harness struct {
	m     *Manager
	dir   *memDirectory
	creds *fakeCredentials
	fw    *fakeFirewall
	dc    *fakeDisconnect
}

func newHarness(t *testing.T, now func() time.Time) *harness {
	t.Helper()
	h := &harness{
		dir:   newMemDirectory(),
		creds: newFakeCredentials(),
		fw:    newFakeFirewall(),
		dc:    &fakeDisconnect{},
	}
	h.m = h.manager(now)
	t.Cleanup(h.m.Stop)
	return h
}

func (h *harness) manager(now func() time.Time) *Manager {
	return NewManager(Config{
		Backend:   retry.Policy{Attempts: 1, Timeout: time.Second},
		Scheduler: SchedulerConfig{RetryBase: 10 * time.Millisecond, RetryMax: 50 * time.Millisecond},
		Now:       now,
	}, Deps{
		Directory:   h.dir,
		Credentials: h.creds,
		Firewall:    h.fw,
		Disconnect:  h.dc,
	})
}

func request(username, address string) CreateRequest {
	return CreateRequest{
		Username:              username,
		Password:              "guest-pass",
		SessionTimeoutMinutes: 30,
		ClientAddress:         address,
		CreatedBy:             uuid.New(),
	}
}

func TestCreateSession_Activates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	start := time.Now()
	g, err := h.m.CreateSession(ctx, request("alice", "10.0.0.5"))
	require.NoError(t, err)

	assert.Equal(t, "USR0001", g.UID)
	assert.Equal(t, domain.StateActive, g.State)
	require.NotNil(t, g.ExpiresAt)
	assert.WithinDuration(t, start.Add(30*time.Minute), *g.ExpiresAt, 5*time.Second)

	assert.Equal(t, 1, h.fw.rules.Count("10.0.0.5"))
	rec := h.creds.record("alice")
	assert.Equal(t, "guest-pass", rec.Secret)
	assert.Equal(t, 1800, rec.SessionTimeoutSeconds)

	deadline, ok := h.m.sched.Deadline(g.UID)
	require.True(t, ok)
	assert.True(t, deadline.Equal(*g.ExpiresAt))

	stored, err := h.m.GetSession(ctx, g.UID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, stored.State)
}

func TestCreateSession_DeadlineSelection(t *testing.T) {
	c := &clock{now: time.Now()}
	h := newHarness(t, c.Now)
	ctx := context.Background()

	req := request("nodeadline", "10.0.0.1")
	req.SessionTimeoutMinutes = 0
	g, err := h.m.CreateSession(ctx, req)
	require.NoError(t, err)
	assert.True(t, g.ExpiresAt.Equal(c.Now().Add(DefaultSessionDuration)))
	assert.Zero(t, h.creds.record("nodeadline").SessionTimeoutSeconds)

	explicit := c.Now().Add(2 * time.Hour)
	req = request("explicit", "10.0.0.2")
	req.ExpiresAt = &explicit
	g, err = h.m.CreateSession(ctx, req)
	require.NoError(t, err)
	assert.True(t, g.ExpiresAt.Equal(explicit), "explicit expiration wins over the timeout")
}

func TestCreateSession_ConcurrentUIDsAreDistinct(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	const n = 25
	var mu sync.Mutex
	var seqs []int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := h.m.CreateSession(ctx, request(fmt.Sprintf("guest%d", i), fmt.Sprintf("10.1.0.%d", i+1)))
			if !assert.NoError(t, err) {
				return
			}
			seq, err := domain.ParseUID(g.UID)
			assert.NoError(t, err)
			mu.Lock()
			seqs = append(seqs, seq)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, seqs, n)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}

	sessions, err := h.m.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, n)
}

func TestCreateSession_ProvisionFailureLeavesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.creds.provisionErr = errBackendDown

	_, err := h.m.CreateSession(context.Background(), request("bob", "10.0.0.6"))
	require.ErrorIs(t, err, domain.ErrProvisioning)

	assert.Zero(t, h.dir.len(), "no session record may remain")
	assert.Zero(t, h.fw.rules.Total())
	assert.Empty(t, h.m.Outstanding())
}

func TestCreateSession_FirewallFailureCompensates(t *testing.T) {
	h := newHarness(t, nil)
	h.fw.authorizeErr = errBackendDown

	_, err := h.m.CreateSession(context.Background(), request("carol", "10.0.0.7"))
	require.ErrorIs(t, err, domain.ErrFirewall)

	assert.False(t, h.creds.has("carol"), "credentials must be deprovisioned")
	assert.Zero(t, h.dir.len())
}

func TestCreateSession_ActivationFailureCompensates(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.setUpdateErr(errBackendDown)

	_, err := h.m.CreateSession(context.Background(), request("dan", "10.0.0.8"))
	require.Error(t, err)

	assert.False(t, h.creds.has("dan"))
	assert.Zero(t, h.fw.rules.Total())
	assert.Zero(t, h.dir.len())
}

func TestCreateSession_FailedCompensationIsFinishedLater(t *testing.T) {
	h := newHarness(t, nil)
	h.fw.authorizeErr = errBackendDown
	h.creds.mu.Lock()
	h.creds.deprovisionErr = errBackendDown
	h.creds.mu.Unlock()

	_, err := h.m.CreateSession(context.Background(), request("erin", "10.0.0.9"))
	require.ErrorIs(t, err, domain.ErrFirewall)
	assert.Equal(t, 1, h.dir.len(), "pending record is kept while cleanup is owed")

	h.creds.mu.Lock()
	h.creds.deprovisionErr = nil
	h.creds.mu.Unlock()

	require.Eventually(t, func() bool {
		return h.dir.len() == 0 && !h.creds.has("erin")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateSession_ValidationHasNoSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	past := time.Now().Add(-time.Minute)
	negative := int64(-1)

	tests := []struct {
		name   string
		modify func(*CreateRequest)
	}{
		{"empty username", func(r *CreateRequest) { r.Username = "" }},
		{"bad username", func(r *CreateRequest) { r.Username = "no spaces" }},
		{"empty password", func(r *CreateRequest) { r.Password = "" }},
		{"negative timeout", func(r *CreateRequest) { r.SessionTimeoutMinutes = -5 }},
		{"past expiration", func(r *CreateRequest) { r.ExpiresAt = &past }},
		{"bad address", func(r *CreateRequest) { r.ClientAddress = "10.0.0.256" }},
		{"negative cap", func(r *CreateRequest) { r.MaxUploadBps = &negative }},
		{"no admin", func(r *CreateRequest) { r.CreatedBy = uuid.Nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("valid", "10.0.0.10")
			tt.modify(&req)
			_, err := h.m.CreateSession(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	assert.Zero(t, h.dir.seq, "no uid may be drawn for invalid requests")
	assert.Zero(t, h.fw.rules.Total())
}

func TestCreateSession_UsernameHeldByLiveSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.m.CreateSession(ctx, request("frank", "10.0.0.11"))
	require.NoError(t, err)

	_, err = h.m.CreateSession(ctx, request("frank", "10.0.0.12"))
	require.ErrorIs(t, err, domain.ErrUsernameTaken)
	assert.Equal(t, 1, h.fw.rules.Total())

	require.NoError(t, h.m.DeleteSession(ctx, first.UID))
	second, err := h.m.CreateSession(ctx, request("frank", "10.0.0.12"))
	require.NoError(t, err)
	assert.NotEqual(t, first.UID, second.UID)
}

func TestDeleteSession_RevokesAndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	g, err := h.m.CreateSession(ctx, request("gina", "10.0.0.13"))
	require.NoError(t, err)

	require.NoError(t, h.m.DeleteSession(ctx, g.UID))

	stored, err := h.m.GetSession(ctx, g.UID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, stored.State)
	assert.False(t, stored.RevocationPending)
	assert.Zero(t, h.fw.rules.Count("10.0.0.13"))
	assert.False(t, h.creds.has("gina"))
	_, armed := h.m.sched.Deadline(g.UID)
	assert.False(t, armed)

	require.NoError(t, h.m.DeleteSession(ctx, g.UID))

	status, err := h.m.ComputeStatus(ctx, g.UID)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Zero(t, status.RemainingMinutes)
}

func TestDeleteSession_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	err := h.m.DeleteSession(context.Background(), "USR0404")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = h.m.ComputeStatus(context.Background(), "USR0404")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestDeleteSession_BackendFailureKeepsObligation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	g, err := h.m.CreateSession(ctx, request("hank", "10.0.0.14"))
	require.NoError(t, err)

	h.fw.setRevokeErr(errBackendDown)
	err = h.m.DeleteSession(ctx, g.UID)
	require.ErrorIs(t, err, domain.ErrFirewall)

	stored, err := h.m.GetSession(ctx, g.UID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRevoked, stored.State, "record is terminal even though cleanup failed")
	assert.True(t, stored.RevocationPending)

	status, err := h.m.ComputeStatus(ctx, g.UID)
	require.NoError(t, err)
	assert.False(t, status.Active)

	h.fw.setRevokeErr(nil)
	require.Eventually(t, func() bool {
		stored, err := h.m.GetSession(ctx, g.UID)
		return err == nil && !stored.RevocationPending && h.fw.rules.Count("10.0.0.14") == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.m.Outstanding())
}

func TestDeleteSession_UnrecordedRevokeFinishesAsRevoked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	g, err := h.m.CreateSession(ctx, request("hugo", "10.0.0.24"))
	require.NoError(t, err)

	h.dir.setUpdateErr(errBackendDown)
	err = h.m.DeleteSession(ctx, g.UID)
	require.ErrorIs(t, err, errBackendDown)
	assert.Zero(t, h.fw.rules.Count("10.0.0.24"))
	assert.False(t, h.creds.has("hugo"))

	h.dir.setUpdateErr(nil)
	require.Eventually(t, func() bool {
		stored, err := h.m.GetSession(ctx, g.UID)
		return err == nil && stored.State == domain.StateRevoked
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := h.m.GetSession(ctx, g.UID)
	require.NoError(t, err)
	assert.False(t, stored.RevocationPending)

	status, err := h.m.ComputeStatus(ctx, g.UID)
	require.NoError(t, err)
	assert.False(t, status.Active)

	assert.Zero(t, h.fw.rules.Count("10.0.0.24"))
	assert.False(t, h.creds.has("hugo"))
	require.Eventually(t, func() bool {
		_, ok := h.m.sched.Deadline(g.UID)
		return !ok
	}, time.Second, 10*time.Millisecond, "nothing is left armed for the original expiry")
}

func TestExpiry_RevokesGrant(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	deadline := time.Now().Add(100 * time.Millisecond)
	req := request("ivy", "10.0.0.15")
	req.ExpiresAt = &deadline
	g, err := h.m.CreateSession(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, h.fw.rules.Count("10.0.0.15"))

	require.Eventually(t, func() bool {
		stored, err := h.m.GetSession(ctx, g.UID)
		return err == nil && stored.State == domain.StateExpired
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, h.fw.rules.Count("10.0.0.15"))
	assert.False(t, h.creds.has("ivy"))

	status, err := h.m.ComputeStatus(ctx, g.UID)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Zero(t, status.RemainingMinutes)
}

func TestExpiry_RetriesUntilRevoked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	deadline := time.Now().Add(50 * time.Millisecond)
	req := request("jack", "10.0.0.16")
	req.ExpiresAt = &deadline
	g, err := h.m.CreateSession(ctx, req)
	require.NoError(t, err)

	h.fw.setRevokeErr(errBackendDown)
	require.Eventually(t, func() bool {
		for _, o := range h.m.Outstanding() {
			if o.UID == g.UID && o.Attempts >= 2 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := h.m.GetSession(ctx, g.UID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, stored.State)
	assert.True(t, stored.RevocationPending)
	assert.Equal(t, 1, h.fw.rules.Count("10.0.0.16"))

	h.fw.setRevokeErr(nil)
	require.Eventually(t, func() bool {
		return h.fw.rules.Count("10.0.0.16") == 0 && len(h.m.Outstanding()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSharedAddress_KeepsGrantForRemainingSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a, err := h.m.CreateSession(ctx, request("kate", "192.168.0.50"))
	require.NoError(t, err)
	b, err := h.m.CreateSession(ctx, request("liam", "192.168.0.50"))
	require.NoError(t, err)
	assert.Equal(t, 1, h.fw.rules.Count("192.168.0.50"))

	require.NoError(t, h.m.DeleteSession(ctx, a.UID))
	assert.Equal(t, 1, h.fw.rules.Count("192.168.0.50"), "second session still relies on the address")

	status, err := h.m.ComputeStatus(ctx, b.UID)
	require.NoError(t, err)
	assert.True(t, status.Active)

	require.NoError(t, h.m.DeleteSession(ctx, b.UID))
	assert.Zero(t, h.fw.rules.Count("192.168.0.50"))
}

func TestSharedAddress_ConcurrentCreateKeepsOneRule(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	const addr = "192.168.0.60"

	var wg sync.WaitGroup
	sessions := make([]*domain.GuestSession, 2)
	errs := make([]error, 2)
	for i, name := range []string{"nora", "owen"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			sessions[i], errs[i] = h.m.CreateSession(ctx, request(name, addr))
		}(i, name)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, h.fw.rules.Count(addr))

	require.NoError(t, h.m.DeleteSession(ctx, sessions[0].UID))
	assert.Equal(t, 1, h.fw.rules.Count(addr))

	require.NoError(t, h.m.DeleteSession(ctx, sessions[1].UID))
	assert.Zero(t, h.fw.rules.Count(addr))
}

func TestComputeStatus_IsPureRead(t *testing.T) {
	c := &clock{now: time.Now()}
	h := newHarness(t, c.Now)
	ctx := context.Background()

	g, err := h.m.CreateSession(ctx, request("mia", "10.0.0.17"))
	require.NoError(t, err)

	status, err := h.m.ComputeStatus(ctx, g.UID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatus{UID: g.UID, Active: true, RemainingMinutes: 30}, status)

	c.Advance(15 * time.Minute)
	status, err = h.m.ComputeStatus(ctx, g.UID)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, status.RemainingMinutes, 0.0001)

	c.Advance(time.Hour)
	status, err = h.m.ComputeStatus(ctx, g.UID)
	require.NoError(t, err)
	assert.False(t, status.Active, "past the deadline the session reads inactive before the timer runs")
	assert.Zero(t, status.RemainingMinutes)

	stored, err := h.m.GetSession(ctx, g.UID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, stored.State, "status reads never change state")
}

func TestReconcile_RestoresObligations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := time.Now()
	admin := uuid.New()

	future := now.Add(time.Hour)
	past := now.Add(-time.Minute)
	h.dir.put(&domain.GuestSession{UID: "USR0001", Seq: 1, Username: "live", ClientAddress: "10.2.0.1",
		State: domain.StateActive, ExpiresAt: &future, CreatedBy: admin})
	h.dir.put(&domain.GuestSession{UID: "USR0002", Seq: 2, Username: "overdue", ClientAddress: "10.2.0.2",
		State: domain.StateActive, ExpiresAt: &past, CreatedBy: admin})
	h.dir.put(&domain.GuestSession{UID: "USR0003", Seq: 3, Username: "owed", ClientAddress: "10.2.0.3",
		State: domain.StateRevoked, ExpiresAt: &future, RevocationPending: true, CreatedBy: admin})
	h.dir.put(&domain.GuestSession{UID: "USR0004", Seq: 4, Username: "halfway", ClientAddress: "10.2.0.4",
		State: domain.StatePending, CreatedBy: admin})
	require.NoError(t, h.creds.Provision(ctx, domain.CredentialRecord{Username: "owed"}))
	require.NoError(t, h.creds.Provision(ctx, domain.CredentialRecord{Username: "halfway"}))

	report, err := h.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Active: 2, Cleanup: 1, Pending: 1}, report)

	assert.Equal(t, 1, h.fw.rules.Count("10.2.0.1"))
	deadline, ok := h.m.sched.Deadline("USR0001")
	require.True(t, ok)
	assert.True(t, deadline.Equal(future))

	require.Eventually(t, func() bool {
		overdue, err := h.dir.Get(ctx, "USR0002")
		if err != nil || overdue.State != domain.StateExpired {
			return false
		}
		owed, err := h.dir.Get(ctx, "USR0003")
		if err != nil || owed.RevocationPending {
			return false
		}
		_, err = h.dir.Get(ctx, "USR0004")
		return err == domain.ErrSessionNotFound
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, h.creds.has("owed"))
	assert.False(t, h.creds.has("halfway"))

	// A fresh session continues the sequence.
	g, err := h.m.CreateSession(ctx, request("next", "10.2.0.9"))
	require.NoError(t, err)
	assert.Equal(t, "USR0005", g.UID)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.m.Disconnect(ctx, DisconnectRequest{Username: "nina", AccessPoint: "10.9.0.1", Secret: "s"}))
	require.Len(t, h.dc.calls, 1)
	assert.Equal(t, disconnectCall{"nina", "10.9.0.1", "s"}, h.dc.calls[0])

	assert.ErrorIs(t, h.m.Disconnect(ctx, DisconnectRequest{Username: "nina"}), domain.ErrValidation)

	h.dc.err = errBackendDown
	assert.ErrorIs(t, h.m.Disconnect(ctx, DisconnectRequest{Username: "nina", AccessPoint: "10.9.0.1"}), domain.ErrDisconnect)

	assert.Zero(t, h.dir.len(), "disconnect does not touch session state")
}

func TestOpenAccountingSessions_Unsupported(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.OpenAccountingSessions(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}
