package guest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tendant/mini-nac/pkg/domain"
	"github.com/tendant/mini-nac/pkg/firewall"
)

var errBackendDown = errors.New("backend unavailable")

// memDirectory is an in-memory Directory with injectable failures.
type memDirectory struct {
	mu        sync.Mutex
	seq       int64
	sessions  map[string]*domain.GuestSession
	updateErr error
}

func newMemDirectory() *memDirectory {
	return &memDirectory{sessions: make(map[string]*domain.GuestSession)}
}

func (d *memDirectory) NextSeq(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq, nil
}

func (d *memDirectory) Create(ctx context.Context, g *domain.GuestSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, other := range d.sessions {
		if other.Username == g.Username && (other.State.IsLive() || other.RevocationPending) {
			return domain.ErrUsernameTaken
		}
	}
	d.sessions[g.UID] = g.Clone()
	return nil
}

func (d *memDirectory) Get(ctx context.Context, uid string) (*domain.GuestSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.sessions[uid]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return g.Clone(), nil
}

func (d *memDirectory) List(ctx context.Context) ([]*domain.GuestSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*domain.GuestSession
	for _, g := range d.sessions {
		out = append(out, g.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (d *memDirectory) Update(ctx context.Context, g *domain.GuestSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.updateErr != nil {
		return d.updateErr
	}
	if _, ok := d.sessions[g.UID]; !ok {
		return domain.ErrSessionNotFound
	}
	d.sessions[g.UID] = g.Clone()
	return nil
}

func (d *memDirectory) Delete(ctx context.Context, uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, uid)
	return nil
}

func (d *memDirectory) put(g *domain.GuestSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g.Seq > d.seq {
		d.seq = g.Seq
	}
	d.sessions[g.UID] = g.Clone()
}

func (d *memDirectory) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *memDirectory) setUpdateErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateErr = err
}

// fakeCredentials records provisioned credentials by username.
type fakeCredentials struct {
	mu             sync.Mutex
	records        map[string]domain.CredentialRecord
	provisionErr   error
	deprovisionErr error
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{records: make(map[string]domain.CredentialRecord)}
}

func (c *fakeCredentials) Provision(ctx context.Context, rec domain.CredentialRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.provisionErr != nil {
		return c.provisionErr
	}
	c.records[rec.Username] = rec
	return nil
}

func (c *fakeCredentials) Deprovision(ctx context.Context, username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deprovisionErr != nil {
		return c.deprovisionErr
	}
	delete(c.records, username)
	return nil
}

func (c *fakeCredentials) has(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[username]
	return ok
}

func (c *fakeCredentials) record(username string) domain.CredentialRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[username]
}

// fakeFirewall drives a real Gateway over an in-memory rule table and can be
// told to fail.
type fakeFirewall struct {
	*firewall.Gateway
	rules *firewall.MemoryRuleTable

	mu           sync.Mutex
	authorizeErr error
	revokeErr    error
}

func newFakeFirewall() *fakeFirewall {
	rules := firewall.NewMemoryRuleTable()
	return &fakeFirewall{Gateway: firewall.NewGateway(rules, nil), rules: rules}
}

func (f *fakeFirewall) Authorize(ctx context.Context, address, holder string) error {
	f.mu.Lock()
	err := f.authorizeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Gateway.Authorize(ctx, address, holder)
}

func (f *fakeFirewall) Revoke(ctx context.Context, address, holder string) error {
	f.mu.Lock()
	err := f.revokeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Gateway.Revoke(ctx, address, holder)
}

func (f *fakeFirewall) setRevokeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeErr = err
}

type disconnectCall struct {
	username, accessPoint, secret string
}

type fakeDisconnect struct {
	mu    sync.Mutex
	calls []disconnectCall
	err   error
}

func (f *fakeDisconnect) SendDisconnect(ctx context.Context, username, accessPoint, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, disconnectCall{username, accessPoint, secret})
	return f.err
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
