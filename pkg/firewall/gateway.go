// Package firewall grants and revokes forwarding permission for client
// addresses.
//
// A Gateway serializes every grant and revoke per address and performs the
// check-then-insert against a RuleTable while holding that address's lock, so
// concurrent callers can never stack duplicate rules or leave a dangling one.
// Several sessions may share an address (NAT, re-login from the same device);
// the gateway counts them as holders and only removes the rule once the last
// holder revokes.
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"

	"github.com/tendant/mini-nac/internal/syncx"
	"github.com/tendant/mini-nac/pkg/domain"
)

// RuleTable is the external rule store a Gateway drives. Implementations need
// not be safe for concurrent calls on the same address.
type RuleTable interface {
	// Exists reports whether an allow rule for addr is present.
	Exists(ctx context.Context, addr netip.Addr) (bool, error)
	// Insert adds exactly one allow rule for addr.
	Insert(ctx context.Context, addr netip.Addr) error
	// Delete removes the allow rule for addr; absence is not an error.
	Delete(ctx context.Context, addr netip.Addr) error
}

// Gateway grants forwarding for client addresses on top of a RuleTable.
type Gateway struct {
	rules  RuleTable
	locks  *syncx.KeyedMutex
	logger *slog.Logger

	mu      sync.Mutex
	holders map[netip.Addr]map[string]struct{}
}

// NewGateway creates a gateway over the given rule table.
func NewGateway(rules RuleTable, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		rules:   rules,
		locks:   syncx.NewKeyedMutex(),
		logger:  logger,
		holders: make(map[netip.Addr]map[string]struct{}),
	}
}

// ParseAddress validates and canonicalizes a client address.
func ParseAddress(address string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: invalid client address %q", domain.ErrValidation, address)
	}
	return addr.Unmap().WithZone(""), nil
}

// Authorize grants forwarding for address on behalf of holder. If a rule is
// already present no second rule is added.
func (g *Gateway) Authorize(ctx context.Context, address, holder string) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}

	unlock := g.locks.Lock(addr.String())
	defer unlock()

	exists, err := g.rules.Exists(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: checking rule for %s: %w", domain.ErrFirewall, addr, err)
	}
	if !exists {
		if err := g.rules.Insert(ctx, addr); err != nil {
			return fmt.Errorf("%w: inserting rule for %s: %w", domain.ErrFirewall, addr, err)
		}
		g.logger.Info("forwarding granted", "address", addr.String(), "holder", holder)
	} else {
		g.logger.Debug("forwarding already granted", "address", addr.String(), "holder", holder)
	}

	g.addHolder(addr, holder)
	return nil
}

// Revoke releases holder's claim on address and removes the rule once no
// holder remains. Revoking an address that has no rule succeeds.
func (g *Gateway) Revoke(ctx context.Context, address, holder string) error {
	addr, err := ParseAddress(address)
	if err != nil {
		return err
	}

	unlock := g.locks.Lock(addr.String())
	defer unlock()

	if remaining := g.removeHolder(addr, holder); remaining > 0 {
		g.logger.Info("forwarding kept for remaining holders",
			"address", addr.String(), "holder", holder, "remaining", remaining)
		return nil
	}

	if err := g.rules.Delete(ctx, addr); err != nil {
		return fmt.Errorf("%w: deleting rule for %s: %w", domain.ErrFirewall, addr, err)
	}
	g.logger.Info("forwarding revoked", "address", addr.String(), "holder", holder)
	return nil
}

// Holders returns the sorted holders currently relying on address.
func (g *Gateway) Holders(address string) []string {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.holders[addr]))
	for h := range g.holders[addr] {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) addHolder(addr netip.Addr, holder string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set, ok := g.holders[addr]
	if !ok {
		set = make(map[string]struct{})
		g.holders[addr] = set
	}
	set[holder] = struct{}{}
}

func (g *Gateway) removeHolder(addr netip.Addr, holder string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := g.holders[addr]
	delete(set, holder)
	if len(set) == 0 {
		delete(g.holders, addr)
		return 0
	}
	return len(set)
}
