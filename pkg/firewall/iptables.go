package firewall

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// DefaultChain is the chain guest allow rules are placed in.
const DefaultChain = "FORWARD"

// IPTables is a RuleTable that manages one "-s <addr> -j ACCEPT" rule per
// address in a single chain, using iptables for IPv4 and ip6tables for IPv6.
type IPTables struct {
	runner Runner
	chain  string
	wait   bool
}

// NewIPTables creates an iptables rule table. wait adds -w so calls queue on
// the xtables lock instead of failing.
func NewIPTables(runner Runner, chain string, wait bool) *IPTables {
	if chain == "" {
		chain = DefaultChain
	}
	return &IPTables{runner: runner, chain: chain, wait: wait}
}

func (t *IPTables) binary(addr netip.Addr) string {
	if addr.Is4() {
		return "iptables"
	}
	return "ip6tables"
}

func (t *IPTables) args(op string, addr netip.Addr) []string {
	var args []string
	if t.wait {
		args = append(args, "-w")
	}
	return append(args, op, t.chain, "-s", addr.String(), "-j", "ACCEPT")
}

func (t *IPTables) run(ctx context.Context, op string, addr netip.Addr) (Result, error) {
	return t.runner.Run(ctx, t.binary(addr), t.args(op, addr)...)
}

// Exists checks the chain for an ACCEPT rule matching addr.
func (t *IPTables) Exists(ctx context.Context, addr netip.Addr) (bool, error) {
	res, err := t.run(ctx, "-C", addr)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, exitError(t.binary(addr), "-C", res)
	}
}

// Insert prepends an ACCEPT rule for addr to the chain.
func (t *IPTables) Insert(ctx context.Context, addr netip.Addr) error {
	res, err := t.run(ctx, "-I", addr)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return exitError(t.binary(addr), "-I", res)
	}
	return nil
}

// Delete removes one ACCEPT rule for addr. A missing rule is not an error.
func (t *IPTables) Delete(ctx context.Context, addr netip.Addr) error {
	res, err := t.run(ctx, "-D", addr)
	if err != nil {
		return err
	}
	// 1: no such rule
	if res.ExitCode != 0 && res.ExitCode != 1 {
		return exitError(t.binary(addr), "-D", res)
	}
	return nil
}

func exitError(bin, op string, res Result) error {
	return fmt.Errorf("%s %s exited %d: %s", bin, op, res.ExitCode, strings.TrimSpace(string(res.Output)))
}
