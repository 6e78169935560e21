package firewall

import (
	"context"
	"net/netip"
	"sync"
)

// MemoryRuleTable keeps rules in process. It backs the "memory" firewall
// backend used for development and tests; it counts rules per address so
// duplicate insertions are observable.
type MemoryRuleTable struct {
	mu    sync.Mutex
	rules map[netip.Addr]int
}

// NewMemoryRuleTable creates an empty table.
func NewMemoryRuleTable() *MemoryRuleTable {
	return &MemoryRuleTable{rules: make(map[netip.Addr]int)}
}

// Exists implements RuleTable.
func (m *MemoryRuleTable) Exists(ctx context.Context, addr netip.Addr) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules[addr] > 0, nil
}

// Insert implements RuleTable.
func (m *MemoryRuleTable) Insert(ctx context.Context, addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[addr]++
	return nil
}

// Delete implements RuleTable.
func (m *MemoryRuleTable) Delete(ctx context.Context, addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rules[addr] > 0 {
		m.rules[addr]--
	}
	if m.rules[addr] == 0 {
		delete(m.rules, addr)
	}
	return nil
}

// Count returns the number of rules present for address.
func (m *MemoryRuleTable) Count(address string) int {
	addr, err := ParseAddress(address)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules[addr]
}

// Total returns the number of rules across all addresses.
func (m *MemoryRuleTable) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.rules {
		n += c
	}
	return n
}
