package firewall

import (
	"context"
	"encoding/json"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces grant keys.
const DefaultRedisPrefix = "nac:grant:"

// RedisRuleTable publishes grants as Redis keys (prefix + address) for a
// data-plane agent that programs the packet filter.
type RedisRuleTable struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisRuleTable creates a Redis-backed rule table.
func NewRedisRuleTable(rdb *redis.Client, prefix string) *RedisRuleTable {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRuleTable{rdb: rdb, prefix: prefix}
}

type redisGrant struct {
	Address   string `json:"address"`
	Action    string `json:"action"`
	GrantedAt int64  `json:"granted_at"`
}

func (t *RedisRuleTable) key(addr netip.Addr) string {
	return t.prefix + addr.String()
}

// Exists reports whether a grant key is stored for addr.
func (t *RedisRuleTable) Exists(ctx context.Context, addr netip.Addr) (bool, error) {
	n, err := t.rdb.Exists(ctx, t.key(addr)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Insert stores the grant key for addr unless one is already present.
func (t *RedisRuleTable) Insert(ctx context.Context, addr netip.Addr) error {
	b, err := json.Marshal(redisGrant{
		Address:   addr.String(),
		Action:    "accept",
		GrantedAt: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	// SETNX keeps a single grant even if another writer raced us.
	return t.rdb.SetNX(ctx, t.key(addr), string(b), 0).Err()
}

// Delete removes the grant key for addr. Missing keys are not an error.
func (t *RedisRuleTable) Delete(ctx context.Context, addr netip.Addr) error {
	return t.rdb.Del(ctx, t.key(addr)).Err()
}

// Ping checks connectivity to Redis.
func (t *RedisRuleTable) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}
