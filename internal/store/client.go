// Package store is ace-controller's persistence engine (spec.md §3): a
// transactional KV store (Redis) holding sessions, bindings, ledger rows,
// and devices. It follows the teacher's internal/store idiom — a thin
// wrapper constructing a *redis.Client from config and exposing
// namespaced keys — generalized from a single session hash to the full
// entity set the ACE needs.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ace-controller/internal/config"
)

// Client wraps a redis connection and the key prefix every entity is
// namespaced under.
type Client struct {
	RDB    *redis.Client
	prefix string
}

func New(cfg *config.Config, password string) *Client {
	addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       cfg.Redis.DB,
	})
	return &Client{RDB: rdb, prefix: cfg.Redis.Prefix}
}

// NewWithRDB lets tests (and miniredis) inject a pre-built client.
func NewWithRDB(rdb *redis.Client, prefix string) *Client {
	return &Client{RDB: rdb, prefix: prefix}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.RDB.Ping(ctx).Err()
}

// RawKey builds a namespaced key from parts, satisfying the
// security.Store interface the portal-nonce guard depends on.
func (c *Client) RawKey(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// SetNX is the nonce-replay primitive security.ValidateNonce uses.
func (c *Client) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	return c.RDB.SetNX(ctx, key, val, ttl).Result()
}

func (c *Client) sessionKey(id string) string     { return c.RawKey("session", id) }
func (c *Client) sessionByMACKey(mac string) string { return c.RawKey("session", "bymac", mac) }
func (c *Client) bindingKey(id string) string      { return c.RawKey("binding", id) }
func (c *Client) bindingByMACKey(mac string) string { return c.RawKey("binding", "bymac", mac) }
func (c *Client) bindingByIPKey(ip string) string   { return c.RawKey("binding", "byip", ip) }
func (c *Client) ledgerKey(id string) string        { return c.RawKey("ledger", id) }
func (c *Client) ledgerBySessionKey(sessionID string) string {
	return c.RawKey("ledger", "bysession", sessionID)
}
func (c *Client) ledgerByStateKey(state string) string { return c.RawKey("ledger", "bystate", state) }
func (c *Client) deviceKey(mac string) string          { return c.RawKey("device", mac) }
