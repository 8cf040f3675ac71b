package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"ace-controller/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// activeIndexKey is a sorted set (score = expiresAt unix) of every
// non-terminated session ID, letting the reconciliation loop find expired
// sessions without scanning the whole keyspace.
func (c *Client) activeIndexKey() string { return c.RawKey("session", "index", "active") }

// credentialIndexKey is a set of MACs currently holding an ACTIVE session
// under the same portal-authenticated credential — how CountActiveDevicesByCredential
// enforces spec.md §6's device-count ceiling without scanning every session.
func (c *Client) credentialIndexKey(credentialID string) string {
	return c.RawKey("session", "bycred", credentialID)
}

// pipeSaveSession queues s's row and index writes onto pipe. Shared by
// SaveSession's own MULTI/EXEC and SaveSessionsTx's tx-participating one,
// so the exact same index bookkeeping happens whichever path called it.
func (c *Client) pipeSaveSession(ctx context.Context, pipe redis.Pipeliner, s *model.Session, data []byte) {
	pipe.Set(ctx, c.sessionKey(s.ID), data, 0)
	if s.State == model.SessionTerminated {
		pipe.Del(ctx, c.sessionByMACKey(s.MAC))
		pipe.ZRem(ctx, c.activeIndexKey(), s.ID)
		if s.CredentialID != "" {
			pipe.SRem(ctx, c.credentialIndexKey(s.CredentialID), s.MAC)
		}
	} else {
		pipe.Set(ctx, c.sessionByMACKey(s.MAC), s.ID, 0)
		pipe.ZAdd(ctx, c.activeIndexKey(), redis.Z{Score: float64(s.ExpiresAt.Unix()), Member: s.ID})
		if s.CredentialID != "" {
			pipe.SAdd(ctx, c.credentialIndexKey(s.CredentialID), s.MAC)
		}
	}
}

// SaveSession writes the full session row and maintains its by-MAC,
// by-credential, and active-index entries. Callers hold the per-MAC
// serialization (via WatchMAC) around the read-modify-write this sits
// inside.
func (c *Client) SaveSession(ctx context.Context, s *model.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	pipe := c.RDB.TxPipeline()
	c.pipeSaveSession(ctx, pipe, s, b)
	_, err = pipe.Exec(ctx)
	return err
}

// GetActiveSessionByMACTx is GetActiveSessionByMAC read through tx, so the
// session-by-MAC key it consults is the exact key WatchMAC is watching.
func (c *Client) GetActiveSessionByMACTx(ctx context.Context, tx *redis.Tx, mac string) (*model.Session, error) {
	id, err := tx.Get(ctx, c.sessionByMACKey(mac)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.GetSession(ctx, id)
}

// SaveSessionsTx persists one or more sessions through a single
// MULTI/EXEC issued on tx, so a supersede (terminate the old row, claim
// the MAC for a new one) commits or fails together against the same
// WATCH instead of going through the plain client mid-transaction.
// Callers must pass sessions in write order: a superseded session before
// the one claiming its MAC, since the session-by-MAC key is last-write-
// wins within the pipeline.
func (c *Client) SaveSessionsTx(ctx context.Context, tx *redis.Tx, sessions ...*model.Session) error {
	datas := make([][]byte, len(sessions))
	for i, s := range sessions {
		b, err := json.Marshal(s)
		if err != nil {
			return err
		}
		datas[i] = b
	}
	_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, s := range sessions {
			c.pipeSaveSession(ctx, pipe, s, datas[i])
		}
		return nil
	})
	return err
}

// CountActiveDevicesByCredential returns how many distinct MACs currently
// hold an ACTIVE session under credentialID. An empty credentialID always
// counts as zero — callers treat that as "ceiling not applicable".
func (c *Client) CountActiveDevicesByCredential(ctx context.Context, credentialID string) (int64, error) {
	if credentialID == "" {
		return 0, nil
	}
	return c.RDB.SCard(ctx, c.credentialIndexKey(credentialID)).Result()
}

func (c *Client) GetSession(ctx context.Context, id string) (*model.Session, error) {
	val, err := c.RDB.Get(ctx, c.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s model.Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActiveSessionByMAC returns the current non-terminated session for a
// MAC, or ErrNotFound if there isn't one. Invariant I1 relies on this
// being the only index consulted before a new grant.
func (c *Client) GetActiveSessionByMAC(ctx context.Context, mac string) (*model.Session, error) {
	id, err := c.RDB.Get(ctx, c.sessionByMACKey(mac)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.GetSession(ctx, id)
}

// ListExpiredSessions returns every indexed session ID whose expiry score
// is at or before cutoffUnix.
func (c *Client) ListExpiredSessions(ctx context.Context, cutoffUnix int64) ([]string, error) {
	return c.RDB.ZRangeByScore(ctx, c.activeIndexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoffUnix, 10),
	}).Result()
}

// ListActiveSessionIDs returns every ID currently in the active index,
// regardless of expiry — used by listActiveSessions and reconciliation's
// fixed-point checks.
func (c *Client) ListActiveSessionIDs(ctx context.Context) ([]string, error) {
	return c.RDB.ZRange(ctx, c.activeIndexKey(), 0, -1).Result()
}

// WatchMAC runs fn under an optimistic-lock transaction on the per-MAC
// session key, retrying on a concurrent write. This is how spec.md §5's
// "critical sections serialize on persistence-store transactions keyed by
// MAC" is implemented: fn must read the watched key and commit its writes
// through the *redis.Tx it's handed (tx.Get, tx.TxPipelined) rather than
// the plain client — a write to the watched key issued any other way
// doesn't participate in the WATCH and silently defeats it.
func (c *Client) WatchMAC(ctx context.Context, mac string, fn func(tx *redis.Tx) error) error {
	const maxRetries = 10
	key := c.sessionByMACKey(mac)
	for i := 0; i < maxRetries; i++ {
		err := c.RDB.Watch(ctx, fn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.New("store: WatchMAC exceeded retry budget")
}

// WatchIP is WatchMAC's counterpart for IP-keyed serialization (spec.md
// §4.3's race example: two grants for the same IP serialize by IP key).
func (c *Client) WatchIP(ctx context.Context, ip string, fn func(tx *redis.Tx) error) error {
	const maxRetries = 10
	key := c.bindingByIPKey(ip)
	for i := 0; i < maxRetries; i++ {
		err := c.RDB.Watch(ctx, fn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.New("store: WatchIP exceeded retry budget")
}
