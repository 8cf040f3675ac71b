package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ace-controller/internal/model"
)

func (c *Client) activeBindingIndexKey() string { return c.RawKey("binding", "index", "active") }
func (c *Client) bindingHistoryKey(mac string) string {
	return c.RawKey("binding", "history", mac)
}

// pipeSaveBinding queues b's row and index writes onto pipe. Shared by
// SaveBinding's own MULTI/EXEC and RetireBindingsTx's tx-participating one.
func (c *Client) pipeSaveBinding(ctx context.Context, pipe redis.Pipeliner, b *model.Binding, data []byte) {
	pipe.Set(ctx, c.bindingKey(b.ID), data, 0)
	if b.State == model.BindingActive {
		pipe.Set(ctx, c.bindingByMACKey(b.MAC), b.ID, 0)
		pipe.Set(ctx, c.bindingByIPKey(b.IP), b.ID, 0)
		pipe.SAdd(ctx, c.activeBindingIndexKey(), b.ID)
		pipe.ZAdd(ctx, c.bindingHistoryKey(b.MAC), redis.Z{Score: float64(b.CreatedAt.Unix()), Member: b.ID})
	} else {
		pipe.SRem(ctx, c.activeBindingIndexKey(), b.ID)
	}
}

// SaveBinding persists a binding and maintains its by-MAC/by-IP indexes
// (only while ACTIVE — a RETIRED binding is reachable only by ID or
// history) plus a per-MAC creation-time history used for RAPID_REBIND
// detection.
func (c *Client) SaveBinding(ctx context.Context, b *model.Binding) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	pipe := c.RDB.TxPipeline()
	c.pipeSaveBinding(ctx, pipe, b, data)
	_, err = pipe.Exec(ctx)
	return err
}

// GetActiveBindingByIPTx is GetActiveBindingByIP read through tx, so the
// by-IP pointer CreateBinding decides on is the exact key WatchIP watches.
func (c *Client) GetActiveBindingByIPTx(ctx context.Context, tx *redis.Tx, ip string) (*model.Binding, error) {
	id, err := tx.Get(ctx, c.bindingByIPKey(ip)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.GetBinding(ctx, id)
}

// RetireBindingsTx writes each binding in retired (already marked RETIRED
// by the caller) and newBinding (ACTIVE), clearing whichever by-MAC/by-IP
// pointer each retired binding owns that newBinding's own write doesn't
// already overwrite — all through one MULTI/EXEC on tx, so a create that
// displaces a colliding binding commits or fails as one unit against the
// WATCH instead of the retire and the create racing as separate writes.
func (c *Client) RetireBindingsTx(ctx context.Context, tx *redis.Tx, retired []*model.Binding, newBinding *model.Binding) error {
	datas := make([][]byte, len(retired))
	for i, b := range retired {
		d, err := json.Marshal(b)
		if err != nil {
			return err
		}
		datas[i] = d
	}
	newData, err := json.Marshal(newBinding)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, b := range retired {
			pipe.Del(ctx, c.bindingByMACKey(b.MAC))
			pipe.Del(ctx, c.bindingByIPKey(b.IP))
			c.pipeSaveBinding(ctx, pipe, b, datas[i])
		}
		c.pipeSaveBinding(ctx, pipe, newBinding, newData)
		return nil
	})
	return err
}

// ClearActiveIndexIfOwner removes the by-MAC/by-IP pointer only if it
// still points at bindingID, so a retire can't clobber a newer binding
// that already claimed the same MAC or IP.
func (c *Client) ClearActiveIndexIfOwner(ctx context.Context, mac, ip, bindingID string) error {
	del := c.RDB.TxPipeline()
	if v, err := c.RDB.Get(ctx, c.bindingByMACKey(mac)).Result(); err == nil && v == bindingID {
		del.Del(ctx, c.bindingByMACKey(mac))
	}
	if v, err := c.RDB.Get(ctx, c.bindingByIPKey(ip)).Result(); err == nil && v == bindingID {
		del.Del(ctx, c.bindingByIPKey(ip))
	}
	_, err := del.Exec(ctx)
	return err
}

func (c *Client) GetBinding(ctx context.Context, id string) (*model.Binding, error) {
	val, err := c.RDB.Get(ctx, c.bindingKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b model.Binding
	if err := json.Unmarshal([]byte(val), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) GetActiveBindingByMAC(ctx context.Context, mac string) (*model.Binding, error) {
	id, err := c.RDB.Get(ctx, c.bindingByMACKey(mac)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.GetBinding(ctx, id)
}

func (c *Client) GetActiveBindingByIP(ctx context.Context, ip string) (*model.Binding, error) {
	id, err := c.RDB.Get(ctx, c.bindingByIPKey(ip)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.GetBinding(ctx, id)
}

func (c *Client) ListActiveBindingIDs(ctx context.Context) ([]string, error) {
	return c.RDB.SMembers(ctx, c.activeBindingIndexKey()).Result()
}

// RecentBindingCount returns how many bindings were created for mac within
// the last window — the RAPID_REBIND signal of spec.md §4.2.
func (c *Client) RecentBindingCount(ctx context.Context, mac string, window time.Duration) (int64, error) {
	now := time.Now()
	return c.RDB.ZCount(ctx, c.bindingHistoryKey(mac),
		strconv.FormatInt(now.Add(-window).Unix(), 10),
		strconv.FormatInt(now.Unix(), 10)).Result()
}
