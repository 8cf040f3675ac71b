package store

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"ace-controller/internal/model"
)

func (c *Client) SaveDevice(ctx context.Context, d *model.Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.RDB.Set(ctx, c.deviceKey(d.MAC), data, 0).Err()
}

func (c *Client) GetDevice(ctx context.Context, mac string) (*model.Device, error) {
	val, err := c.RDB.Get(ctx, c.deviceKey(mac)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d model.Device
	if err := json.Unmarshal([]byte(val), &d); err != nil {
		return nil, err
	}
	return &d, nil
}
