package store

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"ace-controller/internal/model"
)

// SaveLedgerEntry writes the row and keeps its by-session and by-state set
// memberships current, moving it out of any previous state's set.
func (c *Client) SaveLedgerEntry(ctx context.Context, e *model.RuleLedgerEntry, prevState model.LedgerState) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := c.RDB.TxPipeline()
	pipe.Set(ctx, c.ledgerKey(e.LedgerID), data, 0)
	pipe.SAdd(ctx, c.ledgerBySessionKey(e.SessionID), e.LedgerID)
	if prevState != "" && prevState != e.State {
		pipe.SRem(ctx, c.ledgerByStateKey(string(prevState)), e.LedgerID)
	}
	pipe.SAdd(ctx, c.ledgerByStateKey(string(e.State)), e.LedgerID)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) GetLedgerEntry(ctx context.Context, id string) (*model.RuleLedgerEntry, error) {
	val, err := c.RDB.Get(ctx, c.ledgerKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e model.RuleLedgerEntry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) ListLedgerBySession(ctx context.Context, sessionID string) ([]*model.RuleLedgerEntry, error) {
	ids, err := c.RDB.SMembers(ctx, c.ledgerBySessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	return c.getLedgerEntries(ctx, ids)
}

func (c *Client) ListLedgerByState(ctx context.Context, state model.LedgerState) ([]*model.RuleLedgerEntry, error) {
	ids, err := c.RDB.SMembers(ctx, c.ledgerByStateKey(string(state))).Result()
	if err != nil {
		return nil, err
	}
	return c.getLedgerEntries(ctx, ids)
}

func (c *Client) getLedgerEntries(ctx context.Context, ids []string) ([]*model.RuleLedgerEntry, error) {
	out := make([]*model.RuleLedgerEntry, 0, len(ids))
	for _, id := range ids {
		e, err := c.GetLedgerEntry(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
