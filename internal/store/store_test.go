package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ace-controller/internal/model"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithRDB(rdb, "ace:")
}

func TestSaveAndGetSession(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	sess := &model.Session{
		ID:        "s1",
		MAC:       "aa:bb:cc:dd:ee:01",
		IP:        "192.168.4.10",
		State:     model.SessionActive,
		StartedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := c.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := c.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MAC != sess.MAC {
		t.Fatalf("mac mismatch: %s", got.MAC)
	}

	byMAC, err := c.GetActiveSessionByMAC(ctx, sess.MAC)
	if err != nil {
		t.Fatalf("get by mac: %v", err)
	}
	if byMAC.ID != sess.ID {
		t.Fatalf("expected %s, got %s", sess.ID, byMAC.ID)
	}
}

func TestSessionTerminatedClearsIndex(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	sess := &model.Session{
		ID: "s1", MAC: "aa:bb:cc:dd:ee:01", State: model.SessionActive,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := c.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	sess.State = model.SessionTerminated
	if err := c.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save terminated: %v", err)
	}

	if _, err := c.GetActiveSessionByMAC(ctx, sess.MAC); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListExpiredSessions(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	past := &model.Session{ID: "expired", MAC: "aa:bb:cc:dd:ee:01", State: model.SessionActive, ExpiresAt: time.Now().Add(-time.Minute)}
	future := &model.Session{ID: "fresh", MAC: "aa:bb:cc:dd:ee:02", State: model.SessionActive, ExpiresAt: time.Now().Add(time.Hour)}
	if err := c.SaveSession(ctx, past); err != nil {
		t.Fatal(err)
	}
	if err := c.SaveSession(ctx, future); err != nil {
		t.Fatal(err)
	}

	ids, err := c.ListExpiredSessions(ctx, time.Now().Unix())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "expired" {
		t.Fatalf("expected only [expired], got %v", ids)
	}
}

func TestBindingConflictIndexes(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	b := &model.Binding{ID: "b1", MAC: "aa:bb:cc:dd:ee:01", IP: "192.168.4.10", State: model.BindingActive, CreatedAt: time.Now()}
	if err := c.SaveBinding(ctx, b); err != nil {
		t.Fatalf("save: %v", err)
	}

	byIP, err := c.GetActiveBindingByIP(ctx, b.IP)
	if err != nil {
		t.Fatalf("get by ip: %v", err)
	}
	if byIP.ID != b.ID {
		t.Fatalf("expected %s got %s", b.ID, byIP.ID)
	}

	b.State = model.BindingRetired
	if err := c.SaveBinding(ctx, b); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if err := c.ClearActiveIndexIfOwner(ctx, b.MAC, b.IP, b.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := c.GetActiveBindingByIP(ctx, b.IP); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after retire, got %v", err)
	}
}

func TestLedgerStateTransitions(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	e := &model.RuleLedgerEntry{LedgerID: "l1", SessionID: "s1", State: model.LedgerApplied, CreatedAt: time.Now()}
	if err := c.SaveLedgerEntry(ctx, e, ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	applied, err := c.ListLedgerByState(ctx, model.LedgerApplied)
	if err != nil || len(applied) != 1 {
		t.Fatalf("expected 1 applied row, got %v (%v)", applied, err)
	}

	e.State = model.LedgerRetracted
	if err := c.SaveLedgerEntry(ctx, e, model.LedgerApplied); err != nil {
		t.Fatalf("transition: %v", err)
	}

	applied, _ = c.ListLedgerByState(ctx, model.LedgerApplied)
	if len(applied) != 0 {
		t.Fatalf("expected 0 applied rows after transition, got %d", len(applied))
	}
	retracted, _ := c.ListLedgerByState(ctx, model.LedgerRetracted)
	if len(retracted) != 1 {
		t.Fatalf("expected 1 retracted row, got %d", len(retracted))
	}
}
