package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ace-controller/internal/audit"
	"ace-controller/internal/binding"
	"ace-controller/internal/enforcer"
	"ace-controller/internal/ledger"
	"ace-controller/internal/model"
	"ace-controller/internal/session"
	"ace-controller/internal/store"
)

func newTestLoop(t *testing.T) (*Loop, *session.Manager, *store.Client, *enforcer.Simulator) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithRDB(rdb, "ace:")
	aud := audit.New(false, "test-secret", 64)
	reg := binding.New(st, aud, 5)
	ldg := ledger.New(st)
	sim := enforcer.NewSimulator()

	mgr := session.New(st, reg, ldg, sim, aud, session.Config{
		Net:         enforcer.NetworkParams{PortalIP: "10.0.0.1", PortalPort: 80, GatewayMAC: "00:11:22:33:44:55"},
		CallTimeout: 5 * time.Second,
		MaxDuration: time.Hour,
	})

	loop := New(st, reg, ldg, sim, mgr, aud, Config{Cadence: time.Minute, GracePeriod: time.Second, MaxRetries: 3})
	return loop, mgr, st, sim
}

func TestExpireSessionsRevokesPastGrace(t *testing.T) {
	loop, mgr, st, _ := newTestLoop(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	granted, err := mgr.GrantAccess(ctx, mac, "192.168.4.10", 1, "portal", "", enforcer.GrantParams{})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	// duration (1s) + grace (1s), plus margin for the whole-second expiry score.
	time.Sleep(2100 * time.Millisecond)

	loop.RunOnce(ctx)

	sess, err := st.GetSession(ctx, granted.Session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != model.SessionTerminated {
		t.Fatalf("expected expired session revoked to TERMINATED, got %s", sess.State)
	}
}

func TestRetryFailedRowsPromotesToDead(t *testing.T) {
	loop, _, st, _ := newTestLoop(t)
	ctx := context.Background()
	ldg := ledger.New(st)

	e, err := ldg.WriteAheadApply(ctx, "s1", model.BackendL3, "GRANT_EGRESS", `{"identity":{},"kind":"GRANT_EGRESS"}`)
	if err != nil {
		t.Fatalf("write-ahead: %v", err)
	}
	e.Attempts = 10
	if err := st.SaveLedgerEntry(ctx, e, model.LedgerFailed); err != nil {
		t.Fatalf("bump attempts: %v", err)
	}

	loop.retryFailedRows(ctx)

	got, err := ldg.Get(ctx, e.LedgerID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.LedgerDead {
		t.Fatalf("expected DEAD after exhausting retry budget, got %s", got.State)
	}
}

func TestRunOnceIsReentrantSafe(t *testing.T) {
	loop, _, _, _ := newTestLoop(t)
	ctx := context.Background()

	loop.running = 1
	loop.RunOnce(ctx)
	if loop.running != 1 {
		t.Fatal("expected RunOnce to no-op while a cycle is already in flight")
	}
	loop.running = 0
}
