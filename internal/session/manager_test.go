package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ace-controller/internal/audit"
	"ace-controller/internal/binding"
	"ace-controller/internal/enforcer"
	"ace-controller/internal/ledger"
	"ace-controller/internal/model"
	"ace-controller/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *enforcer.Simulator, *store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithRDB(rdb, "ace:")
	aud := audit.New(false, "test-secret", 64)
	reg := binding.New(st, aud, 5)
	ldg := ledger.New(st)
	sim := enforcer.NewSimulator()

	mgr := New(st, reg, ldg, sim, aud, Config{
		Net: enforcer.NetworkParams{
			PortalIP: "10.0.0.1", PortalPort: 80,
			GatewayIP: "10.0.0.1", GatewayMAC: "00:11:22:33:44:55",
		},
		CallTimeout:      5 * time.Second,
		MaxDuration:      time.Hour,
		MaxDevicesPerMAC: 2,
	})
	return mgr, sim, st
}

func TestGrantAccessSuccess(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	res, err := mgr.GrantAccess(ctx, "aa:bb:cc:dd:ee:01", "192.168.4.10", 300, "portal", "", enforcer.GrantParams{VLAN: 10, FirewallGroup: "default"})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if res.Session.State != model.SessionActive {
		t.Fatalf("expected ACTIVE session, got %s", res.Session.State)
	}

	has, err := mgr.HasActiveSession(ctx, "aa:bb:cc:dd:ee:01")
	if err != nil || !has {
		t.Fatalf("expected active session, got %v (%v)", has, err)
	}
}

func TestGrantAccessIdempotentReGrant(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	mac, ip := "aa:bb:cc:dd:ee:01", "192.168.4.10"

	first, err := mgr.GrantAccess(ctx, mac, ip, 300, "portal", "", enforcer.GrantParams{VLAN: 10})
	if err != nil {
		t.Fatalf("first grant: %v", err)
	}

	second, err := mgr.GrantAccess(ctx, mac, ip, 300, "portal", "", enforcer.GrantParams{VLAN: 10})
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if second.Session.ID != first.Session.ID {
		t.Fatalf("expected idempotent re-grant to return same session, got %s vs %s", second.Session.ID, first.Session.ID)
	}
}

func TestGrantAccessReplacesOnDifferentIP(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	first, err := mgr.GrantAccess(ctx, mac, "192.168.4.10", 300, "portal", "", enforcer.GrantParams{VLAN: 10})
	if err != nil {
		t.Fatalf("first grant: %v", err)
	}

	second, err := mgr.GrantAccess(ctx, mac, "192.168.4.11", 300, "portal", "", enforcer.GrantParams{VLAN: 10})
	if err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if second.Session.ID == first.Session.ID {
		t.Fatal("expected a new session id when the IP changes")
	}

	prior, err := mgr.st.GetSession(ctx, first.Session.ID)
	if err != nil {
		t.Fatalf("get prior: %v", err)
	}
	if prior.State != model.SessionTerminated {
		t.Fatalf("expected prior session terminated, got %s", prior.State)
	}
}

func TestGrantAccessBlockedDevice(t *testing.T) {
	mgr, _, st := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	if err := st.SaveDevice(ctx, &model.Device{MAC: mac, Blocked: true, BlockReason: "test"}); err != nil {
		t.Fatalf("save device: %v", err)
	}

	_, err := mgr.GrantAccess(ctx, mac, "192.168.4.10", 300, "portal", "", enforcer.GrantParams{})
	if err == nil {
		t.Fatal("expected error for blocked device")
	}
	opErr, ok := err.(*model.OpError)
	if !ok || opErr.Category != model.ErrPolicyDenied {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}
}

func TestGrantAccessEnforcerFailureCompensates(t *testing.T) {
	mgr, sim, _ := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	sim.FaultNext(enforcer.GrantEgress, 1)

	_, err := mgr.GrantAccess(ctx, mac, "192.168.4.10", 300, "portal", "", enforcer.GrantParams{})
	if err == nil {
		t.Fatal("expected an enforcer failure error")
	}

	has, err := mgr.HasActiveSession(ctx, mac)
	if err != nil {
		t.Fatalf("has active: %v", err)
	}
	if has {
		t.Fatal("expected no active session after a failed grant")
	}
}

func TestRevokeAccessRetractsAndTerminates(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	granted, err := mgr.GrantAccess(ctx, mac, "192.168.4.10", 300, "portal", "", enforcer.GrantParams{})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	result, err := mgr.RevokeAccess(ctx, granted.Session.ID, model.ReasonUserLogout)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(result.RetractedHandles) == 0 {
		t.Fatal("expected retracted handles")
	}

	sess, err := mgr.st.GetSession(ctx, granted.Session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.State != model.SessionTerminated {
		t.Fatalf("expected TERMINATED, got %s", sess.State)
	}
}

func TestRevokeAccessIdempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	granted, err := mgr.GrantAccess(ctx, mac, "192.168.4.10", 300, "portal", "", enforcer.GrantParams{})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	if _, err := mgr.RevokeAccess(ctx, granted.Session.ID, model.ReasonUserLogout); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if _, err := mgr.RevokeAccess(ctx, granted.Session.ID, model.ReasonUserLogout); err != nil {
		t.Fatalf("second revoke (idempotent): %v", err)
	}
}

func TestExtendUpdatesSessionAndBinding(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	granted, err := mgr.GrantAccess(ctx, mac, "192.168.4.10", 300, "portal", "", enforcer.GrantParams{})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	newExpiry, err := mgr.Extend(ctx, granted.Session.ID, 60)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !newExpiry.After(granted.Session.ExpiresAt) {
		t.Fatal("expected extended expiry to be later")
	}

	b, err := mgr.st.GetActiveBindingByMAC(ctx, mac)
	if err != nil {
		t.Fatalf("get binding: %v", err)
	}
	if !b.ExpiresAt.Equal(newExpiry) {
		t.Fatalf("expected binding expiry to match session, got %v vs %v", b.ExpiresAt, newExpiry)
	}
}

// TestGrantAccessConcurrentSameMACSerializes fires many concurrent grants
// for one MAC at different IPs and asserts invariant I1 holds afterward:
// exactly one ACTIVE session and one ACTIVE binding survive, never two.
func TestGrantAccessConcurrentSameMACSerializes(t *testing.T) {
	mgr, _, st := newTestManager(t)
	ctx := context.Background()
	mac := "aa:bb:cc:dd:ee:01"

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := "192.168.4." + strconv.Itoa(10+i)
			_, err := mgr.GrantAccess(ctx, mac, ip, 300, "portal", "", enforcer.GrantParams{VLAN: 10})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected grant error: %v", err)
		}
	}

	ids, err := st.ListActiveSessionIDs(ctx)
	if err != nil {
		t.Fatalf("list active sessions: %v", err)
	}
	activeForMAC := 0
	for _, id := range ids {
		sess, err := st.GetSession(ctx, id)
		if err != nil {
			t.Fatalf("get session %s: %v", id, err)
		}
		if sess.MAC == mac && sess.State == model.SessionActive {
			activeForMAC++
		}
	}
	if activeForMAC != 1 {
		t.Fatalf("expected exactly one ACTIVE session for %s, got %d", mac, activeForMAC)
	}

	bindingIDs, err := st.ListActiveBindingIDs(ctx)
	if err != nil {
		t.Fatalf("list active bindings: %v", err)
	}
	activeBindingsForMAC := 0
	for _, id := range bindingIDs {
		b, err := st.GetBinding(ctx, id)
		if err != nil {
			t.Fatalf("get binding %s: %v", id, err)
		}
		if b.MAC == mac {
			activeBindingsForMAC++
		}
	}
	if activeBindingsForMAC != 1 {
		t.Fatalf("expected exactly one ACTIVE binding for %s, got %d", mac, activeBindingsForMAC)
	}
}

func TestGrantAccessDeviceCeilingExceeded(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	credentialID := "user-1"

	if _, err := mgr.GrantAccess(ctx, "aa:bb:cc:dd:ee:01", "192.168.4.10", 300, "portal", credentialID, enforcer.GrantParams{}); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if _, err := mgr.GrantAccess(ctx, "aa:bb:cc:dd:ee:02", "192.168.4.11", 300, "portal", credentialID, enforcer.GrantParams{}); err != nil {
		t.Fatalf("second grant: %v", err)
	}

	_, err := mgr.GrantAccess(ctx, "aa:bb:cc:dd:ee:03", "192.168.4.12", 300, "portal", credentialID, enforcer.GrantParams{})
	if err == nil {
		t.Fatal("expected the third device under the same credential to be denied")
	}
	opErr, ok := err.(*model.OpError)
	if !ok || opErr.Category != model.ErrPolicyDenied {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}
}

func TestGrantAccessDeviceCeilingIgnoredWithoutCredential(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mac := "aa:bb:cc:dd:ee:0" + strconv.Itoa(i+1)
		ip := "192.168.4." + strconv.Itoa(10+i)
		if _, err := mgr.GrantAccess(ctx, mac, ip, 300, "portal", "", enforcer.GrantParams{}); err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}
}
