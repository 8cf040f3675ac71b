package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ace-controller/internal/audit"
	"ace-controller/internal/binding"
	"ace-controller/internal/config"
	"ace-controller/internal/control"
	"ace-controller/internal/enforcer"
	"ace-controller/internal/httpapi"
	"ace-controller/internal/ledger"
	"ace-controller/internal/reconcile"
	"ace-controller/internal/security"
	"ace-controller/internal/session"
	"ace-controller/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	security.SkipAuthForTest = true
	t.Cleanup(func() { security.SkipAuthForTest = false })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithRDB(rdb, "ace:")
	aud := audit.New(false, "test-secret", 64)
	go aud.Run()
	t.Cleanup(aud.Close)

	reg := binding.New(st, aud, 5)
	ldg := ledger.New(st)
	sim := enforcer.NewSimulator()

	cfg := &config.Config{
		Controller: config.Controller{ID: "ace-test", JWTTTL: time.Hour},
		Network:    config.Network{PortalIP: "10.0.0.1", PortalPort: 80, GatewayIP: "10.0.0.1", GatewayMAC: "00:11:22:33:44:55"},
	}

	mgr := session.New(st, reg, ldg, sim, aud, session.Config{
		Net: enforcer.NetworkParams{
			PortalIP: cfg.Network.PortalIP, PortalPort: cfg.Network.PortalPort,
			GatewayIP: cfg.Network.GatewayIP, GatewayMAC: cfg.Network.GatewayMAC,
		},
		CallTimeout: 5 * time.Second,
		MaxDuration: time.Hour,
	})
	loop := reconcile.New(st, reg, ldg, sim, mgr, aud, reconcile.Config{})
	api := control.New(cfg, st, reg, mgr, sim, loop)

	verifier := security.NewJWTVerifier([]byte("test-secret"))
	issuer := security.NewJWTIssuer([]byte("test-secret"), time.Hour)
	srv := httpapi.New(cfg, api, st, aud, verifier, issuer)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGrantThenValidate(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/sessions", map[string]any{
		"mac": "AA:BB:CC:DD:EE:01", "ip": "192.168.4.10", "duration_sec": 300,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 granting, got %d", resp.StatusCode)
	}
	var grantOut map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&grantOut)
	if grantOut["session_id"] == "" || grantOut["session_id"] == nil {
		t.Fatalf("expected a session_id, got %+v", grantOut)
	}

	valResp, err := http.Get(ts.URL + "/api/v1/validate?mac=aa:bb:cc:dd:ee:01&ip=192.168.4.10")
	if err != nil {
		t.Fatalf("validate get: %v", err)
	}
	defer valResp.Body.Close()
	if valResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 validating, got %d", valResp.StatusCode)
	}
	var valOut map[string]any
	_ = json.NewDecoder(valResp.Body).Decode(&valOut)
	if valOut["OK"] != true {
		t.Fatalf("expected binding to validate ok, got %+v", valOut)
	}
}

func TestGrantRejectsMissingMAC(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/api/v1/sessions", map[string]any{"ip": "192.168.4.10"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestPortalGrantThenPortalRevoke(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/portal/sessions",
		bytes.NewReader(mustJSON(t, map[string]any{"ip": "192.168.4.20", "duration_sec": 300})))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Client-MAC", "aa:bb:cc:dd:ee:02")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("portal grant: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 granting via portal, got %d", resp.StatusCode)
	}

	revokeReq, err := http.NewRequest(http.MethodPost, ts.URL+"/portal/sessions/revoke", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	revokeReq.Header.Set("X-Client-MAC", "aa:bb:cc:dd:ee:02")
	revokeResp, err := http.DefaultClient.Do(revokeReq)
	if err != nil {
		t.Fatalf("portal revoke: %v", err)
	}
	defer revokeResp.Body.Close()
	if revokeResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 revoking via portal, got %d", revokeResp.StatusCode)
	}
}

func TestPortalGrantMissingMACRejected(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/portal/sessions", map[string]any{"ip": "192.168.4.20"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without X-Client-MAC, got %d", resp.StatusCode)
	}
}

func TestPortalDetectUnauthorizedDeviceRedirects(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/portal/detect/aa:bb:cc:dd:ee:99")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out["authorized"] != false {
		t.Fatalf("expected unauthorized device, got %+v", out)
	}
}
