package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ace-controller/internal/audit"
	"ace-controller/internal/control"
	"ace-controller/internal/enforcer"
	"ace-controller/internal/model"
	"ace-controller/internal/policy"
	"ace-controller/internal/security"
	"ace-controller/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func macNorm(m string) string { return strings.ToLower(strings.TrimSpace(m)) }

// writeOpError maps the Control API's error taxonomy (spec.md §7) onto
// HTTP status codes.
func writeOpError(w http.ResponseWriter, err error) {
	opErr, ok := err.(*model.OpError)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Category: "Internal", Detail: err.Error()})
		return
	}
	code := http.StatusInternalServerError
	switch opErr.Category {
	case model.ErrInvalidInput:
		code = http.StatusBadRequest
	case model.ErrPolicyDenied:
		code = http.StatusForbidden
	case model.ErrConflict:
		code = http.StatusConflict
	case model.ErrEnforcerTransient:
		code = http.StatusServiceUnavailable
	case model.ErrEnforcerPermanent:
		code = http.StatusUnprocessableEntity
	case model.ErrInconsistent:
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, errorResponse{Category: string(opErr.Category), Detail: opErr.Detail})
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	registerSwagger(r)

	r.Get("/healthz", s.healthz)
	r.Get("/api/v1/policy/runtime", s.policyRuntime)

	r.Get("/portal/detect/{mac}", s.portalDetect)

	r.Post("/auth/token", s.issueToken)

	// The portal trust boundary: the captive-portal façade calls these two
	// routes directly (never an operator), authenticated by HMAC signature
	// instead of a JWT, so the MAC they act on comes from the verified
	// X-Client-MAC header, never the request body.
	r.Group(func(r chi.Router) {
		r.Use(security.PortalAuthMiddleware(s.st))

		r.Post("/portal/sessions", s.portalGrant)
		r.Post("/portal/sessions/revoke", s.portalRevoke)
	})

	r.Group(func(r chi.Router) {
		r.Use(security.OperatorAuthMiddleware(s.verifier))

		r.Post("/api/v1/sessions", s.grant)
		r.Get("/api/v1/sessions", s.listActiveSessions)
		r.Post("/api/v1/sessions/{id}/revoke", s.revoke)
		r.Post("/api/v1/sessions/{id}/force-disconnect", s.forceDisconnect)
		r.Post("/api/v1/sessions/{id}/extend", s.extend)

		r.Get("/api/v1/bindings", s.listBindings)
		r.Post("/api/v1/bindings", s.manualBind)
		r.Delete("/api/v1/bindings/{mac}", s.manualUnbind)

		r.Get("/api/v1/validate", s.validate)
		r.Get("/api/v1/rules/{backend}/snapshot", s.snapshotRules)
		r.Post("/api/v1/cleanup", s.triggerCleanup)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	err := s.st.Ping(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "redis_ping": err == nil})
}

func (s *Server) policyRuntime(w http.ResponseWriter, r *http.Request) {
	snap := policy.BuildSnapshot(s.cfg)
	w.Header().Set("X-Policy-Checksum", snap.Version.Checksum)
	writeJSON(w, http.StatusOK, snap)
}

// portalDetect is the captive-detection façade target spec.md §6
// describes: redirect MACs without an ACTIVE Session, success for ones
// with one.
func (s *Server) portalDetect(w http.ResponseWriter, r *http.Request) {
	mac := macNorm(chi.URLParam(r, "mac"))
	has, err := s.api.HasActiveSession(r.Context(), mac)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if has {
		writeJSON(w, http.StatusOK, map[string]any{"authorized": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authorized": false, "redirect": s.cfg.Network.PortalIP})
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Category: "InvalidInput", Detail: "bad_json"})
		return
	}
	expected := s.cfg.Controller.AdminSecretRef
	if expected != "" && req.AdminSecret != expected {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Category: "PolicyDenied", Detail: "invalid admin secret"})
		return
	}
	token, ttl, err := s.issuer.Issue(r.Context(), req.OperatorID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Category: "Internal", Detail: err.Error()})
		return
	}
	s.audit.Write(audit.CategoryAuth, audit.SeverityInfo, map[string]any{"operator_id": req.OperatorID}, nil)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresIn: ttl})
}

func (s *Server) grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Category: "InvalidInput", Detail: "bad_json"})
		return
	}
	req.MAC = macNorm(req.MAC)
	if req.MAC == "" || req.IP == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Category: "InvalidInput", Detail: "mac and ip are required"})
		return
	}

	result, err := s.api.Grant(r.Context(), control.GrantRequest{
		MAC: req.MAC, IP: req.IP, DurationSec: req.DurationSec,
		AuthMethod: req.AuthMethod, CredentialID: req.CredentialID, ProfileHint: req.ProfileHint,
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": result.Session.ID,
		"expires_at": result.Session.ExpiresAt,
		"conflicts":  result.Conflicts,
	})
}

// portalGrant is the portal-facing counterpart of grant: the MAC comes
// from the HMAC-verified X-Client-MAC header (security.CtxKeyClientMAC),
// never from the request body, so a signed request can't grant access on
// behalf of a MAC it didn't authenticate for.
func (s *Server) portalGrant(w http.ResponseWriter, r *http.Request) {
	mac, _ := r.Context().Value(security.CtxKeyClientMAC).(string)
	mac = macNorm(mac)

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Category: "InvalidInput", Detail: "bad_json"})
		return
	}
	if mac == "" || req.IP == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Category: "InvalidInput", Detail: "mac and ip are required"})
		return
	}

	result, err := s.api.Grant(r.Context(), control.GrantRequest{
		MAC: mac, IP: req.IP, DurationSec: req.DurationSec,
		AuthMethod: req.AuthMethod, CredentialID: req.CredentialID, ProfileHint: req.ProfileHint,
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": result.Session.ID,
		"expires_at": result.Session.ExpiresAt,
		"conflicts":  result.Conflicts,
	})
}

// portalRevoke is the portal-facing counterpart of revoke: it looks up the
// authenticated MAC's own active session rather than trusting a session id
// from the request body.
func (s *Server) portalRevoke(w http.ResponseWriter, r *http.Request) {
	mac, _ := r.Context().Value(security.CtxKeyClientMAC).(string)
	mac = macNorm(mac)
	if mac == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Category: "InvalidInput", Detail: "mac is required"})
		return
	}

	sess, err := s.st.GetActiveSessionByMAC(r.Context(), mac)
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if err != nil {
		writeOpError(w, err)
		return
	}

	if _, err := s.api.Revoke(r.Context(), sess.ID, model.ReasonUserLogout); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req revokeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	result, err := s.api.Revoke(r.Context(), id, model.RevokeReason(orDefault(req.Reason, string(model.ReasonAdmin))))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) forceDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req forceDisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Category: "InvalidInput", Detail: "bad_json"})
		return
	}
	result, err := s.api.ForceDisconnect(r.Context(), id, req.OperatorID, model.RevokeReason(orDefault(req.Reason, string(model.ReasonAdmin))))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) extend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Category: "InvalidInput", Detail: "bad_json"})
		return
	}
	newExpiry, err := s.api.Extend(r.Context(), id, req.AdditionalSec)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"new_expires_at": newExpiry})
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	mac := macNorm(r.URL.Query().Get("mac"))
	ip := r.URL.Query().Get("ip")
	result, err := s.api.Validate(r.Context(), mac, ip)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.api.ListActiveSessions(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) listBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.api.ListBindings(r.Context())
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": bindings})
}

func (s *Server) manualBind(w http.ResponseWriter, r *http.Request) {
	var req manualBindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Category: "InvalidInput", Detail: "bad_json"})
		return
	}
	expiresAt := time.Now().Add(time.Duration(req.DurationSec) * time.Second)
	result, err := s.api.ManualBind(r.Context(), macNorm(req.MAC), req.IP, req.SessionID, expiresAt)
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) manualUnbind(w http.ResponseWriter, r *http.Request) {
	mac := macNorm(chi.URLParam(r, "mac"))
	if err := s.api.ManualUnbind(r.Context(), mac); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) snapshotRules(w http.ResponseWriter, r *http.Request) {
	backend := enforcer.Backend(strings.ToUpper(chi.URLParam(r, "backend")))
	rules, err := s.api.SnapshotRules(r.Context(), backend)
	if err != nil {
		writeOpError(w, err)
		return
	}
	simulated := s.cfg.Enforcer.Mode == "SIMULATION"
	writeJSON(w, http.StatusOK, map[string]any{"simulated": simulated, "rules": rules})
}

func (s *Server) triggerCleanup(w http.ResponseWriter, r *http.Request) {
	s.api.TriggerCleanup(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
