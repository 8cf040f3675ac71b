// Package control implements the Control/Inspection API of spec.md §4.7:
// a thin adapter over the Session Lifecycle Manager, Binding Registry and
// Enforcer that the HTTP façade binds to one-to-one. It resolves device
// profiles via internal/policy before delegating to the Manager, since the
// Manager itself depends only on persistence/enforcer/audit.
package control

import (
	"context"
	"time"

	"ace-controller/internal/binding"
	"ace-controller/internal/config"
	"ace-controller/internal/enforcer"
	"ace-controller/internal/model"
	"ace-controller/internal/policy"
	"ace-controller/internal/reconcile"
	"ace-controller/internal/session"
	"ace-controller/internal/store"
)

type API struct {
	cfg      *config.Config
	st       *store.Client
	bindings *binding.Registry
	mgr      *session.Manager
	enf      enforcer.Enforcer
	loop     *reconcile.Loop
}

func New(cfg *config.Config, st *store.Client, bindings *binding.Registry, mgr *session.Manager, enf enforcer.Enforcer, loop *reconcile.Loop) *API {
	return &API{cfg: cfg, st: st, bindings: bindings, mgr: mgr, enf: enf, loop: loop}
}

type GrantRequest struct {
	MAC          string
	IP           string
	DurationSec  int
	AuthMethod   string
	CredentialID string
	ProfileHint  map[string]string
}

// Grant resolves a device profile for the request and delegates to the
// Session Lifecycle Manager's grantAccess.
func (a *API) Grant(ctx context.Context, req GrantRequest) (*session.GrantResult, error) {
	ctxAttrs := map[string]string{"mac": req.MAC, "ip": req.IP, "auth_method": req.AuthMethod}
	for k, v := range req.ProfileHint {
		ctxAttrs[k] = v
	}
	decision := policy.Resolve(a.cfg, ctxAttrs, "default")
	gp := policy.GrantParams(a.cfg, decision.ProfileName)

	duration := req.DurationSec
	if duration <= 0 {
		duration = policy.SessionDuration(a.cfg, decision.ProfileName, a.cfg.Session.DefaultDurationSec)
	}

	return a.mgr.GrantAccess(ctx, req.MAC, req.IP, duration, req.AuthMethod, req.CredentialID, gp)
}

func (a *API) Revoke(ctx context.Context, sessionID string, reason model.RevokeReason) (*session.RevokeResult, error) {
	return a.mgr.RevokeAccess(ctx, sessionID, reason)
}

func (a *API) ForceDisconnect(ctx context.Context, sessionID, operatorID string, reason model.RevokeReason) (*session.RevokeResult, error) {
	return a.mgr.ForceDisconnect(ctx, sessionID, operatorID, reason)
}

func (a *API) Extend(ctx context.Context, sessionID string, additionalSec int) (time.Time, error) {
	return a.mgr.Extend(ctx, sessionID, additionalSec)
}

func (a *API) Validate(ctx context.Context, mac, ip string) (binding.ValidateResult, error) {
	return a.bindings.Validate(ctx, mac, ip)
}

func (a *API) ListActiveSessions(ctx context.Context) ([]*model.Session, error) {
	ids, err := a.st.ListActiveSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		s, err := a.st.GetSession(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (a *API) ListBindings(ctx context.Context) ([]*model.Binding, error) {
	ids, err := a.st.ListActiveBindingIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Binding, 0, len(ids))
	for _, id := range ids {
		b, err := a.st.GetBinding(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// SnapshotRules reports the live Enforcer state for one backend — not
// guaranteed bit-exact against the ledger, but internally consistent
// (spec.md §4.1).
func (a *API) SnapshotRules(ctx context.Context, backend enforcer.Backend) ([]enforcer.InstalledRule, error) {
	return a.enf.Snapshot(ctx, backend)
}

func (a *API) ManualBind(ctx context.Context, mac, ip, sessionID string, expiresAt time.Time) (binding.CreateResult, error) {
	return a.bindings.CreateBinding(ctx, mac, ip, sessionID, expiresAt)
}

func (a *API) ManualUnbind(ctx context.Context, mac string) error {
	return a.bindings.RetireByMAC(ctx, mac)
}

// TriggerCleanup runs one reconciliation cycle synchronously — useful for
// operator-initiated cleanup outside the loop's own cadence.
func (a *API) TriggerCleanup(ctx context.Context) {
	a.loop.RunOnce(ctx)
}

// HasActiveSession is the single predicate the portal-detection façade
// needs (spec.md §6).
func (a *API) HasActiveSession(ctx context.Context, mac string) (bool, error) {
	return a.mgr.HasActiveSession(ctx, mac)
}
