// Package session implements the Session Lifecycle Manager of spec.md
// §4.3: the only component that mutates Session and Binding state, and the
// only caller that drives the Enforcer through the rule synthesizers. It
// owns the Ledger write-ahead/outcome-recording sequence around every
// Enforcer call.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"ace-controller/internal/audit"
	"ace-controller/internal/binding"
	"ace-controller/internal/enforcer"
	"ace-controller/internal/ledger"
	"ace-controller/internal/model"
	"ace-controller/internal/store"
)

// portalLedgerID namespaces the device-level PORTAL_REDIRECT ledger rows
// that aren't tied to any particular session (spec.md §4.3 step 5's
// "ledgered as a fresh entry not tied to the terminating session").
func portalLedgerID(mac string) string { return "portal:" + mac }

type Manager struct {
	st       *store.Client
	bindings *binding.Registry
	ledger   *ledger.Ledger
	enf      enforcer.Enforcer
	aud      *audit.Logger

	net              enforcer.NetworkParams
	callTimeout      time.Duration
	maxDuration      time.Duration
	maxDevicesPerMAC int
}

type Config struct {
	Net         enforcer.NetworkParams
	CallTimeout time.Duration
	MaxDuration time.Duration
	// MaxDevicesPerMAC is spec.md §6's device-count ceiling: the maximum
	// number of distinct MACs that may each hold a session under the same
	// credential at once. Zero disables the check.
	MaxDevicesPerMAC int
}

func New(st *store.Client, bindings *binding.Registry, ldg *ledger.Ledger, enf enforcer.Enforcer, aud *audit.Logger, cfg Config) *Manager {
	return &Manager{
		st:               st,
		bindings:         bindings,
		ledger:           ldg,
		enf:              enf,
		aud:              aud,
		net:              cfg.Net,
		callTimeout:      cfg.CallTimeout,
		maxDuration:      cfg.MaxDuration,
		maxDevicesPerMAC: cfg.MaxDevicesPerMAC,
	}
}

type GrantResult struct {
	Session   *model.Session
	Conflicts []model.Anomaly
}

type RevokeResult struct {
	RetractedHandles []string
	ResidualFailures []string
}

// encodeRule is how a synthesized Rule becomes a ledger Descriptor: opaque
// to every other component, but structured enough for this package to
// reconstruct the enforcer.Handle a later retract needs.
func encodeRule(r enforcer.Rule) string {
	b, _ := json.Marshal(r)
	return string(b)
}

func decodeRule(descriptor string) (enforcer.Rule, error) {
	var r enforcer.Rule
	err := json.Unmarshal([]byte(descriptor), &r)
	return r, err
}

// GrantAccess implements spec.md §4.3's grantAccess. The read-decide-write
// that decides whether this call reuses, supersedes, or newly claims the
// MAC's active session runs inside st.WatchMAC so two concurrent grants
// for the same MAC serialize instead of both committing (invariant I1,
// property P2) — the same WATCH-transaction idiom CreateBinding uses for
// the IP side of a grant: the existing-session read goes through tx
// (GetActiveSessionByMACTx), and the session row(s) the closure decides to
// write commit through the same tx in a single MULTI/EXEC (SaveSessionsTx),
// so a concurrent write to the watched key between the read and the
// commit aborts this attempt instead of both attempts succeeding.
func (m *Manager) GrantAccess(ctx context.Context, mac, ip string, durationSec int, authMethod, credentialID string, gp enforcer.GrantParams) (*GrantResult, error) {
	if dev, err := m.st.GetDevice(ctx, mac); err == nil && dev.Blocked {
		return nil, model.NewOpError(model.ErrPolicyDenied, "device blocked: "+dev.BlockReason)
	} else if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	var sess *model.Session
	var reused bool
	var superseded *model.Session
	err := m.st.WatchMAC(ctx, mac, func(tx *goredis.Tx) error {
		sess, reused, superseded = nil, false, nil
		toSave := make([]*model.Session, 0, 2)

		if existing, err := m.st.GetActiveSessionByMACTx(ctx, tx, mac); err == nil {
			if existing.IP == ip && existing.AuthMethod == authMethod {
				sess, reused = existing, true
				return nil
			}
			existing.State = model.SessionTerminated
			superseded = existing
			toSave = append(toSave, existing)
		} else if err != store.ErrNotFound {
			return err
		}

		if m.maxDevicesPerMAC > 0 && credentialID != "" {
			count, err := m.st.CountActiveDevicesByCredential(ctx, credentialID)
			if err != nil {
				return err
			}
			if count >= int64(m.maxDevicesPerMAC) {
				return model.NewOpError(model.ErrPolicyDenied, "device-count ceiling exceeded for credential")
			}
		}

		now := time.Now()
		sess = &model.Session{
			ID:           uuid.NewString(),
			MAC:          mac,
			IP:           ip,
			AuthMethod:   authMethod,
			CredentialID: credentialID,
			State:        model.SessionPending,
			StartedAt:    now,
			ExpiresAt:    now.Add(time.Duration(durationSec) * time.Second),
		}
		toSave = append(toSave, sess)
		return m.st.SaveSessionsTx(ctx, tx, toSave...)
	})
	if err != nil {
		return nil, err
	}
	if reused {
		return &GrantResult{Session: sess}, nil
	}

	if superseded != nil {
		if _, err := m.retractSession(ctx, superseded, model.ReasonSuperseded); err != nil {
			return nil, err
		}
	}

	sessionID := sess.ID
	expiresAt := sess.ExpiresAt

	bindRes, err := m.bindings.CreateBinding(ctx, mac, ip, sessionID, expiresAt)
	if err != nil {
		return nil, err
	}

	if err := m.retractPortalRedirect(ctx, mac); err != nil {
		m.aud.Write(audit.CategorySystem, audit.SeverityWarn,
			map[string]any{"mac": mac}, map[string]any{"detail": "portal redirect retract failed before grant: " + err.Error()})
	}

	identity := enforcer.Identity{MAC: mac, IP: ip, SessionID: sessionID}
	ruleSet := enforcer.GrantRuleSet(identity, m.net, gp)

	// Keyed by Kind, not position: the Enforcer backend may install rules
	// in a different order than ruleSet.Rules lists them (spec.md §4.1
	// requires BIND_GUARD/ARP_GUARD ahead of GRANT_EGRESS regardless of
	// caller order), so applyResult.Handles won't generally align
	// index-for-index with entries.
	entries := make(map[enforcer.Kind]*model.RuleLedgerEntry, len(ruleSet.Rules))
	for _, rule := range ruleSet.Rules {
		e, err := m.ledger.WriteAheadApply(ctx, sessionID, model.LedgerBackend(rule.Kind.Backend()), string(rule.Kind), encodeRule(rule))
		if err != nil {
			return nil, err
		}
		entries[rule.Kind] = e
	}

	callCtx, cancel := enforcer.WithDeadline(ctx, m.callTimeout)
	defer cancel()
	applyResult, err := m.enf.Apply(callCtx, ruleSet)
	if err != nil {
		applyResult = enforcer.ApplyResult{Result: enforcer.Failed, Diagnostics: err.Error()}
	}

	appliedTokens := make(map[enforcer.Kind]string, len(applyResult.Handles))
	for _, h := range applyResult.Handles {
		appliedTokens[h.Rule.Kind] = h.Token
	}

	diag := applyResult.Diagnostics
	if ctx.Err() == context.DeadlineExceeded || callCtx.Err() == context.DeadlineExceeded {
		diag = "RULE_BACKEND_TIMEOUT"
	}
	for _, rule := range ruleSet.Rules {
		e := entries[rule.Kind]
		if token, ok := appliedTokens[rule.Kind]; ok {
			if err := m.ledger.RecordApplyOutcome(ctx, e, token, true, ""); err != nil {
				return nil, err
			}
			continue
		}
		if err := m.ledger.RecordApplyOutcome(ctx, e, "", false, diag); err != nil {
			return nil, err
		}
	}

	if applyResult.Result != enforcer.OK {
		if _, revokeErr := m.RevokeAccess(ctx, sessionID, model.ReasonEnforcerFailed); revokeErr != nil {
			m.aud.Write(audit.CategorySystem, audit.SeverityCritical,
				map[string]any{"session_id": sessionID}, map[string]any{"detail": "compensating revoke failed: " + revokeErr.Error()})
		}
		m.aud.Write(audit.CategorySession, audit.SeverityError,
			map[string]any{"session_id": sessionID, "mac": mac}, map[string]any{"detail": applyResult.Diagnostics})
		return nil, model.NewOpError(model.ErrEnforcerTransient, applyResult.Diagnostics, sessionID)
	}

	sess.State = model.SessionActive
	if err := m.st.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	m.aud.Write(audit.CategorySession, audit.SeverityInfo,
		map[string]any{"session_id": sessionID, "mac": mac}, map[string]any{"detail": "granted"})

	return &GrantResult{Session: sess, Conflicts: bindRes.Conflicts}, nil
}

// RevokeAccess implements spec.md §4.3's revokeAccess.
func (m *Manager) RevokeAccess(ctx context.Context, sessionID string, reason model.RevokeReason) (*RevokeResult, error) {
	sess, err := m.st.GetSession(ctx, sessionID)
	if err == store.ErrNotFound {
		return nil, model.NewOpError(model.ErrInvalidInput, "session not found", sessionID)
	}
	if err != nil {
		return nil, err
	}
	if sess.State == model.SessionTerminated {
		return &RevokeResult{}, nil
	}

	if sess.State != model.SessionRevoking {
		sess.State = model.SessionRevoking
		if err := m.st.SaveSession(ctx, sess); err != nil {
			return nil, err
		}
	}

	result, err := m.retractSession(ctx, sess, reason)
	if err != nil {
		return nil, err
	}

	sess.State = model.SessionTerminated
	if err := m.st.SaveSession(ctx, sess); err != nil {
		return nil, err
	}

	return result, nil
}

// retractSession tears down the enforcer rules, ledger outcomes, owning
// binding, and portal redirect for sess. It never writes sess's own
// session row: RevokeAccess transitions that row itself around this call,
// and GrantAccess's WatchMAC closure already transitioned a superseded
// session's row, atomically with claiming the MAC, before calling this.
func (m *Manager) retractSession(ctx context.Context, sess *model.Session, reason model.RevokeReason) (*RevokeResult, error) {
	applied, err := m.ledger.ListApplied(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	handles := make([]enforcer.Handle, 0, len(applied))
	byToken := make(map[string]*model.RuleLedgerEntry, len(applied))
	for _, e := range applied {
		rule, err := decodeRule(e.Descriptor)
		if err != nil {
			continue
		}
		h := enforcer.Handle{Rule: rule, Token: e.Handle}
		handles = append(handles, h)
		byToken[h.Token] = e
	}

	result := &RevokeResult{}
	if len(handles) > 0 {
		callCtx, cancel := enforcer.WithDeadline(ctx, m.callTimeout)
		retractResult, rerr := m.enf.Retract(callCtx, handles)
		cancel()
		if rerr != nil {
			retractResult = enforcer.RetractResult{StillPresent: handles}
		}

		if len(retractResult.StillPresent) > 0 {
			retryCtx, cancel := enforcer.WithDeadline(ctx, m.callTimeout)
			retry, rerr := m.enf.Retract(retryCtx, retractResult.StillPresent)
			cancel()
			if rerr == nil {
				retractResult.Retracted = append(retractResult.Retracted, retry.Retracted...)
				retractResult.StillPresent = retry.StillPresent
			}
		}

		for _, h := range retractResult.Retracted {
			if e, ok := byToken[h.Token]; ok {
				if err := m.ledger.RecordRetractOutcome(ctx, e, true, ""); err != nil {
					return nil, err
				}
				result.RetractedHandles = append(result.RetractedHandles, h.Token)
			}
		}
		for _, h := range retractResult.Missing {
			if e, ok := byToken[h.Token]; ok {
				if err := m.ledger.RecordRetractOutcome(ctx, e, true, "missing (already absent)"); err != nil {
					return nil, err
				}
				result.RetractedHandles = append(result.RetractedHandles, h.Token)
			}
		}
		for _, h := range retractResult.StillPresent {
			if e, ok := byToken[h.Token]; ok {
				if err := m.ledger.RecordRetractOutcome(ctx, e, false, "still present after retry"); err != nil {
					return nil, err
				}
				result.ResidualFailures = append(result.ResidualFailures, h.Token)
				m.aud.Write(audit.CategoryRule, audit.SeverityError,
					map[string]any{"session_id": sess.ID}, map[string]any{"detail": "rule still present after retract retry"})
			}
		}
	}

	if err := m.bindings.RetireBySession(ctx, sess.MAC, sess.ID); err != nil {
		return nil, err
	}

	if err := m.reapplyPortalRedirect(ctx, sess.MAC); err != nil {
		m.aud.Write(audit.CategorySystem, audit.SeverityWarn,
			map[string]any{"mac": sess.MAC}, map[string]any{"detail": "portal redirect re-grant failed: " + err.Error()})
	}

	m.aud.Write(audit.CategorySession, audit.SeverityInfo,
		map[string]any{"session_id": sess.ID, "mac": sess.MAC}, map[string]any{"reason": reason})

	return result, nil
}

// ForceDisconnect is structurally identical to RevokeAccess with the
// reason tagged ADMIN (spec.md §4.3).
func (m *Manager) ForceDisconnect(ctx context.Context, sessionID, operatorID string, reason model.RevokeReason) (*RevokeResult, error) {
	res, err := m.RevokeAccess(ctx, sessionID, model.ReasonAdmin)
	if err != nil {
		return nil, err
	}
	m.aud.Write(audit.CategoryAdmin, audit.SeverityInfo,
		map[string]any{"session_id": sessionID, "operator_id": operatorID}, map[string]any{"reason": reason})
	return res, nil
}

// Extend implements spec.md §4.3's extend: updates Session.expiresAt and
// the owning Binding's expiresAt with no Enforcer call.
func (m *Manager) Extend(ctx context.Context, sessionID string, additionalSec int) (time.Time, error) {
	sess, err := m.st.GetSession(ctx, sessionID)
	if err == store.ErrNotFound {
		return time.Time{}, model.NewOpError(model.ErrInvalidInput, "session not found", sessionID)
	}
	if err != nil {
		return time.Time{}, err
	}
	if sess.State == model.SessionRevoking || sess.State == model.SessionTerminated {
		return time.Time{}, model.NewOpError(model.ErrConflict, "session already expired or revoking", sessionID)
	}

	newExpiry := sess.ExpiresAt.Add(time.Duration(additionalSec) * time.Second)
	if m.maxDuration > 0 && newExpiry.Sub(sess.StartedAt) > m.maxDuration {
		return time.Time{}, model.NewOpError(model.ErrInvalidInput, "extend exceeds maximum session duration", sessionID)
	}

	sess.ExpiresAt = newExpiry
	if err := m.st.SaveSession(ctx, sess); err != nil {
		return time.Time{}, err
	}

	if b, err := m.st.GetActiveBindingByMAC(ctx, sess.MAC); err == nil {
		b.ExpiresAt = newExpiry
		if err := m.st.SaveBinding(ctx, b); err != nil {
			return time.Time{}, err
		}
	} else if err != store.ErrNotFound {
		return time.Time{}, err
	}

	return newExpiry, nil
}

func (m *Manager) HasActiveSession(ctx context.Context, mac string) (bool, error) {
	_, err := m.st.GetActiveSessionByMAC(ctx, mac)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) retractPortalRedirect(ctx context.Context, mac string) error {
	applied, err := m.ledger.ListApplied(ctx, portalLedgerID(mac))
	if err != nil {
		return err
	}
	for _, e := range applied {
		rule, err := decodeRule(e.Descriptor)
		if err != nil {
			continue
		}
		callCtx, cancel := enforcer.WithDeadline(ctx, m.callTimeout)
		res, err := m.enf.Retract(callCtx, []enforcer.Handle{{Rule: rule, Token: e.Handle}})
		cancel()
		ok := err == nil && len(res.StillPresent) == 0
		if recErr := m.ledger.RecordRetractOutcome(ctx, e, ok, ""); recErr != nil {
			return recErr
		}
	}
	return nil
}

func (m *Manager) reapplyPortalRedirect(ctx context.Context, mac string) error {
	identity := enforcer.Identity{MAC: mac}
	rule := enforcer.PortalRedirectRule(identity, m.net)
	e, err := m.ledger.WriteAheadApply(ctx, portalLedgerID(mac), model.LedgerBackend(rule.Kind.Backend()), string(rule.Kind), encodeRule(rule))
	if err != nil {
		return err
	}

	callCtx, cancel := enforcer.WithDeadline(ctx, m.callTimeout)
	res, err := m.enf.Apply(callCtx, enforcer.RuleSet{Rules: []enforcer.Rule{rule}})
	cancel()
	if err != nil || len(res.Handles) == 0 {
		diag := ""
		if err != nil {
			diag = err.Error()
		} else {
			diag = res.Diagnostics
		}
		return m.ledger.RecordApplyOutcome(ctx, e, "", false, diag)
	}
	return m.ledger.RecordApplyOutcome(ctx, e, res.Handles[0].Token, true, "")
}
