// Package reconcile implements the Reconciliation & Cleanup Loop of
// spec.md §4.4: a single background task that sweeps expired sessions,
// expired bindings, FAILED ledger rows, enforcer/ledger drift, and
// anomalies. It is re-entrant-safe (guarded by an atomic flag) and
// cancellable at shutdown.
package reconcile

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"ace-controller/internal/audit"
	"ace-controller/internal/binding"
	"ace-controller/internal/enforcer"
	"ace-controller/internal/ledger"
	"ace-controller/internal/model"
	"ace-controller/internal/session"
	"ace-controller/internal/store"
)

// decodeEntry reconstructs the enforcer.Rule a ledger row's Descriptor
// encodes (see internal/session's encodeRule), so reconciliation can
// re-apply or re-retract it without consulting the original grant intent.
func decodeEntry(descriptor string) (enforcer.Rule, error) {
	var r enforcer.Rule
	err := json.Unmarshal([]byte(descriptor), &r)
	return r, err
}

type Config struct {
	Cadence      time.Duration
	GracePeriod  time.Duration
	MaxRetries   int
}

type Loop struct {
	st       *store.Client
	bindings *binding.Registry
	ledger   *ledger.Ledger
	enf      enforcer.Enforcer
	mgr      *session.Manager
	aud      *audit.Logger
	cfg      Config

	running int32
}

func New(st *store.Client, bindings *binding.Registry, ldg *ledger.Ledger, enf enforcer.Enforcer, mgr *session.Manager, aud *audit.Logger, cfg Config) *Loop {
	if cfg.Cadence <= 0 {
		cfg.Cadence = 60 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Loop{st: st, bindings: bindings, ledger: ldg, enf: enf, mgr: mgr, aud: aud, cfg: cfg}
}

// Run blocks, ticking at the configured cadence until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single cycle. It is safe to call concurrently with
// Run's own ticks — a cycle already in flight causes the call to no-op.
func (l *Loop) RunOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&l.running, 0)

	l.expireSessions(ctx)
	l.expireBindings(ctx)
	l.retryFailedRows(ctx)
	l.checkDrift(ctx)
	l.sweepAnomalies(ctx)
}

func (l *Loop) expireSessions(ctx context.Context) {
	cutoff := time.Now().Add(-l.cfg.GracePeriod).Unix()
	ids, err := l.st.ListExpiredSessions(ctx, cutoff)
	if err != nil {
		l.aud.Write(audit.CategorySystem, audit.SeverityError, nil, map[string]any{"detail": "list expired sessions: " + err.Error()})
		return
	}
	for _, id := range ids {
		sess, err := l.st.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if sess.State != model.SessionActive && sess.State != model.SessionPending {
			continue
		}
		if _, err := l.mgr.RevokeAccess(ctx, id, model.ReasonExpired); err != nil {
			l.aud.Write(audit.CategorySystem, audit.SeverityError,
				map[string]any{"session_id": id}, map[string]any{"detail": "revoke on expiry failed: " + err.Error()})
		}
	}
}

func (l *Loop) expireBindings(ctx context.Context) {
	ids, err := l.st.ListActiveBindingIDs(ctx)
	if err != nil {
		l.aud.Write(audit.CategorySystem, audit.SeverityError, nil, map[string]any{"detail": "list active bindings: " + err.Error()})
		return
	}
	now := time.Now()
	for _, id := range ids {
		b, err := l.st.GetBinding(ctx, id)
		if err != nil {
			continue
		}
		if !now.After(b.ExpiresAt) {
			continue
		}
		sess, err := l.st.GetSession(ctx, b.OwningSessionID)
		owningAlive := err == nil && sess.State != model.SessionTerminated
		if owningAlive {
			continue
		}
		if err := l.bindings.RetireByMAC(ctx, b.MAC); err != nil {
			l.aud.Write(audit.CategorySystem, audit.SeverityError,
				map[string]any{"binding_id": id}, map[string]any{"detail": "retire expired binding failed: " + err.Error()})
		}
	}
}

func (l *Loop) retryFailedRows(ctx context.Context) {
	rows, err := l.ledger.ListFailed(ctx)
	if err != nil {
		l.aud.Write(audit.CategorySystem, audit.SeverityError, nil, map[string]any{"detail": "list failed ledger rows: " + err.Error()})
		return
	}
	for _, e := range rows {
		if e.Attempts >= l.cfg.MaxRetries {
			if err := l.ledger.MarkDead(ctx, e); err != nil {
				l.aud.Write(audit.CategorySystem, audit.SeverityError,
					map[string]any{"ledger_id": e.LedgerID}, map[string]any{"detail": "mark dead failed: " + err.Error()})
				continue
			}
			l.aud.Write(audit.CategoryRule, audit.SeverityCritical,
				map[string]any{"ledger_id": e.LedgerID, "session_id": e.SessionID},
				map[string]any{"detail": "ledger row exhausted retry budget, marked DEAD"})
			continue
		}

		rule, decodeErr := decodeEntry(e.Descriptor)
		if decodeErr != nil {
			continue
		}

		callCtx, cancel := enforcer.WithDeadline(ctx, 5*time.Second)
		if e.Handle == "" {
			// Never successfully applied: retry the apply.
			res, err := l.enf.Apply(callCtx, enforcer.RuleSet{Rules: []enforcer.Rule{rule}})
			cancel()
			if err == nil && len(res.Handles) > 0 {
				_ = l.ledger.RecordApplyOutcome(ctx, e, res.Handles[0].Token, true, "")
			} else {
				diag := ""
				if err != nil {
					diag = err.Error()
				} else {
					diag = res.Diagnostics
				}
				_ = l.ledger.RecordApplyOutcome(ctx, e, "", false, diag)
			}
			continue
		}

		// Previously applied, retract never confirmed: retry the retract.
		res, err := l.enf.Retract(callCtx, []enforcer.Handle{{Rule: rule, Token: e.Handle}})
		cancel()
		ok := err == nil && len(res.StillPresent) == 0
		diag := ""
		if err != nil {
			diag = err.Error()
		}
		_ = l.ledger.RecordRetractOutcome(ctx, e, ok, diag)
	}
}

// checkDrift compares the live enforcer snapshot against the ledger:
// orphan handles (installed but the ledger doesn't call them APPLIED) are
// retracted; ghost rows (APPLIED in the ledger but absent from the
// backend) are re-applied if the owning Session is still ACTIVE, else
// marked FAILED so retryFailedRows picks them up next cycle.
func (l *Loop) checkDrift(ctx context.Context) {
	for _, backend := range []enforcer.Backend{enforcer.L3, enforcer.L2} {
		installed, err := l.enf.Snapshot(ctx, backend)
		if err != nil {
			l.aud.Write(audit.CategorySystem, audit.SeverityError, nil, map[string]any{"detail": "snapshot failed: " + err.Error()})
			continue
		}

		ledgerHandles := make(map[string]*model.RuleLedgerEntry)
		appliedByBackend := func(backendTag model.LedgerBackend) []*model.RuleLedgerEntry {
			rows, _ := l.st.ListLedgerByState(ctx, model.LedgerApplied)
			out := rows[:0]
			for _, r := range rows {
				if r.Backend == backendTag {
					out = append(out, r)
				}
			}
			return out
		}

		var modelBackend model.LedgerBackend
		if backend == enforcer.L3 {
			modelBackend = model.BackendL3
		} else {
			modelBackend = model.BackendL2
		}
		for _, e := range appliedByBackend(modelBackend) {
			ledgerHandles[e.Handle] = e
		}

		installedTokens := make(map[string]bool, len(installed))
		for _, ir := range installed {
			installedTokens[ir.Handle.Token] = true
			if _, ok := ledgerHandles[ir.Handle.Token]; !ok {
				callCtx, cancel := enforcer.WithDeadline(ctx, 5*time.Second)
				_, _ = l.enf.Retract(callCtx, []enforcer.Handle{ir.Handle})
				cancel()
				l.aud.Write(audit.CategoryRule, audit.SeverityWarn, nil,
					map[string]any{"detail": "orphan handle retracted during drift check", "kind": ir.Kind})
			}
		}

		for token, e := range ledgerHandles {
			if installedTokens[token] {
				continue
			}
			sess, err := l.st.GetSession(ctx, e.SessionID)
			stillActive := err == nil && sess.State == model.SessionActive
			if stillActive {
				rule, decodeErr := decodeEntry(e.Descriptor)
				if decodeErr != nil {
					continue
				}
				callCtx, cancel := enforcer.WithDeadline(ctx, 5*time.Second)
				res, err := l.enf.Apply(callCtx, enforcer.RuleSet{Rules: []enforcer.Rule{rule}})
				cancel()
				if err == nil && len(res.Handles) > 0 {
					_ = l.ledger.RecordApplyOutcome(ctx, e, res.Handles[0].Token, true, "")
					continue
				}
			}
			_ = l.ledger.RecordApplyOutcome(ctx, e, "", false, "ghost row: absent from enforcer snapshot")
		}
	}
}

func (l *Loop) sweepAnomalies(ctx context.Context) {
	if _, err := l.bindings.ScanAnomalies(ctx); err != nil {
		l.aud.Write(audit.CategorySystem, audit.SeverityError, nil, map[string]any{"detail": "anomaly sweep failed: " + err.Error()})
	}
}
