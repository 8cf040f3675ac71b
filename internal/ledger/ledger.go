// Package ledger implements the semantics layer over internal/store's raw
// ledger rows: the write-ahead / outcome-recording protocol spec.md §4.5
// and §5 describe. A row is written before the Enforcer is ever called
// (commit #1) and updated after the call returns (commit #2); a crash
// between the two leaves a FAILED row, which is exactly what
// reconciliation's FAILED-row retry is for.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ace-controller/internal/model"
	"ace-controller/internal/store"
)

type Ledger struct {
	st *store.Client
}

func New(st *store.Client) *Ledger {
	return &Ledger{st: st}
}

// WriteAheadApply records intent to apply a rule before the Enforcer is
// invoked (R1). It starts FAILED — "pending apply" — so a crash before
// RecordApplyOutcome runs leaves a row reconciliation will retry rather
// than one that looks successful.
func (l *Ledger) WriteAheadApply(ctx context.Context, sessionID string, backend model.LedgerBackend, kind, descriptor string) (*model.RuleLedgerEntry, error) {
	e := &model.RuleLedgerEntry{
		LedgerID:    uuid.NewString(),
		SessionID:   sessionID,
		Backend:     backend,
		Kind:        kind,
		Descriptor:  descriptor,
		State:       model.LedgerFailed,
		Diagnostics: "pending apply",
		CreatedAt:   time.Now(),
	}
	if err := l.st.SaveLedgerEntry(ctx, e, ""); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordApplyOutcome is commit #2 for an apply attempt.
func (l *Ledger) RecordApplyOutcome(ctx context.Context, e *model.RuleLedgerEntry, handle string, ok bool, diagnostics string) error {
	prev := e.State
	if ok {
		e.State = model.LedgerApplied
		e.Handle = handle
		e.Diagnostics = ""
	} else {
		e.State = model.LedgerFailed
		e.Attempts++
		e.Diagnostics = diagnostics
	}
	return l.st.SaveLedgerEntry(ctx, e, prev)
}

// RecordRetractOutcome is commit #2 for a retract attempt against an
// already-APPLIED row.
func (l *Ledger) RecordRetractOutcome(ctx context.Context, e *model.RuleLedgerEntry, ok bool, diagnostics string) error {
	prev := e.State
	now := time.Now()
	if ok {
		e.State = model.LedgerRetracted
		e.RetractedAt = &now
		e.Diagnostics = ""
	} else {
		e.State = model.LedgerFailed
		e.Attempts++
		e.Diagnostics = diagnostics
	}
	return l.st.SaveLedgerEntry(ctx, e, prev)
}

// MarkDead promotes an exhausted FAILED row to DEAD — reconciliation's
// terminal state for a row it has given up retrying (R3).
func (l *Ledger) MarkDead(ctx context.Context, e *model.RuleLedgerEntry) error {
	prev := e.State
	e.State = model.LedgerDead
	return l.st.SaveLedgerEntry(ctx, e, prev)
}

func (l *Ledger) ListBySession(ctx context.Context, sessionID string) ([]*model.RuleLedgerEntry, error) {
	return l.st.ListLedgerBySession(ctx, sessionID)
}

// ListApplied returns the APPLIED rows for a session — the set
// revokeAccess must retract.
func (l *Ledger) ListApplied(ctx context.Context, sessionID string) ([]*model.RuleLedgerEntry, error) {
	all, err := l.st.ListLedgerBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.State == model.LedgerApplied {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListFailed returns every FAILED row across all sessions — the
// reconciliation loop's retry worklist.
func (l *Ledger) ListFailed(ctx context.Context) ([]*model.RuleLedgerEntry, error) {
	return l.st.ListLedgerByState(ctx, model.LedgerFailed)
}

func (l *Ledger) Get(ctx context.Context, ledgerID string) (*model.RuleLedgerEntry, error) {
	return l.st.GetLedgerEntry(ctx, ledgerID)
}
