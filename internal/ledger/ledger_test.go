package ledger

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ace-controller/internal/model"
	"ace-controller/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(store.NewWithRDB(rdb, "ace:"))
}

func TestWriteAheadStartsFailed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	e, err := l.WriteAheadApply(ctx, "s1", model.BackendL3, "GRANT_EGRESS", "mac=aa:bb ip=1.2.3.4")
	if err != nil {
		t.Fatalf("write-ahead: %v", err)
	}
	if e.State != model.LedgerFailed {
		t.Fatalf("expected write-ahead row to start FAILED, got %s", e.State)
	}

	failed, err := l.ListFailed(ctx)
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected 1 pending row in FAILED set, got %v (%v)", failed, err)
	}
}

func TestRecordApplyOutcomeSuccess(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	e, err := l.WriteAheadApply(ctx, "s1", model.BackendL3, "GRANT_EGRESS", "desc")
	if err != nil {
		t.Fatalf("write-ahead: %v", err)
	}

	if err := l.RecordApplyOutcome(ctx, e, "handle-1", true, ""); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if e.State != model.LedgerApplied || e.Handle != "handle-1" {
		t.Fatalf("expected APPLIED with handle, got %+v", e)
	}

	applied, err := l.ListApplied(ctx, "s1")
	if err != nil || len(applied) != 1 {
		t.Fatalf("expected 1 applied row, got %v (%v)", applied, err)
	}
	failed, _ := l.ListFailed(ctx)
	if len(failed) != 0 {
		t.Fatalf("expected no failed rows after success, got %d", len(failed))
	}
}

func TestRecordApplyOutcomeFailureIncrementsAttempts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	e, err := l.WriteAheadApply(ctx, "s1", model.BackendL3, "GRANT_EGRESS", "desc")
	if err != nil {
		t.Fatalf("write-ahead: %v", err)
	}

	if err := l.RecordApplyOutcome(ctx, e, "", false, "RULE_BACKEND_TIMEOUT"); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if e.State != model.LedgerFailed || e.Attempts != 1 {
		t.Fatalf("expected FAILED with 1 attempt, got %+v", e)
	}
}

func TestRecordRetractOutcomeAndMarkDead(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	e, err := l.WriteAheadApply(ctx, "s1", model.BackendL3, "GRANT_EGRESS", "desc")
	if err != nil {
		t.Fatalf("write-ahead: %v", err)
	}
	if err := l.RecordApplyOutcome(ctx, e, "handle-1", true, ""); err != nil {
		t.Fatalf("apply outcome: %v", err)
	}

	if err := l.RecordRetractOutcome(ctx, e, true, ""); err != nil {
		t.Fatalf("retract outcome: %v", err)
	}
	if e.State != model.LedgerRetracted || e.RetractedAt == nil {
		t.Fatalf("expected RETRACTED with timestamp, got %+v", e)
	}

	e2, err := l.WriteAheadApply(ctx, "s2", model.BackendL2, "ISOLATE_L2", "desc2")
	if err != nil {
		t.Fatalf("write-ahead 2: %v", err)
	}
	if err := l.RecordApplyOutcome(ctx, e2, "", false, "boom"); err != nil {
		t.Fatalf("apply outcome 2: %v", err)
	}
	if err := l.MarkDead(ctx, e2); err != nil {
		t.Fatalf("mark dead: %v", err)
	}
	if e2.State != model.LedgerDead {
		t.Fatalf("expected DEAD, got %s", e2.State)
	}
}
