// Package binding implements the Binding Registry of spec.md §4.2: the
// authoritative MAC<->IP map plus spoof/conflict detection. It depends
// only on the persistence store and the audit sink — never on the Session
// Lifecycle Manager, so anomalies are published, not called back (spec.md
// §9, "no cyclic object graphs").
package binding

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"ace-controller/internal/audit"
	"ace-controller/internal/model"
	"ace-controller/internal/store"
)

const rapidRebindWindow = time.Hour

type Registry struct {
	st                 *store.Client
	aud                *audit.Logger
	rapidRebindThreshold int
}

func New(st *store.Client, aud *audit.Logger, rapidRebindThreshold int) *Registry {
	if rapidRebindThreshold <= 0 {
		rapidRebindThreshold = 5
	}
	return &Registry{st: st, aud: aud, rapidRebindThreshold: rapidRebindThreshold}
}

// CreateResult is createBinding's return value: the new binding's ID plus
// any anomalies produced by retiring conflicting bindings.
type CreateResult struct {
	BindingID string
	Conflicts []model.Anomaly
}

// CreateBinding installs (MAC, IP, sessionID) as the new ACTIVE binding,
// retiring any existing ACTIVE binding that collides on MAC or IP first
// (spec.md §4.2). The whole read-decide-write sequence runs inside a
// WATCH transaction on the IP key so two concurrent grants racing for the
// same IP serialize, per spec.md §4.3's tie-break rule: both the by-IP
// read and the eventual commit go through tx (tx.Get by way of
// GetActiveBindingByIPTx, tx.TxPipelined by way of RetireBindingsTx), so a
// concurrent write to the watched key between the read and the commit
// aborts this attempt instead of silently being ignored.
func (r *Registry) CreateBinding(ctx context.Context, mac, ip, sessionID string, expiresAt time.Time) (CreateResult, error) {
	var result CreateResult

	err := r.st.WatchIP(ctx, ip, func(tx *goredis.Tx) error {
		result = CreateResult{}

		now := time.Now()
		newBinding := &model.Binding{
			ID:              uuid.NewString(),
			MAC:             mac,
			IP:              ip,
			OwningSessionID: sessionID,
			State:           model.BindingActive,
			CreatedAt:       now,
			ExpiresAt:       expiresAt,
		}

		var retired []*model.Binding

		if existing, err := r.st.GetActiveBindingByMAC(ctx, mac); err == nil && existing.IP != ip {
			existing.State = model.BindingRetired
			existing.RetireReason = "MAC_REBOUND"
			retired = append(retired, existing)
			result.Conflicts = append(result.Conflicts, model.Anomaly{
				Kind:       model.AnomalyMACRebound,
				Subjects:   []string{existing.ID, newBinding.ID},
				ObservedAt: now,
				Detail:     "mac " + mac + " rebound from ip " + existing.IP + " to " + ip,
			})
		} else if err != nil && err != store.ErrNotFound {
			return err
		}

		if existing, err := r.st.GetActiveBindingByIPTx(ctx, tx, ip); err == nil && existing.MAC != mac {
			existing.State = model.BindingRetired
			existing.RetireReason = "IP_CONFLICT"
			retired = append(retired, existing)
			result.Conflicts = append(result.Conflicts, model.Anomaly{
				Kind:       model.AnomalyIPConflict,
				Subjects:   []string{existing.MAC, mac},
				ObservedAt: now,
				Detail:     "ip " + ip + " reassigned from mac " + existing.MAC + " to " + mac,
			})
		} else if err != nil && err != store.ErrNotFound {
			return err
		}

		if err := r.st.RetireBindingsTx(ctx, tx, retired, newBinding); err != nil {
			return err
		}
		result.BindingID = newBinding.ID
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}

	for _, a := range result.Conflicts {
		r.aud.Write(audit.CategoryAnomaly, audit.SeverityWarn,
			map[string]any{"subjects": a.Subjects}, map[string]any{"kind": a.Kind, "detail": a.Detail})
	}
	return result, nil
}

func (r *Registry) retire(ctx context.Context, b *model.Binding, reason string) error {
	b.State = model.BindingRetired
	b.RetireReason = reason
	if err := r.st.SaveBinding(ctx, b); err != nil {
		return err
	}
	return r.st.ClearActiveIndexIfOwner(ctx, b.MAC, b.IP, b.ID)
}

// ValidateReason is validate's failure classification.
type ValidateReason string

const (
	ValidateOK           ValidateReason = ""
	ValidateNoBinding    ValidateReason = "NO_BINDING"
	ValidateIPMismatch   ValidateReason = "IP_MISMATCH"
	ValidateExpired      ValidateReason = "EXPIRED"
)

type ValidateResult struct {
	OK         bool
	Reason     ValidateReason
	ExpectedIP string
}

// Validate is a pure read: does (MAC, IP) match the live ACTIVE binding?
func (r *Registry) Validate(ctx context.Context, mac, ip string) (ValidateResult, error) {
	b, err := r.st.GetActiveBindingByMAC(ctx, mac)
	if err == store.ErrNotFound {
		return ValidateResult{Reason: ValidateNoBinding}, nil
	}
	if err != nil {
		return ValidateResult{}, err
	}
	if time.Now().After(b.ExpiresAt) {
		return ValidateResult{Reason: ValidateExpired}, nil
	}
	if b.IP != ip {
		return ValidateResult{Reason: ValidateIPMismatch, ExpectedIP: b.IP}, nil
	}
	return ValidateResult{OK: true}, nil
}

// RetireByMAC idempotently retires whatever ACTIVE binding currently
// belongs to mac, if any.
func (r *Registry) RetireByMAC(ctx context.Context, mac string) error {
	b, err := r.st.GetActiveBindingByMAC(ctx, mac)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return r.retire(ctx, b, "")
}

// RetireBySession idempotently retires the active binding for mac, but only
// if sessionID owns it. Bindings don't index by session directly, so the
// caller (the Session Lifecycle Manager's revoke path) passes the session's
// MAC along with its ID; a binding already claimed by a newer session is
// left alone.
func (r *Registry) RetireBySession(ctx context.Context, mac, sessionID string) error {
	b, err := r.st.GetActiveBindingByMAC(ctx, mac)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if b.OwningSessionID != sessionID {
		return nil
	}
	return r.retire(ctx, b, "")
}

// ScanAnomalies runs the periodic analysis spec.md §4.2 describes:
// detect any IP mapped to >=2 active MACs (a correctness bug if it ever
// happens given B2) and any MAC whose binding count in the last hour
// exceeds the configured threshold.
func (r *Registry) ScanAnomalies(ctx context.Context) ([]model.Anomaly, error) {
	ids, err := r.st.ListActiveBindingIDs(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	byIP := make(map[string][]string)
	var anomalies []model.Anomaly

	for _, id := range ids {
		b, err := r.st.GetBinding(ctx, id)
		if err != nil {
			continue
		}
		byIP[b.IP] = append(byIP[b.IP], b.MAC)

		count, err := r.st.RecentBindingCount(ctx, b.MAC, rapidRebindWindow)
		if err == nil && int(count) > r.rapidRebindThreshold {
			anomalies = append(anomalies, model.Anomaly{
				Kind:       model.AnomalyRapidRebind,
				Subjects:   []string{b.MAC},
				ObservedAt: now,
				Detail:     "rebind count exceeded threshold in the last hour",
			})
		}
	}

	for ip, macs := range byIP {
		if len(macs) > 1 {
			anomalies = append(anomalies, model.Anomaly{
				Kind:       model.AnomalyBindingMismatch,
				Subjects:   append([]string{ip}, macs...),
				ObservedAt: now,
				Detail:     "ip mapped to multiple active MACs; B2 invariant violated",
			})
		}
	}

	for _, a := range anomalies {
		r.aud.Write(audit.CategoryAnomaly, audit.SeverityWarn,
			map[string]any{"subjects": a.Subjects}, map[string]any{"kind": a.Kind, "detail": a.Detail})
	}
	return anomalies, nil
}
