// Package enforcer implements the Enforcer capability of spec.md §4.1: a
// pure translator from abstract RuleSets to backend-specific packet-filter
// commands and back. It retains no cross-call state beyond installed rule
// handles.
package enforcer

import (
	"context"
	"errors"
	"time"
)

// Kind is one of the five abstract rule kinds spec.md §4.1 defines. All
// enforcement is expressed through these; no backend invents a sixth.
type Kind string

const (
	PortalRedirect Kind = "PORTAL_REDIRECT"
	GrantEgress    Kind = "GRANT_EGRESS"
	BindGuard      Kind = "BIND_GUARD"
	IsolateL2      Kind = "ISOLATE_L2"
	ArpGuard       Kind = "ARP_GUARD"
)

// Backend tags which physical plane a Rule targets. PORTAL_REDIRECT,
// GRANT_EGRESS and BIND_GUARD are L3; ISOLATE_L2 and ARP_GUARD are L2.
type Backend string

const (
	L3 Backend = "L3"
	L2 Backend = "L2"
)

func (k Kind) Backend() Backend {
	switch k {
	case IsolateL2, ArpGuard:
		return L2
	default:
		return L3
	}
}

// installPriority ranks a Kind for ordering within one Apply/Retract call.
// BIND_GUARD and ARP_GUARD must be live in the chain before GRANT_EGRESS
// ever admits traffic for a MAC, or a spoofed packet can reach the network
// in the window between the two (spec.md §4.1) — so they rank ahead of it
// here regardless of what order the caller listed rs.Rules in. Retract
// runs the reverse ordering so GRANT_EGRESS comes down before the guards
// that were constraining it.
func installPriority(k Kind) int {
	switch k {
	case BindGuard, ArpGuard:
		return 0
	case GrantEgress:
		return 2
	default:
		return 1
	}
}

// Identity is the client identity triple every rule synthesizer keys off.
type Identity struct {
	MAC       string
	IP        string
	SessionID string
}

// Rule is one synthesized, backend-agnostic rule to apply or retract.
// Params carries kind-specific values (see synth.go) the backend needs to
// render its own commands; ACE never inspects them beyond passing them
// through.
type Rule struct {
	Identity Identity
	Kind     Kind
	Params   map[string]string
}

// RuleSet is a tagged bundle of Rules to apply together. The Enforcer
// backend — never the caller — is responsible for ordering BIND_GUARD and
// ARP_GUARD ahead of GRANT_EGRESS within a single Apply call (spec.md §4.1).
type RuleSet struct {
	Rules []Rule
}

// Outcome is the tri-state result of an Apply call.
type Outcome string

const (
	OK      Outcome = "OK"
	Partial Outcome = "PARTIAL"
	Failed  Outcome = "FAILED"
)

// Handle identifies one installed rule in the backend's own terms. It is
// opaque to every caller except the backend that issued it.
type Handle struct {
	Rule  Rule
	Token string
}

// ApplyResult is returned by Apply. Handles holds only the rules that were
// actually installed — on PARTIAL the caller must retract them.
type ApplyResult struct {
	Handles     []Handle
	Result      Outcome
	Diagnostics string
}

// RetractResult is returned by Retract. Missing handles are not an error —
// retract is idempotent by contract.
type RetractResult struct {
	Retracted    []Handle
	StillPresent []Handle
	Missing      []Handle
}

// InstalledRule is what Snapshot reports: a live rule as the backend
// currently sees it, independent of what the Ledger believes.
type InstalledRule struct {
	Handle Handle
	Kind   Kind
}

var (
	ErrCallTimeout  = errors.New("enforcer: call deadline exceeded")
	ErrUnknownBackend = errors.New("enforcer: unknown backend")
)

// Enforcer is the capability interface. Both backends (Active and
// Simulator) implement it identically; the Session Lifecycle Manager never
// branches on which one it holds (spec.md §9, "dynamic dispatch -> capability
// interface").
type Enforcer interface {
	Apply(ctx context.Context, rs RuleSet) (ApplyResult, error)
	Retract(ctx context.Context, handles []Handle) (RetractResult, error)
	Snapshot(ctx context.Context, backend Backend) ([]InstalledRule, error)
}

// WithDeadline is a small helper every caller uses so every Enforcer
// operation carries a default deadline per spec.md §5.
func WithDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 5 * time.Second
	}
	return context.WithTimeout(parent, d)
}
