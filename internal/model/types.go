// Package model holds the data types shared across the Access Control
// Engine's components (spec.md §3). It has no behavior of its own beyond
// small helpers — every store and component depends on it, and it depends
// on nothing inside ace-controller, so it cannot introduce an import cycle.
package model

import "time"

type SessionState string

const (
	SessionPending   SessionState = "PENDING"
	SessionActive    SessionState = "ACTIVE"
	SessionRevoking  SessionState = "REVOKING"
	SessionTerminated SessionState = "TERMINATED"
)

// Session is spec.md §3's Session entity.
type Session struct {
	ID         string       `json:"id"`
	MAC        string       `json:"mac"`
	IP         string       `json:"ip"`
	AuthMethod string       `json:"auth_method"`
	// CredentialID is the portal-authenticated identity this session was
	// granted under, if any — the grouping key the device-count ceiling
	// (spec.md §6's "maximum devices per credential") counts against.
	// Empty for grants that carry no portal identity (e.g. operator
	// manual grants), which the ceiling check skips entirely.
	CredentialID string       `json:"credential_id,omitempty"`
	Profile      string       `json:"profile"`
	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"started_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

type BindingState string

const (
	BindingActive  BindingState = "ACTIVE"
	BindingRetired BindingState = "RETIRED"
)

// Binding is spec.md §3's Binding entity.
type Binding struct {
	ID              string       `json:"id"`
	MAC             string       `json:"mac"`
	IP              string       `json:"ip"`
	OwningSessionID string       `json:"owning_session_id"`
	State           BindingState `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	RetireReason    string       `json:"retire_reason,omitempty"`
}

type LedgerState string

const (
	LedgerApplied   LedgerState = "APPLIED"
	LedgerRetracted LedgerState = "RETRACTED"
	LedgerFailed    LedgerState = "FAILED"
	LedgerDead      LedgerState = "DEAD"
)

type LedgerBackend string

const (
	BackendL3 LedgerBackend = "L3"
	BackendL2 LedgerBackend = "L2"
)

// RuleLedgerEntry is spec.md §3's RuleLedgerEntry entity. Descriptor is an
// opaque, backend-specific rendering of the RuleSet that produced the row
// (enough detail for reconciliation to re-apply it without consulting the
// original intent again).
type RuleLedgerEntry struct {
	LedgerID     string        `json:"ledger_id"`
	SessionID    string        `json:"session_id"`
	Backend      LedgerBackend `json:"backend"`
	Kind         string        `json:"kind"`
	Descriptor   string        `json:"descriptor"`
	Handle       string        `json:"handle,omitempty"`
	State        LedgerState   `json:"state"`
	Attempts     int           `json:"attempts"`
	Diagnostics  string        `json:"diagnostics,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	RetractedAt  *time.Time    `json:"retracted_at,omitempty"`
}

// Device is spec.md §3's Device entity.
type Device struct {
	MAC         string    `json:"mac"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Blocked     bool      `json:"blocked"`
	BlockReason string    `json:"block_reason,omitempty"`
}

type AnomalyKind string

const (
	AnomalyIPConflict      AnomalyKind = "IP_CONFLICT"
	AnomalyMACRebound      AnomalyKind = "MAC_REBOUND"
	AnomalyRapidRebind     AnomalyKind = "RAPID_REBIND"
	AnomalyBindingMismatch AnomalyKind = "BINDING_MISMATCH"
)

// Anomaly is spec.md §3's derived Anomaly. It is never stored
// authoritatively — it is produced by Binding Registry analysis and
// published through the Audit sink.
type Anomaly struct {
	Kind       AnomalyKind `json:"kind"`
	Subjects   []string    `json:"subjects"`
	ObservedAt time.Time   `json:"observed_at"`
	Detail     string      `json:"detail,omitempty"`
}

// RevokeReason enumerates why a session was pushed into REVOKING.
type RevokeReason string

const (
	ReasonUserLogout RevokeReason = "USER_LOGOUT"
	ReasonExpired    RevokeReason = "EXPIRED"
	ReasonAdmin      RevokeReason = "ADMIN"
	ReasonSpoof      RevokeReason = "SPOOF"
	ReasonConflict   RevokeReason = "CONFLICT"
	ReasonSuperseded RevokeReason = "SUPERSEDED"
	ReasonEnforcerFailed RevokeReason = "ENFORCER_FAILED"
)

// ErrorCategory is spec.md §7's taxonomy.
type ErrorCategory string

const (
	ErrInvalidInput      ErrorCategory = "InvalidInput"
	ErrPolicyDenied      ErrorCategory = "PolicyDenied"
	ErrConflict          ErrorCategory = "Conflict"
	ErrEnforcerTransient ErrorCategory = "EnforcerTransient"
	ErrEnforcerPermanent ErrorCategory = "EnforcerPermanent"
	ErrInconsistent      ErrorCategory = "Inconsistent"
)

// OpError is the structured failure every Control API operation returns
// instead of a raw error, per spec.md §7's propagation policy.
type OpError struct {
	Category  ErrorCategory `json:"category"`
	Detail    string        `json:"detail"`
	SessionID string        `json:"session_id,omitempty"`
}

func (e *OpError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Category) + ": " + e.Detail
}

func NewOpError(cat ErrorCategory, detail string, sessionID ...string) *OpError {
	e := &OpError{Category: cat, Detail: detail}
	if len(sessionID) > 0 {
		e.SessionID = sessionID[0]
	}
	return e
}
