package security

// ctxKey is unexported to prevent collisions with context keys from other
// packages.
type ctxKey string

// CtxKeyClientMAC carries the MAC the portal trust boundary authenticated
// a request for.
const CtxKeyClientMAC ctxKey = "ace_client_mac"

// CtxKeyOperatorID carries the operator subject a Control API JWT
// resolved to.
const CtxKeyOperatorID ctxKey = "ace_operator_id"
