package httpapi

import (
	"ace-controller/internal/audit"
	"ace-controller/internal/config"
	"ace-controller/internal/control"
	"ace-controller/internal/security"
	"ace-controller/internal/store"
)

// Server is the chi-based HTTP adapter over the Control API — the only
// thing in ace-controller that speaks wire formats.
type Server struct {
	cfg      *config.Config
	api      *control.API
	st       *store.Client
	audit    *audit.Logger
	verifier *security.JWTVerifier
	issuer   *security.JWTIssuer
}

func New(cfg *config.Config, api *control.API, st *store.Client, aud *audit.Logger, verifier *security.JWTVerifier, issuer *security.JWTIssuer) *Server {
	return &Server{cfg: cfg, api: api, st: st, audit: aud, verifier: verifier, issuer: issuer}
}

type grantRequest struct {
	MAC          string            `json:"mac"`
	IP           string            `json:"ip"`
	DurationSec  int               `json:"duration_sec,omitempty"`
	AuthMethod   string            `json:"auth_method,omitempty"`
	CredentialID string            `json:"credential_id,omitempty"`
	ProfileHint  map[string]string `json:"profile_hint,omitempty"`
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type forceDisconnectRequest struct {
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason,omitempty"`
}

type extendRequest struct {
	AdditionalSec int `json:"additional_sec"`
}

type manualBindRequest struct {
	MAC         string `json:"mac"`
	IP          string `json:"ip"`
	SessionID   string `json:"session_id"`
	DurationSec int    `json:"duration_sec"`
}

type errorResponse struct {
	Category string `json:"category"`
	Detail   string `json:"detail"`
}

type tokenRequest struct {
	OperatorID  string `json:"operator_id"`
	AdminSecret string `json:"admin_secret"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}
