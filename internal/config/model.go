package config

import "time"

// Config is the single immutable configuration tree passed by pointer to
// every constructor in the process. There is no module-level config state
// anywhere else in ace-controller.
type Config struct {
	Controller Controller `yaml:"controller"`
	Redis      Redis      `yaml:"redis"`
	Network    Network    `yaml:"network"`
	Enforcer   Enforcer   `yaml:"enforcer"`
	Session    Session    `yaml:"session"`
	Reconcile  Reconcile  `yaml:"reconciliation"`
	Audit      Audit      `yaml:"audit"`
	RateLimit  RateLimit  `yaml:"rate_limit"`

	Profiles  map[string]DeviceProfile `yaml:"profiles"`
	RoleRules []ProfileRule            `yaml:"profile_rules"`
}

type Controller struct {
	ID      string `yaml:"id"`
	Site    string `yaml:"site"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Bind    struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"bind"`
	// HMACSecretRef is resolved once at Load time, which only logs whether
	// it is set. The keys that sign/verify portal->ACE requests
	// (X-Portal-Signature) are loaded separately by
	// security.LoadPortalHMACKeySet, not from this field.
	HMACSecretRef string `yaml:"hmac_secret_ref"`
	// JWTSecretRef resolves to the key used to issue operator-capability
	// JWTs for Control API writes.
	JWTSecretRef string        `yaml:"jwt_secret_ref"`
	JWTTTL       time.Duration `yaml:"jwt_ttl"`
	// AdminSecretRef resolves to the bootstrap credential /auth/token
	// checks before issuing an operator JWT. Empty disables the check,
	// which is only acceptable behind OperatorAuthMiddleware's
	// SkipAuthForTest switch in tests.
	AdminSecretRef string `yaml:"admin_secret_ref"`
}

type Redis struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
	TLS     bool   `yaml:"tls"`
	AuthRef string `yaml:"auth_ref"`
}

// Network is §6's "network" configuration surface: portal IP + port,
// subnet CIDR, gateway IP, gateway MAC (auto-discoverable by the Enforcer
// when left blank).
type Network struct {
	ClientIF   string `yaml:"client_if"`
	UpstreamIF string `yaml:"upstream_if"`
	PortalIP   string `yaml:"portal_ip"`
	PortalPort int    `yaml:"portal_port"`
	SubnetCIDR string `yaml:"subnet_cidr"`
	GatewayIP  string `yaml:"gateway_ip"`
	GatewayMAC string `yaml:"gateway_mac"`
	// IncludeHTTPSRedirect adds the redirect_443 param to PORTAL_REDIRECT,
	// marking destination port 443 for capture as well; the Active backend
	// renders the port-80 redirect only and does not render port 443. See
	// spec.md §9 open question: acknowledged to break TLS with a cert
	// warning; a policy choice, not correctness.
	IncludeHTTPSRedirect bool `yaml:"include_https_redirect"`
}

// EnforcerMode selects which Enforcer backend construction wires up.
type EnforcerMode string

const (
	EnforcerSimulation EnforcerMode = "SIMULATION"
	EnforcerActive     EnforcerMode = "ACTIVE"
)

type Enforcer struct {
	Mode EnforcerMode `yaml:"mode"`
	// PerMACPortalRedirect resolves spec.md §9's open question: when true,
	// PORTAL_REDIRECT is synthesized and ledgered per-MAC; when false, a
	// single global default-redirect rule is assumed pre-installed and
	// grant/revoke never touch it. See DESIGN.md for the decision record.
	PerMACPortalRedirect bool          `yaml:"per_mac_portal_redirect"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	// Active backend only.
	IPTablesBin  string `yaml:"iptables_bin"`
	EBTablesBin  string `yaml:"ebtables_bin"`
	ArpTablesBin string `yaml:"arptables_bin"`
	DryRun       bool   `yaml:"dry_run"`
}

type Session struct {
	DefaultDurationSec int `yaml:"default_duration_sec"`
	MaxDurationSec     int `yaml:"max_duration_sec"`
	// MaxDevicesPerMAC is spec.md §6's "maximum devices per credential"
	// ceiling: the number of distinct MACs that may hold a simultaneous
	// ACTIVE session under the same portal-authenticated credential.
	MaxDevicesPerMAC int `yaml:"max_devices_per_credential"`
	GracePeriodSec   int `yaml:"grace_period_sec"`
	// RapidRebindThreshold is the Binding Registry's own anomaly-scan
	// knob (spec.md §4.2's RAPID_REBIND signal) — a distinct concept
	// from MaxDevicesPerMAC even though both default to small integers.
	RapidRebindThreshold int `yaml:"rapid_rebind_threshold"`
}

type Reconcile struct {
	Cadence           time.Duration `yaml:"cadence"`
	GracePeriodSec    int           `yaml:"grace_period_sec"`
	FailedRetryBudget int           `yaml:"failed_retry_budget"`
	DriftCheck        bool          `yaml:"drift_check"`
}

type Audit struct {
	Enabled      bool   `yaml:"enabled"`
	SecretRef    string `yaml:"secret_ref"`
	BufferSize   int    `yaml:"buffer_size"`
	RetentionDay int    `yaml:"retention_days"`
}

type RateLimit struct {
	MaxAttemptsPerWindow int           `yaml:"max_attempts_per_window"`
	Window               time.Duration `yaml:"window"`
}

// DeviceProfile is what a grant resolves to before rule synthesis: VLAN
// tag, firewall group label, and a default session duration override.
type DeviceProfile struct {
	VLAN          int    `yaml:"vlan"`
	FirewallGroup string `yaml:"firewall_group"`
	SessionTTLSec int    `yaml:"session_ttl_sec"`
}

// ProfileRule assigns a DeviceProfile by matching request attributes, in
// ascending priority order (lower Priority wins ties broken by Name).
type ProfileRule struct {
	Name     string         `yaml:"name"`
	Priority int            `yaml:"priority"`
	When     map[string]any `yaml:"when"`
	Assign   string         `yaml:"assign"`
}
