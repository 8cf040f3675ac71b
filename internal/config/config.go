package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the YAML configuration at path, resolving
// secret references along the way. The returned Config is meant to be
// treated as immutable for the lifetime of the process.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if cfg.Network.ClientIF == "" {
		return nil, fmt.Errorf("network.client_if must be set")
	}
	if cfg.Network.PortalIP == "" {
		return nil, fmt.Errorf("network.portal_ip must be set")
	}
	if cfg.Enforcer.Mode != EnforcerSimulation && cfg.Enforcer.Mode != EnforcerActive {
		return nil, fmt.Errorf("enforcer.mode must be SIMULATION or ACTIVE, got %q", cfg.Enforcer.Mode)
	}

	if cfg.Controller.HMACSecretRef != "" {
		secret, err := ResolveSecret(cfg.Controller.HMACSecretRef)
		if err != nil {
			return nil, fmt.Errorf("controller.hmac_secret_ref: %w", err)
		}
		cfg.Controller.HMACSecretRef = secret
		log.Printf("controller hmac secret loaded: %v", cfg.Controller.HMACSecretRef != "")
	}
	if cfg.Controller.JWTSecretRef != "" {
		secret, err := ResolveSecret(cfg.Controller.JWTSecretRef)
		if err != nil {
			return nil, fmt.Errorf("controller.jwt_secret_ref: %w", err)
		}
		cfg.Controller.JWTSecretRef = secret
	}
	if cfg.Controller.AdminSecretRef != "" {
		secret, err := ResolveSecret(cfg.Controller.AdminSecretRef)
		if err != nil {
			return nil, fmt.Errorf("controller.admin_secret_ref: %w", err)
		}
		cfg.Controller.AdminSecretRef = secret
	}
	if cfg.Audit.SecretRef != "" {
		secret, err := ResolveSecret(cfg.Audit.SecretRef)
		if err != nil {
			return nil, fmt.Errorf("audit.secret_ref: %w", err)
		}
		cfg.Audit.SecretRef = secret
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "ace:"
	}
	if cfg.Controller.JWTTTL == 0 {
		cfg.Controller.JWTTTL = time.Hour
	}
	if cfg.Session.DefaultDurationSec == 0 {
		cfg.Session.DefaultDurationSec = 3600
	}
	if cfg.Session.GracePeriodSec == 0 {
		cfg.Session.GracePeriodSec = 5
	}
	if cfg.Reconcile.Cadence == 0 {
		cfg.Reconcile.Cadence = 60 * time.Second
	}
	if cfg.Reconcile.GracePeriodSec == 0 {
		cfg.Reconcile.GracePeriodSec = 5
	}
	if cfg.Reconcile.FailedRetryBudget == 0 {
		cfg.Reconcile.FailedRetryBudget = 5
	}
	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = 1024
	}
	if cfg.Enforcer.CallTimeout == 0 {
		cfg.Enforcer.CallTimeout = 5 * time.Second
	}
	if cfg.Enforcer.IPTablesBin == "" {
		cfg.Enforcer.IPTablesBin = "iptables"
	}
	if cfg.Enforcer.EBTablesBin == "" {
		cfg.Enforcer.EBTablesBin = "ebtables"
	}
	if cfg.Enforcer.ArpTablesBin == "" {
		cfg.Enforcer.ArpTablesBin = "arptables"
	}
}

// ResolveSecret turns "env:XXX" into the actual secret value. Anything
// else passes through unchanged today; future extension points are
// file:/path, vault:..., kms:... (same indirection the teacher used).
func ResolveSecret(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty secret_ref")
	}
	if strings.HasPrefix(ref, "env:") {
		key := strings.TrimPrefix(ref, "env:")
		v := os.Getenv(key)
		if v == "" {
			return "", fmt.Errorf("env %s is empty", key)
		}
		return v, nil
	}
	return ref, nil
}
