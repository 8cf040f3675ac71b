package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"ace-controller/internal/config"
)

// Snapshot is the read-only view of the active policy configuration the
// Control/Inspection API exposes (SPEC_FULL.md's runtime policy snapshot
// supplement) — what profiles exist, what rules choose between them, and a
// checksum an operator can diff across deployments.
type Snapshot struct {
	Controller ControllerInfo             `json:"controller"`
	Version    Version                    `json:"version"`
	Profiles   map[string]ProfileSummary  `json:"profiles"`
	Rules      []RuleSummary              `json:"rules"`
}

type ControllerInfo struct {
	ID   string `json:"id"`
	Site string `json:"site"`
	Name string `json:"name"`
}

type ProfileSummary struct {
	VLAN          int    `json:"vlan"`
	FirewallGroup string `json:"firewall_group"`
	SessionTTLSec int    `json:"session_ttl_sec"`
}

type RuleSummary struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Assign   string `json:"assign"`
}

// Version is a content-addressed stamp over the snapshot's profiles and
// rules, so an operator can tell two policy configurations apart without
// diffing the whole document. Controller info is not part of the checksum.
type Version struct {
	Base      string `json:"base"`
	Checksum  string `json:"checksum"`
	Generated int64  `json:"generated"`
}

func buildVersion(payload any, base string) Version {
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return Version{
		Base:      base,
		Checksum:  hex.EncodeToString(sum[:]),
		Generated: time.Now().Unix(),
	}
}

// BuildSnapshot renders the current config into a Snapshot.
func BuildSnapshot(cfg *config.Config) Snapshot {
	profiles := make(map[string]ProfileSummary, len(cfg.Profiles))
	for name, p := range cfg.Profiles {
		profiles[name] = ProfileSummary{VLAN: p.VLAN, FirewallGroup: p.FirewallGroup, SessionTTLSec: p.SessionTTLSec}
	}

	rules := make([]RuleSummary, 0, len(cfg.RoleRules))
	for _, r := range cfg.RoleRules {
		rules = append(rules, RuleSummary{Name: r.Name, Priority: r.Priority, Assign: r.Assign})
	}

	snap := Snapshot{
		Controller: ControllerInfo{ID: cfg.Controller.ID, Site: cfg.Controller.Site, Name: cfg.Controller.Name},
		Profiles:   profiles,
		Rules:      rules,
	}
	snap.Version = buildVersion(struct {
		Profiles map[string]ProfileSummary
		Rules    []RuleSummary
	}{profiles, rules}, cfg.Controller.Version)
	return snap
}
