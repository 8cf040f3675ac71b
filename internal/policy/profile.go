// Package policy resolves the device profile a grant request maps to,
// adapted from the teacher's internal/roles rule-matching idiom: ordered
// rules with wildcard attribute matching, generalized here from AP role
// assignment to network-access device profiles (SPEC_FULL.md's supplement
// to spec.md §4.3's grantAccess).
package policy

import (
	"path"
	"sort"
	"strings"

	"ace-controller/internal/config"
	"ace-controller/internal/enforcer"
)

func norm(s string) string { return strings.TrimSpace(s) }

// match supports an exact string, a "*"/"?" glob, or a list of either
// (decoded from YAML as []any), same as the teacher's rule matcher.
func match(pattern any, value string) bool {
	if pattern == nil {
		return true
	}
	value = norm(value)
	if value == "" {
		return false
	}
	switch p := pattern.(type) {
	case string:
		ps := norm(p)
		if ps == "" {
			return true
		}
		if strings.ContainsAny(ps, "*?") {
			ok, _ := path.Match(ps, value)
			return ok
		}
		return ps == value
	case []any:
		for _, it := range p {
			if match(it, value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchWhen(when map[string]any, ctx map[string]string) bool {
	for _, f := range []string{"mac", "ip", "auth_method", "vlan_hint"} {
		if _, ok := when[f]; ok {
			if !match(when[f], ctx[f]) {
				return false
			}
		}
	}
	return true
}

// Decision is what rule resolution produced: the chosen profile name and
// which rule (if any) matched.
type Decision struct {
	ProfileName string
	MatchedRule string
	Priority    int
}

// Resolve picks a DeviceProfile name for a grant request's attributes by
// walking cfg.RoleRules in ascending priority order (ties broken by rule
// name), falling back to defaultProfile when nothing matches.
func Resolve(cfg *config.Config, ctx map[string]string, defaultProfile string) Decision {
	rules := append([]config.ProfileRule{}, cfg.RoleRules...)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority == rules[j].Priority {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].Priority < rules[j].Priority
	})

	for _, r := range rules {
		if matchWhen(r.When, ctx) {
			name := r.Assign
			if name == "" {
				name = defaultProfile
			}
			return Decision{ProfileName: name, MatchedRule: r.Name, Priority: r.Priority}
		}
	}
	return Decision{ProfileName: defaultProfile}
}

// GrantParams turns a resolved DeviceProfile into the enforcer's synthesis
// input. Missing profiles resolve to the zero value (no VLAN tag, no
// firewall group) rather than an error — an unresolved profile never
// blocks a grant.
func GrantParams(cfg *config.Config, profileName string) enforcer.GrantParams {
	p, ok := cfg.Profiles[profileName]
	if !ok {
		return enforcer.GrantParams{}
	}
	return enforcer.GrantParams{VLAN: p.VLAN, FirewallGroup: p.FirewallGroup}
}

// SessionDuration returns the profile's TTL override, or fallback when the
// profile is unknown or didn't set one.
func SessionDuration(cfg *config.Config, profileName string, fallback int) int {
	p, ok := cfg.Profiles[profileName]
	if !ok || p.SessionTTLSec <= 0 {
		return fallback
	}
	return p.SessionTTLSec
}
