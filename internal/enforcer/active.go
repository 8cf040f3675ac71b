package enforcer

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// ActiveConfig configures the host-tooling backend.
type ActiveConfig struct {
	IPTablesBin  string
	EBTablesBin  string
	ArpTablesBin string
	ClientIF     string
	UpstreamIF   string
	DryRun       bool
}

// Active mutates the host via iptables/ebtables/arptables. Subprocess
// invocation is single-writer by nature (spec.md §5), so all calls
// serialize on a mutex; a gobreaker.CircuitBreaker wraps the invocation so
// a wedged binary trips EnforcerTransient instead of stalling every grant
// indefinitely (grounded in oyaguma3-eapaka-radius-server-poc's
// vector.Client, which wraps its upstream HTTP call the same way).
type Active struct {
	cfg ActiveConfig

	mu        sync.Mutex
	installed map[string]Handle

	cb *gobreaker.CircuitBreaker
}

func NewActive(cfg ActiveConfig) *Active {
	cbSettings := gobreaker.Settings{
		Name:        "enforcer-active",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Active{
		cfg:       cfg,
		installed: make(map[string]Handle),
		cb:        gobreaker.NewCircuitBreaker(cbSettings),
	}
}

func (a *Active) binFor(kind Kind) string {
	switch kind.Backend() {
	case L2:
		if kind == ArpGuard {
			return a.cfg.ArpTablesBin
		}
		return a.cfg.EBTablesBin
	default:
		return a.cfg.IPTablesBin
	}
}

// renderArgs turns one Rule into the argv for its backend binary. This is
// the only place that speaks iptables/ebtables/arptables syntax; every
// other package in ace-controller only ever sees the abstract Rule.
//
// Each kind renders to a single command, which covers only part of the
// semantics synth.go describes. PORTAL_REDIRECT renders only the DNAT of
// TCP port 80 to the portal: the redirect_443, allow_dns and allow_dhcp
// params are not rendered, and no deny rule is installed for the MAC's
// other forward traffic. ISOLATE_L2 drops every forwarded frame from the
// MAC that is not addressed to gateway_mac, broadcast and multicast
// included.
func renderArgs(action string, r Rule, cfg ActiveConfig) []string {
	mac := r.Identity.MAC
	ip := r.Identity.IP

	switch r.Kind {
	case PortalRedirect:
		return []string{
			"-t", "nat", action, "PREROUTING",
			"-i", cfg.ClientIF, "-m", "mac", "--mac-source", mac,
			"-p", "tcp", "--dport", "80",
			"-j", "DNAT", "--to-destination", r.Params["portal_ip"] + ":" + r.Params["portal_port"],
		}
	case GrantEgress:
		return []string{
			action, "FORWARD",
			"-i", cfg.ClientIF, "-o", cfg.UpstreamIF,
			"-s", ip, "-m", "mac", "--mac-source", mac,
			"-j", "ACCEPT",
		}
	case BindGuard:
		return []string{
			action, "FORWARD",
			"-i", cfg.ClientIF, "-m", "mac", "--mac-source", mac,
			"!", "-s", ip,
			"-j", "DROP",
		}
	case IsolateL2:
		return []string{
			action, "FORWARD",
			"-s", mac, "!", "-d", r.Params["gateway_mac"],
			"-j", "DROP",
		}
	case ArpGuard:
		return []string{
			action, "INPUT",
			"-i", cfg.ClientIF,
			"--source-mac", "!", mac,
			"-j", "DROP",
		}
	default:
		return nil
	}
}

func (a *Active) run(ctx context.Context, bin string, args []string) error {
	if a.cfg.DryRun {
		return nil
	}
	if bin == "" {
		return fmt.Errorf("enforcer: no binary configured for this rule kind")
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// rulesByInstallPriority returns a stable-sorted copy of rules so guards
// are installed ahead of GRANT_EGRESS no matter what order the caller
// passed them in.
func rulesByInstallPriority(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		return installPriority(out[i].Kind) < installPriority(out[j].Kind)
	})
	return out
}

func (a *Active) Apply(ctx context.Context, rs RuleSet) (ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := ApplyResult{Result: OK}
	for _, rule := range rulesByInstallPriority(rs.Rules) {
		args := renderArgs("-A", rule, a.cfg)
		_, err := a.cb.Execute(func() (any, error) {
			return nil, a.run(ctx, a.binFor(rule.Kind), args)
		})
		if err != nil {
			if len(result.Handles) > 0 {
				result.Result = Partial
			} else {
				result.Result = Failed
			}
			result.Diagnostics = err.Error()
			return result, nil
		}
		h := Handle{Rule: rule, Token: uuid.NewString()}
		a.installed[h.Token] = h
		result.Handles = append(result.Handles, h)
	}
	return result, nil
}

// handlesByRetractPriority is handles sorted in the reverse of install
// order, so GRANT_EGRESS comes out of the chain before the BIND_GUARD/
// ARP_GUARD rows it depended on are removed.
func handlesByRetractPriority(handles []Handle) []Handle {
	out := make([]Handle, len(handles))
	copy(out, handles)
	sort.SliceStable(out, func(i, j int) bool {
		return installPriority(out[i].Rule.Kind) > installPriority(out[j].Rule.Kind)
	})
	return out
}

func (a *Active) Retract(ctx context.Context, handles []Handle) (RetractResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out RetractResult
	for _, h := range handlesByRetractPriority(handles) {
		rule, ok := a.installed[h.Token]
		if !ok {
			out.Missing = append(out.Missing, h)
			continue
		}
		args := renderArgs("-D", rule.Rule, a.cfg)
		_, err := a.cb.Execute(func() (any, error) {
			return nil, a.run(ctx, a.binFor(rule.Rule.Kind), args)
		})
		if err != nil {
			out.StillPresent = append(out.StillPresent, h)
			continue
		}
		delete(a.installed, h.Token)
		out.Retracted = append(out.Retracted, h)
	}
	return out, nil
}

func (a *Active) Snapshot(ctx context.Context, backend Backend) ([]InstalledRule, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []InstalledRule
	for _, h := range a.installed {
		if h.Rule.Kind.Backend() != backend {
			continue
		}
		out = append(out, InstalledRule{Handle: h, Kind: h.Rule.Kind})
	}
	return out, nil
}

var _ Enforcer = (*Active)(nil)
