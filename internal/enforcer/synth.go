package enforcer

import "strconv"

// NetworkParams is the subset of config.Network the synthesizers need.
// Kept as its own struct (rather than importing internal/config) so this
// package stays a leaf with zero internal dependencies, same as the
// teacher keeps internal/security free of internal/store.
type NetworkParams struct {
	PortalIP             string
	PortalPort           int
	GatewayIP            string
	GatewayMAC           string
	IncludeHTTPSRedirect bool
}

// GrantParams carries the device-profile attributes a grant resolves to
// before synthesis (VLAN / firewall group), per SPEC_FULL.md's "device
// profiles feeding rule synthesis" supplement.
type GrantParams struct {
	VLAN          int
	FirewallGroup string
}

// PortalRedirectRule synthesizes the PORTAL_REDIRECT rule for a MAC:
// unauthenticated HTTP(S) is redirected to the portal, DNS/DHCP pass, and
// everything else forwarded for this MAC is denied.
func PortalRedirectRule(id Identity, net NetworkParams) Rule {
	params := map[string]string{
		"portal_ip":   net.PortalIP,
		"portal_port": strconv.Itoa(net.PortalPort),
		"allow_dns":   "true",
		"allow_dhcp":  "true",
	}
	if net.IncludeHTTPSRedirect {
		params["redirect_443"] = "true"
	}
	return Rule{Identity: id, Kind: PortalRedirect, Params: params}
}

// GrantEgressRule synthesizes GRANT_EGRESS(MAC, IP): forward between
// client and upstream is permitted for this (MAC, IP) pair and its return
// traffic. NAT masquerading is assumed pre-installed by network bootstrap.
func GrantEgressRule(id Identity, gp GrantParams) Rule {
	return Rule{
		Identity: id,
		Kind:     GrantEgress,
		Params: map[string]string{
			"vlan":           strconv.Itoa(gp.VLAN),
			"firewall_group": gp.FirewallGroup,
		},
	}
}

// BindGuardRule synthesizes BIND_GUARD(MAC, IP): any L3 frame from MAC
// whose source IP doesn't match IP is dropped and logged.
func BindGuardRule(id Identity) Rule {
	return Rule{Identity: id, Kind: BindGuard}
}

// IsolateL2Rule synthesizes ISOLATE_L2(MAC, gatewayMAC): L2 frames from
// MAC to anything but the gateway or broadcast/multicast are dropped.
func IsolateL2Rule(id Identity, net NetworkParams) Rule {
	return Rule{
		Identity: id,
		Kind:     IsolateL2,
		Params: map[string]string{
			"gateway_mac": net.GatewayMAC,
		},
	}
}

// ArpGuardRule synthesizes ARP_GUARD(MAC, IP, gatewayMAC, gatewayIP): only
// (gatewayIP, gatewayMAC) or (IP, MAC) pairs in ARP traffic are accepted.
func ArpGuardRule(id Identity, net NetworkParams) Rule {
	return Rule{
		Identity: id,
		Kind:     ArpGuard,
		Params: map[string]string{
			"gateway_ip":  net.GatewayIP,
			"gateway_mac": net.GatewayMAC,
		},
	}
}

// GrantRuleSet builds the four rules a successful grant installs, in the
// order spec.md §4.3 step 3 lists them. The Enforcer backend is
// responsible for re-ordering BIND_GUARD/ARP_GUARD ahead of GRANT_EGRESS
// when it actually renders commands; the Manager may declare them in any
// order.
func GrantRuleSet(id Identity, net NetworkParams, gp GrantParams) RuleSet {
	return RuleSet{Rules: []Rule{
		GrantEgressRule(id, gp),
		BindGuardRule(id),
		IsolateL2Rule(id, net),
		ArpGuardRule(id, net),
	}}
}

