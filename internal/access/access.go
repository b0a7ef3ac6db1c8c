// Package access evaluates BrowseAllow/BrowseDeny rules against a peer
// address. The order/allow/deny evaluation follows the classic Apache-
// style Allow/Deny-with-Order semantics CUPS itself uses for Location
// blocks, narrowed to a single flat rule list since there is no per-
// Location scoping in this daemon.
package access

import (
	"net"
	"strings"

	"cups-browsed-go/internal/model"
)

// Order is the evaluation order for a Policy's rule list.
type Order int

const (
	// OrderAllowDeny: initial decision deny; apply allow rules, then deny
	// rules; last match wins.
	OrderAllowDeny Order = iota
	// OrderDenyAllow: initial decision allow; apply deny rules, then
	// allow rules.
	OrderDenyAllow
)

// Policy is one evaluatable BrowseAllow/BrowseDeny rule set.
type Policy struct {
	Order   Order
	AllowAll bool
	DenyAll  bool
	Rules    []model.AccessRule
}

// Allowed evaluates the rule set against a single peer address and
// returns the one boolean decision spec.md §4.2 describes.
func (p Policy) Allowed(peer net.IP) bool {
	if p.DenyAll {
		return false
	}
	if p.AllowAll {
		return true
	}
	if peer == nil {
		return false
	}

	switch p.Order {
	case OrderAllowDeny:
		decision := false
		for _, r := range p.Rules {
			if r.Sense != model.SenseAllow {
				continue
			}
			if matches(r, peer) {
				decision = true
			}
		}
		for _, r := range p.Rules {
			if r.Sense != model.SenseDeny {
				continue
			}
			if matches(r, peer) {
				decision = false
			}
		}
		return decision
	default: // OrderDenyAllow
		decision := true
		for _, r := range p.Rules {
			if r.Sense != model.SenseDeny {
				continue
			}
			if matches(r, peer) {
				decision = false
			}
		}
		for _, r := range p.Rules {
			if r.Sense != model.SenseAllow {
				continue
			}
			if matches(r, peer) {
				decision = true
			}
		}
		return decision
	}
}

func matches(r model.AccessRule, peer net.IP) bool {
	value := strings.TrimSpace(r.Value)
	if value == "" {
		return false
	}
	switch r.Kind {
	case model.KindNetwork:
		if _, cidr, err := net.ParseCIDR(value); err == nil {
			return cidr.Contains(peer)
		}
		// Accept "address mask" form in addition to CIDR notation.
		if addr, mask, ok := splitAddressMask(value); ok {
			network := &net.IPNet{IP: addr.Mask(mask), Mask: mask}
			return network.Contains(peer)
		}
		return false
	default: // KindIP
		if strings.EqualFold(value, "localhost") {
			return peer.IsLoopback()
		}
		candidate := net.ParseIP(value)
		if candidate == nil {
			return false
		}
		return candidate.Equal(peer)
	}
}

func splitAddressMask(value string) (net.IP, net.IPMask, bool) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return nil, nil, false
	}
	addr := net.ParseIP(parts[0])
	maskIP := net.ParseIP(parts[1])
	if addr == nil || maskIP == nil {
		return nil, nil, false
	}
	mask4 := maskIP.To4()
	if mask4 == nil {
		return nil, nil, false
	}
	return addr, net.IPMask(mask4), true
}
