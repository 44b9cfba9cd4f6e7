// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"fmt"
	"net"
	"strings"
)

// VRRPAcceptRules manages the per-instance nftables accept rule installed
// while a VRRP instance's accept_mode is false: a VIP is otherwise a
// foreign address to the base ruleset, so traffic addressed to it needs
// an explicit allow for as long as the instance holds mastership.
//
// Each instance gets its own table so concurrent instances install and
// remove independently; AtomicRulesetUpdate (shared with the rest of the
// package's script-builder pipeline) applies the whole table in one
// atomic `nft -f -` transaction.
type VRRPAcceptRules struct {
	Instance string
}

// NewVRRPAcceptRules returns accept-rule management for the named VRRP
// instance.
func NewVRRPAcceptRules(instance string) *VRRPAcceptRules {
	return &VRRPAcceptRules{Instance: instance}
}

func (v *VRRPAcceptRules) tableName() string {
	return "flywall_vrrp_" + sanitizeNFTIdentifier(v.Instance)
}

// sanitizeNFTIdentifier maps an arbitrary instance name onto the
// alphanumeric-plus-underscore charset nftables identifiers require.
func sanitizeNFTIdentifier(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "instance"
	}
	return b.String()
}

// Install (re)creates the instance's accept table with one rule per
// address family. Safe to call repeatedly across GARP refreshes or a VIP
// set change; the table is rebuilt from scratch each time.
func (v *VRRPAcceptRules) Install(addrs []net.IP) error {
	if len(addrs) == 0 {
		return v.Remove()
	}
	var v4, v6 []string
	for _, a := range addrs {
		if a.To4() != nil {
			v4 = append(v4, a.String())
		} else {
			v6 = append(v6, a.String())
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "table inet %s {\n", v.tableName())
	sb.WriteString("\tchain accept {\n")
	sb.WriteString("\t\ttype filter hook input priority filter - 5; policy accept;\n")
	if len(v4) > 0 {
		fmt.Fprintf(&sb, "\t\tip daddr { %s } accept\n", strings.Join(v4, ", "))
	}
	if len(v6) > 0 {
		fmt.Fprintf(&sb, "\t\tip6 daddr { %s } accept\n", strings.Join(v6, ", "))
	}
	sb.WriteString("\t}\n}\n")
	return AtomicRulesetUpdate(sb.String())
}

// Remove deletes the instance's accept table.
func (v *VRRPAcceptRules) Remove() error {
	return AtomicRulesetUpdate(fmt.Sprintf("delete table inet %s\n", v.tableName()))
}
