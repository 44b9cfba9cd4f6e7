// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package vrrp

import (
	"fmt"
	"net"
	"os"

	"github.com/mdlayher/ndp"
	"github.com/mdlayher/packet"
	"github.com/vishvananda/netlink"

	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/firewall"
	"grimm.is/flywall/internal/logging"
)

// NetlinkEffects is the production Effects implementation: address and
// route/rule plumbing via vishvananda/netlink, and gratuitous
// announcements via raw Ethernet frames (mdlayher/packet for ARP,
// mdlayher/ndp for unsolicited Neighbor Advertisement), matching
// internal/services/ha's netlink_linux.go conventions generalized to
// VRRP's route/rule/GARP surface.
type NetlinkEffects struct {
	logger *logging.Logger
	repeat int
}

// NewNetlinkEffects builds the production Effects, repeating gratuitous
// announcements `repeat` times.
func NewNetlinkEffects(logger *logging.Logger, repeat int) *NetlinkEffects {
	if repeat <= 0 {
		repeat = 5
	}
	return &NetlinkEffects{logger: logger, repeat: repeat}
}

func (e *NetlinkEffects) AddAddresses(iface string, addrs []net.IP) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("vrrp: interface %s not found: %w", iface, err)
	}
	for _, ip := range addrs {
		addr := &netlink.Addr{IPNet: maskHost(ip)}
		if err := netlink.AddrAdd(link, addr); err != nil && !isExists(err) {
			return fmt.Errorf("vrrp: add address %s to %s: %w", ip, iface, err)
		}
	}
	return nil
}

func (e *NetlinkEffects) RemoveAddresses(iface string, addrs []net.IP) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("vrrp: interface %s not found: %w", iface, err)
	}
	var firstErr error
	for _, ip := range addrs {
		addr := &netlink.Addr{IPNet: maskHost(ip)}
		if err := netlink.AddrDel(link, addr); err != nil && !isNotFound(err) && firstErr == nil {
			firstErr = fmt.Errorf("vrrp: remove address %s from %s: %w", ip, iface, err)
		}
	}
	return firstErr
}

func (e *NetlinkEffects) AddRoutes(routes []config.VirtualRoute) error {
	for _, r := range routes {
		route, err := buildRoute(r)
		if err != nil {
			return err
		}
		if err := netlink.RouteAdd(route); err != nil && !isExists(err) {
			return fmt.Errorf("vrrp: add virtual route %s: %w", r.Destination, err)
		}
	}
	return nil
}

func (e *NetlinkEffects) RemoveRoutes(routes []config.VirtualRoute) error {
	var firstErr error
	for _, r := range routes {
		route, err := buildRoute(r)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := netlink.RouteDel(route); err != nil && !isNotFound(err) && firstErr == nil {
			firstErr = fmt.Errorf("vrrp: remove virtual route %s: %w", r.Destination, err)
		}
	}
	return firstErr
}

func buildRoute(r config.VirtualRoute) (*netlink.Route, error) {
	_, dst, err := net.ParseCIDR(r.Destination)
	if err != nil {
		return nil, fmt.Errorf("vrrp: invalid virtual route destination %q: %w", r.Destination, err)
	}
	route := &netlink.Route{Dst: dst, Table: r.Table, Priority: r.Metric}
	if r.Gateway != "" {
		route.Gw = net.ParseIP(r.Gateway)
	}
	if r.Interface != "" {
		link, err := netlink.LinkByName(r.Interface)
		if err != nil {
			return nil, fmt.Errorf("vrrp: virtual route interface %s: %w", r.Interface, err)
		}
		route.LinkIndex = link.Attrs().Index
	}
	return route, nil
}

func (e *NetlinkEffects) AddRules(rules []config.VirtualRule) error {
	for _, r := range rules {
		rule, err := buildRule(r)
		if err != nil {
			return err
		}
		if err := netlink.RuleAdd(rule); err != nil && !isExists(err) {
			return fmt.Errorf("vrrp: add virtual rule (table %d): %w", r.Table, err)
		}
	}
	return nil
}

func (e *NetlinkEffects) RemoveRules(rules []config.VirtualRule) error {
	var firstErr error
	for _, r := range rules {
		rule, err := buildRule(r)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := netlink.RuleDel(rule); err != nil && !isNotFound(err) && firstErr == nil {
			firstErr = fmt.Errorf("vrrp: remove virtual rule (table %d): %w", r.Table, err)
		}
	}
	return firstErr
}

func buildRule(r config.VirtualRule) (*netlink.Rule, error) {
	rule := netlink.NewRule()
	rule.Table = r.Table
	if r.Priority > 0 {
		rule.Priority = r.Priority
	}
	if r.From != "" {
		_, ipNet, err := net.ParseCIDR(r.From)
		if err != nil {
			return nil, fmt.Errorf("vrrp: invalid virtual rule from %q: %w", r.From, err)
		}
		rule.Src = ipNet
	}
	if r.To != "" {
		_, ipNet, err := net.ParseCIDR(r.To)
		if err != nil {
			return nil, fmt.Errorf("vrrp: invalid virtual rule to %q: %w", r.To, err)
		}
		rule.Dst = ipNet
	}
	return rule, nil
}

// SendGratuitous broadcasts a burst of gratuitous ARP (IPv4) or
// unsolicited Neighbor Advertisement (IPv6) frames for each addr, once
// per configured repeat count, refreshing every peer's L2 cache after a
// failover.
func (e *NetlinkEffects) SendGratuitous(iface string, addrs []net.IP) error {
	link, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("vrrp: interface %s: %w", iface, err)
	}
	var firstErr error
	for _, addr := range addrs {
		if addr.To4() != nil {
			if err := sendGratuitousARP(link, addr, e.repeat); err != nil && firstErr == nil {
				firstErr = err
			}
		} else {
			if err := sendUnsolicitedNA(link, addr, e.repeat); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func sendGratuitousARP(link *net.Interface, addr net.IP, repeat int) error {
	conn, err := packet.Listen(link, packet.Raw, 0x0806, nil)
	if err != nil {
		return fmt.Errorf("vrrp: open packet socket on %s: %w", link.Name, err)
	}
	defer conn.Close()

	frame, err := buildGratuitousARPFrame(link.HardwareAddr, addr)
	if err != nil {
		return err
	}
	dst := &packet.Addr{HardwareAddr: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}
	for n := 0; n < repeat; n++ {
		if _, err := conn.WriteTo(frame, dst); err != nil {
			return fmt.Errorf("vrrp: send gratuitous arp for %s: %w", addr, err)
		}
	}
	return nil
}

// buildGratuitousARPFrame constructs a raw Ethernet+ARP announcement
// frame ("who has <addr>, tell <addr>") with both sender and target
// protocol addresses set to addr, the RFC 5227-style gratuitous form.
func buildGratuitousARPFrame(mac net.HardwareAddr, addr net.IP) ([]byte, error) {
	ip4 := addr.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("vrrp: gratuitous arp requires an ipv4 address, got %s", addr)
	}
	frame := make([]byte, 14+28)
	copy(frame[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], mac)
	frame[12], frame[13] = 0x08, 0x06 // EtherType ARP

	arp := frame[14:]
	arp[0], arp[1] = 0x00, 0x01 // hardware type: Ethernet
	arp[2], arp[3] = 0x08, 0x00 // protocol type: IPv4
	arp[4] = 6                  // hardware size
	arp[5] = 4                  // protocol size
	arp[6], arp[7] = 0x00, 0x02 // opcode: reply (gratuitous convention)
	copy(arp[8:14], mac)
	copy(arp[14:18], ip4)
	copy(arp[18:24], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(arp[24:28], ip4)
	return frame, nil
}

func sendUnsolicitedNA(link *net.Interface, addr net.IP, repeat int) error {
	conn, _, err := ndp.Listen(link, ndp.LinkLocal)
	if err != nil {
		return fmt.Errorf("vrrp: open ndp socket on %s: %w", link.Name, err)
	}
	defer conn.Close()

	msg := &ndp.NeighborAdvertisement{
		Override:      true,
		Solicited:     false,
		TargetAddress: addr,
		Options: []ndp.Option{
			&ndp.LinkLayerAddress{Direction: ndp.Target, Addr: link.HardwareAddr},
		},
	}
	group := net.ParseIP("ff02::1") // all-nodes multicast
	for n := 0; n < repeat; n++ {
		if err := conn.WriteTo(msg, nil, group); err != nil {
			return fmt.Errorf("vrrp: send unsolicited na for %s: %w", addr, err)
		}
	}
	return nil
}

func (e *NetlinkEffects) PrimaryAddress(iface string, v6 bool) net.IP {
	return interfacePrimaryAddr(iface, v6)
}

// InstallAcceptRule installs the nftables accept table for instance's
// advertised/installed addresses, reusing internal/firewall's
// script-and-AtomicRulesetUpdate pipeline.
func (e *NetlinkEffects) InstallAcceptRule(instance string, addrs []net.IP) error {
	return firewall.NewVRRPAcceptRules(instance).Install(addrs)
}

// RemoveAcceptRule removes instance's accept table.
func (e *NetlinkEffects) RemoveAcceptRule(instance string) error {
	return firewall.NewVRRPAcceptRules(instance).Remove()
}

// SetPromoteSecondaries toggles net.ipv4.conf.<iface>.promote_secondaries,
// the same kernel knob keepalived's vrrp_promote_secondaries sets: without
// it, deleting the primary address on an interface flushes every
// secondary address installed alongside it.
func (e *NetlinkEffects) SetPromoteSecondaries(iface string, enabled bool) error {
	val := "0"
	if enabled {
		val = "1"
	}
	path := fmt.Sprintf("/proc/sys/net/ipv4/conf/%s/promote_secondaries", iface)
	if err := os.WriteFile(path, []byte(val), 0644); err != nil {
		return fmt.Errorf("vrrp: set promote_secondaries on %s: %w", iface, err)
	}
	return nil
}

// defaultRouteStater implements RouteStater over vishvananda/netlink,
// listing routes in the target table and matching on destination
// rather than round-tripping through buildRoute's gateway/interface
// fields, which a track_route block doesn't carry.
type defaultRouteStater struct{}

func (defaultRouteStater) RouteExists(dest string, table int) (bool, error) {
	_, wantDst, err := net.ParseCIDR(dest)
	if err != nil {
		return false, fmt.Errorf("vrrp: invalid track_route destination %q: %w", dest, err)
	}
	filter := &netlink.Route{Table: table}
	mask := netlink.RT_FILTER_TABLE
	if table == 0 {
		filter, mask = nil, 0
	}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, filter, mask)
	if err != nil {
		return false, fmt.Errorf("vrrp: list routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst != nil && r.Dst.String() == wantDst.String() {
			return true, nil
		}
	}
	return false, nil
}

// defaultRuleStater implements RuleStater over vishvananda/netlink.
type defaultRuleStater struct{}

func (defaultRuleStater) RuleExists(table int) (bool, error) {
	rules, err := netlink.RuleList(netlink.FAMILY_ALL)
	if err != nil {
		return false, fmt.Errorf("vrrp: list rules: %w", err)
	}
	for _, r := range rules {
		if r.Table == table {
			return true, nil
		}
	}
	return false, nil
}

func maskHost(ip net.IP) *net.IPNet {
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}

func isExists(err error) bool {
	return err != nil && err.Error() == "file exists"
}

func isNotFound(err error) bool {
	return err != nil && (err.Error() == "no such process" || err.Error() == "no such file or directory")
}
