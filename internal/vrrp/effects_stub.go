// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package vrrp

import (
	"fmt"
	"net"

	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
)

// NetlinkEffects is unimplemented on non-Linux platforms: every VRRP
// kernel effect (address/route/rule plumbing, GARP/NA) needs netlink or
// raw Ethernet sockets this platform doesn't provide. Manager.Build still
// constructs one so the package builds everywhere; every method returns an
// error rather than silently no-opping, since a failover engine that
// can't actually move an address must not report success.
type NetlinkEffects struct {
	logger *logging.Logger
}

// NewNetlinkEffects returns a NetlinkEffects stub.
func NewNetlinkEffects(logger *logging.Logger, repeat int) *NetlinkEffects {
	return &NetlinkEffects{logger: logger}
}

var errUnsupportedPlatform = fmt.Errorf("vrrp: kernel effects are only implemented on linux")

func (e *NetlinkEffects) AddAddresses(iface string, addrs []net.IP) error { return errUnsupportedPlatform }
func (e *NetlinkEffects) RemoveAddresses(iface string, addrs []net.IP) error {
	return errUnsupportedPlatform
}
func (e *NetlinkEffects) AddRoutes(routes []config.VirtualRoute) error    { return errUnsupportedPlatform }
func (e *NetlinkEffects) RemoveRoutes(routes []config.VirtualRoute) error { return errUnsupportedPlatform }
func (e *NetlinkEffects) AddRules(rules []config.VirtualRule) error       { return errUnsupportedPlatform }
func (e *NetlinkEffects) RemoveRules(rules []config.VirtualRule) error    { return errUnsupportedPlatform }
func (e *NetlinkEffects) SendGratuitous(iface string, addrs []net.IP) error {
	return errUnsupportedPlatform
}
func (e *NetlinkEffects) InstallAcceptRule(instance string, addrs []net.IP) error {
	return errUnsupportedPlatform
}
func (e *NetlinkEffects) RemoveAcceptRule(instance string) error { return errUnsupportedPlatform }
func (e *NetlinkEffects) SetPromoteSecondaries(iface string, enabled bool) error {
	return errUnsupportedPlatform
}
func (e *NetlinkEffects) PrimaryAddress(iface string, v6 bool) net.IP {
	return interfacePrimaryAddr(iface, v6)
}

// defaultRouteStater/defaultRuleStater have no portable implementation:
// querying routing tables and policy rules needs netlink.
type defaultRouteStater struct{}

func (defaultRouteStater) RouteExists(dest string, table int) (bool, error) {
	return false, errUnsupportedPlatform
}

type defaultRuleStater struct{}

func (defaultRuleStater) RuleExists(table int) (bool, error) { return false, errUnsupportedPlatform }
