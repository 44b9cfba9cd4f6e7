// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package vrrp

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"grimm.is/flywall/internal/config"
)

// VMACManager creates and removes the virtual-MAC (macvlan, private
// mode) or IPVLAN (L2 mode) sub-interface an instance owns when
// cfg.VMAC is set, carrying the RFC-mandated
// 00:00:5E:00:0{1,2}:<vrid> address unless overridden.
type VMACManager struct{}

// NewVMACManager returns a VMACManager.
func NewVMACManager() *VMACManager { return &VMACManager{} }

// Ensure creates the sub-interface for inst if it doesn't already
// exist, returning its name.
func (v *VMACManager) Ensure(inst config.VRRPInstance) (string, error) {
	if inst.VMAC == nil {
		return inst.Interface, nil
	}
	name := inst.VMAC.Interface
	if name == "" {
		name = fmt.Sprintf("vrrp.%d", inst.VRID)
	}

	if existing, err := netlink.LinkByName(name); err == nil {
		return existing.Attrs().Name, nil
	}

	parent, err := netlink.LinkByName(inst.Interface)
	if err != nil {
		return "", fmt.Errorf("vrrp: vmac parent interface %s: %w", inst.Interface, err)
	}

	mac, err := vmacAddress(inst)
	if err != nil {
		return "", err
	}

	var link netlink.Link
	switch inst.VMAC.Mode {
	case "ipvlan":
		link = &netlink.IPVlan{
			LinkAttrs: netlink.LinkAttrs{Name: name, ParentIndex: parent.Attrs().Index, HardwareAddr: mac},
			Mode:      netlink.IPVLAN_MODE_L2,
		}
	default:
		link = &netlink.Macvlan{
			LinkAttrs: netlink.LinkAttrs{Name: name, ParentIndex: parent.Attrs().Index, HardwareAddr: mac},
			Mode:      netlink.MACVLAN_MODE_PRIVATE,
		}
	}

	if err := netlink.LinkAdd(link); err != nil {
		return "", fmt.Errorf("vrrp: create vmac interface %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return "", fmt.Errorf("vrrp: bring up vmac interface %s: %w", name, err)
	}
	return name, nil
}

// Remove deletes the sub-interface for inst, if any.
func (v *VMACManager) Remove(inst config.VRRPInstance) error {
	if inst.VMAC == nil {
		return nil
	}
	name := inst.VMAC.Interface
	if name == "" {
		name = fmt.Sprintf("vrrp.%d", inst.VRID)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	return netlink.LinkDel(link)
}

func vmacAddress(inst config.VRRPInstance) (net.HardwareAddr, error) {
	if inst.VMAC.MAC != "" {
		return net.ParseMAC(inst.VMAC.MAC)
	}
	prefixByte := byte(0x01)
	if inst.Family == "ipv6" {
		prefixByte = 0x02
	}
	return net.HardwareAddr{0x00, 0x00, 0x5e, 0x00, prefixByte, byte(inst.VRID)}, nil
}
