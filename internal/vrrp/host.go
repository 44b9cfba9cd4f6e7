// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"net"
	"os"
	"strconv"
	"strings"
)

// defaultLinkStater implements LinkStater using the standard library's
// interface flags. Tracking an interface's carrier state only needs
// net.FlagUp/net.FlagRunning; unlike VIP/route plumbing it isn't worth
// pulling vishvananda/netlink in for, since net already exposes exactly
// this bit of kernel state portably.
type defaultLinkStater struct{}

func (defaultLinkStater) LinkUp(iface string) (bool, error) {
	link, err := net.InterfaceByName(iface)
	if err != nil {
		return false, err
	}
	return link.Flags&net.FlagUp != 0, nil
}

// interfacePrimaryAddr returns iface's first configured address matching
// family (v6 selects IPv6 over IPv4), backing Effects.PrimaryAddress in
// both the production and stub builds: unlike VIP/route/rule plumbing,
// reading an existing address needs nothing netlink-specific.
func interfacePrimaryAddr(iface string, v6 bool) net.IP {
	link, err := net.InterfaceByName(iface)
	if err != nil {
		return nil
	}
	addrs, err := link.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		is4 := ipNet.IP.To4() != nil
		if is4 && !v6 {
			return ipNet.IP
		}
		if !is4 && v6 && ipNet.IP.IsGlobalUnicast() {
			return ipNet.IP
		}
	}
	return nil
}

// readIntFile implements the reader func(path string) (int, error)
// TrackFile expects: keepalived's vrrp_tracked_file semantics treat the
// file's content as a plain decimal integer.
func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// lookupProcess implements the func(name string) (bool, error)
// TrackProcess expects, scanning /proc for a matching comm entry.
func lookupProcess(name string) (bool, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.Atoi(e.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile("/proc/" + e.Name() + "/comm")
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(comm)) == name {
			return true, nil
		}
	}
	return false, nil
}
