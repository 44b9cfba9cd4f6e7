// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"net"
	"sync"

	"grimm.is/flywall/internal/config"
)

// FakeEffects is an in-memory Effects implementation for tests,
// recording every call instead of touching the kernel.
type FakeEffects struct {
	mu sync.Mutex

	Addresses map[string][]net.IP // iface -> currently-installed addrs
	Routes    []config.VirtualRoute
	Rules     []config.VirtualRule
	GARPCount int
	GARPAddrs []net.IP

	FailAdd func(iface string) error

	// LocalAddr, if set, is returned by PrimaryAddress for every
	// interface/family; tests that care about the VRRPv3 checksum
	// pseudo-header source set this to a fixed address.
	LocalAddr net.IP

	// AcceptRules tracks the currently-installed accept-rule addresses
	// per instance name.
	AcceptRules map[string][]net.IP

	// PromoteSecondaries tracks the last SetPromoteSecondaries value set
	// per interface.
	PromoteSecondaries map[string]bool
}

// NewFakeEffects returns an empty FakeEffects.
func NewFakeEffects() *FakeEffects {
	return &FakeEffects{
		Addresses:          make(map[string][]net.IP),
		AcceptRules:        make(map[string][]net.IP),
		PromoteSecondaries: make(map[string]bool),
	}
}

func (f *FakeEffects) AddAddresses(iface string, addrs []net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAdd != nil {
		if err := f.FailAdd(iface); err != nil {
			return err
		}
	}
	f.Addresses[iface] = append(f.Addresses[iface], addrs...)
	return nil
}

func (f *FakeEffects) RemoveAddresses(iface string, addrs []net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := f.Addresses[iface][:0]
	for _, existing := range f.Addresses[iface] {
		keep := true
		for _, rm := range addrs {
			if existing.Equal(rm) {
				keep = false
				break
			}
		}
		if keep {
			remaining = append(remaining, existing)
		}
	}
	f.Addresses[iface] = remaining
	return nil
}

func (f *FakeEffects) AddRoutes(routes []config.VirtualRoute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Routes = append(f.Routes, routes...)
	return nil
}

func (f *FakeEffects) RemoveRoutes(routes []config.VirtualRoute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Routes = diffRoutes(f.Routes, routes)
	return nil
}

func diffRoutes(have, remove []config.VirtualRoute) []config.VirtualRoute {
	out := have[:0]
	for _, h := range have {
		drop := false
		for _, r := range remove {
			if h.Destination == r.Destination {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, h)
		}
	}
	return out
}

func (f *FakeEffects) AddRules(rules []config.VirtualRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rules = append(f.Rules, rules...)
	return nil
}

func (f *FakeEffects) RemoveRules(rules []config.VirtualRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.Rules[:0]
	for _, h := range f.Rules {
		drop := false
		for _, r := range rules {
			if h.Table == r.Table {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, h)
		}
	}
	f.Rules = out
	return nil
}

func (f *FakeEffects) SendGratuitous(iface string, addrs []net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GARPCount++
	f.GARPAddrs = append(f.GARPAddrs, addrs...)
	return nil
}

func (f *FakeEffects) InstallAcceptRule(instance string, addrs []net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AcceptRules[instance] = append([]net.IP(nil), addrs...)
	return nil
}

func (f *FakeEffects) RemoveAcceptRule(instance string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.AcceptRules, instance)
	return nil
}

// HasAcceptRule reports whether instance currently has an installed
// accept rule, for test assertions.
func (f *FakeEffects) HasAcceptRule(instance string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.AcceptRules[instance]
	return ok
}

func (f *FakeEffects) SetPromoteSecondaries(iface string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PromoteSecondaries[iface] = enabled
	return nil
}

func (f *FakeEffects) PrimaryAddress(iface string, v6 bool) net.IP {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LocalAddr
}

// HasAddress reports whether iface currently carries addr, for test
// assertions.
func (f *FakeEffects) HasAddress(iface string, addr net.IP) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.Addresses[iface] {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}
