// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package vrrp

import (
	"fmt"

	"grimm.is/flywall/internal/config"
)

// VMACManager is unimplemented on non-Linux platforms.
type VMACManager struct{}

// NewVMACManager returns a VMACManager.
func NewVMACManager() *VMACManager { return &VMACManager{} }

func (v *VMACManager) Ensure(inst config.VRRPInstance) (string, error) {
	if inst.VMAC == nil {
		return inst.Interface, nil
	}
	return "", fmt.Errorf("vrrp: vmac sub-interfaces are only supported on Linux")
}

func (v *VMACManager) Remove(config.VRRPInstance) error { return nil }
