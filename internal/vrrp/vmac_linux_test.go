// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package vrrp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/config"
)

func TestVmacAddress_DerivesFromVRIDForIPv4(t *testing.T) {
	inst := config.VRRPInstance{VRID: 51, Family: "ipv4", VMAC: &config.VRRPVMAC{}}

	mac, err := vmacAddress(inst)
	require.NoError(t, err)
	assert.Equal(t, "00:00:5e:00:01:33", mac.String())
}

func TestVmacAddress_DerivesFromVRIDForIPv6(t *testing.T) {
	inst := config.VRRPInstance{VRID: 7, Family: "ipv6", VMAC: &config.VRRPVMAC{}}

	mac, err := vmacAddress(inst)
	require.NoError(t, err)
	assert.Equal(t, "00:00:5e:00:02:07", mac.String())
}

func TestVmacAddress_ExplicitMACOverridesDerivation(t *testing.T) {
	inst := config.VRRPInstance{VRID: 51, VMAC: &config.VRRPVMAC{MAC: "02:00:00:00:00:01"}}

	mac, err := vmacAddress(inst)
	require.NoError(t, err)
	assert.Equal(t, "02:00:00:00:00:01", mac.String())
}
