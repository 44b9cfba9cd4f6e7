// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/vrrp/socket"
)

func testManagerConfig(name string, priority int) config.VRRPConfig {
	return config.VRRPConfig{
		Enabled: true,
		Instances: []config.VRRPInstance{
			{
				Name:       name,
				VRID:       51,
				Interface:  "eth0",
				Priority:   priority,
				AdverInt:   1,
				VirtualIPs: []config.VirtualIP{{Address: "10.0.0.1"}},
			},
		},
	}
}

func TestManager_BuildWiresInstanceToSocketPool(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	pool := socket.NewFakePool()
	logger := logging.New(logging.DefaultConfig())

	m := NewManager(testManagerConfig("vr1", 150), logger, WithClock(clk), WithPool(pool), WithEffects(NewFakeEffects()))
	require.NoError(t, m.Build())

	assert.NotNil(t, m.Instance("vr1"))
	assert.Len(t, m.Instances(), 1)
}

// sharedKey is what Manager.socketKey derives for a plain multicast
// instance with no VMAC/unicast/AH configuration: same on both
// simulated hosts, since it depends only on family/interface/group.
var sharedKey = socket.Key{Family: socket.FamilyV4, Interface: "eth0", McastGroup: "224.0.0.18"}

func TestManager_TwoHostsElectHigherPriorityMaster(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	logger := logging.New(logging.DefaultConfig())

	lowPool := socket.NewFakePool()
	lowEff := NewFakeEffects()
	low := NewManager(testManagerConfig("vr1", 100), logger, WithClock(clk), WithPool(lowPool), WithEffects(lowEff))
	require.NoError(t, low.Build())

	highPool := socket.NewFakePool()
	highEff := NewFakeEffects()
	highEff.LocalAddr = net.ParseIP("10.0.0.20")
	high := NewManager(testManagerConfig("vr1", 200), logger, WithClock(clk), WithPool(highPool), WithEffects(highEff))
	require.NoError(t, high.Build())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	low.Start(ctx)
	defer low.Stop()
	high.Start(ctx)
	defer high.Stop()

	lowInst := low.Instance("vr1")
	highInst := high.Instance("vr1")

	require.Eventually(t, func() bool {
		return lowInst.State() == StateBackup && highInst.State() == StateBackup
	}, time.Second, time.Millisecond)

	highDown := masterDownInterval(highInst.downMultiplier(), highInst.advertInterval(), highInst.Priority())
	clk.Advance(highDown + time.Millisecond)
	require.Eventually(t, func() bool { return highInst.State() == StateMaster }, time.Second, time.Millisecond)

	// Relay the advert the high-priority instance just sent into the
	// low-priority host's own socket, as a real peer's advert would
	// arrive over the wire.
	require.Eventually(t, func() bool { return len(highPool.Sent) > 0 }, time.Second, time.Millisecond)
	for _, sent := range highPool.Sent {
		lowPool.Deliver(sharedKey, 51, socket.Datagram{Payload: sent.Raw, Src: net.ParseIP("10.0.0.20")})
	}

	require.Eventually(t, func() bool { return lowInst.State() == StateBackup }, time.Second, time.Millisecond)
	assert.False(t, lowEff.HasAddress("eth0", net.ParseIP("10.0.0.1")))
	assert.True(t, highEff.HasAddress("eth0", net.ParseIP("10.0.0.1")))
}

func TestManager_ReloadLeavesUnchangedInstanceRunning(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	pool := socket.NewFakePool()
	logger := logging.New(logging.DefaultConfig())

	m := NewManager(testManagerConfig("vr1", 150), logger, WithClock(clk), WithPool(pool), WithEffects(NewFakeEffects()))
	require.NoError(t, m.Build())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	before := m.Instance("vr1")
	require.Eventually(t, func() bool { return before.State() == StateBackup }, time.Second, time.Millisecond)

	require.NoError(t, m.Reload(testManagerConfig("vr1", 150)))
	assert.Same(t, before, m.Instance("vr1"), "an unchanged instance config must not be rebuilt")
}

func TestManager_ReloadRebuildsOnlyChangedInstance(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	pool := socket.NewFakePool()
	logger := logging.New(logging.DefaultConfig())

	cfg := config.VRRPConfig{Instances: []config.VRRPInstance{
		{Name: "vr1", VRID: 51, Interface: "eth0", Priority: 150, AdverInt: 1, VirtualIPs: []config.VirtualIP{{Address: "10.0.0.1"}}},
		{Name: "vr2", VRID: 52, Interface: "eth0", Priority: 100, AdverInt: 1, VirtualIPs: []config.VirtualIP{{Address: "10.0.0.2"}}},
	}}
	m := NewManager(cfg, logger, WithClock(clk), WithPool(pool), WithEffects(NewFakeEffects()))
	require.NoError(t, m.Build())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	vr1Before := m.Instance("vr1")
	vr2Before := m.Instance("vr2")
	require.Eventually(t, func() bool {
		return vr1Before.State() == StateBackup && vr2Before.State() == StateBackup
	}, time.Second, time.Millisecond)

	changed := config.VRRPConfig{Instances: []config.VRRPInstance{
		{Name: "vr1", VRID: 51, Interface: "eth0", Priority: 200, AdverInt: 1, VirtualIPs: []config.VirtualIP{{Address: "10.0.0.1"}}},
		{Name: "vr2", VRID: 52, Interface: "eth0", Priority: 100, AdverInt: 1, VirtualIPs: []config.VirtualIP{{Address: "10.0.0.2"}}},
	}}
	require.NoError(t, m.Reload(changed))

	assert.NotSame(t, vr1Before, m.Instance("vr1"), "vr1's priority changed, so it must be rebuilt")
	assert.Same(t, vr2Before, m.Instance("vr2"), "vr2 is untouched, so it must keep running unchanged")
	assert.Equal(t, 200, m.Instance("vr1").Priority())
}

func TestManager_ReloadRemovesDroppedInstance(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	pool := socket.NewFakePool()
	logger := logging.New(logging.DefaultConfig())

	cfg := config.VRRPConfig{Instances: []config.VRRPInstance{
		{Name: "vr1", VRID: 51, Interface: "eth0", Priority: 150, AdverInt: 1, VirtualIPs: []config.VirtualIP{{Address: "10.0.0.1"}}},
		{Name: "vr2", VRID: 52, Interface: "eth0", Priority: 100, AdverInt: 1, VirtualIPs: []config.VirtualIP{{Address: "10.0.0.2"}}},
	}}
	m := NewManager(cfg, logger, WithClock(clk), WithPool(pool), WithEffects(NewFakeEffects()))
	require.NoError(t, m.Build())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool { return len(m.Instances()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, m.Reload(testManagerConfig("vr1", 150)))
	assert.Len(t, m.Instances(), 1)
	assert.Nil(t, m.Instance("vr2"))
}

func TestManager_ReloadRejectsInvalidConfigWithoutTouchingRunningSet(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	pool := socket.NewFakePool()
	logger := logging.New(logging.DefaultConfig())

	m := NewManager(testManagerConfig("vr1", 150), logger, WithClock(clk), WithPool(pool), WithEffects(NewFakeEffects()))
	require.NoError(t, m.Build())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	before := m.Instance("vr1")
	require.Eventually(t, func() bool { return before.State() == StateBackup }, time.Second, time.Millisecond)

	bad := config.VRRPConfig{Instances: []config.VRRPInstance{
		{Name: "vr1", VRID: 0, Interface: "eth0", Priority: 150, AdverInt: 1, VirtualIPs: []config.VirtualIP{{Address: "10.0.0.1"}}},
	}}
	err := m.Reload(bad)
	assert.Error(t, err)
	assert.Same(t, before, m.Instance("vr1"), "a rejected reload must leave the running instance untouched")
}
