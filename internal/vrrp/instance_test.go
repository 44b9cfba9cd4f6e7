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
	"grimm.is/flywall/internal/vrrp/wire"
)

func testInstance(t *testing.T, cfg config.VRRPInstance, clk clock.Clock, eff Effects) (*Instance, *FakeEffects) {
	t.Helper()
	if cfg.Interface == "" {
		cfg.Interface = "eth0"
	}
	if cfg.VRID == 0 {
		cfg.VRID = 51
	}
	if len(cfg.VirtualIPs) == 0 {
		cfg.VirtualIPs = []config.VirtualIP{{Address: "10.0.0.1"}}
	}
	if cfg.AdverInt == 0 {
		cfg.AdverInt = 1
	}
	var fake *FakeEffects
	if eff == nil {
		fake = NewFakeEffects()
		eff = fake
	}
	track := NewTrackEngine(nil)
	logger := logging.New(logging.DefaultConfig())
	inst := NewInstance(cfg, wire.FamilyV4, clk, logger, eff, nil, nil, track)
	return inst, fake
}

func TestNewInstance_DefaultsPriorityTo100(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1"}, clk, nil)
	assert.Equal(t, 100, inst.Priority())
}

func TestInstance_StartEntersBackup(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 150}, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	assert.Eventually(t, func() bool {
		return inst.State() == StateBackup
	}, time.Second, time.Millisecond)
}

func TestInstance_BecomesMasterWhenDownTimerExpires(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, fake := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 150, AdverInt: 1}, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)

	down := masterDownInterval(inst.downMultiplier(), inst.advertInterval(), inst.Priority())
	clk.Advance(down + time.Millisecond)

	require.Eventually(t, func() bool { return inst.State() == StateMaster }, time.Second, time.Millisecond)
	assert.True(t, fake.HasAddress("eth0", net.ParseIP("10.0.0.1")))
	assert.Equal(t, 1, fake.GARPCount)
	assert.Equal(t, uint64(1), inst.Stats().BecomeMasterCount)
}

func TestInstance_HigherPriorityAdvertDowngradesMaster(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, fake := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 150, AdverInt: 1}, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	down := masterDownInterval(inst.downMultiplier(), inst.advertInterval(), inst.Priority())
	clk.Advance(down + time.Millisecond)
	require.Eventually(t, func() bool { return inst.State() == StateMaster }, time.Second, time.Millisecond)

	peer := &wire.Packet{
		Version:   wire.Version3,
		Type:      wire.TypeAdvertisement,
		VRID:      51,
		Priority:  200,
		AdverInt:  100,
		Family:    wire.FamilyV4,
		Addresses: []net.IP{net.ParseIP("10.0.0.1").To4()},
	}
	raw, err := wire.Encode(peer, net.ParseIP("10.0.0.2"), net.ParseIP(wire.DefaultMulticastGroupV4))
	require.NoError(t, err)
	inst.deliverAdvert(raw, net.ParseIP("10.0.0.2"))

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)
	assert.False(t, fake.HasAddress("eth0", net.ParseIP("10.0.0.1")))
}

func TestInstance_NoPreemptIgnoresLowerPriorityMaster(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 200, AdverInt: 1, NoPreempt: true}, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)

	lower := &wire.Packet{
		Version:   wire.Version3,
		Type:      wire.TypeAdvertisement,
		VRID:      51,
		Priority:  100,
		AdverInt:  100,
		Family:    wire.FamilyV4,
		Addresses: []net.IP{net.ParseIP("10.0.0.1").To4()},
	}
	raw, err := wire.Encode(lower, net.ParseIP("10.0.0.3"), net.ParseIP(wire.DefaultMulticastGroupV4))
	require.NoError(t, err)
	inst.deliverAdvert(raw, net.ParseIP("10.0.0.3"))

	// Give the event loop a chance to process, then assert it stayed BACKUP
	// rather than taking over immediately despite the lower-priority peer.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateBackup, inst.State())
}

func TestInstance_WithPreemptTakesOverFromLowerPriorityMaster(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 200, AdverInt: 1}, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)

	lower := &wire.Packet{
		Version:   wire.Version3,
		Type:      wire.TypeAdvertisement,
		VRID:      51,
		Priority:  100,
		AdverInt:  100,
		Family:    wire.FamilyV4,
		Addresses: []net.IP{net.ParseIP("10.0.0.1").To4()},
	}
	raw, err := wire.Encode(lower, net.ParseIP("10.0.0.3"), net.ParseIP(wire.DefaultMulticastGroupV4))
	require.NoError(t, err)
	inst.deliverAdvert(raw, net.ParseIP("10.0.0.3"))

	down := masterDownInterval(inst.downMultiplier(), inst.masterAdverIntOrDefault(), inst.Priority())
	clk.Advance(down + time.Millisecond)

	require.Eventually(t, func() bool { return inst.State() == StateMaster }, time.Second, time.Millisecond)
}

func TestInstance_PriorityZeroAdvertTriggersFastFailover(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 150, AdverInt: 1}, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)

	releasing := &wire.Packet{
		Version:   wire.Version3,
		Type:      wire.TypeAdvertisement,
		VRID:      51,
		Priority:  0,
		AdverInt:  100,
		Family:    wire.FamilyV4,
		Addresses: []net.IP{net.ParseIP("10.0.0.1").To4()},
	}
	raw, err := wire.Encode(releasing, net.ParseIP("10.0.0.3"), net.ParseIP(wire.DefaultMulticastGroupV4))
	require.NoError(t, err)
	inst.deliverAdvert(raw, net.ParseIP("10.0.0.3"))

	// Skew_Time is far shorter than the full master-down interval.
	clk.Advance(skewTime(inst.Priority(), 1*time.Second) + time.Millisecond)

	require.Eventually(t, func() bool { return inst.State() == StateMaster }, time.Second, time.Millisecond)
}

func TestInstance_ShutdownSendsPriorityZeroAndReleasesAddresses(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, fake := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 200, AdverInt: 1}, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	inst.Start(ctx)

	down := masterDownInterval(inst.downMultiplier(), inst.advertInterval(), inst.Priority())
	clk.Advance(down + time.Millisecond)
	require.Eventually(t, func() bool { return inst.State() == StateMaster }, time.Second, time.Millisecond)

	cancel()
	inst.Stop()

	assert.Equal(t, StateDeleted, inst.State())
	assert.False(t, fake.HasAddress("eth0", net.ParseIP("10.0.0.1")))
}

func TestInstance_TrackEngineFaultBlocksMasterTakeover(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	cfg := config.VRRPInstance{Name: "vr1", Priority: 150, AdverInt: 1}
	cfg.Interface = "eth0"
	cfg.VRID = 51
	cfg.VirtualIPs = []config.VirtualIP{{Address: "10.0.0.1"}}

	fake := NewFakeEffects()
	track := NewTrackEngine(nil)
	track.set("down-tracker", false, 0)
	logger := logging.New(logging.DefaultConfig())
	inst := NewInstance(cfg, wire.FamilyV4, clk, logger, fake, nil, nil, track)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)

	down := masterDownInterval(inst.downMultiplier(), inst.advertInterval(), inst.Priority())
	clk.Advance(down + time.Millisecond)

	require.Eventually(t, func() bool { return inst.State() == StateFault }, time.Second, time.Millisecond)
	assert.False(t, fake.HasAddress("eth0", net.ParseIP("10.0.0.1")))
}

func TestInstance_StrictModeRejectsMismatchedAddressList(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 200, AdverInt: 1}, clk, nil)
	inst.SetStrict(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)

	mismatched := &wire.Packet{
		Version:   wire.Version3,
		Type:      wire.TypeAdvertisement,
		VRID:      51,
		Priority:  250,
		AdverInt:  100,
		Family:    wire.FamilyV4,
		Addresses: []net.IP{net.ParseIP("10.9.9.9").To4()},
	}
	raw, err := wire.Encode(mismatched, net.ParseIP("10.0.0.9"), net.ParseIP(wire.DefaultMulticastGroupV4))
	require.NoError(t, err)
	inst.deliverAdvert(raw, net.ParseIP("10.0.0.9"))

	require.Eventually(t, func() bool { return inst.Stats().AddrListErr == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateBackup, inst.State())
}

func TestSkewTime(t *testing.T) {
	// RFC 5798 §6.2: Skew_Time = ((256 - Priority) * Master_Adver_Interval) / 256.
	got := skewTime(100, time.Second)
	assert.Equal(t, time.Duration(int64(time.Second)*156/256), got)

	// The address owner's priority (255) yields the minimum skew.
	got = skewTime(255, time.Second)
	assert.Equal(t, time.Duration(int64(time.Second)*1/256), got)
}

func TestMasterDownInterval(t *testing.T) {
	got := masterDownInterval(3, time.Second, 100)
	want := 3*time.Second + skewTime(100, time.Second)
	assert.Equal(t, want, got)
}

func TestSameAddressSet(t *testing.T) {
	a := []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2")}
	b := []net.IP{net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1")}
	assert.True(t, sameAddressSet(a, b))

	c := []net.IP{net.ParseIP("10.0.0.1")}
	assert.False(t, sameAddressSet(a, c))
}

// fakeReceiver is a no-op socket.Receiver for tests that only need a
// Sender's Send side recorded.
type fakeReceiver struct{}

func (fakeReceiver) Deliver(vrid uint8, dg socket.Datagram) bool { return false }

func TestInstance_PreemptDelayHoldsOffThenAllowsPreemption(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 200, AdverInt: 1, PreemptDelay: 5}, clk, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)
	assert.False(t, inst.canPreempt(), "preempt_delay must hold off preemption right after entering backup")

	clk.Advance(5*time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return inst.canPreempt() }, time.Second, time.Millisecond)
}

func TestInstance_PromoteSecondariesSetOnBecomingMaster(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	fake := NewFakeEffects()
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 200, AdverInt: 1, PromoteSecondaries: true}, clk, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)

	down := masterDownInterval(inst.downMultiplier(), inst.advertInterval(), inst.Priority())
	clk.Advance(down + time.Millisecond)
	require.Eventually(t, func() bool { return inst.State() == StateMaster }, time.Second, time.Millisecond)

	assert.True(t, fake.PromoteSecondaries["eth0"])
}

func TestInstance_ChecksumCompatLatchesFromUnicastPeer(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	fake := NewFakeEffects()
	fake.LocalAddr = net.ParseIP("10.0.0.5")
	inst, _ := testInstance(t, config.VRRPInstance{
		Name:         "vr1",
		Priority:     150,
		AdverInt:     1,
		UnicastPeers: []string{"10.0.0.2"},
	}, clk, fake)

	pool := socket.NewFakePool()
	sender, err := pool.Open(socket.Key{Interface: "eth0"}, fakeReceiver{})
	require.NoError(t, err)
	inst.sender = sender

	peer := &wire.Packet{
		Version:   wire.Version3,
		Type:      wire.TypeAdvertisement,
		VRID:      51,
		Priority:  100,
		AdverInt:  100,
		Family:    wire.FamilyV4,
		Addresses: []net.IP{net.ParseIP("10.0.0.1").To4()},
	}
	// The peer checksums against the multicast group even though it is
	// unicasting directly to us.
	raw, err := wire.Encode(peer, net.ParseIP("10.0.0.2"), net.ParseIP(wire.DefaultMulticastGroupV4))
	require.NoError(t, err)

	assert.False(t, inst.isChecksumCompat())
	inst.deliverAdvert(raw, net.ParseIP("10.0.0.2"))
	assert.True(t, inst.isChecksumCompat())
	assert.Equal(t, uint64(0), inst.Stats().ChecksumErr, "the compat retry must not count as a checksum error")

	inst.sendAdvert()
	require.Len(t, pool.Sent, 1)
	sent := pool.Sent[0]
	assert.True(t, sent.Dst.Equal(net.ParseIP("10.0.0.2")), "wire destination stays the real unicast peer")

	_, err = wire.Decode(sent.Raw, wire.FamilyV4, fake.LocalAddr, net.ParseIP(wire.DefaultMulticastGroupV4))
	assert.NoError(t, err, "our own adverts must now validate under the multicast pseudo-header too")
}

func TestInstance_DuplicateOwnerAdvertArmsRogueTimerThenDropsPriority(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	fake := NewFakeEffects()
	fake.LocalAddr = net.ParseIP("10.0.0.9")
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 200, AdverInt: 1}, clk, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	require.Eventually(t, func() bool { return inst.State() == StateBackup }, time.Second, time.Millisecond)

	down := masterDownInterval(inst.downMultiplier(), inst.masterAdverIntOrDefault(), inst.Priority())
	clk.Advance(down + time.Millisecond)
	require.Eventually(t, func() bool { return inst.State() == StateMaster }, time.Second, time.Millisecond)

	rogue := &wire.Packet{
		Version:   wire.Version3,
		Type:      wire.TypeAdvertisement,
		VRID:      51,
		Priority:  200,
		AdverInt:  100,
		Family:    wire.FamilyV4,
		Addresses: []net.IP{net.ParseIP("10.0.0.1").To4()},
	}
	raw, err := wire.Encode(rogue, fake.LocalAddr, net.ParseIP(wire.DefaultMulticastGroupV4))
	require.NoError(t, err)
	inst.deliverAdvert(raw, fake.LocalAddr)

	require.Eventually(t, func() bool {
		return inst.Stats().DuplicateOwnerErr == 1
	}, time.Second, time.Millisecond, "duplicate-owner advert must be logged as a CONFIG ERROR and counted")
	assert.Equal(t, 200, inst.Priority(), "priority must not drop until the rogue timer actually fires")

	rogueInterval := inst.rogueTimerInterval(rogue)
	clk.Advance(rogueInterval + time.Millisecond)
	require.Eventually(t, func() bool {
		return inst.Priority() == maxPriority
	}, time.Second, time.Millisecond, "priority must drop to 254 once the rogue keeps advertising past the timer")
}

func TestInstance_DuplicateOwnerAdvertIgnoresDifferentSource(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	fake := NewFakeEffects()
	fake.LocalAddr = net.ParseIP("10.0.0.9")
	inst, _ := testInstance(t, config.VRRPInstance{Name: "vr1", Priority: 200, AdverInt: 1}, clk, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inst.Start(ctx)
	defer inst.Stop()

	down := masterDownInterval(inst.downMultiplier(), inst.masterAdverIntOrDefault(), inst.Priority())
	clk.Advance(down + time.Millisecond)
	require.Eventually(t, func() bool { return inst.State() == StateMaster }, time.Second, time.Millisecond)

	// Same priority but a different source: this is ordinary equal-priority
	// contention, not a duplicate address owner, so it must not count.
	peer := &wire.Packet{
		Version:   wire.Version3,
		Type:      wire.TypeAdvertisement,
		VRID:      51,
		Priority:  200,
		AdverInt:  100,
		Family:    wire.FamilyV4,
		Addresses: []net.IP{net.ParseIP("10.0.0.1").To4()},
	}
	raw, err := wire.Encode(peer, net.ParseIP("10.0.0.3"), net.ParseIP(wire.DefaultMulticastGroupV4))
	require.NoError(t, err)
	inst.deliverAdvert(raw, net.ParseIP("10.0.0.3"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint64(0), inst.Stats().DuplicateOwnerErr)
	assert.Equal(t, 200, inst.Priority())
}

func TestBytesGreater(t *testing.T) {
	lower := net.ParseIP("10.0.0.1")
	higher := net.ParseIP("10.0.0.2")
	assert.True(t, bytesGreater(higher, lower))
	assert.False(t, bytesGreater(lower, higher))
	assert.False(t, bytesGreater(nil, higher))
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.VRRPInstance
		wantErr bool
	}{
		{
			name:    "vrid out of range",
			cfg:     config.VRRPInstance{Name: "vr1", VRID: 0, Interface: "eth0", VirtualIPs: []config.VirtualIP{{Address: "10.0.0.1"}}},
			wantErr: true,
		},
		{
			name:    "v2 with ipv6",
			cfg:     config.VRRPInstance{Name: "vr1", VRID: 1, Version: 2, Family: "ipv6", Interface: "eth0", VirtualIPs: []config.VirtualIP{{Address: "fe80::1"}}},
			wantErr: true,
		},
		{
			name:    "no vips and not allowed",
			cfg:     config.VRRPInstance{Name: "vr1", VRID: 1, Interface: "eth0"},
			wantErr: true,
		},
		{
			name:    "no vips but allowed",
			cfg:     config.VRRPInstance{Name: "vr1", VRID: 1, Interface: "eth0", AllowNoVIPs: true},
			wantErr: false,
		},
		{
			name:    "owner priority without vip",
			cfg:     config.VRRPInstance{Name: "vr1", VRID: 1, Interface: "eth0", Priority: 255, AllowNoVIPs: true},
			wantErr: true,
		},
		{
			name:    "valid",
			cfg:     config.VRRPInstance{Name: "vr1", VRID: 1, Interface: "eth0", VirtualIPs: []config.VirtualIP{{Address: "10.0.0.1"}}},
			wantErr: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConfig(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
