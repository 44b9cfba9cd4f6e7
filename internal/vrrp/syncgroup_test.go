// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/vrrp/wire"
)

func newGroupMember(t *testing.T, name string, priority int, clk clock.Clock, track *TrackEngine) (*Instance, *FakeEffects) {
	t.Helper()
	cfg := config.VRRPInstance{
		Name:       name,
		VRID:       51,
		Interface:  "eth0",
		Priority:   priority,
		AdverInt:   1,
		VirtualIPs: []config.VirtualIP{{Address: "10.0.0.1"}},
	}
	fake := NewFakeEffects()
	if track == nil {
		track = NewTrackEngine(nil)
	}
	logger := logging.New(logging.DefaultConfig())
	inst := NewInstance(cfg, wire.FamilyV4, clk, logger, fake, nil, nil, track)
	track.onChange = func() { inst.ForceRefresh() }
	return inst, fake
}

func TestSyncGroupCoordinator_MemberFaultForcesWholeGroup(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	a, _ := newGroupMember(t, "a", 150, clk, nil)
	b, _ := newGroupMember(t, "b", 150, clk, nil)

	coord := NewSyncGroupCoordinator(config.SyncGroup{Name: "g1", Members: []string{"a", "b"}}, nil)
	coord.Attach(a)
	coord.Attach(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()
	b.Start(ctx)
	defer b.Stop()

	require.Eventually(t, func() bool {
		return a.State() == StateBackup && b.State() == StateBackup
	}, time.Second, time.Millisecond)

	a.ForceFault()

	require.Eventually(t, func() bool {
		return a.State() == StateFault && b.State() == StateFault
	}, time.Second, time.Millisecond)
}

func TestSyncGroupCoordinator_ClearsTogetherOnlyWhenAllClear(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	a, _ := newGroupMember(t, "a", 150, clk, nil)
	b, _ := newGroupMember(t, "b", 150, clk, nil)

	coord := NewSyncGroupCoordinator(config.SyncGroup{Name: "g1", Members: []string{"a", "b"}}, nil)
	coord.Attach(a)
	coord.Attach(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()
	b.Start(ctx)
	defer b.Stop()

	require.Eventually(t, func() bool {
		return a.State() == StateBackup && b.State() == StateBackup
	}, time.Second, time.Millisecond)

	a.ForceFault()
	require.Eventually(t, func() bool {
		return a.State() == StateFault && b.State() == StateFault
	}, time.Second, time.Millisecond)

	// a alone clearing fault must not release b: the group leaves FAULT
	// only once every member has cleared.
	coord.onMemberTransition("a", StateBackup)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateFault, b.State())
}

func TestSyncGroupCoordinator_ProposeMasterDeniedWhileOtherMemberInit(t *testing.T) {
	coord := NewSyncGroupCoordinator(config.SyncGroup{Name: "g1", Members: []string{"a", "b"}}, nil)
	coord.state["a"] = StateInit
	coord.state["b"] = StateInit
	assert.False(t, coord.proposeMaster("a"))

	coord.state["b"] = StateBackup
	assert.True(t, coord.proposeMaster("a"))

	coord.state["b"] = StateFault
	assert.False(t, coord.proposeMaster("a"))
}

func TestSyncGroupCoordinator_MasterDeferredWhileMemberStillInit(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	a, _ := newGroupMember(t, "a", 150, clk, nil)
	b, _ := newGroupMember(t, "b", 100, clk, nil)

	coord := NewSyncGroupCoordinator(config.SyncGroup{Name: "g1", Members: []string{"a", "b"}}, nil)
	coord.Attach(a)
	coord.Attach(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	defer a.Stop()
	// b deliberately never started: it stays INIT in the coordinator's view.

	require.Eventually(t, func() bool {
		return a.State() == StateBackup
	}, time.Second, time.Millisecond)

	// a's down timer expires, but b is still INIT: the proposal must be
	// deferred, not committed immediately.
	clk.Advance(masterDownInterval(a.downMultiplier(), a.advertInterval(), a.Priority()) + time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateBackup, a.State())

	// Starting b reports BACKUP to the coordinator, clearing INIT; a's
	// deferred retry (reusing the down-timer pipeline) now commits.
	b.Start(ctx)
	defer b.Stop()
	require.Eventually(t, func() bool {
		return b.State() == StateBackup
	}, time.Second, time.Millisecond)

	clk.Advance(syncGroupProposeRetry + time.Millisecond)
	require.Eventually(t, func() bool {
		return a.State() == StateMaster
	}, time.Second, time.Millisecond)
}
