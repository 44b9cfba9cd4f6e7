// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
)

func TestTrackEngine_FaultOnBinaryDown(t *testing.T) {
	e := NewTrackEngine(nil)
	assert.False(t, e.Fault())

	e.set("binary-one", false, 0)
	assert.True(t, e.Fault())

	e.set("binary-one", true, 0)
	assert.False(t, e.Fault())
}

func TestTrackEngine_WeightedNeverForcesFault(t *testing.T) {
	e := NewTrackEngine(nil)
	e.set("weighted-one", false, 10)
	assert.False(t, e.Fault())
	assert.Equal(t, -10, e.PriorityDelta())
}

func TestTrackEngine_PriorityDeltaSumsWeighted(t *testing.T) {
	e := NewTrackEngine(nil)
	e.set("a", true, 10)
	e.set("b", false, 20)
	e.set("c", true, 0) // binary, no contribution
	assert.Equal(t, -10, e.PriorityDelta())
}

func TestTrackEngine_OnChangeFiresOnlyOnTransition(t *testing.T) {
	calls := 0
	e := NewTrackEngine(func() { calls++ })

	e.set("a", true, 0)
	assert.Equal(t, 1, calls)

	e.set("a", true, 0) // no state change
	assert.Equal(t, 1, calls)

	e.set("a", false, 0)
	assert.Equal(t, 2, calls)
}

func TestScriptTracker_RiseFallDebounce(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	engine := NewTrackEngine(nil)
	tr := NewScriptTracker(config.TrackScript{Name: "check", Path: "/bin/true", Interval: 1, Rise: 2, Fall: 2}, engine, clk, nil)
	st := tr.(*scriptTracker)

	failing := true
	st.runner = func(ctx context.Context, path string, timeout time.Duration) error {
		if failing {
			return errors.New("down")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	// First failure alone doesn't flip an optimistic-start tracker down
	// until Fall consecutive failures are observed.
	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.fails == 1
	}, time.Second, time.Millisecond)
	assert.False(t, engine.Fault())

	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return engine.Fault() }, time.Second, time.Millisecond)

	failing = false
	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.passes == 1
	}, time.Second, time.Millisecond)
	assert.True(t, engine.Fault()) // still down, Rise not yet satisfied

	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return !engine.Fault() }, time.Second, time.Millisecond)
}

func TestScriptTracker_ReverseInvertsSignal(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	engine := NewTrackEngine(nil)
	tr := NewScriptTracker(config.TrackScript{Name: "check", Path: "/bin/true", Interval: 1, Rise: 1, Fall: 1, Reverse: true}, engine, clk, nil)
	st := tr.(*scriptTracker)
	st.runner = func(ctx context.Context, path string, timeout time.Duration) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return engine.Fault() }, time.Second, time.Millisecond)
}

type fakeLinkStater struct {
	up bool
}

func (f *fakeLinkStater) LinkUp(iface string) (bool, error) { return f.up, nil }

func TestInterfaceTracker_ReportsLinkDown(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	engine := NewTrackEngine(nil)
	link := &fakeLinkStater{up: true}
	tr := NewInterfaceTracker(config.TrackInterface{Interface: "eth1"}, engine, clk, link, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	link.up = false
	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return engine.Fault() }, time.Second, time.Millisecond)
}

func TestInterfaceTracker_DownDelayHoldsOffFault(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	engine := NewTrackEngine(nil)
	link := &fakeLinkStater{up: true}
	tr := NewInterfaceTracker(config.TrackInterface{Interface: "eth1", DownDelay: 3}, engine, clk, link, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	link.up = false
	clk.Advance(time.Second + time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, engine.Fault(), "fault must not fire before down_delay elapses")

	clk.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return engine.Fault() }, time.Second, time.Millisecond)
}

func TestFileTracker_ZeroOrMissingIsDown(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	engine := NewTrackEngine(nil)
	value := 0
	reader := func(path string) (int, error) { return value, nil }
	tr := NewFileTracker(config.TrackFile{Name: "f"}, engine, clk, reader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return engine.Fault() }, time.Second, time.Millisecond)

	value = 1
	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return !engine.Fault() }, time.Second, time.Millisecond)
}

func TestProcessTracker_LookupFailureTreatedAsDown(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	engine := NewTrackEngine(nil)
	lookup := func(name string) (bool, error) { return false, errors.New("lookup failed") }
	tr := NewProcessTracker(config.TrackProcess{Name: "p", Process: "httpd"}, engine, clk, lookup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return engine.Fault() }, time.Second, time.Millisecond)
}

type fakeRouteStater struct {
	up bool
}

func (f *fakeRouteStater) RouteExists(dest string, table int) (bool, error) { return f.up, nil }

func TestRouteTracker_ReportsMissingRoute(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	engine := NewTrackEngine(nil)
	routes := &fakeRouteStater{up: true}
	tr := NewRouteTracker(config.TrackRoute{Destination: "10.0.0.0/24", Table: 100}, engine, clk, routes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	routes.up = false
	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return engine.Fault() }, time.Second, time.Millisecond)

	routes.up = true
	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return !engine.Fault() }, time.Second, time.Millisecond)
}

func TestRouteTracker_LookupErrorTreatedAsDown(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	engine := NewTrackEngine(nil)
	tr := NewRouteTracker(config.TrackRoute{Destination: "10.0.0.0/24"}, engine, clk, erroringRouteStater{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return engine.Fault() }, time.Second, time.Millisecond)
}

type erroringRouteStater struct{}

func (erroringRouteStater) RouteExists(dest string, table int) (bool, error) {
	return false, errors.New("netlink unavailable")
}

type fakeRuleStater struct {
	up bool
}

func (f *fakeRuleStater) RuleExists(table int) (bool, error) { return f.up, nil }

func TestRuleTracker_ReversedInvertsSignal(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	engine := NewTrackEngine(nil)
	rules := &fakeRuleStater{up: true}
	tr := NewRuleTracker(config.TrackRule{Table: 100, Reverse: true}, engine, clk, rules)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)
	defer tr.Stop()

	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return engine.Fault() }, time.Second, time.Millisecond)

	rules.up = false
	clk.Advance(time.Second + time.Millisecond)
	require.Eventually(t, func() bool { return !engine.Fault() }, time.Second, time.Millisecond)
}

func TestBFDTracker_ReportDrivesEngine(t *testing.T) {
	engine := NewTrackEngine(nil)
	tr := NewBFDTracker(config.TrackBFD{Name: "peer1"}, engine)

	tr.Report(false)
	assert.True(t, engine.Fault())

	tr.Report(true)
	assert.False(t, engine.Fault())
}
