// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"context"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
)

// trackerState is the debounced up/down signal reported by any tracked
// object, plus its contribution to total_priority when weighted.
type trackerState struct {
	name   string
	up     bool
	weight int // 0 means binary: down forces FAULT regardless of weight
}

// Tracker is one running tracked object. Implementations
// push state changes to the owning instance's state channel rather than
// being polled, so the instance's event loop stays single-threaded.
type Tracker interface {
	Name() string
	Start(ctx context.Context)
	Stop()
}

// TrackEngine aggregates every tracked object attached to an instance
// (directly or via its sync group) into a single fault/priority delta,
// matching keepalived's vrrp_script/vrrp_tracked_file aggregation.
type TrackEngine struct {
	mu       sync.Mutex
	states   map[string]trackerState
	onChange func()

	trackers []Tracker
	cancel   context.CancelFunc
}

// NewTrackEngine creates an engine that calls onChange whenever any
// tracked object's contribution changes.
func NewTrackEngine(onChange func()) *TrackEngine {
	return &TrackEngine{states: make(map[string]trackerState), onChange: onChange}
}

func (e *TrackEngine) set(name string, up bool, weight int) {
	e.mu.Lock()
	prev, existed := e.states[name]
	e.states[name] = trackerState{name: name, up: up, weight: weight}
	changed := !existed || prev.up != up
	e.mu.Unlock()
	if changed && e.onChange != nil {
		e.onChange()
	}
}

// Fault reports whether any binary (weight==0) tracked object is down.
func (e *TrackEngine) Fault() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.states {
		if s.weight == 0 && !s.up {
			return true
		}
	}
	return false
}

// PriorityDelta sums every weighted tracked object's contribution:
// +weight when up, -weight when down (reverse trackers invert the sign
// at registration time instead of here).
func (e *TrackEngine) PriorityDelta() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, s := range e.states {
		if s.weight == 0 {
			continue
		}
		if s.up {
			total += s.weight
		} else {
			total -= s.weight
		}
	}
	return total
}

// Add registers a tracker and starts it against the engine's lifetime
// context (set on the first Start call).
func (e *TrackEngine) Add(t Tracker) {
	e.trackers = append(e.trackers, t)
}

// Start launches every registered tracker.
func (e *TrackEngine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for _, t := range e.trackers {
		t.Start(ctx)
	}
}

// Stop cancels every tracker's context and calls its Stop hook.
func (e *TrackEngine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, t := range e.trackers {
		t.Stop()
	}
}

// scriptTracker runs an external command on an interval and debounces
// its exit code through Rise/Fall consecutive-result counters, exactly
// as keepalived's vrrp_script does.
type scriptTracker struct {
	cfg    config.TrackScript
	engine *TrackEngine
	clock  clock.Clock
	logger *logging.Logger
	runner func(ctx context.Context, path string, timeout time.Duration) error

	mu      sync.Mutex
	passes  int
	fails   int
	up      bool
	stopped chan struct{}
}

// NewScriptTracker builds a Tracker for cfg, reporting into engine.
func NewScriptTracker(cfg config.TrackScript, engine *TrackEngine, clk clock.Clock, logger *logging.Logger) Tracker {
	if cfg.Rise <= 0 {
		cfg.Rise = 1
	}
	if cfg.Fall <= 0 {
		cfg.Fall = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 1
	}
	return &scriptTracker{
		cfg:     cfg,
		engine:  engine,
		clock:   clk,
		logger:  logger,
		runner:  runScript,
		up:      true, // optimistic until first run, matching keepalived's initial "unknown" grace
		stopped: make(chan struct{}),
	}
}

func (t *scriptTracker) Name() string { return "script:" + t.cfg.Name }

func runScript(ctx context.Context, path string, timeout time.Duration) error {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", path)
	return cmd.Run()
}

func (t *scriptTracker) Start(ctx context.Context) {
	interval := time.Duration(t.cfg.Interval * float64(time.Second))
	timeout := time.Duration(t.cfg.Timeout * float64(time.Second))
	go func() {
		timer := t.clock.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopped:
				return
			case <-timer.C():
				t.tick(ctx, timeout)
				timer.Reset(interval)
			}
		}
	}()
}

func (t *scriptTracker) tick(ctx context.Context, timeout time.Duration) {
	err := t.runner(ctx, t.cfg.Path, timeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		t.passes++
		t.fails = 0
		if !t.up && t.passes >= t.cfg.Rise {
			t.up = true
		}
	} else {
		t.fails++
		t.passes = 0
		if t.up && t.fails >= t.cfg.Fall {
			t.up = false
		}
	}

	up := t.up
	if t.cfg.Reverse {
		up = !up
	}
	t.engine.set(t.Name(), up, t.cfg.Weight)
}

func (t *scriptTracker) Stop() {
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
}

// interfaceTracker watches the kernel-reported link state of an
// interface via a caller-supplied polling function (tests and the
// effect layer both implement LinkStater).
type LinkStater interface {
	// LinkUp reports whether iface currently has carrier.
	LinkUp(iface string) (bool, error)
}

type interfaceTracker struct {
	cfg    config.TrackInterface
	engine *TrackEngine
	clock  clock.Clock
	link   LinkStater
	logger *logging.Logger

	mu           sync.Mutex
	up           bool // confirmed, debounced state
	pending      bool
	pendingUp    bool
	pendingSince time.Time
	stopped      chan struct{}
}

// NewInterfaceTracker builds a Tracker that polls link for cfg.Interface
// once a second, applying cfg's up/down debounce delays.
func NewInterfaceTracker(cfg config.TrackInterface, engine *TrackEngine, clk clock.Clock, link LinkStater, logger *logging.Logger) Tracker {
	return &interfaceTracker{cfg: cfg, engine: engine, clock: clk, link: link, logger: logger, up: true, stopped: make(chan struct{})}
}

func (t *interfaceTracker) Name() string { return "interface:" + t.cfg.Interface }

func (t *interfaceTracker) Start(ctx context.Context) {
	go func() {
		timer := t.clock.NewTimer(time.Second)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopped:
				return
			case <-timer.C():
				t.poll()
				timer.Reset(time.Second)
			}
		}
	}()
}

func (t *interfaceTracker) poll() {
	raw, err := t.link.LinkUp(t.cfg.Interface)
	if err != nil {
		if t.logger != nil {
			t.logger.Warn("track_interface: link query failed", "interface", t.cfg.Interface, "error", err)
		}
		return
	}

	t.mu.Lock()
	now := t.clock.Now()
	if raw == t.up {
		t.pending = false
	} else {
		if !t.pending || raw != t.pendingUp {
			t.pending = true
			t.pendingUp = raw
			t.pendingSince = now
		}
		delay := t.cfg.UpDelay
		if !raw {
			delay = t.cfg.DownDelay
		}
		if now.Sub(t.pendingSince) >= time.Duration(delay*float64(time.Second)) {
			t.up = raw
			t.pending = false
		}
	}
	confirmed := t.up
	t.mu.Unlock()

	reported := confirmed
	if t.cfg.Reverse {
		reported = !reported
	}
	t.engine.set(t.Name(), reported, t.cfg.Weight)
}

func (t *interfaceTracker) Stop() {
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
}

// fileTracker watches a plain-text integer file for changes; a zero or
// missing value is treated as down.
type fileTracker struct {
	cfg     config.TrackFile
	engine  *TrackEngine
	clock   clock.Clock
	reader  func(path string) (int, error)
	stopped chan struct{}
}

// NewFileTracker builds a Tracker polling cfg.Path once a second.
func NewFileTracker(cfg config.TrackFile, engine *TrackEngine, clk clock.Clock, reader func(path string) (int, error)) Tracker {
	return &fileTracker{cfg: cfg, engine: engine, clock: clk, reader: reader, stopped: make(chan struct{})}
}

func (t *fileTracker) Name() string { return "file:" + t.cfg.Name }

func (t *fileTracker) Start(ctx context.Context) {
	go func() {
		timer := t.clock.NewTimer(time.Second)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopped:
				return
			case <-timer.C():
				t.poll()
				timer.Reset(time.Second)
			}
		}
	}()
}

func (t *fileTracker) poll() {
	val, err := t.reader(t.cfg.Path)
	up := err == nil && val != 0
	if t.cfg.Reverse {
		up = !up
	}
	weight := t.cfg.Weight
	if weight != 0 {
		t.engine.set(t.Name(), up, weight*sign(val))
		return
	}
	t.engine.set(t.Name(), up, 0)
}

func sign(v int) int {
	if v < 0 {
		return -1
	}
	return 1
}

func (t *fileTracker) Stop() {
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
}

// processTracker watches for a named process via a caller-supplied
// lookup (production wiring shells out to pgrep-equivalent logic in
// internal/host; tests inject a fake).
type processTracker struct {
	cfg     config.TrackProcess
	engine  *TrackEngine
	clock   clock.Clock
	lookup  func(name string) (bool, error)
	stopped chan struct{}
}

// NewProcessTracker builds a Tracker polling lookup(cfg.Process) once a
// second.
func NewProcessTracker(cfg config.TrackProcess, engine *TrackEngine, clk clock.Clock, lookup func(name string) (bool, error)) Tracker {
	return &processTracker{cfg: cfg, engine: engine, clock: clk, lookup: lookup, stopped: make(chan struct{})}
}

func (t *processTracker) Name() string { return "process:" + t.cfg.Name }

func (t *processTracker) Start(ctx context.Context) {
	go func() {
		timer := t.clock.NewTimer(time.Second)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopped:
				return
			case <-timer.C():
				t.poll()
				timer.Reset(time.Second)
			}
		}
	}()
}

func (t *processTracker) poll() {
	up, err := t.lookup(t.cfg.Process)
	if err != nil {
		up = false
	}
	if t.cfg.Reverse {
		up = !up
	}
	t.engine.set(t.Name(), up, t.cfg.Weight)
}

func (t *processTracker) Stop() {
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
}

// bfdTracker reports the up/down state pushed to it by an external BFD
// daemon's status pipe.
type bfdTracker struct {
	cfg    config.TrackBFD
	engine *TrackEngine
}

// NewBFDTracker builds a Tracker that only reacts to Report calls; it
// has no polling loop of its own.
func NewBFDTracker(cfg config.TrackBFD, engine *TrackEngine) *bfdTracker {
	return &bfdTracker{cfg: cfg, engine: engine}
}

func (t *bfdTracker) Name() string          { return "bfd:" + t.cfg.Name }
func (t *bfdTracker) Start(ctx context.Context) {}
func (t *bfdTracker) Stop()                  {}

// Report pushes a peer state transition received from the BFD status
// pipe into the tracking engine.
func (t *bfdTracker) Report(up bool) {
	reported := up
	if t.cfg.Reverse {
		reported = !reported
	}
	t.engine.set(t.Name(), reported, t.cfg.Weight)
}

// RouteStater reports whether a kernel route to dest in table currently
// exists (production wiring queries netlink; tests inject a fake).
type RouteStater interface {
	RouteExists(dest string, table int) (bool, error)
}

// routeTracker watches for the presence of a specific kernel route,
// the same signal keepalived's vrrp_track_route offers: a master that
// depends on an upstream-installed route faults if that route
// disappears.
type routeTracker struct {
	cfg     config.TrackRoute
	engine  *TrackEngine
	clock   clock.Clock
	routes  RouteStater
	stopped chan struct{}
}

// NewRouteTracker builds a Tracker polling routes for cfg.Destination
// once a second.
func NewRouteTracker(cfg config.TrackRoute, engine *TrackEngine, clk clock.Clock, routes RouteStater) Tracker {
	return &routeTracker{cfg: cfg, engine: engine, clock: clk, routes: routes, stopped: make(chan struct{})}
}

func (t *routeTracker) Name() string { return "route:" + t.cfg.Destination }

func (t *routeTracker) Start(ctx context.Context) {
	go func() {
		timer := t.clock.NewTimer(time.Second)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopped:
				return
			case <-timer.C():
				t.poll()
				timer.Reset(time.Second)
			}
		}
	}()
}

func (t *routeTracker) poll() {
	up, err := t.routes.RouteExists(t.cfg.Destination, t.cfg.Table)
	if err != nil {
		up = false
	}
	if t.cfg.Reverse {
		up = !up
	}
	t.engine.set(t.Name(), up, t.cfg.Weight)
}

func (t *routeTracker) Stop() {
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
}

// RuleStater reports whether a policy-routing rule pointing at table
// currently exists.
type RuleStater interface {
	RuleExists(table int) (bool, error)
}

// ruleTracker watches for the presence of a specific policy-routing
// rule, mirroring routeTracker for the vrrp_track_rule case.
type ruleTracker struct {
	cfg     config.TrackRule
	engine  *TrackEngine
	clock   clock.Clock
	rules   RuleStater
	stopped chan struct{}
}

// NewRuleTracker builds a Tracker polling rules for cfg.Table once a
// second.
func NewRuleTracker(cfg config.TrackRule, engine *TrackEngine, clk clock.Clock, rules RuleStater) Tracker {
	return &ruleTracker{cfg: cfg, engine: engine, clock: clk, rules: rules, stopped: make(chan struct{})}
}

func (t *ruleTracker) Name() string { return "rule:" + strconv.Itoa(t.cfg.Table) }

func (t *ruleTracker) Start(ctx context.Context) {
	go func() {
		timer := t.clock.NewTimer(time.Second)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopped:
				return
			case <-timer.C():
				t.poll()
				timer.Reset(time.Second)
			}
		}
	}()
}

func (t *ruleTracker) poll() {
	up, err := t.rules.RuleExists(t.cfg.Table)
	if err != nil {
		up = false
	}
	if t.cfg.Reverse {
		up = !up
	}
	t.engine.set(t.Name(), up, t.cfg.Weight)
}

func (t *ruleTracker) Stop() {
	select {
	case <-t.stopped:
	default:
		close(t.stopped)
	}
}
