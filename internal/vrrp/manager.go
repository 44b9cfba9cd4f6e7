// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/vrrp/socket"
	"grimm.is/flywall/internal/vrrp/wire"
)

// Manager owns every configured VRRP instance and sync group, the
// shared socket pool, and the periodic metrics tick. It replaces
// internal/services/ha.Service as the ctlplane-facing HA entry point.
type Manager struct {
	cfg      config.VRRPConfig
	clock    clock.Clock
	logger   *logging.Logger
	pool     socket.Pool
	effects  Effects
	notifier *ScriptNotifier
	metrics  *Metrics
	vmac     *VMACManager

	mu        sync.RWMutex
	instances map[string]*Instance
	groups    map[string]*SyncGroupCoordinator
	demuxes   map[socket.Key]*demux

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption customizes NewManager's dependency wiring; tests
// override Pool/Effects to avoid touching the kernel.
type ManagerOption func(*Manager)

// WithPool overrides the socket pool (default socket.NewPool()).
func WithPool(p socket.Pool) ManagerOption { return func(m *Manager) { m.pool = p } }

// WithEffects overrides the production effects implementation.
func WithEffects(e Effects) ManagerOption { return func(m *Manager) { m.effects = e } }

// WithClock overrides the wall clock (tests use clock.NewMock).
func WithClock(c clock.Clock) ManagerOption { return func(m *Manager) { m.clock = c } }

// NewManager builds a Manager for cfg. Call Start to bring every
// instance's event loop up.
func NewManager(cfg config.VRRPConfig, logger *logging.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:       cfg,
		clock:     clock.Default,
		logger:    logger,
		instances: make(map[string]*Instance),
		groups:    make(map[string]*SyncGroupCoordinator),
		demuxes:   make(map[socket.Key]*demux),
		metrics:   NewMetrics(),
		vmac:      NewVMACManager(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = socket.NewPool()
	}
	m.notifier = NewScriptNotifier(cfg, logger)
	return m
}

// demux is the per-socket Receiver that fans a datagram out to the
// instance registered for its (family, vrid), since multiple instances
// can share one multicast socket on the same interface.
type demux struct {
	mu        sync.RWMutex
	instances map[uint8]*Instance
}

func newDemux() *demux { return &demux{instances: make(map[uint8]*Instance)} }

func (d *demux) register(vrid uint8, inst *Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.instances[vrid] = inst
}

func (d *demux) Deliver(vrid uint8, dg socket.Datagram) bool {
	d.mu.RLock()
	inst, ok := d.instances[vrid]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	inst.deliverAdvert(dg.Payload, dg.Src)
	return true
}

// Build constructs every instance and sync group from cfg without
// starting them, wiring each to a shared socket per (family, interface,
// mcast/unicast mode).
func (m *Manager) Build() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.effects == nil {
		m.effects = NewNetlinkEffects(m.logger, m.cfg.GARPRepeat)
	}

	for _, instCfg := range m.cfg.Instances {
		inst, err := m.buildInstance(instCfg)
		if err != nil {
			return err
		}
		m.instances[instCfg.Name] = inst
	}

	m.rebuildSyncGroups(m.cfg.SyncGroups)
	return nil
}

// buildInstance validates and constructs one instance plus its
// trackers, registering it with the shared socket pool. The caller
// holds m.mu. Shared by Build (initial construction) and Reload
// (per-instance delta construction).
func (m *Manager) buildInstance(instCfg config.VRRPInstance) (*Instance, error) {
	if err := validateConfig(instCfg); err != nil {
		return nil, err
	}
	family := wire.FamilyV4
	if instCfg.Family == "ipv6" {
		family = wire.FamilyV6
	}

	socketIface := instCfg.Interface
	if instCfg.VMAC != nil {
		vmacName, err := m.vmac.Ensure(instCfg)
		if err != nil {
			return nil, err
		}
		instCfg.Interface = vmacName
		if !instCfg.VMAC.XmitBase {
			socketIface = vmacName
		}
	}

	engine := NewTrackEngine(nil)
	for _, sc := range instCfg.TrackScripts {
		engine.Add(NewScriptTracker(sc, engine, m.clock, m.logger))
	}
	for _, fc := range instCfg.TrackFiles {
		engine.Add(NewFileTracker(fc, engine, m.clock, readIntFile))
	}
	for _, pc := range instCfg.TrackProcesses {
		engine.Add(NewProcessTracker(pc, engine, m.clock, lookupProcess))
	}
	for _, ic := range instCfg.TrackInterfaces {
		engine.Add(NewInterfaceTracker(ic, engine, m.clock, defaultLinkStater{}, m.logger))
	}
	for _, bc := range instCfg.TrackBFDPeers {
		engine.Add(NewBFDTracker(bc, engine))
	}
	for _, rc := range instCfg.TrackRoutes {
		engine.Add(NewRouteTracker(rc, engine, m.clock, defaultRouteStater{}))
	}
	for _, ruc := range instCfg.TrackRules {
		engine.Add(NewRuleTracker(ruc, engine, m.clock, defaultRuleStater{}))
	}

	inst := NewInstance(instCfg, family, m.clock, m.logger, m.effects, nil, m.notifier, engine)
	inst.SetMetrics(m.metrics)
	inst.SetStrict(m.cfg.StrictMode)
	engine.onChange = func() { inst.ForceRefresh() }

	key := m.socketKey(instCfg, socketIface, family)
	dm, ok := m.demuxes[key]
	if !ok {
		dm = newDemux()
		m.demuxes[key] = dm
	}
	dm.register(uint8(instCfg.VRID), inst)

	sender, err := m.pool.Open(key, dm)
	if err != nil {
		return nil, fmt.Errorf("vrrp: open socket for instance %s: %w", instCfg.Name, err)
	}
	inst.sender = sender

	return inst, nil
}

// rebuildSyncGroups replaces every sync-group coordinator from groupCfgs,
// attaching whichever current instances are named as members. The
// caller holds m.mu.
func (m *Manager) rebuildSyncGroups(groupCfgs []config.SyncGroup) {
	m.groups = make(map[string]*SyncGroupCoordinator, len(groupCfgs))
	for _, gCfg := range groupCfgs {
		coord := NewSyncGroupCoordinator(gCfg, m.logger)
		for _, member := range gCfg.Members {
			if inst, ok := m.instances[member]; ok {
				coord.Attach(inst)
			}
		}
		m.groups[gCfg.Name] = coord
	}
}

// Reload replaces the running configuration with newCfg, rebuilding
// only the instances whose configuration actually changed (a minimal-
// delta differ) instead of tearing the whole manager down: unaffected
// instances keep their event loop, timers, and current state exactly
// as they were. The old instance set stays live and serving traffic
// until its replacement is fully built and started, so a reload never
// leaves a gap with no instance answering for a VRID.
func (m *Manager) Reload(newCfg config.VRRPConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.effects == nil {
		m.effects = NewNetlinkEffects(m.logger, newCfg.GARPRepeat)
	}

	oldByName := make(map[string]config.VRRPInstance, len(m.cfg.Instances))
	for _, c := range m.cfg.Instances {
		oldByName[c.Name] = c
	}
	newByName := make(map[string]config.VRRPInstance, len(newCfg.Instances))
	for _, c := range newCfg.Instances {
		newByName[c.Name] = c
	}

	running := m.cancel != nil

	// Build every added or changed instance before touching the running
	// set, so a bad config in one instance aborts the whole reload
	// without having torn anything down yet.
	staged := make(map[string]*Instance, len(newByName))
	for name, instCfg := range newByName {
		old, existed := oldByName[name]
		if existed && reflect.DeepEqual(old, instCfg) {
			continue // unchanged: keep the running instance untouched
		}
		inst, err := m.buildInstance(instCfg)
		if err != nil {
			return fmt.Errorf("vrrp: reload rejected, instance %s: %w", name, err)
		}
		staged[name] = inst
	}

	// Commit: stop and replace changed/added instances, stop removed ones.
	// The old instance keeps running and answering adverts right up until
	// its replacement's event loop is live, so there is no gap where a
	// VRID has no instance behind it.
	for name, inst := range staged {
		if running {
			inst.Start(m.runCtx)
		}
		if old, ok := m.instances[name]; ok {
			old.Stop()
		}
		m.instances[name] = inst
	}
	for name, old := range m.instances {
		if _, keep := newByName[name]; !keep {
			old.Stop()
			delete(m.instances, name)
		}
	}

	m.rebuildSyncGroups(newCfg.SyncGroups)
	m.cfg = newCfg
	if m.logger != nil {
		m.logger.Info("vrrp: reload complete", "added_or_changed", len(staged))
	}
	return nil
}

func (m *Manager) socketKey(cfg config.VRRPInstance, iface string, family wire.Family) socket.Key {
	key := socket.Key{
		Family:    socket.Family(family),
		Interface: iface,
		UseAH:     cfg.AuthType == "ah",
	}
	if len(cfg.UnicastPeers) > 0 {
		key.UnicastSrc = cfg.UnicastSrc
		return key
	}
	if cfg.McastGroup != "" {
		key.McastGroup = cfg.McastGroup
		return key
	}
	if family == wire.FamilyV6 {
		key.McastGroup = wire.DefaultMulticastGroupV6
	} else {
		key.McastGroup = wire.DefaultMulticastGroupV4
	}
	return key
}

// Start launches every instance's event loop and the periodic metrics
// sampler.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.runCtx = ctx

	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	for _, inst := range instances {
		inst.Start(ctx)
	}

	go m.sampleLoop(ctx)
}

func (m *Manager) sampleLoop(ctx context.Context) {
	defer close(m.done)
	timer := m.clock.NewTimer(5 * time.Second)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			m.mu.RLock()
			for _, inst := range m.instances {
				m.metrics.SampleGauges(inst)
			}
			m.mu.RUnlock()
			timer.Reset(5 * time.Second)
		}
	}
}

// Stop halts every instance's event loop, releases the socket pool, and
// closes the notifier's FIFO handle.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()
	for _, inst := range instances {
		inst.Stop()
	}
	_ = m.pool.Close()
	_ = m.notifier.Close()
	<-m.done
}

// Instance returns the named instance, or nil if it doesn't exist.
func (m *Manager) Instance(name string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[name]
}

// Instances returns every configured instance, for status reporting.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// Metrics returns the Manager's Prometheus metrics set for external
// registration via Metrics().Register(reg).
func (m *Manager) Metrics() *Metrics { return m.metrics }
