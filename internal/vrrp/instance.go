// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package vrrp implements the RFC 3768 (VRRPv2) and RFC 5798 (VRRPv3)
// virtual router redundancy protocol as a set of cooperating single-
// threaded event loops, one per configured instance, coordinated
// through sync groups.
package vrrp

import (
	"context"
	"net"
	"sync"
	"time"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/vrrp/socket"
	"grimm.is/flywall/internal/vrrp/wire"
)

// State is one of the four states an instance's state machine can be
// in. DELETED is a transient state used only while tearing an instance
// down during a config reload, never observed externally.
type State int

const (
	StateInit State = iota
	StateBackup
	StateMaster
	StateFault
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateBackup:
		return "BACKUP"
	case StateMaster:
		return "MASTER"
	case StateFault:
		return "FAULT"
	case StateDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

const (
	minPriority   = 1
	maxPriority   = 254
	ownerPriority = 255
)

// Effects is the side-effect boundary an instance drives on MASTER
// entry/exit: VIP/route/rule plumbing, VMAC management, and the
// gratuitous-ARP/unsolicited-NA burst. Production wiring is backed by
// internal/netutil and vishvananda/netlink; tests use a fake.
type Effects interface {
	AddAddresses(iface string, addrs []net.IP) error
	RemoveAddresses(iface string, addrs []net.IP) error
	AddRoutes(routes []config.VirtualRoute) error
	RemoveRoutes(routes []config.VirtualRoute) error
	AddRules(rules []config.VirtualRule) error
	RemoveRules(rules []config.VirtualRule) error
	SendGratuitous(iface string, addrs []net.IP) error
	// InstallAcceptRule/RemoveAcceptRule manage the per-instance firewall
	// accept rule used when accept_mode is false, keyed by instance name
	// since one Effects is shared across every instance on a Manager.
	InstallAcceptRule(instance string, addrs []net.IP) error
	RemoveAcceptRule(instance string) error
	// PrimaryAddress returns iface's first configured address for the
	// given family, used as the VRRPv3 checksum pseudo-header source
	// when no unicast_src is configured.
	PrimaryAddress(iface string, v6 bool) net.IP
	// SetPromoteSecondaries toggles the interface's kernel
	// promote_secondaries behavior: when enabled, deleting our VIP (the
	// interface's primary address) promotes another secondary address
	// instead of the kernel flushing every secondary alongside it.
	SetPromoteSecondaries(iface string, enabled bool) error
}

// Notifier is invoked on every state transition.
type Notifier interface {
	Notify(instanceName string, from, to State)
}

// Instance runs one VRRP virtual router's event loop. All mutable state
// is owned by the run goroutine; callers only ever push events onto
// events or read published snapshots via State/Priority.
type Instance struct {
	cfg    config.VRRPInstance
	family wire.Family
	clock  clock.Clock
	logger *logging.Logger
	eff    Effects
	sender socket.Sender
	notify Notifier
	track  *TrackEngine
	ah     *ahState // nil unless cfg.AuthType == "ah"
	metrics *Metrics // nil unless wired by the Manager
	strict bool // VRRPConfig.StrictMode, set by the Manager before Start

	group *groupMember // nil unless this instance belongs to a sync group

	mu          sync.RWMutex
	state       State
	basePriority int
	stats       Stats
	// checksumCompat is latched once a peer is observed stamping the
	// multicast group into the checksum pseudo-header even while we're in
	// unicast mode; once set, every subsequent transmit uses the
	// multicast group as the pseudo-header address too.
	checksumCompat bool
	// preemptAllowed is false for cfg.PreemptDelay seconds after (re)
	// entering BACKUP, holding off preemption of a lower-priority master
	// even though we outrank it; true whenever PreemptDelay is unset.
	preemptAllowed bool

	events chan event
	cancel context.CancelFunc
	done   chan struct{}

	masterAdverInt time.Duration // learned from the current master's adverts
	advertTimer    clock.Timer
	downTimer      clock.Timer
	preemptTimer   clock.Timer
	rogueTimer     clock.Timer // armed while a duplicate address-owner advert is being observed
}

// Stats mirrors keepalived's per-instance VRRP statistics block,
// exported to Prometheus by the Manager.
type Stats struct {
	AdvertTx          uint64
	AdvertRx          uint64
	BecomeMasterCount uint64
	ReleaseMasterCount uint64
	PacketLengthErr   uint64
	AdverIntervalErr  uint64
	IPTTLErr          uint64
	InvalidTypeErr    uint64
	AddrListErr       uint64
	AuthFailureErr    uint64
	PRVridErr         uint64
	ChecksumErr       uint64
	DuplicateOwnerErr uint64
}

type eventKind int

const (
	eventAdvertRecv eventKind = iota
	eventDownTimerExpired
	eventAdvertTimerExpired
	eventPreemptTimerExpired
	eventShutdown
	eventTrackChanged
	eventGroupCommand
	eventRogueTimerExpired
)

type event struct {
	kind   eventKind
	advert *wire.Packet
	src    net.IP
	cmd    groupCommand
}

// NewInstance builds an instance in StateInit. Call Start to begin its
// event loop.
func NewInstance(cfg config.VRRPInstance, family wire.Family, clk clock.Clock, logger *logging.Logger, eff Effects, sender socket.Sender, notify Notifier, track *TrackEngine) *Instance {
	priority := cfg.Priority
	if priority <= 0 {
		priority = 100
	}
	inst := &Instance{
		cfg:          cfg,
		family:       family,
		clock:        clk,
		logger:       logger,
		eff:          eff,
		sender:       sender,
		notify:       notify,
		track:        track,
		state:          StateInit,
		basePriority:   priority,
		preemptAllowed: true,
		events:         make(chan event, 64),
		done:           make(chan struct{}),
	}
	if cfg.AuthType == "ah" {
		inst.ah = newAHState(cfg.AuthPass)
	}
	return inst
}

// Name returns the instance's configured name.
func (i *Instance) Name() string { return i.cfg.Name }

// SetMetrics wires m as this instance's Prometheus sink. Must be called
// before Start.
func (i *Instance) SetMetrics(m *Metrics) { i.metrics = m }

// SetStrict enables the strict-mode advertised-address-list check.
// Must be called before Start.
func (i *Instance) SetStrict(strict bool) { i.strict = strict }

func (i *Instance) observe(field string) {
	if i.metrics != nil {
		i.metrics.Observe(i.cfg.Name, field)
	}
}

// State returns the instance's current state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Priority returns the instance's effective priority: its base priority
// plus every weighted tracker's contribution, clamped to 1..254 unless
// it is the address owner (255, never adjusted — RFC 3768 §6.2).
func (i *Instance) Priority() int {
	i.mu.RLock()
	base := i.basePriority
	i.mu.RUnlock()
	if base == ownerPriority {
		return ownerPriority
	}
	p := base + i.track.PriorityDelta()
	if p < minPriority {
		p = minPriority
	}
	if p > maxPriority {
		p = maxPriority
	}
	return p
}

// Stats returns a snapshot of the instance's protocol counters.
func (i *Instance) Stats() Stats {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.stats
}

// advertInterval returns the instance's own configured advertisement
// interval as a time.Duration.
func (i *Instance) advertInterval() time.Duration {
	return time.Duration(i.cfg.AdverInt * float64(time.Second))
}

// skewTime implements RFC 5798 §6.2: Skew_Time = ((256 - Priority) *
// Master_Adver_Interval) / 256.
func skewTime(priority int, masterAdverInt time.Duration) time.Duration {
	return time.Duration(int64(masterAdverInt) * int64(256-priority) / 256)
}

// masterDownInterval is RFC 5798 §6.2's Master_Down_Interval, generalized
// by the configured down-timer-adverts multiplier (default 3) in place
// of the RFC's hardcoded 3.
func masterDownInterval(multiplier int, masterAdverInt time.Duration, priority int) time.Duration {
	return time.Duration(multiplier)*masterAdverInt + skewTime(priority, masterAdverInt)
}

func (i *Instance) downMultiplier() int {
	if i.cfg.DownTimerAdverts > 0 {
		return i.cfg.DownTimerAdverts
	}
	return 3
}

// Start launches the instance's event loop.
func (i *Instance) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	go i.run(ctx)
}

// Stop halts the instance's event loop and waits for it to exit.
func (i *Instance) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	<-i.done
}

// deliverAdvert decodes and queues one received advert. The Manager's
// demultiplexer (socket.Receiver) routes datagrams matching this
// instance's VRID here.
func (i *Instance) deliverAdvert(raw []byte, src net.IP) {
	if i.ah != nil {
		payload, ok := i.ah.verify(raw)
		if !ok {
			i.mu.Lock()
			i.stats.AuthFailureErr++
			i.mu.Unlock()
			i.observe("auth_failure")
			if i.logger != nil {
				i.logger.Warn("vrrp: dropping advert failing ah authentication", "instance", i.cfg.Name)
			}
			return
		}
		raw = payload
	}
	pseudoDst := i.multicastOrPeer()
	if i.isChecksumCompat() {
		pseudoDst = i.defaultMulticastGroup()
	}
	pkt, err := wire.Decode(raw, i.family, src, pseudoDst)
	if err != nil && len(i.cfg.UnicastPeers) > 0 && !i.isChecksumCompat() {
		// Some VRRPv3 peers stamp the multicast group into the
		// pseudo-header checksum even while unicasting. Retry under that
		// assumption before treating the advert as malformed; if it now
		// validates, latch compat mode for every future transmit too.
		mcast := i.defaultMulticastGroup()
		if alt, altErr := wire.Decode(raw, i.family, src, mcast); altErr == nil {
			pkt, err = alt, nil
			i.setChecksumCompat()
			if i.logger != nil {
				i.logger.Info("vrrp: peer uses multicast-group checksum pseudo-header in unicast mode, switching", "instance", i.cfg.Name)
			}
		}
	}
	if err != nil {
		i.mu.Lock()
		i.stats.ChecksumErr++
		i.mu.Unlock()
		i.observe("checksum_error")
		if i.logger != nil {
			i.logger.Debug("vrrp: dropping malformed advert", "instance", i.cfg.Name, "error", err)
		}
		return
	}
	select {
	case i.events <- event{kind: eventAdvertRecv, advert: pkt, src: src}:
	default:
		if i.logger != nil {
			i.logger.Warn("vrrp: event queue full, dropping advert", "instance", i.cfg.Name)
		}
	}
}

func (i *Instance) primaryVIP() net.IP {
	if len(i.cfg.VirtualIPs) == 0 {
		return nil
	}
	return net.ParseIP(i.cfg.VirtualIPs[0].Address)
}

// advertisedAddrs returns the addresses carried in the wire advert: VIPs
// only. Excluded VIPs are installed on the interface but never advertised,
// so peers with a differing excluded-VIP set still agree on the
// advertised list under strict-mode matching.
func (i *Instance) advertisedAddrs() []net.IP {
	addrs := make([]net.IP, 0, len(i.cfg.VirtualIPs))
	for _, v := range i.cfg.VirtualIPs {
		if ip := net.ParseIP(v.Address); ip != nil {
			addrs = append(addrs, ip)
		}
	}
	return addrs
}

// installAddrs returns every address this instance plumbs onto the
// interface while MASTER: VIPs plus excluded VIPs.
func (i *Instance) installAddrs() []net.IP {
	addrs := make([]net.IP, 0, len(i.cfg.VirtualIPs)+len(i.cfg.ExcludedVIPs))
	addrs = append(addrs, i.advertisedAddrs()...)
	for _, v := range i.cfg.ExcludedVIPs {
		if ip := net.ParseIP(v.Address); ip != nil {
			addrs = append(addrs, ip)
		}
	}
	return addrs
}

// run is the instance's single-threaded event loop: every
// timer and every received advert funnels through events, so no lock is
// ever held across an effect call.
func (i *Instance) run(ctx context.Context) {
	defer close(i.done)

	i.track.Start(ctx)
	defer i.track.Stop()

	i.enterBackup(masterDownInterval(i.downMultiplier(), i.advertInterval(), i.Priority()))

	for {
		select {
		case <-ctx.Done():
			i.shutdown()
			return
		case ev := <-i.events:
			i.handle(ev)
		}
	}
}

func (i *Instance) handle(ev event) {
	switch ev.kind {
	case eventAdvertRecv:
		i.onAdvert(ev.advert, ev.src)
	case eventDownTimerExpired:
		i.onDownTimerExpired()
	case eventAdvertTimerExpired:
		i.onAdvertTimerExpired()
	case eventPreemptTimerExpired:
		i.onPreemptTimerExpired()
	case eventTrackChanged:
		i.onTrackChanged()
	case eventGroupCommand:
		i.onGroupCommand(ev.cmd)
	case eventRogueTimerExpired:
		i.onRogueTimerExpired()
	}
}

// transition moves the instance to next, running exit/entry effects and
// firing the notifier exactly once per call.
func (i *Instance) transition(next State) {
	i.mu.Lock()
	prev := i.state
	i.state = next
	i.mu.Unlock()

	if prev == next {
		return
	}
	if i.logger != nil {
		i.logger.Info("vrrp: state transition", "instance", i.cfg.Name, "from", prev, "to", next)
	}
	if i.notify != nil {
		i.notify.Notify(i.cfg.Name, prev, next)
	}
	if i.group != nil {
		i.group.reportTransition(i.cfg.Name, next)
	}
}

func (i *Instance) enterBackup(downInterval time.Duration) {
	i.releaseMasterEffects()
	i.transition(StateBackup)
	i.resetDownTimer(downInterval)
	i.armPreemptDelay()
}

// armPreemptDelay holds off preemption of a lower-priority master for
// cfg.PreemptDelay seconds after entering BACKUP, matching keepalived's
// preempt_delay: a backup that just rebooted or rejoined a flapping
// network shouldn't immediately snatch mastership back.
func (i *Instance) armPreemptDelay() {
	if i.cfg.PreemptDelay <= 0 {
		i.mu.Lock()
		i.preemptAllowed = true
		i.mu.Unlock()
		return
	}
	i.mu.Lock()
	i.preemptAllowed = false
	i.mu.Unlock()
	d := time.Duration(i.cfg.PreemptDelay) * time.Second
	if i.preemptTimer == nil {
		i.preemptTimer = i.clock.NewTimer(d)
		go i.forwardTimer(i.preemptTimer, eventPreemptTimerExpired)
		return
	}
	i.preemptTimer.Reset(d)
}

func (i *Instance) canPreempt() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.preemptAllowed
}

func (i *Instance) resetDownTimer(d time.Duration) {
	if i.downTimer == nil {
		i.downTimer = i.clock.NewTimer(d)
		go i.forwardTimer(i.downTimer, eventDownTimerExpired)
		return
	}
	i.downTimer.Reset(d)
}

func (i *Instance) forwardTimer(t clock.Timer, kind eventKind) {
	for range t.C() {
		select {
		case i.events <- event{kind: kind}:
		case <-i.done:
			return
		}
	}
}

func (i *Instance) becomeMaster() {
	i.mu.Lock()
	i.stats.BecomeMasterCount++
	i.mu.Unlock()
	i.observe("become_master")

	i.transition(StateMaster)
	i.sendAdvert()
	i.takeMasterEffects()

	if i.advertTimer == nil {
		i.advertTimer = i.clock.NewTimer(i.advertInterval())
		go i.forwardTimer(i.advertTimer, eventAdvertTimerExpired)
	} else {
		i.advertTimer.Reset(i.advertInterval())
	}
}

func (i *Instance) takeMasterEffects() {
	if i.eff == nil {
		return
	}
	if i.cfg.PromoteSecondaries {
		if err := i.eff.SetPromoteSecondaries(i.cfg.Interface, true); err != nil && i.logger != nil {
			i.logger.Warn("vrrp: failed to enable promote_secondaries", "instance", i.cfg.Name, "error", err)
		}
	}
	addrs := i.installAddrs()
	if err := i.eff.AddAddresses(i.cfg.Interface, addrs); err != nil && i.logger != nil {
		i.logger.Error("vrrp: failed to add virtual addresses", "instance", i.cfg.Name, "error", err)
	}
	if len(i.cfg.VirtualRoutes) > 0 {
		if err := i.eff.AddRoutes(i.cfg.VirtualRoutes); err != nil && i.logger != nil {
			i.logger.Error("vrrp: failed to add virtual routes", "instance", i.cfg.Name, "error", err)
		}
	}
	if len(i.cfg.VirtualRules) > 0 {
		if err := i.eff.AddRules(i.cfg.VirtualRules); err != nil && i.logger != nil {
			i.logger.Error("vrrp: failed to add virtual rules", "instance", i.cfg.Name, "error", err)
		}
	}
	if err := i.eff.SendGratuitous(i.cfg.Interface, addrs); err != nil && i.logger != nil {
		i.logger.Warn("vrrp: failed to send gratuitous announcement", "instance", i.cfg.Name, "error", err)
	}
	if !i.cfg.AcceptMode {
		if err := i.eff.InstallAcceptRule(i.cfg.Name, addrs); err != nil && i.logger != nil {
			i.logger.Error("vrrp: failed to install firewall accept rule", "instance", i.cfg.Name, "error", err)
		}
	}
}

func (i *Instance) releaseMasterEffects() {
	i.mu.RLock()
	wasMaster := i.state == StateMaster
	i.mu.RUnlock()
	if !wasMaster || i.eff == nil {
		return
	}
	i.mu.Lock()
	i.stats.ReleaseMasterCount++
	i.mu.Unlock()
	i.observe("release_master")

	addrs := i.installAddrs()
	if err := i.eff.RemoveAddresses(i.cfg.Interface, addrs); err != nil && i.logger != nil {
		i.logger.Error("vrrp: failed to remove virtual addresses", "instance", i.cfg.Name, "error", err)
	}
	if len(i.cfg.VirtualRoutes) > 0 {
		_ = i.eff.RemoveRoutes(i.cfg.VirtualRoutes)
	}
	if len(i.cfg.VirtualRules) > 0 {
		_ = i.eff.RemoveRules(i.cfg.VirtualRules)
	}
	if !i.cfg.AcceptMode {
		if err := i.eff.RemoveAcceptRule(i.cfg.Name); err != nil && i.logger != nil {
			i.logger.Error("vrrp: failed to remove firewall accept rule", "instance", i.cfg.Name, "error", err)
		}
	}
	if i.advertTimer != nil {
		i.advertTimer.Stop()
	}
	if i.rogueTimer != nil {
		i.rogueTimer.Stop()
	}
}

func (i *Instance) enterFault() {
	i.releaseMasterEffects()
	i.transition(StateFault)
	if i.downTimer != nil {
		i.downTimer.Stop()
	}
}

func (i *Instance) shutdown() {
	i.mu.RLock()
	wasMaster := i.state == StateMaster
	i.mu.RUnlock()
	if wasMaster {
		// RFC 5798 §6.4.2: send a priority-0 advert so a backup takes
		// over without waiting out the full down timer.
		i.sendPriorityZero()
	}
	i.releaseMasterEffects()
	i.transition(StateDeleted)
}

func (i *Instance) sendPriorityZero() {
	pkt := i.buildAdvert(0)
	i.transmit(pkt)
}

func (i *Instance) buildAdvert(priorityOverride int) *wire.Packet {
	priority := i.Priority()
	if priorityOverride >= 0 {
		priority = priorityOverride
	}
	adverInt := i.cfg.AdverInt
	var wireInterval uint16
	version := wire.Version3
	if i.cfg.Version == 2 {
		version = wire.Version2
		wireInterval = uint16(adverInt)
	} else {
		wireInterval = uint16(adverInt * 100)
	}
	return &wire.Packet{
		Version:  version,
		Type:     wire.TypeAdvertisement,
		VRID:     uint8(i.cfg.VRID),
		Priority: uint8(priority),
		AdverInt: wireInterval,
		Addresses: i.advertisedAddrs(),
		Family:   i.family,
	}
}

func (i *Instance) sendAdvert() {
	pkt := i.buildAdvert(-1)
	i.transmit(pkt)
	i.mu.Lock()
	i.stats.AdvertTx++
	i.mu.Unlock()
	i.observe("advert_tx")
}

func (i *Instance) transmit(pkt *wire.Packet) {
	if i.sender == nil {
		return
	}
	wireDst := i.multicastOrPeer()
	checksumDst := wireDst
	if i.isChecksumCompat() {
		checksumDst = i.defaultMulticastGroup()
	}
	raw, err := wire.Encode(pkt, i.localSrc(), checksumDst)
	if err != nil {
		if i.logger != nil {
			i.logger.Error("vrrp: failed to encode advert", "instance", i.cfg.Name, "error", err)
		}
		return
	}
	if i.ah != nil {
		raw = i.ah.wrap(raw)
	}
	if err := i.sender.Send(raw, wireDst); err != nil && i.logger != nil {
		i.logger.Warn("vrrp: failed to transmit advert", "instance", i.cfg.Name, "error", err)
	}
}

func (i *Instance) isChecksumCompat() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.checksumCompat
}

func (i *Instance) setChecksumCompat() {
	i.mu.Lock()
	i.checksumCompat = true
	i.mu.Unlock()
}

func (i *Instance) localSrc() net.IP {
	if i.cfg.UnicastSrc != "" {
		return net.ParseIP(i.cfg.UnicastSrc)
	}
	if i.eff == nil {
		return nil
	}
	return i.eff.PrimaryAddress(i.cfg.Interface, i.family == wire.FamilyV6)
}

func (i *Instance) multicastOrPeer() net.IP {
	if len(i.cfg.UnicastPeers) > 0 {
		return net.ParseIP(i.cfg.UnicastPeers[0])
	}
	return i.defaultMulticastGroup()
}

// defaultMulticastGroup is this instance's configured (or IANA-default)
// multicast group, used as the checksum pseudo-header address both for
// ordinary multicast mode and for the unicast checksum-compatibility
// fallback.
func (i *Instance) defaultMulticastGroup() net.IP {
	if i.cfg.McastGroup != "" {
		return net.ParseIP(i.cfg.McastGroup)
	}
	if i.family == wire.FamilyV6 {
		return net.ParseIP(wire.DefaultMulticastGroupV6)
	}
	return net.ParseIP(wire.DefaultMulticastGroupV4)
}

// onAdvert implements RFC 5798 §6.4.2/§6.4.3: the priority-comparison
// election rules for both MASTER and BACKUP.
func (i *Instance) onAdvert(pkt *wire.Packet, src net.IP) {
	i.mu.Lock()
	i.stats.AdvertRx++
	state := i.state
	i.mu.Unlock()
	i.observe("advert_rx")

	if int(pkt.VRID) != i.cfg.VRID {
		i.mu.Lock()
		i.stats.PRVridErr++
		i.mu.Unlock()
		i.observe("vrid_error")
		return
	}

	switch state {
	case StateMaster:
		i.onAdvertAsMaster(pkt, src)
	case StateBackup:
		i.onAdvertAsBackup(pkt, src)
	}
}

func (i *Instance) onAdvertAsMaster(pkt *wire.Packet, src net.IP) {
	myPriority := i.Priority()
	if pkt.Priority == 0 {
		// Peer is releasing mastership; send an immediate advert and
		// stay MASTER (RFC 5798 §6.4.2 case "Priority == 0").
		i.sendAdvert()
		return
	}
	if pkt.Priority == uint8(myPriority) && src != nil && src.Equal(i.localSrc()) {
		i.onDuplicateOwnerAdvert(pkt)
		return
	}
	if pkt.Priority > uint8(myPriority) || (pkt.Priority == uint8(myPriority) && bytesGreater(src, i.localSrc())) {
		i.learnMasterInterval(pkt)
		i.downgradeToBackup()
		return
	}
	if !i.cfg.LowerPrioNoAdvert {
		i.sendAdvert()
	}
}

// onDuplicateOwnerAdvert handles a received advert stamped with our own
// source address and equal priority: another host is misconfigured with
// the same unicast/VRID identity as us. We log once, arm a rogue timer
// scaled off the slower of the two advertisement intervals, and only
// concede priority if the rogue keeps advertising until the timer fires.
func (i *Instance) onDuplicateOwnerAdvert(pkt *wire.Packet) {
	i.mu.Lock()
	i.stats.DuplicateOwnerErr++
	i.mu.Unlock()
	if i.logger != nil {
		i.logger.Error("vrrp: CONFIG ERROR duplicate address owner advert received", "instance", i.cfg.Name, "vrid", i.cfg.VRID)
	}

	d := i.rogueTimerInterval(pkt)
	if i.rogueTimer == nil {
		i.rogueTimer = i.clock.NewTimer(d)
		go i.forwardTimer(i.rogueTimer, eventRogueTimerExpired)
		return
	}
	i.rogueTimer.Reset(d)
}

// rogueTimerInterval is 1.2 * max(our adver_int, the rogue's adver_int).
func (i *Instance) rogueTimerInterval(pkt *wire.Packet) time.Duration {
	var rogueInt time.Duration
	if pkt.Version == wire.Version2 {
		rogueInt = time.Duration(pkt.AdverInt) * time.Second
	} else {
		rogueInt = time.Duration(pkt.AdverInt) * 10 * time.Millisecond
	}
	base := i.advertInterval()
	if rogueInt > base {
		base = rogueInt
	}
	return time.Duration(float64(base) * 1.2)
}

// onRogueTimerExpired fires once a duplicate-owner advert has kept
// arriving for the full rogue-timer window: we concede our address-owner
// priority down to 254, matching spec's "if rogue keeps advertising, drop
// our priority to 254". The drop persists until the instance is
// reconfigured; precise restoration conditions are left to a future
// revision (see Open Question in the design notes).
func (i *Instance) onRogueTimerExpired() {
	i.mu.Lock()
	dropped := i.basePriority > maxPriority
	if dropped {
		i.basePriority = maxPriority
	}
	i.mu.Unlock()
	if dropped && i.logger != nil {
		i.logger.Warn("vrrp: rogue duplicate-owner advert persisted, dropping priority to 254", "instance", i.cfg.Name)
	}
}

func (i *Instance) onAdvertAsBackup(pkt *wire.Packet, src net.IP) {
	if i.strict && !i.cfg.SkipCheckAdvAddr && !sameAddressSet(pkt.Addresses, i.advertisedAddrs()) {
		i.mu.Lock()
		i.stats.AddrListErr++
		i.mu.Unlock()
		if i.logger != nil {
			i.logger.Warn("vrrp: advertised address list does not match configured vips", "instance", i.cfg.Name)
		}
		return
	}
	myPriority := i.Priority()
	if pkt.Priority == 0 {
		i.resetDownTimer(skewTime(myPriority, i.masterAdverIntOrDefault()))
		return
	}
	if !i.cfg.NoPreempt && i.canPreempt() && int(pkt.Priority) < myPriority {
		if i.cfg.HigherPrioSendAdvert {
			i.sendAdvert()
		}
		// Preemption: ignore this lower-priority master and let the down
		// timer continue running toward takeover.
		return
	}
	i.learnMasterInterval(pkt)
	i.resetDownTimer(masterDownInterval(i.downMultiplier(), i.masterAdverIntOrDefault(), myPriority))
}

func (i *Instance) learnMasterInterval(pkt *wire.Packet) {
	var interval time.Duration
	if pkt.Version == wire.Version2 {
		interval = time.Duration(pkt.AdverInt) * time.Second
	} else {
		interval = time.Duration(pkt.AdverInt) * 10 * time.Millisecond
	}
	if interval > 0 {
		i.masterAdverInt = interval
	}
}

func (i *Instance) masterAdverIntOrDefault() time.Duration {
	if i.masterAdverInt > 0 {
		return i.masterAdverInt
	}
	return i.advertInterval()
}

func (i *Instance) downgradeToBackup() {
	i.enterBackup(masterDownInterval(i.downMultiplier(), i.masterAdverIntOrDefault(), i.Priority()))
}

func (i *Instance) onDownTimerExpired() {
	if i.track.Fault() {
		i.enterFault()
		return
	}
	i.tryBecomeMaster()
}

// syncGroupProposeRetry is how long a deferred MASTER proposal waits
// before asking the sync-group coordinator again; it reuses the down
// timer's own event rather than introducing a second timer kind.
const syncGroupProposeRetry = 200 * time.Millisecond

// tryBecomeMaster proposes a transition to MASTER to the sync-group
// coordinator, if this instance belongs to one. The proposal commits iff
// every other member has cleared INIT and is not FAULT; otherwise it is
// deferred and retried off the down timer.
func (i *Instance) tryBecomeMaster() {
	if i.group != nil && !i.group.proposeMaster() {
		if i.logger != nil {
			i.logger.Debug("vrrp: deferring master transition pending sync_group", "instance", i.cfg.Name)
		}
		i.resetDownTimer(syncGroupProposeRetry)
		return
	}
	i.becomeMaster()
}

func (i *Instance) onAdvertTimerExpired() {
	i.mu.RLock()
	isMaster := i.state == StateMaster
	i.mu.RUnlock()
	if !isMaster {
		return
	}
	if i.track.Fault() {
		i.enterFault()
		return
	}
	i.sendAdvert()
	i.advertTimer.Reset(i.advertInterval())
}

// onPreemptTimerExpired lifts the preempt_delay hold-off armed on entry
// to BACKUP, letting a subsequent lower-priority master advert trigger
// preemption again.
func (i *Instance) onPreemptTimerExpired() {
	i.mu.Lock()
	i.preemptAllowed = true
	i.mu.Unlock()
	if i.logger != nil {
		i.logger.Debug("vrrp: preempt_delay elapsed, preemption re-armed", "instance", i.cfg.Name)
	}
}

// onTrackChanged re-evaluates fault/priority after a tracked object's
// state flips.
func (i *Instance) onTrackChanged() {
	i.mu.RLock()
	state := i.state
	i.mu.RUnlock()

	if i.track.Fault() {
		if state != StateFault {
			i.enterFault()
		}
		return
	}
	if state == StateFault {
		i.enterBackup(masterDownInterval(i.downMultiplier(), i.masterAdverIntOrDefault(), i.Priority()))
		return
	}
	if state == StateMaster && !i.cfg.LowerPrioNoAdvert {
		i.sendAdvert()
	}
}

// sameAddressSet reports whether got and want contain the same
// addresses, order-independent.
func sameAddressSet(got, want []net.IP) bool {
	if len(got) != len(want) {
		return false
	}
	for _, w := range want {
		found := false
		for _, g := range got {
			if g.Equal(w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// bytesGreater breaks VRRPv3 priority ties by comparing IPv4/IPv6
// addresses byte-for-byte (RFC 5798 §6.4.3).
func bytesGreater(a, b net.IP) bool {
	if a == nil || b == nil {
		return false
	}
	a4, b4 := a.To16(), b.To16()
	if a4 == nil || b4 == nil {
		return false
	}
	for k := range a4 {
		if a4[k] != b4[k] {
			return a4[k] > b4[k]
		}
	}
	return false
}

// SetBasePriority updates the instance's configured (pre-tracker)
// priority, used by the sync-group coordinator when tracking_weight
// redistributes priority across members.
func (i *Instance) SetBasePriority(p int) {
	i.mu.Lock()
	i.basePriority = p
	i.mu.Unlock()
}

// ForceRefresh requests re-evaluation of fault/priority state from
// outside the event loop, used by the tracking engine's onChange
// callback when a tracked object's contribution flips.
func (i *Instance) ForceRefresh() {
	select {
	case i.events <- event{kind: eventTrackChanged}:
	case <-i.done:
	}
}

// ForceFault drives the instance into FAULT from outside its own event
// loop (used by the sync-group coordinator to propagate a member's
// fault to the rest of the group).
func (i *Instance) ForceFault() {
	select {
	case i.events <- event{kind: eventGroupCommand, cmd: groupCommandFault}:
	case <-i.done:
	}
}

// ForceMaster drives the instance toward MASTER, used by the
// coordinator once every group member has cleared FAULT together.
func (i *Instance) ForceMaster() {
	select {
	case i.events <- event{kind: eventGroupCommand, cmd: groupCommandRelease}:
	case <-i.done:
	}
}

type groupCommand int

const (
	groupCommandFault groupCommand = iota
	groupCommandRelease
)

func (i *Instance) onGroupCommand(cmd groupCommand) {
	switch cmd {
	case groupCommandFault:
		i.enterFault()
	case groupCommandRelease:
		if i.track.Fault() {
			return
		}
		i.enterBackup(masterDownInterval(i.downMultiplier(), i.masterAdverIntOrDefault(), i.Priority()))
	}
}

// joinGroup attaches this instance to a sync group coordinator.
func (i *Instance) joinGroup(g *groupMember) { i.group = g }

// validateConfig performs the structural checks required before an
// instance is constructed (VRID range, version/family compatibility,
// VIP presence unless allow_no_vips).
func validateConfig(cfg config.VRRPInstance) error {
	if cfg.VRID < 1 || cfg.VRID > 255 {
		return errors.Errorf(errors.KindValidation, "vrrp: instance %s: vrid %d out of range 1..255", cfg.Name, cfg.VRID)
	}
	if cfg.Version == 2 && cfg.Family == "ipv6" {
		return errors.Errorf(errors.KindValidation, "vrrp: instance %s: version 2 does not support ipv6", cfg.Name)
	}
	if len(cfg.VirtualIPs) == 0 && !cfg.AllowNoVIPs {
		return errors.Errorf(errors.KindValidation, "vrrp: instance %s: no virtual_ipaddress configured and allow_no_vips is false", cfg.Name)
	}
	if cfg.Priority == ownerPriority && len(cfg.VirtualIPs) == 0 {
		return errors.Errorf(errors.KindValidation, "vrrp: instance %s: priority 255 (address owner) requires a virtual_ipaddress", cfg.Name)
	}
	return nil
}
