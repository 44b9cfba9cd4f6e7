// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

// VRRPConfig is the top-level VRRP configuration block. It supersedes
// the old single-pair ReplicationConfig.HA heartbeat scheme with a real
// RFC 3768/5798 failover engine supporting N instances and sync groups.
type VRRPConfig struct {
	// Enabled activates the VRRP engine.
	// @default: false
	Enabled bool `hcl:"enabled,optional" json:"enabled,omitempty"`

	// StrictMode rejects VRRPv3 adverts whose VIP set doesn't match ours
	// and requires the first advertised IPv6 VIP to be link-local.
	// @default: false
	StrictMode bool `hcl:"strict_mode,optional" json:"strict_mode,omitempty"`

	// DefaultMulticastGroupV4/V6 override the IANA-assigned VRRP
	// multicast groups (224.0.0.18 / ff02::12) for every instance that
	// doesn't set its own mcast_daddr.
	DefaultMulticastGroupV4 string `hcl:"default_mcast_group_v4,optional" json:"default_mcast_group_v4,omitempty"`
	DefaultMulticastGroupV6 string `hcl:"default_mcast_group_v6,optional" json:"default_mcast_group_v6,omitempty"`

	// GARPRepeat/GARPDelay/GARPRefresh are global defaults for the
	// gratuitous ARP / unsolicited NA burst behavior;
	// instances may override.
	GARPRepeat  int `hcl:"garp_repeat,optional" json:"garp_repeat,omitempty"`
	GARPDelay   int `hcl:"garp_delay,optional" json:"garp_delay,omitempty"` // seconds
	GARPRefresh int `hcl:"garp_refresh,optional" json:"garp_refresh,omitempty"` // seconds

	// ScriptSecurity requires tracking/notify scripts to be owned by
	// root and not world-writable before they are executed.
	// @default: true
	ScriptSecurity bool `hcl:"script_security,optional" json:"script_security,omitempty"`

	// FirewallBackend selects the effect-plumbing firewall driver used
	// for accept-mode rules ("nftables" is the only implemented driver;
	// reuses internal/firewall.Manager).
	// @default: "nftables"
	FirewallBackend string `hcl:"firewall_backend,optional" json:"firewall_backend,omitempty"`

	// NotifyFIFO, if set, receives a newline-delimited copy of every
	// notify event emitted to scripts.
	NotifyFIFO string `hcl:"notify_fifo,optional" json:"notify_fifo,omitempty"`

	Instances  []VRRPInstance `hcl:"instance,block" json:"instance,omitempty"`
	SyncGroups []SyncGroup    `hcl:"sync_group,block" json:"sync_group,omitempty"`
}

// VRRPInstance configures one protected virtual router.
type VRRPInstance struct {
	Name string `hcl:"name,label" json:"name"`

	// VRID is the virtual router ID, 1..255, unique per (interface,
	// family, multicast group).
	VRID int `hcl:"vrid" json:"vrid"`

	// Family is "ipv4" or "ipv6".
	// @default: "ipv4"
	Family string `hcl:"family,optional" json:"family,omitempty"`

	// Version is 2 or 3. v2 is IPv4-only.
	// @default: 3
	Version int `hcl:"version,optional" json:"version,omitempty"`

	// Interface is the base interface VIPs are bound to and adverts are
	// sent/received on.
	Interface string `hcl:"interface" json:"interface"`

	// Priority is 1..255; 255 means this host is the address owner.
	// @default: 100
	Priority int `hcl:"priority,optional" json:"priority,omitempty"`

	// AdverInt is the advertisement interval: whole seconds for v2,
	// allows fractional seconds (encoded as centiseconds) for v3.
	// @default: 1.0
	AdverInt float64 `hcl:"advert_interval,optional" json:"advert_interval,omitempty"`

	// DownTimerAdverts is the missed-advertisement multiplier; keepalived calls this the "down timer
	// adverts" multiplier, default 3.
	// @default: 3
	DownTimerAdverts int `hcl:"down_timer_adverts,optional" json:"down_timer_adverts,omitempty"`

	VirtualIPs []VirtualIP `hcl:"virtual_ipaddress,block" json:"virtual_ipaddress,omitempty"`
	// ExcludedVIPs are installed but never advertised.
	ExcludedVIPs []VirtualIP `hcl:"virtual_ipaddress_excluded,block" json:"virtual_ipaddress_excluded,omitempty"`

	VirtualRoutes []VirtualRoute `hcl:"virtual_routes,block" json:"virtual_routes,omitempty"`
	VirtualRules  []VirtualRule  `hcl:"virtual_rules,block" json:"virtual_rules,omitempty"`

	// Unicast peer addresses. Non-empty switches the instance out of
	// multicast mode.
	UnicastPeers []string `hcl:"unicast_peer,optional" json:"unicast_peer,omitempty"`
	// UnicastSrc pins the source address used for unicast adverts;
	// otherwise it is derived from the configured interface.
	UnicastSrc string `hcl:"unicast_src,optional" json:"unicast_src,omitempty"`

	// McastGroup overrides VRRPConfig's default multicast group for this
	// instance only.
	McastGroup string `hcl:"mcast_src_ip,optional" json:"mcast_src_ip,omitempty"`

	// NoPreempt disables preemption: a higher-priority backup will not
	// take over from a lower-priority master while it is alive.
	NoPreempt bool `hcl:"nopreempt,optional" json:"nopreempt,omitempty"`
	// PreemptDelay holds off preemption for this many seconds after the
	// instance (re)enters BACKUP.
	PreemptDelay int `hcl:"preempt_delay,optional" json:"preempt_delay,omitempty"`

	// LowerPrioNoAdvert suppresses our own advert when we stay MASTER
	// after receiving a lower-priority advert.
	LowerPrioNoAdvert bool `hcl:"lower_prio_no_advert,optional" json:"lower_prio_no_advert,omitempty"`
	// HigherPrioSendAdvert sends an immediate advert as soon as a
	// lower-priority advert is seen, instead of waiting for the next
	// scheduled tick.
	HigherPrioSendAdvert bool `hcl:"higher_prio_send_advert,optional" json:"higher_prio_send_advert,omitempty"`

	// SkipCheckAdvAddr suppresses the "advertised VIP set must match
	// ours" check in strict mode for this instance only.
	SkipCheckAdvAddr bool `hcl:"skip_check_adv_addr,optional" json:"skip_check_adv_addr,omitempty"`

	// PromoteSecondaries keeps a secondary address as primary on the
	// interface when our VIP (acting as the primary address) is removed.
	PromoteSecondaries bool `hcl:"promote_secondaries,optional" json:"promote_secondaries,omitempty"`

	// AcceptMode installs the VIPs without an explicit firewall accept
	// rule for traffic addressed to them (the VIP is otherwise treated
	// like any other local address by the stack).
	AcceptMode bool `hcl:"accept_mode,optional" json:"accept_mode,omitempty"`

	// AllowNoVIPs permits an instance with zero configured VIPs (useful
	// for a pure tracking/sync-group participant).
	AllowNoVIPs bool `hcl:"allow_no_vips,optional" json:"allow_no_vips,omitempty"`

	// AuthType is "none", "pass", or "ah" (VRRPv2 only).
	// @default: "none"
	AuthType string `hcl:"auth_type,optional" json:"auth_type,omitempty"`
	AuthPass string `hcl:"auth_pass,optional" json:"auth_pass,omitempty"`

	// VMAC enables a virtual-MAC (or IPVLAN) sub-interface for this
	// instance.
	VMAC *VRRPVMAC `hcl:"vmac,block" json:"vmac,omitempty"`

	GARPRepeat  int `hcl:"garp_repeat,optional" json:"garp_repeat,omitempty"`
	GARPDelay   int `hcl:"garp_delay,optional" json:"garp_delay,omitempty"`
	GARPRefresh int `hcl:"garp_refresh,optional" json:"garp_refresh,omitempty"`

	TrackScripts    []TrackScript    `hcl:"track_script,block" json:"track_script,omitempty"`
	TrackFiles      []TrackFile      `hcl:"track_file,block" json:"track_file,omitempty"`
	TrackProcesses  []TrackProcess   `hcl:"track_process,block" json:"track_process,omitempty"`
	TrackInterfaces []TrackInterface `hcl:"track_interface,block" json:"track_interface,omitempty"`
	TrackBFDPeers   []TrackBFD       `hcl:"track_bfd,block" json:"track_bfd,omitempty"`
	TrackRoutes     []TrackRoute     `hcl:"track_route,block" json:"track_route,omitempty"`
	TrackRules      []TrackRule      `hcl:"track_rule,block" json:"track_rule,omitempty"`

	// NotifyMaster/NotifyBackup/NotifyFault/NotifyStop are scripts
	// invoked on the corresponding transition.
	NotifyMaster string `hcl:"notify_master,optional" json:"notify_master,omitempty"`
	NotifyBackup string `hcl:"notify_backup,optional" json:"notify_backup,omitempty"`
	NotifyFault  string `hcl:"notify_fault,optional" json:"notify_fault,omitempty"`
	NotifyStop   string `hcl:"notify_stop,optional" json:"notify_stop,omitempty"`
	Notify       string `hcl:"notify,optional" json:"notify,omitempty"`
}

// VRRPVMAC configures the virtual-MAC or IPVLAN sub-interface an
// instance owns.
type VRRPVMAC struct {
	// Mode is "vmac" (macvlan, private mode) or "ipvlan" (L2 mode).
	// @default: "vmac"
	Mode string `hcl:"mode,optional" json:"mode,omitempty"`
	// Interface overrides the auto-derived sub-interface name
	// (<prefix>.<vrid>, growing to <prefix><n>.<vrid> on collision).
	Interface string `hcl:"interface,optional" json:"interface,omitempty"`
	// MAC overrides the RFC-mandated 00:00:5E:00:0{1,2}:<vrid> address.
	MAC string `hcl:"mac,optional" json:"mac,omitempty"`
	// XmitBase sends adverts from the base interface even though VIPs
	// live on the VMAC sub-interface.
	XmitBase bool `hcl:"xmit_base,optional" json:"xmit_base,omitempty"`
	// GARPInterval is the periodic refresh interval for non-primary
	// VMAC sub-interfaces.
	GARPInterval int `hcl:"garp_interval,optional" json:"garp_interval,omitempty"`
}

// VirtualRoute is a route installed only while the owning instance is
// MASTER.
type VirtualRoute struct {
	Destination string `hcl:"destination" json:"destination"`
	Gateway     string `hcl:"gateway,optional" json:"gateway,omitempty"`
	Interface   string `hcl:"interface,optional" json:"interface,omitempty"`
	Table       int    `hcl:"table,optional" json:"table,omitempty"`
	Metric      int    `hcl:"metric,optional" json:"metric,omitempty"`
}

// VirtualRule is a policy-routing rule installed only while the owning
// instance is MASTER.
type VirtualRule struct {
	From  string `hcl:"from,optional" json:"from,omitempty"`
	To    string `hcl:"to,optional" json:"to,omitempty"`
	Table int    `hcl:"table" json:"table"`
	Priority int `hcl:"priority,optional" json:"priority,omitempty"`
}

// SyncGroup binds a set of instances to a shared state: all members transition to MASTER together, and any member's
// fault forces the whole group to FAULT.
type SyncGroup struct {
	Name string `hcl:"name,label" json:"name"`

	Members []string `hcl:"members" json:"members"`

	// TrackingWeight, if false (the default), strips weighted trackers
	// from members at init instead of honoring them.
	TrackingWeight bool `hcl:"tracking_weight,optional" json:"tracking_weight,omitempty"`

	// Group-level trackers, fanned out to every member at init.
	TrackScripts   []TrackScript  `hcl:"track_script,block" json:"track_script,omitempty"`
	TrackInterfaces []TrackInterface `hcl:"track_interface,block" json:"track_interface,omitempty"`

	NotifyMaster string `hcl:"notify_master,optional" json:"notify_master,omitempty"`
	NotifyBackup string `hcl:"notify_backup,optional" json:"notify_backup,omitempty"`
	NotifyFault  string `hcl:"notify_fault,optional" json:"notify_fault,omitempty"`
}

// TrackScript periodically runs an external command; consecutive
// pass/fail counts (Rise/Fall) debounce the up/down signal.
type TrackScript struct {
	Name     string  `hcl:"name,label" json:"name"`
	Path     string  `hcl:"path" json:"path"`
	Interval float64 `hcl:"interval,optional" json:"interval,omitempty"` // seconds
	Timeout  float64 `hcl:"timeout,optional" json:"timeout,omitempty"`   // seconds
	Rise     int     `hcl:"rise,optional" json:"rise,omitempty"`
	Fall     int     `hcl:"fall,optional" json:"fall,omitempty"`
	// Weight, if non-zero, is multiplied by the script's reported value
	// and added to total_priority; zero means binary up/down only.
	Weight  int  `hcl:"weight,optional" json:"weight,omitempty"`
	Reverse bool `hcl:"reverse,optional" json:"reverse,omitempty"`
}

// TrackFile watches a numeric value at Path; a change triggers
// re-evaluation.
type TrackFile struct {
	Name    string `hcl:"name,label" json:"name"`
	Path    string `hcl:"path" json:"path"`
	Weight  int    `hcl:"weight,optional" json:"weight,omitempty"`
	Reverse bool   `hcl:"reverse,optional" json:"reverse,omitempty"`
}

// TrackProcess watches for the presence of a named process.
type TrackProcess struct {
	Name    string `hcl:"name,label" json:"name"`
	Process string `hcl:"process" json:"process"`
	Weight  int    `hcl:"weight,optional" json:"weight,omitempty"`
	Reverse bool   `hcl:"reverse,optional" json:"reverse,omitempty"`
}

// TrackInterface watches link state (and optionally debounces flaps)
// for a given interface.
type TrackInterface struct {
	Interface string  `hcl:"interface,label" json:"interface"`
	Weight    int     `hcl:"weight,optional" json:"weight,omitempty"`
	Reverse   bool    `hcl:"reverse,optional" json:"reverse,omitempty"`
	UpDelay   float64 `hcl:"up_delay,optional" json:"up_delay,omitempty"`     // seconds
	DownDelay float64 `hcl:"down_delay,optional" json:"down_delay,omitempty"` // seconds
}

// TrackBFD subscribes to a BFD peer's up/down state received from an
// external BFD daemon over a pipe.
type TrackBFD struct {
	Name   string `hcl:"name,label" json:"name"`
	Weight int    `hcl:"weight,optional" json:"weight,omitempty"`
	Reverse bool  `hcl:"reverse,optional" json:"reverse,omitempty"`
}

// TrackRoute watches for the presence of a kernel route matching
// Destination in Table, treating its absence as down.
type TrackRoute struct {
	Destination string `hcl:"destination,label" json:"destination"`
	Table       int    `hcl:"table,optional" json:"table,omitempty"`
	Weight      int    `hcl:"weight,optional" json:"weight,omitempty"`
	Reverse     bool   `hcl:"reverse,optional" json:"reverse,omitempty"`
}

// TrackRule watches for the presence of a policy-routing rule pointing
// at Table, treating its absence as down.
type TrackRule struct {
	Table   int  `hcl:"table,label" json:"table"`
	Weight  int  `hcl:"weight,optional" json:"weight,omitempty"`
	Reverse bool `hcl:"reverse,optional" json:"reverse,omitempty"`
}
