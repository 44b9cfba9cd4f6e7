// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the VRRP statistics block as Prometheus series labeled by instance name, following
// internal/ebpf/metrics's NewMetrics/MustRegister convention.
type Metrics struct {
	State             *prometheus.GaugeVec
	Priority          *prometheus.GaugeVec
	AdvertTx          *prometheus.CounterVec
	AdvertRx          *prometheus.CounterVec
	BecomeMasterTotal *prometheus.CounterVec
	ReleaseMasterTotal *prometheus.CounterVec
	ChecksumErrTotal  *prometheus.CounterVec
	AuthFailureTotal  *prometheus.CounterVec
	VridErrTotal      *prometheus.CounterVec
}

// NewMetrics builds an unregistered Metrics set; the Manager registers
// it against the supplied prometheus.Registerer on startup.
func NewMetrics() *Metrics {
	labels := []string{"instance"}
	return &Metrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flywall_vrrp_instance_state",
			Help: "Current VRRP instance state: 0=INIT 1=BACKUP 2=MASTER 3=FAULT",
		}, labels),
		Priority: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flywall_vrrp_instance_priority",
			Help: "Current effective priority of a VRRP instance",
		}, labels),
		AdvertTx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywall_vrrp_advertisements_sent_total",
			Help: "Total VRRP advertisements transmitted",
		}, labels),
		AdvertRx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywall_vrrp_advertisements_received_total",
			Help: "Total VRRP advertisements received",
		}, labels),
		BecomeMasterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywall_vrrp_become_master_total",
			Help: "Total number of transitions into MASTER",
		}, labels),
		ReleaseMasterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywall_vrrp_release_master_total",
			Help: "Total number of transitions out of MASTER",
		}, labels),
		ChecksumErrTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywall_vrrp_checksum_errors_total",
			Help: "Total advertisements dropped for checksum mismatch",
		}, labels),
		AuthFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywall_vrrp_auth_failures_total",
			Help: "Total advertisements dropped for authentication failure",
		}, labels),
		VridErrTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flywall_vrrp_vrid_mismatch_total",
			Help: "Total advertisements dropped for VRID mismatch",
		}, labels),
	}
}

// Register registers every collector with reg.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.State, m.Priority, m.AdvertTx, m.AdvertRx,
		m.BecomeMasterTotal, m.ReleaseMasterTotal, m.ChecksumErrTotal,
		m.AuthFailureTotal, m.VridErrTotal)
}

// SampleGauges updates the state/priority gauges from inst's current
// values; the Manager calls this on a periodic tick. The monotonic
// counters below are driven incrementally by Observe at the point each
// event occurs, not sampled from Stats, since prometheus.Counter has no
// Set method.
func (m *Metrics) SampleGauges(inst *Instance) {
	name := inst.Name()
	m.State.WithLabelValues(name).Set(float64(inst.State()))
	m.Priority.WithLabelValues(name).Set(float64(inst.Priority()))
}

// Observe increments the named counter by one at the moment a tracked
// event occurs (advert sent/received, state transition, drop reason).
func (m *Metrics) Observe(instanceName string, field string) {
	switch field {
	case "advert_tx":
		m.AdvertTx.WithLabelValues(instanceName).Inc()
	case "advert_rx":
		m.AdvertRx.WithLabelValues(instanceName).Inc()
	case "become_master":
		m.BecomeMasterTotal.WithLabelValues(instanceName).Inc()
	case "release_master":
		m.ReleaseMasterTotal.WithLabelValues(instanceName).Inc()
	case "checksum_error":
		m.ChecksumErrTotal.WithLabelValues(instanceName).Inc()
	case "auth_failure":
		m.AuthFailureTotal.WithLabelValues(instanceName).Inc()
	case "vrid_error":
		m.VridErrTotal.WithLabelValues(instanceName).Inc()
	}
}
