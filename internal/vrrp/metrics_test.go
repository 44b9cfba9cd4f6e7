// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vrrp

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/clock"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/vrrp/wire"
)

func gaugeValue(t *testing.T, g *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.WithLabelValues(labels...).Write(m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.WithLabelValues(labels...).Write(m))
	return m.GetCounter().GetValue()
}

func TestMetrics_RegisterExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	m.Register(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_SampleGaugesReflectsInstanceState(t *testing.T) {
	clk := clock.NewMock(time.Unix(0, 0))
	cfg := config.VRRPInstance{
		Name:       "vr1",
		VRID:       51,
		Interface:  "eth0",
		Priority:   200,
		AdverInt:   1,
		VirtualIPs: []config.VirtualIP{{Address: "10.0.0.1"}},
	}
	logger := logging.New(logging.DefaultConfig())
	inst := NewInstance(cfg, wire.FamilyV4, clk, logger, NewFakeEffects(), nil, nil, NewTrackEngine(nil))

	m := NewMetrics()
	m.SampleGauges(inst)

	assert.Equal(t, float64(StateInit), gaugeValue(t, m.State, "vr1"))
	assert.Equal(t, float64(200), gaugeValue(t, m.Priority, "vr1"))
}

func TestMetrics_ObserveIncrementsNamedCounter(t *testing.T) {
	m := NewMetrics()

	m.Observe("vr1", "advert_tx")
	m.Observe("vr1", "advert_tx")
	m.Observe("vr1", "checksum_error")
	m.Observe("vr1", "unknown_field_is_a_no_op")

	assert.Equal(t, float64(2), counterValue(t, m.AdvertTx, "vr1"))
	assert.Equal(t, float64(1), counterValue(t, m.ChecksumErrTotal, "vr1"))
	assert.Equal(t, float64(0), counterValue(t, m.AdvertRx, "vr1"))
}
