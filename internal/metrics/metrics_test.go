package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineCollector(t *testing.T) {
	c := NewEngineCollector()
	c.Update(12, 2, 7, 1)

	r := prometheus.NewRegistry()
	require.NoError(t, r.Register(c))

	families, err := r.Gather()
	require.NoError(t, err)

	got := map[string]float64{}
	for _, mf := range families {
		m := mf.GetMetric()[0]
		if g := m.GetGauge(); g != nil {
			got[mf.GetName()] = g.GetValue()
		}
		if c := m.GetCounter(); c != nil {
			got[mf.GetName()] = c.GetValue()
		}
	}

	assert.Equal(t, map[string]float64{
		"gtorrentd_uptime":           12,
		"gtorrentd_torrents":         2,
		"gtorrentd_peers":            7,
		"gtorrentd_endgame_torrents": 1,
	}, got)
}

func TestRegister(t *testing.T) {
	r := prometheus.NewRegistry()

	require.NoError(t, Register(r, NewEngineCollector()))
	assert.Error(t, Register(r, NewEngineCollector()))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestPieceCounters(t *testing.T) {
	valid := Pieces.WithLabelValues("valid")
	invalid := Pieces.WithLabelValues("invalid")

	before := counterValue(t, valid)
	beforeInvalid := counterValue(t, invalid)

	valid.Inc()
	valid.Inc()

	assert.Equal(t, before+2, counterValue(t, valid))
	assert.Equal(t, beforeInvalid, counterValue(t, invalid))
}
