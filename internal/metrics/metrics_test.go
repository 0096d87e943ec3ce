package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveNode("guardrail", 120*time.Millisecond, false)
	m.ObserveNode("responder", time.Second, true)
	m.ObserveQuery("ok", 10, 20*time.Millisecond)
	m.ObserveQuery("rejected", 0, time.Millisecond)
	m.ObserveGuardrail(true, false)
	m.ObserveGuardrail(true, true)
	m.ObserveGuardrail(false, false)
	m.ObserveTurn("answered")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodeRuns.WithLabelValues("guardrail", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NodeRuns.WithLabelValues("responder", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Queries.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardrailHits.WithLabelValues("irrelevant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GuardrailHits.WithLabelValues("both")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Turns.WithLabelValues("answered")))

	// 无标签的直方图只有一条序列
	n, err := testutil.GatherAndCount(reg, "nyc311bot_query_rows")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveNode("a", time.Second, false)
		m.ObserveQuery("ok", 1, time.Second)
		m.ObserveGuardrail(true, false)
		m.ObserveTurn("failed")
	})
}
