// Package metrics 定义问答流程的 Prometheus 指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nyc311bot"

type Metrics struct {
	NodeRuns      *prometheus.CounterVec
	NodeDuration  *prometheus.HistogramVec
	GuardrailHits *prometheus.CounterVec
	Queries       *prometheus.CounterVec
	QueryDuration prometheus.Histogram
	QueryRows     prometheus.Histogram
	Turns         *prometheus.CounterVec
}

// New 创建并注册指标。reg 为 nil 时只创建不注册（测试用）。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NodeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_runs_total",
			Help:      "Workflow node executions, by node and whether the node panicked.",
		}, []string{"node", "panicked"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Workflow node execution time.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"node"}),
		GuardrailHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_blocks_total",
			Help:      "Questions blocked by the guardrail, by reason kind.",
		}, []string{"kind"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "SQL queries handled by the executor, by outcome.",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "SQL validation plus execution time.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueryRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_rows",
			Help:      "Rows returned per executed query.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed question turns, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.NodeRuns, m.NodeDuration, m.GuardrailHits, m.Queries, m.QueryDuration, m.QueryRows, m.Turns)
	}
	return m
}

// ObserveNode 对应 graph.NodeObserver
func (m *Metrics) ObserveNode(node string, elapsed time.Duration, panicked bool) {
	if m == nil {
		return
	}
	p := "false"
	if panicked {
		p = "true"
	}
	m.NodeRuns.WithLabelValues(node, p).Inc()
	m.NodeDuration.WithLabelValues(node).Observe(elapsed.Seconds())
}

// ObserveQuery 对应 datastore.Observer
func (m *Metrics) ObserveQuery(outcome string, rows int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(outcome).Inc()
	m.QueryDuration.Observe(elapsed.Seconds())
	if outcome == "ok" {
		m.QueryRows.Observe(float64(rows))
	}
}

// ObserveGuardrail 记录一次拦截，kind 为 irrelevant、malicious 或 both
func (m *Metrics) ObserveGuardrail(irrelevant, malicious bool) {
	if m == nil {
		return
	}
	switch {
	case irrelevant && malicious:
		m.GuardrailHits.WithLabelValues("both").Inc()
	case malicious:
		m.GuardrailHits.WithLabelValues("malicious").Inc()
	case irrelevant:
		m.GuardrailHits.WithLabelValues("irrelevant").Inc()
	}
}

// ObserveTurn 记录一次问答的最终结果：answered、blocked 或 failed
func (m *Metrics) ObserveTurn(result string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(result).Inc()
}
