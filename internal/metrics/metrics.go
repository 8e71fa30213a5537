package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agent_consensus/internal/domain"
)

// Metrics holds the service's Prometheus collectors. All names are prefixed
// with "consensus_".
//
//   - consensus_loop_ticks_total
//   - consensus_loop_round, consensus_loop_phase{phase}
//   - consensus_rounds_total{outcome}
//   - consensus_arguments_total{source,outcome}
//   - consensus_chat_requests_total{outcome}
type Metrics struct {
	registry *prometheus.Registry

	Ticks     prometheus.Counter
	Round     prometheus.Gauge
	Phase     *prometheus.GaugeVec
	Rounds    *prometheus.CounterVec
	Arguments *prometheus.CounterVec
	Chat      *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "consensus_loop_ticks_total",
			Help: "Total number of loop timer ticks applied",
		}),
		Round: f.NewGauge(prometheus.GaugeOpts{
			Name: "consensus_loop_round",
			Help: "Current loop round number",
		}),
		Phase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consensus_loop_phase",
			Help: "1 for the active loop phase, 0 otherwise",
		}, []string{"phase"}),
		Rounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_rounds_total",
			Help: "Rounds by outcome",
		}, []string{"outcome"}), // "created" or "completed"
		Arguments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_arguments_total",
			Help: "Agent arguments by source and outcome",
		}, []string{"source", "outcome"}),
		Chat: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consensus_chat_requests_total",
			Help: "SecondMe chat requests proxied by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OnSnapshot(s domain.Snapshot) {
	if s.ElapsedSeconds > 0 {
		m.Ticks.Inc()
	}
	m.Round.Set(float64(s.Round))
	for _, p := range []domain.LoopPhase{
		domain.LoopPhaseSensing,
		domain.LoopPhaseDebating,
		domain.LoopPhaseTrading,
		domain.LoopPhaseReviewing,
	} {
		v := 0.0
		if p == s.Phase {
			v = 1
		}
		m.Phase.WithLabelValues(string(p)).Set(v)
	}
}

func (m *Metrics) OnTransition(t domain.Transition) {
	if t.RoundCompleted {
		m.Rounds.WithLabelValues("completed").Inc()
		m.Ticks.Inc()
	}
}

func (m *Metrics) RoundCreated() {
	m.Rounds.WithLabelValues("created").Inc()
}

func (m *Metrics) ArgumentAppended(source domain.AgentSource) {
	m.Arguments.WithLabelValues(string(source), "appended").Inc()
}

func (m *Metrics) ArgumentSkipped(source domain.AgentSource, class string) {
	m.Arguments.WithLabelValues(string(source), class).Inc()
}

func (m *Metrics) ChatRequest(outcome string) {
	m.Chat.WithLabelValues(outcome).Inc()
}
