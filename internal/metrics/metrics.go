// Package metrics exposes agent counters on a prometheus registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Provider is nil-safe: every method on a nil *Provider is a no-op.
type Provider struct {
	decisions  *prometheus.CounterVec
	llmErrors  *prometheus.CounterVec
	rejections prometheus.Counter
	tasks      *prometheus.CounterVec
	steps      prometheus.Histogram
}

// New registers the agent collectors on registry. A nil registry yields a
// nil provider.
func New(registry *prometheus.Registry) *Provider {
	if registry == nil {
		return nil
	}

	p := &Provider{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_decisions_total",
				Help: "Decisions produced by the engine by action and source",
			},
			[]string{"action", "source"},
		),
		llmErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_llm_errors_total",
				Help: "Failed model calls by error kind",
			},
			[]string{"kind"},
		),
		rejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_low_confidence_rejections_total",
				Help: "Decisions skipped because confidence was below the action threshold",
			},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tasks_total",
				Help: "Finished tasks by result",
			},
			[]string{"result"},
		),
		steps: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_steps_per_task",
				Help:    "Steps taken per finished task",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 50, 100},
			},
		),
	}

	registry.MustRegister(
		p.decisions,
		p.llmErrors,
		p.rejections,
		p.tasks,
		p.steps,
	)

	return p
}

func (p *Provider) ObserveDecision(action, source string) {
	if p != nil && p.decisions != nil {
		p.decisions.WithLabelValues(action, source).Inc()
	}
}

func (p *Provider) ObserveLLMError(kind string) {
	if p != nil && p.llmErrors != nil {
		p.llmErrors.WithLabelValues(kind).Inc()
	}
}

func (p *Provider) ObserveRejection() {
	if p != nil && p.rejections != nil {
		p.rejections.Inc()
	}
}

// ObserveTask records one finished task.
func (p *Provider) ObserveTask(success bool, steps int) {
	if p == nil || p.tasks == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	p.tasks.WithLabelValues(result).Inc()
	p.steps.Observe(float64(steps))
}
