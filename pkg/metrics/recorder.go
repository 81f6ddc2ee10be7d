// Package metrics records orchestrator metrics in Prometheus and queries them
// back for per-project usage summaries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder defines the metrics the orchestrator emits.
type Recorder interface {
	// ObserveProject counts a project reaching status.
	ObserveProject(status string)

	// ObservePhase records how long a phase ran.
	ObservePhase(phase string, duration time.Duration)

	// IncHealIteration counts one healing iteration.
	IncHealIteration(projectID string)

	// AddFixAttempts counts patch attempts per error type.
	AddFixAttempts(errorType string, n int)

	// ObserveContainerExec records a sub-agent task's wall and CPU time.
	ObserveContainerExec(projectID, role string, wall time.Duration, cpuSeconds float64)

	// ObserveLLMRequest records one code-generation call.
	ObserveLLMRequest(model, projectID string, promptTokens, completionTokens int, cost float64, success bool, duration time.Duration)
}

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	projectsTotal  *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	healIterations *prometheus.CounterVec
	fixAttempts    *prometheus.CounterVec
	containerExec  *prometheus.HistogramVec
	containerCPU   *prometheus.CounterVec
	llmRequests    *prometheus.CounterVec
	llmTokens      *prometheus.CounterVec
	llmCosts       *prometheus.CounterVec
	llmDuration    *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the collectors with reg, or with the
// default registry when reg is nil.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		projectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_projects_total",
				Help: "Projects reaching each status",
			},
			[]string{"status"},
		),
		phaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autocoder_phase_duration_seconds",
				Help:    "Duration of project phases in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"phase"},
		),
		healIterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_heal_iterations_total",
				Help: "Healing loop iterations",
			},
			[]string{"project_id"},
		),
		fixAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_fix_attempts_total",
				Help: "Patch attempts by error type",
			},
			[]string{"error_type"},
		),
		containerExec: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autocoder_container_exec_seconds",
				Help:    "Wall time of sub-agent container tasks",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role"},
		),
		containerCPU: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_container_cpu_seconds_total",
				Help: "Estimated container CPU seconds consumed",
			},
			[]string{"project_id", "role"},
		),
		llmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_llm_requests_total",
				Help: "Code-generation requests by model and status",
			},
			[]string{"model", "project_id", "status"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_llm_tokens_total",
				Help: "Tokens used by code-generation requests",
			},
			[]string{"model", "project_id", "type"},
		),
		llmCosts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_llm_costs_total",
				Help: "Estimated code-generation cost in USD",
			},
			[]string{"model", "project_id"},
		),
		llmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autocoder_llm_request_duration_seconds",
				Help:    "Duration of code-generation requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}
}

// ObserveProject implements Recorder.
func (p *PrometheusRecorder) ObserveProject(status string) {
	p.projectsTotal.WithLabelValues(status).Inc()
}

// ObservePhase implements Recorder.
func (p *PrometheusRecorder) ObservePhase(phase string, duration time.Duration) {
	p.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// IncHealIteration implements Recorder.
func (p *PrometheusRecorder) IncHealIteration(projectID string) {
	p.healIterations.WithLabelValues(projectID).Inc()
}

// AddFixAttempts implements Recorder.
func (p *PrometheusRecorder) AddFixAttempts(errorType string, n int) {
	if n > 0 {
		p.fixAttempts.WithLabelValues(errorType).Add(float64(n))
	}
}

// ObserveContainerExec implements Recorder.
func (p *PrometheusRecorder) ObserveContainerExec(projectID, role string, wall time.Duration, cpuSeconds float64) {
	p.containerExec.WithLabelValues(role).Observe(wall.Seconds())
	if cpuSeconds > 0 {
		p.containerCPU.WithLabelValues(projectID, role).Add(cpuSeconds)
	}
}

// ObserveLLMRequest implements Recorder.
func (p *PrometheusRecorder) ObserveLLMRequest(model, projectID string, promptTokens, completionTokens int, cost float64, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.llmRequests.WithLabelValues(model, projectID, status).Inc()
	if success {
		p.llmTokens.WithLabelValues(model, projectID, "prompt").Add(float64(promptTokens))
		p.llmTokens.WithLabelValues(model, projectID, "completion").Add(float64(completionTokens))
		p.llmCosts.WithLabelValues(model, projectID).Add(cost)
	}
	p.llmDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

// Nop returns a recorder for when metrics are disabled.
func Nop() Recorder {
	return NoopRecorder{}
}

func (NoopRecorder) ObserveProject(string)                                                    {}
func (NoopRecorder) ObservePhase(string, time.Duration)                                       {}
func (NoopRecorder) IncHealIteration(string)                                                  {}
func (NoopRecorder) AddFixAttempts(string, int)                                               {}
func (NoopRecorder) ObserveContainerExec(string, string, time.Duration, float64)              {}
func (NoopRecorder) ObserveLLMRequest(string, string, int, int, float64, bool, time.Duration) {}
