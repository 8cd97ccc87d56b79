// Package metrics records simulation counters and exports them in the
// Prometheus text format.
package metrics

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/CounselSim/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "counselsim"

// Recorder collects completion, counselor, client and dialogue observations.
// It satisfies the observer interfaces of genai, counselor, clientsim and dialogue.
type Recorder struct {
	registry *prometheus.Registry

	completions       *prometheus.CounterVec
	completionLatency *prometheus.HistogramVec
	navigations       *prometheus.CounterVec
	refineIterations  prometheus.Histogram
	refinements       *prometheus.CounterVec
	clientActions     *prometheus.CounterVec
	engagement        prometheus.Histogram
	turns             *prometheus.CounterVec
	outcomes          *prometheus.CounterVec
}

// NewRecorder creates a Recorder backed by its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "completions_total",
			Help:      "Completion calls by purpose and status",
		}, []string{"purpose", "status"}),
		completionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "completion_seconds",
			Help:      "Completion latency in seconds, retries included",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"purpose"}),
		navigations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "counselor",
			Name:      "navigation_actions_total",
			Help:      "Topic navigation actions taken by the counselor",
		}, []string{"action"}),
		refineIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "counselor",
			Name:      "refine_iterations",
			Help:      "Refinement iterations per counselor turn",
			Buckets:   []float64{1, 2, 3},
		}),
		refinements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "counselor",
			Name:      "refinements_total",
			Help:      "Counselor turns by refinement result",
		}, []string{"result"}),
		clientActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "actions_total",
			Help:      "Actions chosen by the simulated client",
		}, []string{"action"}),
		engagement: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "engagement",
			Help:      "Client engagement level per precontemplation turn",
			Buckets:   []float64{1, 2, 3, 4},
		}),
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "utterances_total",
			Help:      "Utterances appended to the conversation by speaker",
		}, []string{"speaker"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dialogue",
			Name:      "sessions_total",
			Help:      "Finished sessions by outcome",
		}, []string{"outcome"}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveCompletion records one finished completion call.
func (r *Recorder) ObserveCompletion(purpose string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.completions.WithLabelValues(purpose, status).Inc()
	r.completionLatency.WithLabelValues(purpose).Observe(elapsed.Seconds())
}

// ObserveNavigation records a topic navigation action.
func (r *Recorder) ObserveNavigation(action string) {
	r.navigations.WithLabelValues(action).Inc()
}

// ObserveRefinement records the outcome of one refinement loop.
func (r *Recorder) ObserveRefinement(iterations int, passed bool) {
	r.refineIterations.Observe(float64(iterations))
	result := "passed"
	if !passed {
		result = "exhausted"
	}
	r.refinements.WithLabelValues(result).Inc()
}

// ObserveClientAction records the action chosen by the client.
func (r *Recorder) ObserveClientAction(action string) {
	r.clientActions.WithLabelValues(action).Inc()
}

// ObserveEngagement records the client's engagement level.
func (r *Recorder) ObserveEngagement(level int) {
	r.engagement.Observe(float64(level))
}

// ObserveTurn records an appended utterance.
func (r *Recorder) ObserveTurn(speaker models.Speaker) {
	r.turns.WithLabelValues(string(speaker)).Inc()
}

// ObserveOutcome records how a session ended.
func (r *Recorder) ObserveOutcome(reason models.OutcomeReason) {
	r.outcomes.WithLabelValues(string(reason)).Inc()
}

// WriteTextfile writes every metric to path in the node exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	slog.Debug("Recorder.WriteTextfile: metrics written", "path", path)
	return nil
}
