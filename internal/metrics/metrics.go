// Package metrics holds the prometheus collectors for clip runs, polling and the task queue.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "petclip_stage_duration_seconds",
		Help:    "Duration of clip pipeline stages",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage", "outcome"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petclip_runs_total",
		Help: "Total clip pipeline runs by outcome",
	}, []string{"outcome"})

	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petclip_job_polls_total",
		Help: "Status checks against the video service by observed state",
	}, []string{"state"})

	queueTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "petclip_queue_tasks_total",
		Help: "Queued tasks by terminal event (completed, failed, requeued)",
	}, []string{"event"})

	queueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "petclip_queue_in_flight",
		Help: "Tasks currently being processed by this worker",
	})
)

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, d time.Duration, err error) {
	stageDuration.WithLabelValues(stage, outcome(err)).Observe(d.Seconds())
}

// StartStage returns a function that records the stage when called with its result.
func StartStage(stage string) func(error) {
	start := time.Now()
	return func(err error) { ObserveStage(stage, time.Since(start), err) }
}

func RecordRun(outcome string) {
	runsTotal.WithLabelValues(normalize(outcome)).Inc()
}

// RecordPoll counts one status check. Failed checks use the "error" state.
func RecordPoll(state string) {
	pollsTotal.WithLabelValues(normalize(state)).Inc()
}

func RecordQueueTask(event string) {
	queueTasksTotal.WithLabelValues(normalize(event)).Inc()
}

func IncInFlight() { queueInFlight.Inc() }
func DecInFlight() { queueInFlight.Dec() }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func normalize(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "unknown"
	}
	return label
}
