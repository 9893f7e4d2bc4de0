package deploy

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var runDurationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800}

var (
	metricsOnce   sync.Once
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	stagesTotal   *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "deploy",
			Name:      "runs_total",
			Help:      "Finalized deploy runs by outcome",
		}, []string{"result", "failed_stage"})

		runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "deploy",
			Name:      "run_duration_seconds",
			Help:      "Wall time of deploy runs from start to finalization",
			Buckets:   runDurationBuckets,
		})

		stagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "deploy",
			Name:      "stage_total",
			Help:      "Stage records written by deploy runs",
		}, []string{"stage", "status"})

		rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "deploy",
			Name:      "rejected_total",
			Help:      "Triggers rejected before a run started",
		}, []string{"reason"})

		collectors := []prometheus.Collector{runsTotal, runDuration, stagesTotal, rejectedTotal}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						switch collector {
						case runsTotal:
							runsTotal = v
						case stagesTotal:
							stagesTotal = v
						case rejectedTotal:
							rejectedTotal = v
						}
					case prometheus.Histogram:
						runDuration = v
					}
				}
			}
		}
	})
}

func recordRun(result, failedStage string, elapsed time.Duration) {
	runsTotal.With(prometheus.Labels{"result": result, "failed_stage": failedStage}).Inc()
	runDuration.Observe(elapsed.Seconds())
}

func recordStage(stage, status string) {
	stagesTotal.With(prometheus.Labels{"stage": stage, "status": status}).Inc()
}

func recordRejected(reason string) {
	rejectedTotal.With(prometheus.Labels{"reason": reason}).Inc()
}
