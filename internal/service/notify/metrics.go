package notify

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce    sync.Once
	notifyFailures *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		notifyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Number of notification deliveries that failed",
		}, []string{"channel"})
		if err := prometheus.Register(notifyFailures); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					notifyFailures = existing
				}
			}
		}
	})
}

func recordFailure(channel string) {
	if notifyFailures == nil {
		return
	}
	notifyFailures.With(prometheus.Labels{"channel": channel}).Inc()
}
