package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bob_builds_started_total",
		Help: "Total number of build processes started by this worker",
	})

	buildsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bob_builds_finished_total",
		Help: "Total number of builds finished, by final task state",
	}, []string{"state"})

	buildCancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bob_build_cancellations_total",
		Help: "Total number of running builds canceled by the worker",
	}, []string{"reason"})

	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bob_build_duration_seconds",
		Help:    "Wall time of a build process from spawn to exit",
		Buckets: prometheus.ExponentialBuckets(10, 2, 10),
	}, []string{"state"})

	queueWaitTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bob_queue_wait_duration_seconds",
		Help:    "Time a task spent between creation and its build starting",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bob_sweep_duration_seconds",
		Help:    "Time spent removing docker networks and images between builds",
		Buckets: prometheus.DefBuckets,
	})

	buildRSS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bob_build_rss_bytes",
		Help: "Resident set size of the running build process, 0 when idle",
	})

	receiveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bob_queue_receive_errors_total",
		Help: "Total number of failed queue receive calls",
	})
)
