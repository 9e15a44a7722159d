package pipeline

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	shipmetrics "github.com/signapse/shipyard/pkg/metrics"
)

var (
	jobDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "shipyard",
		Subsystem: "pipeline",
		Name:      "job_duration_seconds",
		Help:      "Duration of pipeline jobs, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(0.2, 3, 8), // top bucket ~= 21 minutes
	}, []string{shipmetrics.LabelSuccess})

	// Jobs wait for whatever is already deploying to the same target,
	// so queue time is some small multiple of job execution time.
	queueDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "shipyard",
		Subsystem: "pipeline",
		Name:      "queue_duration_seconds",
		Help:      "Duration of time spent in the job queue before execution, in seconds.",
		Buckets:   stdprometheus.ExponentialBuckets(0.2, 3, 8),
	}, []string{})

	queueLength = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "shipyard",
		Subsystem: "pipeline",
		Name:      "queue_length_count",
		Help:      "Number of jobs waiting to be run.",
	}, []string{})
)
