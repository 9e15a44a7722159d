package deploy

import (
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	shipmetrics "github.com/signapse/shipyard/pkg/metrics"
)

var (
	deployDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "shipyard",
		Subsystem: "deploy",
		Name:      "duration_seconds",
		Help:      "Deployment duration in seconds, by target kind and outcome.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{shipmetrics.LabelTargetKind, shipmetrics.LabelStatus})
	stageDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "shipyard",
		Subsystem: "deploy",
		Name:      "stage_duration_seconds",
		Help:      "Duration in seconds of each stage of a deployment, including dry-runs.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{shipmetrics.LabelStage})
)

func NewStageTimer(stage string) *metrics.Timer {
	return metrics.NewTimer(stageDuration.With(shipmetrics.LabelStage, stage))
}

func observeDeploy(res *Result, start time.Time) {
	status := string(StatusFailed)
	if res != nil {
		status = string(res.Status)
	}
	kind := ""
	if res != nil {
		kind = string(res.Kind)
	}
	deployDuration.With(
		shipmetrics.LabelTargetKind, kind,
		shipmetrics.LabelStatus, status,
	).Observe(time.Since(start).Seconds())
}
