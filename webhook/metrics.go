package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
)

const prometheusNamespace = "imagegate"

var (
	admissionVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: prometheusNamespace,
		Name:      "admission_verdicts_total",
		Help:      "The number of admission verdicts by outcome.",
	}, []string{"verdict"})
	imageChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: prometheusNamespace,
		Name:      "image_checks_total",
		Help:      "The number of image existence checks by outcome.",
	}, []string{"outcome"})
	cloneOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: prometheusNamespace,
		Name:      "clone_operations_total",
		Help:      "The number of manifest clone operations by outcome.",
	}, []string{"outcome"})
	checkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: prometheusNamespace,
		Name:      "existence_check_duration_seconds",
		Help:      "The duration of the existence check phase of one admission request.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(admissionVerdicts, imageChecks, cloneOps, checkDuration)
}
