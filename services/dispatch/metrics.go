package dispatch

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	programCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "condition_cache_hits_total",
		Help:      "Condition expressions served from the program cache.",
	})
	programCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "condition_cache_miss_total",
		Help:      "Condition expressions compiled on demand.",
	})

	effectOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "effect_outcomes_total",
		Help:      "Effect outcomes by effect type and status.",
	}, []string{"effect_type", "status"})

	handlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "handler_duration_seconds",
		Help:      "Effect handler latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"effect_type"})

	deadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "dead_letters_total",
		Help:      "Effect runs that failed terminally.",
	}, []string{"effect_type"})

	sweepItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "sweep_items_total",
		Help:      "Items handled by batch, retry and recovery sweeps.",
	}, []string{"sweep", "success"})
)

// RegisterMetrics adds the engine collectors to reg. Collectors that are
// already registered are left in place.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		programCacheHits, programCacheMiss, effectOutcomes, handlerDuration, deadLetters, sweepItems,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
