package services

import (
	"github.com/prometheus/client_golang/prometheus"

	"quote-check/models"
)

var (
	analysesCompletedCounter  prometheus.Counter
	analysesFailedCounter     prometheus.Counter
	referencesResolvedCounter prometheus.Counter
	referencesMissingCounter  prometheus.Counter
	providerTransientCounter  prometheus.Counter
	quotesValidatedCounter    prometheus.Counter
	quotesFailedCounter       prometheus.Counter

	analysesByStatusGauge *prometheus.GaugeVec
)

func init() {
	analysesCompletedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analyses_completed_total",
		Help: "Total number of analyses that reached the completed state.",
	})
	analysesFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analyses_failed_total",
		Help: "Total number of analyses that reached the failed state.",
	})
	referencesResolvedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "references_resolved_total",
		Help: "Total number of cited references resolved to a stored document.",
	})
	referencesMissingCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "references_missing_total",
		Help: "Total number of cited references no provider could resolve.",
	})
	providerTransientCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "provider_transient_errors_total",
		Help: "Total number of transient provider failures during resolution.",
	})
	quotesValidatedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quotes_validated_total",
		Help: "Total number of quotes graded successfully.",
	})
	quotesFailedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quotes_failed_total",
		Help: "Total number of quotes that could not be graded.",
	})
	analysesByStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "analyses_by_status",
		Help: "Current number of analyses per pipeline status.",
	}, []string{"status"})

	prometheus.MustRegister(
		analysesCompletedCounter,
		analysesFailedCounter,
		referencesResolvedCounter,
		referencesMissingCounter,
		providerTransientCounter,
		quotesValidatedCounter,
		quotesFailedCounter,
		analysesByStatusGauge,
	)
}

// RecordStatusCounts refreshes the per-status gauge from a database sweep.
// Statuses absent from the map are reset so finished analyses drain out.
func RecordStatusCounts(counts map[models.AnalysisStatus]int64) {
	all := []models.AnalysisStatus{
		models.StatusPending, models.StatusExtractingQuotes, models.StatusFetchingRefs,
		models.StatusAwaitingUploads, models.StatusValidating,
		models.StatusCompleted, models.StatusFailed,
	}
	for _, s := range all {
		analysesByStatusGauge.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
