package processor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestedItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spool_ingested_items_total",
			Help: "Total number of telemetry items written durably, by signal.",
		},
		[]string{"signal"},
	)

	IngestErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spool_ingest_errors_total",
			Help: "Total number of inbound payloads rejected at ingest.",
		},
	)

	SentBundlesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spool_sent_bundles_total",
			Help: "Total number of bundles handed to the downstream channel.",
		},
	)

	AckedBundlesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spool_acked_bundles_total",
			Help: "Total number of bundles acknowledged by the downstream.",
		},
	)

	NackedBundlesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spool_nacked_bundles_total",
			Help: "Total number of bundles negatively acknowledged and made redeliverable.",
		},
	)

	DeferredSendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spool_deferred_sends_total",
			Help: "Total number of drain ticks cut short by a full downstream channel.",
		},
	)

	RejectedBundlesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spool_rejected_bundles_total",
			Help: "Total number of bundles dropped because reconstruction failed.",
		},
	)
)

// RegisterMetrics registers all metrics collectors with the given prometheus registerer.
func RegisterMetrics(registerer prometheus.Registerer) error {
	metrics := []prometheus.Collector{
		IngestedItemsTotal,
		IngestErrorsTotal,
		SentBundlesTotal,
		AckedBundlesTotal,
		NackedBundlesTotal,
		DeferredSendsTotal,
		RejectedBundlesTotal,
	}
	for _, metric := range metrics {
		if err := registerer.Register(metric); err != nil {
			return err
		}
	}
	return nil
}
