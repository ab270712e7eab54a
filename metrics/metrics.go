package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundsense_samples_ingested_total",
			Help: "Total number of raw samples accepted from a source",
		},
		[]string{"source"},
	)

	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundsense_samples_rejected_total",
			Help: "Total number of samples rejected by validation",
		},
		[]string{"constraint"},
	)

	MalformedLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundsense_malformed_lines_total",
			Help: "Total number of unparseable lines skipped by a source",
		},
		[]string{"source"},
	)

	SourceReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundsense_source_reconnects_total",
			Help: "Total number of source transport reconnect attempts",
		},
		[]string{"source"},
	)

	ObservationsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soundsense_observations_persisted_total",
			Help: "Total number of observations durably stored",
		},
	)

	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soundsense_store_failures_total",
			Help: "Total number of persistence write failures",
		},
		[]string{"kind"},
	)

	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soundsense_audit_write_failures_total",
			Help: "Total number of audit entries that could not be written",
		},
	)

	BroadcastsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soundsense_broadcasts_delivered_total",
			Help: "Total number of observation messages enqueued to subscribers",
		},
	)

	BroadcastsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soundsense_broadcasts_dropped_total",
			Help: "Total number of queued messages dropped by most-recent-wins overflow",
		},
	)

	SubscribersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "soundsense_subscribers_connected",
			Help: "Number of live-feed subscribers currently connected",
		},
	)
)
