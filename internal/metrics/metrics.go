// Package metrics is the process's Prometheus registry: one package-level
// var block of collectors, registered once via Register(), labeled by
// subsystem (session, rib, queue, mrt).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionStateTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpmon_session_state",
			Help: "Current FSM state per session (1 on the active state's series, 0 elsewhere).",
		},
		[]string{"session_id", "peer", "state"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_messages_total",
			Help: "BGP messages processed, by direction and message type.",
		},
		[]string{"peer", "direction", "msg_type"},
	)

	LabelEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_label_events_total",
			Help: "Per-NLRI labeling outcomes, by label.",
		},
		[]string{"peer", "label"},
	)

	FSMTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_fsm_transitions_total",
			Help: "FSM state transitions, by resulting state and triggering event.",
		},
		[]string{"peer", "state", "event"},
	)

	RIBBucketOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpmon_rib_bucket_occupancy",
			Help: "Prefix-table bucket occupancy, sampled by the status reporter.",
		},
		[]string{"session_id"},
	)

	RIBAttrRefCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpmon_rib_attr_refcount",
			Help:    "Distribution of attribute-table reference counts.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
		[]string{"session_id"},
	)

	QueueOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpmon_queue_occupancy",
			Help: "Publication fabric occupancy (slots in use).",
		},
		[]string{"publication"},
	)

	QueuePacing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpmon_queue_pacing",
			Help: "Whether a publication is currently pacing writers (0/1).",
		},
		[]string{"publication"},
	)

	MRTRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_mrt_records_total",
			Help: "MRT TABLE_DUMP_V2 records processed, by subtype and outcome.",
		},
		[]string{"subtype", "outcome"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_parse_errors_total",
			Help: "Wire-decode failures, by codec and reason.",
		},
		[]string{"codec", "reason"},
	)

	StoreWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpmon_store_write_duration_seconds",
			Help:    "session_events batch write latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	StoreRowsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpmon_store_rows_written_total",
			Help: "session_events rows written.",
		},
		[]string{"table"},
	)

	StoreBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpmon_store_batch_size",
			Help:    "Batch sizes flushed to session_events.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
		},
		[]string{"table"},
	)
)

var registerOnce sync.Once

// Register installs every collector above into the default registry.
// Idempotent: later calls (tests constructing more than one component that
// calls Register) are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SessionStateTotal,
			MessagesTotal,
			LabelEventsTotal,
			FSMTransitionsTotal,
			RIBBucketOccupancy,
			RIBAttrRefCount,
			QueueOccupancy,
			QueuePacing,
			MRTRecordsTotal,
			ParseErrorsTotal,
			StoreWriteDuration,
			StoreRowsWrittenTotal,
			StoreBatchSize,
		)
	})
}
