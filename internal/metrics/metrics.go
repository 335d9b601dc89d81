// Package metrics defines the overlay's Prometheus collectors. All series are
// labelled with the node that observed them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "superleaf"

// Metrics groups the collectors shared by every node of a process.
type Metrics struct {
	QueriesReceived   *prometheus.CounterVec
	QueriesForwarded  *prometheus.CounterVec
	QueryHits         *prometheus.CounterVec
	DuplicatesDropped *prometheus.CounterVec
	Invalidations     *prometheus.CounterVec
	LeafInvalidations *prometheus.CounterVec
	Cleanups          *prometheus.CounterVec
	StalenessChecks   *prometheus.CounterVec
	Unreachable       *prometheus.CounterVec
	LedgerEvictions   *prometheus.CounterVec
	LedgerEntries     *prometheus.GaugeVec
	Edits             *prometheus.CounterVec
	Downloads         *prometheus.CounterVec
	CopiesDiscarded   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QueriesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queries_received_total",
			Help: "file_query requests handled by a super-peer.",
		}, []string{"node"}),
		QueriesForwarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queries_forwarded_total",
			Help: "Distinct queries a super-peer flooded to its neighbors.",
		}, []string{"node"}),
		QueryHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "query_hits_total",
			Help: "Hits a super-peer found in its own registry.",
		}, []string{"node"}),
		DuplicatesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "duplicates_dropped_total",
			Help: "Messages dropped because their id was already in the ledger.",
		}, []string{"node", "type"}),
		Invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "invalidations_total",
			Help: "Distinct invalidations processed by a super-peer.",
		}, []string{"node"}),
		LeafInvalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "leaf_invalidations_total",
			Help: "Invalidations delivered from a super-peer to one of its leaves.",
		}, []string{"node"}),
		Cleanups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cleanups_total",
			Help: "Ledger entries removed by the cleanup protocol.",
		}, []string{"node"}),
		StalenessChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "staleness_checks_total",
			Help: "Pull staleness checks answered, by outcome.",
		}, []string{"node", "status"}),
		Unreachable: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "unreachable_total",
			Help: "Outbound requests that could not reach their peer.",
		}, []string{"node"}),
		LedgerEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_evictions_total",
			Help: "Ledger entries evicted because the ledger was full.",
		}, []string{"node"}),
		LedgerEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ledger_entries",
			Help: "Live message ids in a super-peer's ledger.",
		}, []string{"node"}),
		Edits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "edits_total",
			Help: "Edits applied to master copies.",
		}, []string{"node"}),
		Downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "downloads_total",
			Help: "Copies materialized by a leaf.",
		}, []string{"node"}),
		CopiesDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "copies_discarded_total",
			Help: "Copies a leaf dropped after invalidation or a stale poll.",
		}, []string{"node"}),
	}
}
