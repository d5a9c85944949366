// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: requests, files, tests, api calls.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RTTHistogram tracks the measured RTT estimate fed to the congestion
	// algorithm on every match.
	RTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "bundler_rtt_histogram",
			Help: "RTT estimate distribution (microseconds)",
			Buckets: []float64{
				100, 200, 400, 800, 1600, 3200, 6400, 12800, 25600, 51200,
				102400, 204800, 409600, 819200, math.Inf(+1),
			},
		},
	)

	// SendRateHistogram tracks the trailing-average send rate fed to the
	// congestion algorithm.
	SendRateHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "bundler_send_rate_histogram",
			Help: "send rate distribution (bytes/sec)",
			Buckets: []float64{
				10000, 100000, 1000000, 10000000, 100000000, 1000000000, math.Inf(+1),
			},
		},
	)

	// RecvRateHistogram tracks the trailing-average receive rate fed to the
	// congestion algorithm.
	RecvRateHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "bundler_receive_rate_histogram",
			Help: "receive rate distribution (bytes/sec)",
			Buckets: []float64{
				10000, 100000, 1000000, 10000000, 100000000, 1000000000, math.Inf(+1),
			},
		},
	)

	// LostBytesHistogram tracks the per-epoch loss delta between the
	// sending and receiving sides of a bundle.
	LostBytesHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bundler_lost_bytes_histogram",
			Help:    "bytes lost per matched epoch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		},
	)

	// MarksEvictedCount counts marks dropped from MarkHistory by TTL
	// expiration before any matching feedback arrived.
	MarksEvictedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_marks_evicted_total",
			Help: "Number of marks evicted from the mark history by TTL expiration.",
		},
	)

	// MarksLateCount counts marks flagged late because a later mark matched
	// first; each mark is counted once, whether or not it is matched later.
	MarksLateCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_marks_late_total",
			Help: "Number of marks overtaken by a later mark's match (flagged late).",
		},
	)

	// MarksUnmatchedCount counts feedback reports that matched no
	// outstanding mark at all.
	MarksUnmatchedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_marks_unmatched_total",
			Help: "Number of feedback reports that matched no outstanding mark.",
		},
	)

	// EpochLengthAdjustmentCount counts how often the shaper adapter
	// changes the qdisc's packet-sampling interval.
	EpochLengthAdjustmentCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_epoch_length_adjustments_total",
			Help: "Number of times the qdisc epoch (sampling) length was changed.",
		},
	)

	// CongestionInvokeCount counts how often the control loop invokes the
	// external congestion algorithm.
	CongestionInvokeCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_ccp_invoke_total",
			Help: "Number of times the congestion algorithm was invoked.",
		},
	)

	// ErrorCount measures the number of errors.
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"type": "foobar"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundler_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})

	// SnapshotCount counts the total number of diagnostic snapshots
	// written.
	SnapshotCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bundler_snapshot_total",
			Help: "Number of diagnostic snapshots taken.",
		},
	)

	// FlowEventsCounter counts flow lifecycle events fanned out over the
	// announce socket, labeled "open" or "close".
	FlowEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bundler_flow_events_total",
			Help: "Number of flow open/close events announced.",
		}, []string{"type"})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in bundler.metrics are registered.")
}
