// Package metrics holds the Prometheus collectors for the merge workflow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MergeRequestsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "boilermate",
		Name:      "merge_requests_opened_total",
		Help:      "Merge requests opened.",
	})

	Votes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boilermate",
		Name:      "merge_votes_total",
		Help:      "Accepted merge votes by side and decision.",
	}, []string{"side", "approved"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boilermate",
		Name:      "merge_transitions_total",
		Help:      "Merge request status transitions by destination status.",
	}, []string{"to"})

	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "boilermate",
		Name:      "tx_serialization_retries_total",
		Help:      "Serializable transactions re-run after a serialization failure or deadlock.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
