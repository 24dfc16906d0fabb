package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var relationshipMutationsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graph_relationship_mutations",
	Help: "The total number of relationship edge mutations, by operation",
}, []string{"op"})

var counterUpdatesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graph_counter_updates",
	Help: "The total number of account stat ledger updates, by key",
}, []string{"key"})

var digestCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "graph_digest_cache_hits",
	Help: "Follower digest reads served from cache",
})

var digestCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "graph_digest_cache_misses",
	Help: "Follower digest reads that required recomputation",
})

var digestComputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "graph_digest_compute_duration",
	Help:    "A histogram of follower digest recomputation latencies",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
})

var lifecycleTransitionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graph_lifecycle_transitions",
	Help: "The total number of account lifecycle transitions, by kind",
}, []string{"kind"})
