package storage

import "github.com/prometheus/client_golang/prometheus"

func init() {
	// Register the metrics.
	prometheus.MustRegister(
		PromReapDurationMilliseconds,
		PromInfohashesCount,
		PromSeedersCount,
		PromLeechersCount,
		PromFlushBatchSize,
		PromFlushFailuresCount,
	)
}

var (
	// PromReapDurationMilliseconds is a histogram used by the storage to record
	// the durations of execution time required for removing expired peers.
	PromReapDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tyto_storage_reap_duration_milliseconds",
		Help:    "The time it takes to perform a reap pass over the swarm registry",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})

	// PromInfohashesCount is a gauge used to hold the current total amount of
	// unique swarms being tracked by a storage.
	PromInfohashesCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tyto_storage_infohashes_count",
		Help: "The number of Infohashes tracked",
	})

	// PromSeedersCount is a gauge used to hold the current total amount of
	// unique seeders per swarm.
	PromSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tyto_storage_seeders_count",
		Help: "The number of seeders tracked",
	})

	// PromLeechersCount is a gauge used to hold the current total amount of
	// unique leechers per swarm.
	PromLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tyto_storage_leechers_count",
		Help: "The number of leechers tracked",
	})

	// PromFlushBatchSize is a histogram of the number of dirty swarms
	// collected per flush.
	PromFlushBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tyto_storage_flush_batch_size",
		Help:    "The number of dirty swarms persisted per flush",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	// PromFlushFailuresCount is a counter of flushes that failed and were
	// requeued.
	PromFlushFailuresCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tyto_storage_flush_failures_total",
		Help: "The number of failed flushes to the persistence backend",
	})
)
