package loader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_loader_batches_total",
		Help: "Total number of batches staged for computation",
	})

	batchWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trainer_loader_batch_wait_seconds",
		Help:    "Time the consumer waited for the next batch",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	})

	consumptionWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trainer_loader_consumption_wait_seconds",
		Help:    "Time spent waiting for a staging buffer to be released",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	})
)
