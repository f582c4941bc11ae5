package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainer_device_kernel_launches_total",
		Help: "Total number of kernels enqueued, by kernel name",
	}, []string{"kernel"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trainer_device_kernel_duration_seconds",
		Help:    "Kernel execution time on the stream goroutine",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"kernel"})

	backendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainer_device_backend_errors_total",
		Help: "Total number of backend errors, by native status code",
	}, []string{"code"})

	deviceMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trainer_device_memory_bytes",
		Help: "Bytes currently allocated for device buffers",
	})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trainer_device_transfer_bytes_total",
		Help: "Bytes copied between host and device buffers",
	}, []string{"direction"})

	streamQueueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trainer_device_stream_queue_depth",
		Help: "Commands waiting in a stream queue",
	}, []string{"stream"})

	scratchHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_device_scratch_pool_hits_total",
		Help: "Total number of scratch buffers served from the pool",
	})

	scratchMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_device_scratch_pool_misses_total",
		Help: "Total number of scratch buffer pool misses (allocations)",
	})

	randomStatesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trainer_device_random_states",
		Help: "Number of per-element dropout random states held by devices",
	})
)
