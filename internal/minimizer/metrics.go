package minimizer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_minimizer_steps_total",
		Help: "Total number of parameter updates",
	})

	epochsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trainer_minimizer_epochs_total",
		Help: "Total number of completed training epochs",
	})

	testErrorGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trainer_minimizer_test_error",
		Help: "Most recent test error",
	})

	minimumErrorGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trainer_minimizer_minimum_error",
		Help: "Lowest test error of the current run",
	})

	trainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trainer_minimizer_train_duration_seconds",
		Help:    "Wall time of completed training runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	})
)
