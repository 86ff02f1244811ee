package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TuneIterationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tune_iterations_total",
		Help: "The total number of optimization iterations run",
	})

	BlockLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "block_loss",
		Help: "Best reconstruction loss per block",
	}, []string{"block"})

	BlockBestIteration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "block_best_iteration",
		Help: "Iteration index at which the best loss was observed",
	}, []string{"block"})

	BlockDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "block_tune_duration_seconds",
		Help: "Duration of one block's optimization",
	})

	CalibrationSamples = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calibration_samples",
		Help: "Number of calibration samples captured",
	})

	LayersQuantizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layers_quantized_total",
		Help: "Layers committed with quantized weights",
	})

	LayersSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layers_skipped_total",
		Help: "Layers left in their float form",
	})

	TensorMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tensor_memory_allocated_bytes",
		Help: "Current bytes allocated for tensors",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})
)

func RecordBlockResult(block string, loss float64, bestIter int, duration time.Duration) {
	BlockLoss.WithLabelValues(block).Set(loss)
	BlockBestIteration.WithLabelValues(block).Set(float64(bestIter))
	BlockDuration.Observe(duration.Seconds())
}

func RecordTensorMemory(bytes int64) {
	TensorMemoryAllocated.Set(float64(bytes))
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}
