package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TrainStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neurogpt_train_steps_total",
		Help: "Total number of optimizer steps taken",
	})

	TrainTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neurogpt_train_tokens_total",
		Help: "Total number of target tokens trained on",
	})

	TrainStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neurogpt_train_step_duration_seconds",
		Help:    "Duration of one forward/backward/optimizer step",
		Buckets: prometheus.DefBuckets,
	})

	BatchLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neurogpt_batch_loss",
		Help: "Cross-entropy loss of the most recent batch",
	})

	EpochLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neurogpt_epoch_loss",
		Help: "Mean cross-entropy loss of the most recent epoch",
	})

	Epoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neurogpt_epoch",
		Help: "Most recently completed epoch",
	})

	CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neurogpt_checkpoints_total",
		Help: "Checkpoints written, by format",
	}, []string{"format"})

	NonFiniteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neurogpt_non_finite_total",
		Help: "Non-finite values detected, by source",
	}, []string{"source"})

	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neurogpt_generated_tokens_total",
		Help: "Total number of tokens produced by generation",
	})

	GenerationDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "neurogpt_generation_duration_seconds",
		Help: "Duration of generation passes",
	})
)

func RecordStep(tokens int, loss float64, duration time.Duration) {
	TrainStepsTotal.Inc()
	TrainTokensTotal.Add(float64(tokens))
	BatchLoss.Set(loss)
	TrainStepDuration.Observe(duration.Seconds())
}

func RecordEpoch(epoch int, meanLoss float64) {
	Epoch.Set(float64(epoch))
	EpochLoss.Set(meanLoss)
}

func RecordCheckpoint(format string) {
	CheckpointsTotal.WithLabelValues(format).Inc()
}

func RecordNonFinite(source string) {
	NonFiniteTotal.WithLabelValues(source).Inc()
}

func RecordGeneration(tokens int, duration time.Duration) {
	GeneratedTokensTotal.Add(float64(tokens))
	GenerationDuration.Observe(duration.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until the server fails. It returns nil when
// the server is closed.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
