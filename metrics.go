package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "protein_diffusion"

// trainingMetrics exposes training progress to Prometheus. It owns its
// registry so tests can create as many as they like. A nil *trainingMetrics
// records nothing.
type trainingMetrics struct {
	registry *prometheus.Registry

	stepLoss     prometheus.Gauge
	epochLoss    prometheus.Gauge
	learningRate prometheus.Gauge
	gradNorm     prometheus.Gauge
	epoch        prometheus.Gauge
	steps        prometheus.Counter
	stepDuration prometheus.Histogram
}

func newTrainingMetrics() *trainingMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "train",
			Name:      name,
			Help:      help,
		})
	}

	m := &trainingMetrics{
		registry:     prometheus.NewRegistry(),
		stepLoss:     gauge("step_loss", "Denoising loss of the most recent optimizer step"),
		epochLoss:    gauge("epoch_loss", "Mean denoising loss of the most recent epoch"),
		learningRate: gauge("learning_rate", "Learning rate used by the most recent step"),
		gradNorm:     gauge("gradient_norm", "Global gradient norm before clipping"),
		epoch:        gauge("epochs_completed", "Number of completed epochs"),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "train",
			Name:      "steps_total",
			Help:      "Optimizer steps taken",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "train",
			Name:      "step_duration_seconds",
			Help:      "Wall time of one training step",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
	}
	m.registry.MustRegister(m.stepLoss, m.epochLoss, m.learningRate, m.gradNorm, m.epoch, m.steps, m.stepDuration)
	return m
}

func (m *trainingMetrics) observeStep(loss, lr, norm float64, d time.Duration) {
	if m == nil {
		return
	}
	m.stepLoss.Set(loss)
	m.learningRate.Set(lr)
	m.gradNorm.Set(norm)
	m.steps.Inc()
	m.stepDuration.Observe(d.Seconds())
}

func (m *trainingMetrics) observeEpoch(epoch int, loss float64) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(epoch))
	m.epochLoss.Set(loss)
}

// handler serves the registry in the Prometheus exposition format.
func (m *trainingMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// serve exposes /metrics on addr until ctx is done.
func (m *trainingMetrics) serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Infow("serving metrics", "addr", addr)

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "metrics server on %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
