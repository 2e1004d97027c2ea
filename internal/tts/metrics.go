package tts

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-translator/tts"

type adapterMetrics struct {
	sentences     metric.Int64Counter
	segments      metric.Int64Counter
	failures      metric.Int64Counter
	retries       metric.Int64Counter
	cancellations metric.Int64Counter
	latency       metric.Float64Histogram
}

func newAdapterMetrics(log *slog.Logger) *adapterMetrics {
	m, err := buildAdapterMetrics(otel.Meter(instrumentationName))
	if err != nil {
		log.Warn("failed to initialize tts metrics", slog.String("error", err.Error()))
		m, _ = buildAdapterMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func buildAdapterMetrics(meter metric.Meter) (*adapterMetrics, error) {
	var (
		m   adapterMetrics
		err error
	)
	if m.sentences, err = meter.Int64Counter("loqa.tts.sentences", metric.WithDescription("Sentences dispatched for synthesis")); err != nil {
		return nil, err
	}
	if m.segments, err = meter.Int64Counter("loqa.tts.segments", metric.WithDescription("Audio segments published in order")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("loqa.tts.failures", metric.WithDescription("Sentences replaced by a silent placeholder")); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("loqa.tts.retries", metric.WithDescription("Synthesis attempts retried")); err != nil {
		return nil, err
	}
	if m.cancellations, err = meter.Int64Counter("loqa.tts.cancellations", metric.WithDescription("Utterances cancelled before completion")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("loqa.tts.synthesis.duration", metric.WithDescription("Synthesis attempt latency"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}
