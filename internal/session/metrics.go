package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/session"

type metrics struct {
	started metric.Int64Counter
	failed  metric.Int64Counter
	events  metric.Int64Counter
	updates metric.Int64Counter
	bytes   metric.Int64Counter
	oneShot metric.Int64Counter
}

func newMetrics(m *Manager, log *slog.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Warn("failed to create counter", slog.String("metric", name), slog.String("error", err.Error()))
			return noop.Int64Counter{}
		}
		return c
	}
	mt := &metrics{
		started: counter("scribe.sessions.started", "Recognition sessions started"),
		failed:  counter("scribe.sessions.failed", "Recognition sessions that ended with an error"),
		events:  counter("scribe.recognition.events", "Recognition events received from the backend"),
		updates: counter("scribe.transcript.updates", "Display updates delivered to sinks"),
		bytes:   counter("scribe.audio.bytes", "PCM bytes forwarded to the backend"),
		oneShot: counter("scribe.recognize.requests", "One-shot recognition requests"),
	}

	gauge, err := meter.Int64ObservableGauge("scribe.sessions.active", metric.WithDescription("Recognition sessions in progress"))
	if err != nil {
		log.Warn("failed to create active sessions gauge", slog.String("error", err.Error()))
		return mt
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(m.Active()))
		return nil
	}, gauge)
	if err != nil {
		log.Warn("failed to register active sessions gauge", slog.String("error", err.Error()))
	}
	return mt
}

func withOrigin(origin string) metric.AddOption {
	return metric.WithAttributes(attribute.String("origin", origin))
}
