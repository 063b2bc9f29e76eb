package stt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	models     metric.Int64UpDownCounter
	sessions   metric.Int64UpDownCounter
	utterances metric.Int64Counter
	feed       metric.Float64Histogram
	audio      metric.Float64Counter
}

var (
	metricsOnce sync.Once
	metricsInst *instruments
)

// meters lazily creates the stt instruments on the global meter provider.
// Instruments that fail to register fall back to no-ops.
func meters() *instruments {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/loqalabs/loqa-stt/stt")
		inst := &instruments{}
		var err error
		if inst.models, err = meter.Int64UpDownCounter("stt.models.live",
			metric.WithDescription("Loaded model cores that are still referenced")); err != nil {
			warnMetric(err)
		}
		if inst.sessions, err = meter.Int64UpDownCounter("stt.sessions.active",
			metric.WithDescription("Open recognizers")); err != nil {
			warnMetric(err)
		}
		if inst.utterances, err = meter.Int64Counter("stt.utterances",
			metric.WithDescription("Finalized utterances")); err != nil {
			warnMetric(err)
		}
		if inst.feed, err = meter.Float64Histogram("stt.feed.duration",
			metric.WithUnit("ms"),
			metric.WithDescription("Time spent in a single feed call")); err != nil {
			warnMetric(err)
		}
		if inst.audio, err = meter.Float64Counter("stt.audio.seconds",
			metric.WithUnit("s"),
			metric.WithDescription("Audio accepted by recognizers")); err != nil {
			warnMetric(err)
		}
		metricsInst = inst
	})
	return metricsInst
}

func warnMetric(err error) {
	slog.Default().Warn("failed to initialize stt metric", slogError(err))
}

func (m *instruments) modelDelta(kind string, n int64) {
	if m.models != nil {
		m.models.Add(context.Background(), n, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *instruments) sessionDelta(n int64) {
	if m.sessions != nil {
		m.sessions.Add(context.Background(), n)
	}
}

func (m *instruments) utterance(n int) {
	if m.utterances != nil && n > 0 {
		m.utterances.Add(context.Background(), int64(n))
	}
}

func (m *instruments) fed(start time.Time, samples int, rate float64) {
	ctx := context.Background()
	if m.feed != nil {
		m.feed.Record(ctx, float64(time.Since(start))/float64(time.Millisecond))
	}
	if m.audio != nil && rate > 0 {
		m.audio.Add(ctx, float64(samples)/rate)
	}
}
