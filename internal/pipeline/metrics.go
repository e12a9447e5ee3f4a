package pipeline

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/robin10125/real-time-voice-transcription/internal/pipeline"

type metrics struct {
	chunksEmitted       metric.Int64Counter
	chunksDropped       metric.Int64Counter
	framesOverflow      metric.Int64Counter
	recognitionFailures metric.Int64Counter
	recognitionLatency  metric.Float64Histogram
	confirmedChars      metric.Int64Counter

	// written by the capture stage, read by the gauge callback
	bufferSeconds atomic.Uint64
	registration  metric.Registration

	tracer trace.Tracer
}

// newMetrics registers instruments on the global meter provider. Instrument
// errors are logged and leave a no-op instrument in place.
func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{tracer: otel.Tracer(instrumentationName)}

	var err error
	warn := func(name string) {
		if err != nil {
			log.Warn("failed to create instrument", slog.String("instrument", name), slogError(err))
		}
	}
	m.chunksEmitted, err = meter.Int64Counter("rtvt.chunks.emitted",
		metric.WithDescription("Chunks cut from the audio buffer"))
	warn("rtvt.chunks.emitted")
	m.chunksDropped, err = meter.Int64Counter("rtvt.chunks.dropped",
		metric.WithDescription("Queued chunks discarded because recognition fell behind"))
	warn("rtvt.chunks.dropped")
	m.framesOverflow, err = meter.Int64Counter("rtvt.buffer.overflow_frames",
		metric.WithDescription("Frames discarded because the buffer exceeded its maximum duration"))
	warn("rtvt.buffer.overflow_frames")
	m.recognitionFailures, err = meter.Int64Counter("rtvt.recognition.failures",
		metric.WithDescription("Chunks that failed to transcribe"))
	warn("rtvt.recognition.failures")
	m.recognitionLatency, err = meter.Float64Histogram("rtvt.recognition.latency",
		metric.WithDescription("Time spent transcribing one chunk"),
		metric.WithUnit("s"))
	warn("rtvt.recognition.latency")
	m.confirmedChars, err = meter.Int64Counter("rtvt.confirmed.chars",
		metric.WithDescription("Characters appended to the confirmed transcript"))
	warn("rtvt.confirmed.chars")

	gauge, gerr := meter.Float64ObservableGauge("rtvt.buffer.seconds",
		metric.WithDescription("Audio currently retained by the chunk assembler"),
		metric.WithUnit("s"))
	if gerr != nil {
		err = gerr
		warn("rtvt.buffer.seconds")
		return m
	}
	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(gauge, math.Float64frombits(m.bufferSeconds.Load()))
		return nil
	}, gauge)
	warn("rtvt.buffer.seconds")
	return m
}

func (m *metrics) setBuffered(seconds float64) {
	m.bufferSeconds.Store(math.Float64bits(seconds))
}

func (m *metrics) close() {
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
}

func outcomeAttr(ok bool) metric.MeasurementOption {
	if ok {
		return metric.WithAttributes(attribute.String("outcome", "ok"))
	}
	return metric.WithAttributes(attribute.String("outcome", "error"))
}
