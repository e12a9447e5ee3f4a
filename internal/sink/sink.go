// Package sink holds the consumers of pipeline output. Every sink runs on its
// own pipeline stage and sees updates in the order they were produced.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Kind names a pipeline event.
type Kind string

const (
	KindStarted           Kind = "STARTED_RECORDING"
	KindChunkEmitted      Kind = "CHUNK_EMITTED"
	KindSavedChunk        Kind = "SAVED_AUDIO_CHUNK"
	KindTranscript        Kind = "TRANSCRIPT"
	KindPruneApplied      Kind = "PRUNE_APPLIED"
	KindChunkDropped      Kind = "CHUNK_DROPPED"
	KindRecognitionFailed Kind = "RECOGNITION_FAILED"
	KindSinkFailed        Kind = "SINK_FAILED"
	KindStopped           Kind = "STOPPED"
)

// Update is one event delivered to sinks. Transcript fields are only set on
// KindTranscript and KindRecognitionFailed updates.
type Update struct {
	Time    time.Time
	ChunkID string
	Kind    Kind

	ConfirmedDelta string
	Confirmed      string
	Unconfirmed    string

	Payload map[string]any
}

// Final is the session state at shutdown.
type Final struct {
	Time        time.Time
	Confirmed   string
	Unconfirmed string
	Chunks      uint64
	// Reason is the fatal error that stopped the session, if any.
	Reason error
}

// Sink consumes pipeline updates. Close is called exactly once, after the last
// Handle.
type Sink interface {
	Name() string
	Handle(ctx context.Context, u Update) error
	Close(ctx context.Context, f Final) error
}

// Error reports a failed sink write.
type Error struct {
	Sink string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %s: %v", e.Sink, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type bestEffort struct {
	inner    Sink
	log      *slog.Logger
	failures int
}

// BestEffort wraps s so that its failures are logged and never returned.
// The first failure is logged as a warning, later ones at debug level.
func BestEffort(s Sink, log *slog.Logger) Sink {
	if _, ok := s.(*bestEffort); ok {
		return s
	}
	return &bestEffort{inner: s, log: log.With(slog.String("sink", s.Name()))}
}

func (b *bestEffort) Name() string { return b.inner.Name() }

func (b *bestEffort) Handle(ctx context.Context, u Update) error {
	if err := b.inner.Handle(ctx, u); err != nil {
		b.report(&Error{Sink: b.inner.Name(), Kind: u.Kind, Err: err}, u.ChunkID)
	}
	return nil
}

func (b *bestEffort) Close(ctx context.Context, f Final) error {
	if err := b.inner.Close(ctx, f); err != nil {
		b.report(&Error{Sink: b.inner.Name(), Kind: KindStopped, Err: err}, "")
	}
	return nil
}

func (b *bestEffort) report(err *Error, chunkID string) {
	b.failures++
	level := slog.LevelDebug
	if b.failures == 1 {
		level = slog.LevelWarn
	}
	b.log.Log(context.Background(), level, "sink write failed",
		slog.String("event_kind", string(KindSinkFailed)),
		slog.String("chunk_id", chunkID),
		slog.Int("failures", b.failures),
		slogError(err))
}

// Failures returns how many writes a BestEffort sink has swallowed.
func Failures(s Sink) int {
	if b, ok := s.(*bestEffort); ok {
		return b.failures
	}
	return 0
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
