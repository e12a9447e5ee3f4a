// Package pipeline runs capture, recognition and the sinks as concurrent
// stages joined by channels.
//
//	capture ──chunk queue (bounded, drop oldest)──▶ recognition ──▶ sink stages
//	   ▲                                               │
//	   └──────────── prune back-channel ◀──────────────┘
//
// The capture stage owns the audio buffer and the recognition stage owns the
// confirmation engine; nothing else is shared between stages. Shutdown is a
// Terminate marker that starts at capture and is forwarded once by every
// stage after it finishes its in-flight work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robin10125/real-time-voice-transcription/internal/assembler"
	"github.com/robin10125/real-time-voice-transcription/internal/audio"
	"github.com/robin10125/real-time-voice-transcription/internal/confirm"
	"github.com/robin10125/real-time-voice-transcription/internal/sink"
	"github.com/robin10125/real-time-voice-transcription/internal/stt"
)

const (
	StageCapture     = "capture"
	StageRecognition = "recognition"
	sinkStagePrefix  = "sink/"

	defaultSinkBuffer = 16
)

// Options wires a pipeline together.
type Options struct {
	Source     audio.Source
	Recognizer stt.Recognizer
	Engine     *confirm.Engine
	Assembler  assembler.Config
	// QueueDepth bounds the chunks waiting for recognition.
	QueueDepth int
	// RecognitionTimeout bounds a single Transcribe call; zero means no bound.
	RecognitionTimeout time.Duration
	Language           string
	Sinks              []sink.Sink
	// SinkBuffer is the channel capacity in front of each sink stage.
	SinkBuffer int
	// SaveChunk optionally persists each chunk and returns where it went.
	SaveChunk func(assembler.Chunk) (string, error)
	Logger    *slog.Logger
}

type Pipeline struct {
	source     audio.Source
	recognizer stt.Recognizer
	engine     *confirm.Engine
	asm        *assembler.Assembler
	sinks      []sink.Sink
	saveChunk  func(assembler.Chunk) (string, error)

	queueDepth int
	sinkBuffer int
	timeout    time.Duration
	language   string

	stages      *stageSet
	capture     *stage
	recognition *stage
	sinkStages  []*stage

	metrics *metrics
	log     *slog.Logger
	clock   func() time.Time
	ran     atomic.Bool
}

func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, errors.New("pipeline requires an audio source")
	}
	if opts.Recognizer == nil {
		return nil, errors.New("pipeline requires a recognizer")
	}
	if opts.Engine == nil {
		opts.Engine = confirm.New(confirm.DefaultMinSentences)
	}
	if opts.Assembler.Format == (audio.Format{}) {
		opts.Assembler.Format = opts.Source.Format()
	}
	if opts.Assembler.Format != opts.Source.Format() {
		return nil, fmt.Errorf("assembler format %+v does not match source format %+v", opts.Assembler.Format, opts.Source.Format())
	}
	asm, err := assembler.New(opts.Assembler)
	if err != nil {
		return nil, fmt.Errorf("create assembler: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "pipeline"))
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 1
	}
	if opts.SinkBuffer < 1 {
		opts.SinkBuffer = defaultSinkBuffer
	}

	p := &Pipeline{
		source:     opts.Source,
		recognizer: opts.Recognizer,
		engine:     opts.Engine,
		asm:        asm,
		saveChunk:  opts.SaveChunk,
		queueDepth: opts.QueueDepth,
		sinkBuffer: opts.SinkBuffer,
		timeout:    opts.RecognitionTimeout,
		language:   opts.Language,
		stages:     newStageSet(),
		metrics:    newMetrics(log),
		log:        log,
		clock:      time.Now,
	}
	p.capture = p.stages.add(StageCapture)
	p.recognition = p.stages.add(StageRecognition)
	for _, s := range opts.Sinks {
		name := sinkStagePrefix + s.Name()
		if _, dup := p.stages.get(name); dup {
			return nil, fmt.Errorf("duplicate sink %q", s.Name())
		}
		p.sinks = append(p.sinks, sink.BestEffort(s, log))
		p.sinkStages = append(p.sinkStages, p.stages.add(name))
	}
	return p, nil
}

// StageState reports the state of the named stage. Sink stages are named
// "sink/<sink name>". Unknown names report Idle.
func (p *Pipeline) StageState(name string) StageState {
	st, ok := p.stages.get(name)
	if !ok {
		return Idle
	}
	return st.load()
}

// Stages lists stage names from upstream to downstream.
func (p *Pipeline) Stages() []string { return p.stages.names() }

// Snapshot returns the current transcript.
func (p *Pipeline) Snapshot() confirm.Snapshot { return p.engine.Snapshot() }

// Run starts every stage and blocks until all of them have terminated.
// Cancelling ctx stops capture; chunks already queued are still transcribed
// and every sink is closed. The returned error is the fatal device error that
// ended capture, if any.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.ran.CompareAndSwap(false, true) {
		return errors.New("pipeline already ran")
	}
	defer p.metrics.close()

	queue := newChunkQueue(p.queueDepth)
	// One signal per chunk at most; capture drains before every frame, so
	// queue depth plus the chunk in flight plus one bounds what can pile up.
	prunes := make(chan PruneSignal, p.queueDepth+2)
	outs := make([]chan Message, len(p.sinks))
	for i := range outs {
		outs[i] = make(chan Message, p.sinkBuffer)
	}

	for _, st := range p.allStages() {
		st.advance(Running)
	}

	// Downstream stages finish their in-flight work after an interrupt.
	drainCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i, s := range p.sinks {
		wg.Add(1)
		go func(st *stage, s sink.Sink, in <-chan Message) {
			defer wg.Done()
			p.runSink(drainCtx, st, s, in)
		}(p.sinkStages[i], s, outs[i])
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runRecognition(drainCtx, queue.receive(), prunes, outs)
	}()

	var reason error
	wg.Add(1)
	go func() {
		defer wg.Done()
		reason = p.runCapture(ctx, queue, prunes)
	}()

	wg.Wait()
	return reason
}

func (p *Pipeline) allStages() []*stage {
	out := []*stage{p.capture, p.recognition}
	return append(out, p.sinkStages...)
}

func (p *Pipeline) runCapture(ctx context.Context, queue *chunkQueue, prunes <-chan PruneSignal) error {
	log := p.log.With(slog.String("stage", StageCapture))
	format := p.source.Format()
	log.Info("capture started",
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
		slog.Int("frame_samples", format.FrameSamples))

	var pending []sink.Update
	var reason error
	for {
		pending = p.drainPrunes(prunes, pending, log)
		if ctx.Err() != nil {
			log.Info("capture interrupted")
			break
		}
		frame, err := p.source.ReadFrame(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				log.Info("capture interrupted")
			case errors.Is(err, io.EOF):
				log.Info("audio source exhausted")
				if p.asm.Pending() > 0 {
					pending = p.emit(ctx, queue, pending, log)
				}
			default:
				reason = asDeviceError(err)
				log.Error("audio capture failed", slogError(reason))
			}
			break
		}
		overflow, err := p.asm.Push(frame)
		if err != nil {
			reason = &audio.DeviceError{Err: err}
			log.Error("audio capture failed", slogError(reason))
			break
		}
		if overflow > 0 {
			p.metrics.framesOverflow.Add(ctx, int64(overflow))
			log.Warn("audio buffer full, dropped oldest frames",
				slog.Int("frames", overflow),
				slog.Float64("buffered_seconds", p.asm.Buffered()))
		}
		p.metrics.setBuffered(p.asm.Buffered())
		if p.asm.Ready() {
			pending = p.emit(ctx, queue, pending, log)
		}
	}

	p.capture.advance(Draining)
	queue.close(Terminate{Reason: reason, Events: pending})
	p.capture.advance(Terminated)
	stats := p.asm.Stats()
	log.Info("capture stopped",
		slog.Uint64("chunks", stats.ChunksEmitted),
		slog.Int64("frames_pruned", stats.FramesPruned),
		slog.Int64("frames_overflow", stats.FramesOverflow))
	return reason
}

// emit cuts a chunk and queues it with every pending capture event.
func (p *Pipeline) emit(ctx context.Context, queue *chunkQueue, pending []sink.Update, log *slog.Logger) []sink.Update {
	chunk := p.asm.EmitChunk()
	p.metrics.chunksEmitted.Add(ctx, 1)
	log.Debug("chunk emitted",
		slog.String("chunk_id", chunk.ID),
		slog.Float64("start", chunk.Start),
		slog.Float64("duration", chunk.Duration))

	var events []sink.Update
	if old, ok := queue.evictIfFull(); ok {
		p.metrics.chunksDropped.Add(ctx, 1)
		log.Warn("recognition is behind, dropped oldest queued chunk", slog.String("chunk_id", old.Chunk.ID))
		events = append(events, old.Events...)
		events = append(events, sink.Update{
			Time:    p.clock(),
			ChunkID: old.Chunk.ID,
			Kind:    sink.KindChunkDropped,
			Payload: map[string]any{"start": old.Chunk.Start, "duration": old.Chunk.Duration},
		})
	}
	events = append(events, pending...)
	events = append(events, sink.Update{
		Time:    chunk.Created,
		ChunkID: chunk.ID,
		Kind:    sink.KindChunkEmitted,
		Payload: map[string]any{
			"start":    chunk.Start,
			"duration": chunk.Duration,
			"frames":   chunk.Frames,
		},
	})
	if p.saveChunk != nil {
		path, err := p.saveChunk(chunk)
		switch {
		case err != nil:
			log.Warn("failed to save chunk audio", slog.String("chunk_id", chunk.ID), slogError(err))
		case path != "":
			events = append(events, sink.Update{
				Time:    p.clock(),
				ChunkID: chunk.ID,
				Kind:    sink.KindSavedChunk,
				Payload: map[string]any{"path": path},
			})
		}
	}
	queue.push(ChunkReady{Chunk: chunk, Events: events})
	return nil
}

// drainPrunes applies every prune signal waiting on the back-channel without
// blocking.
func (p *Pipeline) drainPrunes(prunes <-chan PruneSignal, pending []sink.Update, log *slog.Logger) []sink.Update {
	for {
		select {
		case sig := <-prunes:
			res := p.asm.ApplyPrune(sig)
			if res.Stale {
				log.Debug("stale prune signal ignored", slog.String("chunk_id", sig.ChunkID))
				continue
			}
			stats := p.asm.Stats()
			pending = append(pending, sink.Update{
				Time:    p.clock(),
				ChunkID: sig.ChunkID,
				Kind:    sink.KindPruneApplied,
				Payload: map[string]any{
					"offset":           sig.Offset,
					"dropped_frames":   res.Dropped,
					"remaining_frames": res.Remaining,
					"buffered_seconds": stats.BufferedSecs,
				},
			})
			p.metrics.setBuffered(stats.BufferedSecs)
		default:
			return pending
		}
	}
}

func (p *Pipeline) runRecognition(ctx context.Context, in <-chan Message, prunes chan<- PruneSignal, outs []chan Message) {
	log := p.log.With(slog.String("stage", StageRecognition))
	format := p.source.Format()
	broadcast(outs, Notice{Updates: []sink.Update{{
		Time: p.clock(),
		Kind: sink.KindStarted,
		Payload: map[string]any{
			"sample_rate": format.SampleRate,
			"channels":    format.Channels,
			"language":    p.language,
		},
	}}})

	for msg := range in {
		switch m := msg.(type) {
		case ChunkReady:
			result := p.recognize(ctx, m.Chunk, log)
			if result.Err == nil && result.Outcome.Prune {
				sig := PruneSignal{ChunkID: m.Chunk.ID, ChunkOrigin: m.Chunk.Origin, Offset: result.Outcome.PruneOffset}
				select {
				case prunes <- sig:
				default:
					log.Warn("prune back-channel full, signal dropped", slog.String("chunk_id", m.Chunk.ID))
				}
			}
			result.Updates = append(m.Events, result.Updates...)
			broadcast(outs, result)
		case Terminate:
			p.recognition.advance(Draining)
			if len(m.Events) > 0 {
				broadcast(outs, Notice{Updates: m.Events})
				m.Events = nil
			}
			m.Snapshot = p.engine.Snapshot()
			broadcast(outs, m)
			p.recognition.advance(Terminated)
			log.Info("recognition stopped", slog.Uint64("chunks", m.Snapshot.Chunks))
			return
		default:
			log.Warn("unexpected message on chunk queue", slog.String("type", fmt.Sprintf("%T", msg)))
		}
	}
}

// recognize transcribes one chunk and folds the words into the engine. A
// failed chunk leaves the transcript untouched.
func (p *Pipeline) recognize(ctx context.Context, chunk assembler.Chunk, log *slog.Logger) TranscriptionResult {
	ctx, span := p.metrics.tracer.Start(ctx, "pipeline.recognize", trace.WithAttributes(
		attribute.String("chunk.id", chunk.ID),
		attribute.Float64("chunk.start", chunk.Start),
		attribute.Float64("chunk.duration", chunk.Duration),
	))
	defer span.End()

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	started := time.Now()
	res, err := p.recognizer.Transcribe(callCtx, stt.Request{
		ChunkID:  chunk.ID,
		Start:    chunk.Start,
		PCM:      chunk.PCM,
		Format:   chunk.Format,
		Language: p.language,
	})
	if err == nil {
		err = checkWordOrder(res.Words)
	}
	p.metrics.recognitionLatency.Record(ctx, time.Since(started).Seconds(), outcomeAttr(err == nil))

	if err != nil {
		rerr := &RecognitionError{ChunkID: chunk.ID, Err: err}
		span.RecordError(rerr)
		span.SetStatus(codes.Error, "recognition failed")
		p.metrics.recognitionFailures.Add(ctx, 1)
		log.Warn("chunk recognition failed", slog.String("chunk_id", chunk.ID), slogError(err))
		snap := p.engine.Snapshot()
		return TranscriptionResult{
			ChunkID: chunk.ID,
			Err:     rerr,
			Updates: []sink.Update{{
				Time:        p.clock(),
				ChunkID:     chunk.ID,
				Kind:        sink.KindRecognitionFailed,
				Confirmed:   snap.Confirmed,
				Unconfirmed: snap.Unconfirmed,
				Payload:     map[string]any{"error": err.Error()},
			}},
		}
	}

	out := p.engine.Process(chunk.Start, res.Words)
	snap := p.engine.Snapshot()
	if n := len(out.ConfirmedDelta); n > 0 {
		p.metrics.confirmedChars.Add(ctx, int64(n))
	}
	span.SetAttributes(
		attribute.Int("words", len(res.Words)),
		attribute.Int("sentences", out.Sentences),
		attribute.Bool("pruned", out.Prune),
	)
	log.Debug("chunk transcribed",
		slog.String("chunk_id", chunk.ID),
		slog.Int("words", len(res.Words)),
		slog.Int("sentences", out.Sentences),
		slog.Int("skipped", out.Skipped),
		slog.Bool("prune", out.Prune))

	payload := map[string]any{
		"language":  res.Language,
		"words":     len(res.Words),
		"sentences": out.Sentences,
		"text":      res.Text(),
	}
	if out.Prune {
		payload["prune_offset"] = out.PruneOffset
	}
	if out.Skipped > 0 {
		payload["skipped_words"] = out.Skipped
	}
	return TranscriptionResult{
		ChunkID:  chunk.ID,
		Words:    res.Words,
		Language: res.Language,
		Outcome:  out,
		Updates: []sink.Update{{
			Time:           p.clock(),
			ChunkID:        chunk.ID,
			Kind:           sink.KindTranscript,
			ConfirmedDelta: out.ConfirmedDelta,
			Confirmed:      snap.Confirmed,
			Unconfirmed:    snap.Unconfirmed,
			Payload:        payload,
		}},
	}
}

func (p *Pipeline) runSink(ctx context.Context, st *stage, s sink.Sink, in <-chan Message) {
	for msg := range in {
		switch m := msg.(type) {
		case TranscriptionResult:
			p.deliver(ctx, s, m.Updates)
		case Notice:
			p.deliver(ctx, s, m.Updates)
		case Terminate:
			st.advance(Draining)
			_ = s.Close(ctx, sink.Final{
				Time:        p.clock(),
				Confirmed:   m.Snapshot.Confirmed,
				Unconfirmed: m.Snapshot.Unconfirmed,
				Chunks:      m.Snapshot.Chunks,
				Reason:      m.Reason,
			})
			st.advance(Terminated)
			return
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, s sink.Sink, updates []sink.Update) {
	for _, u := range updates {
		// sinks are wrapped with sink.BestEffort
		_ = s.Handle(ctx, u)
	}
}

// broadcast sends msg to every sink stage in turn. Sends block; each sink
// stage keeps reading until it sees Terminate.
func broadcast(outs []chan Message, msg Message) {
	for _, ch := range outs {
		ch <- msg
	}
}

func checkWordOrder(words []stt.Word) error {
	for i := 1; i < len(words); i++ {
		if words[i].Start < words[i-1].Start {
			return fmt.Errorf("word %d starts at %.3fs before word %d at %.3fs", i, words[i].Start, i-1, words[i-1].Start)
		}
	}
	return nil
}

func asDeviceError(err error) error {
	if audio.IsDeviceError(err) {
		return err
	}
	return &audio.DeviceError{Err: err}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
