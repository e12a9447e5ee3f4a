package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robin10125/real-time-voice-transcription/internal/assembler"
	"github.com/robin10125/real-time-voice-transcription/internal/audio"
	"github.com/robin10125/real-time-voice-transcription/internal/bus"
	"github.com/robin10125/real-time-voice-transcription/internal/config"
	"github.com/robin10125/real-time-voice-transcription/internal/confirm"
	"github.com/robin10125/real-time-voice-transcription/internal/eventstore"
	"github.com/robin10125/real-time-voice-transcription/internal/natsserver"
	"github.com/robin10125/real-time-voice-transcription/internal/pipeline"
	"github.com/robin10125/real-time-voice-transcription/internal/session"
	"github.com/robin10125/real-time-voice-transcription/internal/sink"
	"github.com/robin10125/real-time-voice-transcription/internal/stt"
)

// Runtime owns one transcription session from start to shutdown.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	stdout io.Writer

	httpServer *http.Server
	listener   net.Listener
	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	store      *eventstore.Store
	session    *session.Session
	pipeline   atomic.Pointer[pipeline.Pipeline]
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		stdout: os.Stdout,
	}
}

// Start runs the session until the audio source ends, a fatal error occurs,
// or ctx is cancelled. It returns the fatal error, if any.
func (r *Runtime) Start(ctx context.Context) (err error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.ready.Store(false)
		if cerr := r.shutdown(shutdownCtx, shutdownTelemetry); cerr != nil {
			r.logger.Error("shutdown error", slogError(cerr))
		}
	}()

	if r.cfg.HTTP.Enabled {
		if err := r.startHTTP(metricsHandler); err != nil {
			return err
		}
	}

	sess, err := session.New(r.cfg.Session)
	if err != nil {
		return err
	}
	r.session = sess
	log := r.logger.With(slog.String("session_id", sess.ID()))
	log.Info("session started", slog.String("dir", sess.Dir()))

	storeCfg := r.cfg.EventStore
	if storeCfg.Path == "" {
		storeCfg.Path = sess.EventStorePath()
	}
	r.store, err = eventstore.Open(ctx, storeCfg, log.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.store.AppendSession(ctx, sess.ID(), sess.Dir()); err != nil {
		log.Warn("failed to record session", slogError(err))
	}

	sinks, err := r.buildSinks(ctx, sess, log)
	if err != nil {
		return err
	}

	src, err := audio.NewSource(r.cfg.Audio)
	if err != nil {
		closeSinks(sinks, err)
		return fmt.Errorf("open audio source: %w", err)
	}
	defer src.Close()

	recognizer, err := stt.New(r.cfg.STT)
	if err != nil {
		closeSinks(sinks, err)
		return fmt.Errorf("create recognizer: %w", err)
	}

	opts := pipeline.Options{
		Source:     src,
		Recognizer: recognizer,
		Engine:     confirm.New(r.cfg.Confirmation.MinSentences),
		Assembler: assembler.Config{
			Format:      audio.FormatFromConfig(r.cfg.Audio),
			ChunkLength: time.Duration(r.cfg.Chunking.ChunkLengthMS) * time.Millisecond,
			MaxBuffer:   time.Duration(r.cfg.Chunking.MaxBufferMS) * time.Millisecond,
		},
		QueueDepth:         r.cfg.Chunking.QueueDepth,
		RecognitionTimeout: time.Duration(r.cfg.STT.TimeoutMS) * time.Millisecond,
		Language:           r.cfg.STT.Language,
		Sinks:              sinks,
		Logger:             log,
	}
	if r.cfg.Session.SaveChunks {
		opts.SaveChunk = sess.SaveChunk
	}
	p, err := pipeline.New(opts)
	if err != nil {
		closeSinks(sinks, err)
		return fmt.Errorf("create pipeline: %w", err)
	}
	r.pipeline.Store(p)

	r.ready.Store(true)
	log.Info("runtime started",
		slog.String("audio_source", r.cfg.Audio.Source),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Int("chunk_length_ms", r.cfg.Chunking.ChunkLengthMS))

	runErr := p.Run(ctx)
	snap := p.Snapshot()
	log.Info("runtime stopping",
		slog.Uint64("chunks", snap.Chunks),
		slog.Int("confirmed_chars", len(snap.Confirmed)))
	if runErr != nil {
		return fmt.Errorf("transcription stopped: %w", runErr)
	}
	return nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// buildSinks creates the configured sinks in display, transcript, event log,
// publish order.
func (r *Runtime) buildSinks(ctx context.Context, sess *session.Session, log *slog.Logger) ([]sink.Sink, error) {
	var sinks []sink.Sink
	fail := func(err error) ([]sink.Sink, error) {
		closeSinks(sinks, err)
		return nil, err
	}

	if r.cfg.Sinks.Display {
		sinks = append(sinks, sink.NewDisplay(r.stdout))
	}
	if r.cfg.Sinks.Transcript {
		t, err := sink.NewTranscript(sess.TranscriptPath())
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, t)
	}
	if r.cfg.Sinks.EventLog {
		el, err := sink.NewEventLog(sess.LogPath(), sess.ID(), r.store)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, el)
	}
	if r.cfg.Sinks.Publish {
		client, err := r.connectBus(ctx, log)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink.NewPublisher(client, sess.ID()))
	}
	return sinks, nil
}

func (r *Runtime) connectBus(ctx context.Context, log *slog.Logger) (*bus.Client, error) {
	busCfg := r.cfg.Bus
	busLog := log.With(slog.String("component", "bus"))
	srv, err := natsserver.Start(busCfg, busLog)
	if err != nil {
		return nil, err
	}
	r.natsServer = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, busLog)
	if err != nil {
		return nil, err
	}
	r.busClient = client
	return client, nil
}

// closeSinks releases sinks that were opened but never handed to a pipeline.
func closeSinks(sinks []sink.Sink, reason error) {
	for _, s := range sinks {
		_ = s.Close(context.Background(), sink.Final{Time: time.Now(), Reason: reason})
	}
}

func (r *Runtime) shutdown(ctx context.Context, shutdownTelemetry func(context.Context) error) error {
	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		r.wg.Wait()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.natsServer.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Session returns the active session, or nil before Start has created it.
func (r *Runtime) Session() *session.Session { return r.session }

// Addr is the address the HTTP server listens on, or "" when disabled.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	p := r.pipeline.Load()
	if !r.ready.Load() || p == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if r.cfg.Sinks.Publish && !r.busClient.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	stages := make(map[string]string)
	for _, name := range p.Stages() {
		stages[name] = p.StageState(name).String()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ready", "stages": stages})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
