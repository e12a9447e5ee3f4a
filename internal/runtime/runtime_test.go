package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/robin10125/real-time-voice-transcription/internal/audio"
	"github.com/robin10125/real-time-voice-transcription/internal/config"
	"github.com/robin10125/real-time-voice-transcription/internal/eventstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Audio = config.AudioConfig{
		Source:       "wav",
		SampleRate:   16000,
		Channels:     1,
		SampleWidth:  2,
		FrameSamples: 1600,
	}
	cfg.Chunking = config.ChunkingConfig{ChunkLengthMS: 1000, MaxBufferMS: 60000, QueueDepth: 16}
	cfg.Session.RootDir = t.TempDir()
	return cfg
}

func writeSilence(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	format := audio.Format{SampleRate: 16000, Channels: 1, SampleWidth: 2, FrameSamples: 1600}
	if err := audio.WriteWAVFile(path, make([]byte, seconds*16000*2), format); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func TestStartTranscribesWAVFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.File = writeSilence(t, 9)
	cfg.Session.SaveChunks = true

	rt := New(cfg, newLogger())
	var display bytes.Buffer
	rt.stdout = &display

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sess := rt.Session()
	if sess == nil {
		t.Fatal("expected a session")
	}

	data, err := os.ReadFile(sess.TranscriptPath())
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != " w0 w1 w2 w3. w4 w5 w6 w7. w8" {
		t.Fatalf("unexpected transcript %q", data)
	}
	if !strings.HasPrefix(display.String(), "Beginning transcription!") {
		t.Fatalf("expected banner on display, got %q", display.String())
	}

	chunks, err := os.ReadDir(filepath.Join(sess.Dir(), "chunks"))
	if err != nil {
		t.Fatalf("read chunk dir: %v", err)
	}
	if len(chunks) != 9 {
		t.Fatalf("expected 9 saved chunks, got %d", len(chunks))
	}

	logData, err := os.ReadFile(sess.LogPath())
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	for _, kind := range []string{"STARTED_RECORDING", "CHUNK_EMITTED", "SAVED_AUDIO_CHUNK", "TRANSCRIPT", "STOPPED"} {
		if !strings.Contains(string(logData), `"event_kind":"`+kind+`"`) {
			t.Fatalf("expected %s in session log", kind)
		}
	}

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          sess.EventStorePath(),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("reopen event store: %v", err)
	}
	defer store.Close()
	events, err := store.ListSessionEvents(context.Background(), sess.ID(), 1000)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != "STOPPED" {
		t.Fatalf("expected STOPPED as the last stored event, got %d events", len(events))
	}
}

func TestStartReportsDeviceError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.Source = "exec"
	cfg.Audio.Command = "head -c 64000 /dev/zero"
	cfg.Sinks.Display = false

	rt := New(cfg, newLogger())
	err := rt.Start(context.Background())
	if err == nil {
		t.Fatal("expected capture failure")
	}
	if !audio.IsDeviceError(err) {
		t.Fatalf("expected device error, got %v", err)
	}

	data, err := os.ReadFile(rt.Session().TranscriptPath())
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != " w0 w1" {
		t.Fatalf("expected the audio before the failure to be flushed, got %q", data)
	}
}

func TestStartFailsOnMissingFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.File = filepath.Join(t.TempDir(), "missing.wav")
	cfg.Sinks.Display = false

	err := New(cfg, newLogger()).Start(context.Background())
	if err == nil || !audio.IsDeviceError(err) {
		t.Fatalf("expected device error for missing input, got %v", err)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	rt := New(testConfig(t), newLogger())

	rec := httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}
}
