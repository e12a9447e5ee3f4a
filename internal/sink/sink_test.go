package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robin10125/real-time-voice-transcription/internal/bus"
	"github.com/robin10125/real-time-voice-transcription/internal/config"
	"github.com/robin10125/real-time-voice-transcription/internal/eventstore"
	"github.com/robin10125/real-time-voice-transcription/internal/natsserver"
	"github.com/robin10125/real-time-voice-transcription/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func transcriptUpdate(chunkID, delta, confirmed, unconfirmed string) Update {
	return Update{
		Time:           time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC),
		ChunkID:        chunkID,
		Kind:           KindTranscript,
		ConfirmedDelta: delta,
		Confirmed:      confirmed,
		Unconfirmed:    unconfirmed,
	}
}

func TestTranscriptAppendsAndFlushes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session", "transcript.txt")
	tr, err := NewTranscript(path)
	if err != nil {
		t.Fatalf("new transcript: %v", err)
	}
	ctx := context.Background()
	updates := []Update{
		{Kind: KindStarted},
		transcriptUpdate("c1", "", "", "Hello world."),
		transcriptUpdate("c2", "Hello world.", "Hello world.", " This is a test."),
		{Kind: KindChunkEmitted, ChunkID: "c3"},
	}
	for _, u := range updates {
		if err := tr.Handle(ctx, u); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if err := tr.Close(ctx, Final{Confirmed: "Hello world.", Unconfirmed: " This is a test."}); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != "Hello world. This is a test." {
		t.Fatalf("unexpected transcript %q", data)
	}
}

func TestDisplayBannerAndTail(t *testing.T) {
	var buf bytes.Buffer
	d := NewDisplay(&buf)
	ctx := context.Background()
	_ = d.Handle(ctx, Update{Kind: KindStarted})
	_ = d.Handle(ctx, transcriptUpdate("c1", "One.", "One.", " Two"))
	_ = d.Close(ctx, Final{Confirmed: "One.", Unconfirmed: " Two"})

	out := buf.String()
	if !strings.HasPrefix(out, "Beginning transcription!\n") {
		t.Fatalf("expected banner first, got %q", out)
	}
	if !strings.Contains(out, "One.[ Two]") {
		t.Fatalf("expected bracketed unconfirmed tail, got %q", out)
	}
}

func TestDisplayReportsReason(t *testing.T) {
	var buf bytes.Buffer
	d := NewDisplay(&buf)
	_ = d.Close(context.Background(), Final{Reason: errors.New("mic unplugged")})
	if !strings.Contains(buf.String(), "transcription stopped: mic unplugged") {
		t.Fatalf("expected termination reason, got %q", buf.String())
	}
}

func TestEventLogWritesFileAndStore(t *testing.T) {
	dir := t.TempDir()
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(dir, "events.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.AppendSession(context.Background(), "sess", dir); err != nil {
		t.Fatalf("append session: %v", err)
	}

	logPath := filepath.Join(dir, "session.log")
	el, err := NewEventLog(logPath, "sess", store)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	ctx := context.Background()
	if err := el.Handle(ctx, Update{Time: time.Date(2026, 10, 16, 8, 59, 59, 0, time.UTC), Kind: KindStarted}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := el.Handle(ctx, transcriptUpdate("c1", "One.", "One.", " Two")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := el.Close(ctx, Final{Time: time.Date(2026, 10, 16, 9, 0, 1, 0, time.UTC), Confirmed: "One.", Unconfirmed: " Two", Chunks: 1}); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	var kinds []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line struct {
			SessionID string         `json:"session_id"`
			ChunkID   string         `json:"chunk_id"`
			EventKind string         `json:"event_kind"`
			Payload   map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("decode log line %q: %v", scanner.Text(), err)
		}
		if line.SessionID != "sess" {
			t.Fatalf("expected session id on every line, got %q", line.SessionID)
		}
		if line.EventKind == string(KindTranscript) && line.Payload["confirmed_delta"] != "One." {
			t.Fatalf("unexpected transcript payload %v", line.Payload)
		}
		kinds = append(kinds, line.EventKind)
	}
	if strings.Join(kinds, ",") != "STARTED_RECORDING,TRANSCRIPT,STOPPED" {
		t.Fatalf("unexpected event sequence %v", kinds)
	}

	events, err := store.ListSessionEvents(ctx, "sess", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[1].ChunkID != "c1" || events[2].Kind != "STOPPED" {
		t.Fatalf("unexpected stored events %+v", events)
	}
}

type fakeConn struct {
	subjects []string
	messages []protocol.Transcript
	flushed  bool
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	var msg protocol.Transcript
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.subjects = append(c.subjects, subject)
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeConn) Flush(context.Context) error {
	c.flushed = true
	return nil
}

func TestPublisherSubjects(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "sess")
	ctx := context.Background()
	_ = p.Handle(ctx, Update{Kind: KindChunkEmitted})
	if err := p.Handle(ctx, transcriptUpdate("c1", "", "", "Hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := p.Handle(ctx, transcriptUpdate("c2", "Hello.", "Hello.", " again")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := p.Close(ctx, Final{Unconfirmed: " again"}); err != nil {
		t.Fatalf("close: %v", err)
	}

	want := []string{
		protocol.SubjectTranscriptPartial,
		protocol.SubjectTranscriptFinal,
		protocol.SubjectTranscriptPartial,
		protocol.SubjectTranscriptFinal,
	}
	if strings.Join(conn.subjects, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected subjects %v", conn.subjects)
	}
	if conn.messages[1].Text != "Hello." || conn.messages[1].Partial {
		t.Fatalf("unexpected final record %+v", conn.messages[1])
	}
	if !conn.messages[2].Partial || conn.messages[2].SessionID != "sess" {
		t.Fatalf("unexpected partial record %+v", conn.messages[2])
	}
	if !conn.flushed {
		t.Fatal("expected flush on close")
	}
}

func TestPublisherOverEmbeddedBus(t *testing.T) {
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "rtvt-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	msgs := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTranscriptFinal, msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	p := NewPublisher(client, "sess")
	if err := p.Handle(context.Background(), transcriptUpdate("c1", "Hello.", "Hello.", "")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case msg := <-msgs:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if tr.Text != "Hello." || tr.ChunkID != "c1" {
			t.Fatalf("unexpected transcript %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}

	// the pipeline closes sinks with a context that carries no deadline
	closeCtx := context.WithoutCancel(context.Background())
	if err := p.Close(closeCtx, Final{Time: time.Now(), Unconfirmed: " trailing"}); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case msg := <-msgs:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if tr.Text != " trailing" || tr.Partial {
			t.Fatalf("unexpected final transcript %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the unconfirmed flush")
	}
}

func TestBestEffortSwallowsFailures(t *testing.T) {
	conn := &fakeConn{err: errors.New("disk full")}
	s := BestEffort(NewPublisher(conn, "sess"), newLogger())
	if s.Name() != "publish" {
		t.Fatalf("expected wrapped name, got %q", s.Name())
	}
	for i := 0; i < 3; i++ {
		if err := s.Handle(context.Background(), transcriptUpdate("c", "", "", "x")); err != nil {
			t.Fatalf("best-effort sink returned error: %v", err)
		}
	}
	if got := Failures(s); got != 3 {
		t.Fatalf("expected 3 failures, got %d", got)
	}
	if BestEffort(s, newLogger()) != s {
		t.Fatal("expected wrapping to be idempotent")
	}
}

func TestErrorUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := error(&Error{Sink: "transcript", Kind: KindTranscript, Err: base})
	if !errors.Is(err, base) {
		t.Fatal("expected sink error to unwrap")
	}
}
