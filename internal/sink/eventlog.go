package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/robin10125/real-time-voice-transcription/internal/eventstore"
)

// EventLog records every update as a (timestamp, chunk_id, event_kind, payload)
// tuple, both as a JSON line in the session log file and as a row in the
// event store.
type EventLog struct {
	sessionID string
	file      *os.File
	handler   slog.Handler
	store     *eventstore.Store
}

// NewEventLog opens the append-only session log at path. store may be nil.
func NewEventLog(path, sessionID string, store *eventstore.Store) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	handler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}).
		WithAttrs([]slog.Attr{slog.String("session_id", sessionID)})
	return &EventLog{sessionID: sessionID, file: f, handler: handler, store: store}, nil
}

func (l *EventLog) Name() string { return "event_log" }

func (l *EventLog) Handle(ctx context.Context, u Update) error {
	return l.record(ctx, u, payloadOf(u))
}

func (l *EventLog) Close(ctx context.Context, f Final) error {
	payload := map[string]any{
		"confirmed":   f.Confirmed,
		"unconfirmed": f.Unconfirmed,
		"chunks":      f.Chunks,
	}
	if f.Reason != nil {
		payload["reason"] = f.Reason.Error()
	}
	err := l.record(ctx, Update{Time: f.Time, Kind: KindStopped}, payload)
	if cerr := l.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (l *EventLog) record(ctx context.Context, u Update, payload map[string]any) error {
	level := slog.LevelInfo
	switch u.Kind {
	case KindRecognitionFailed, KindChunkDropped, KindSinkFailed:
		level = slog.LevelWarn
	}
	rec := slog.NewRecord(u.Time, level, "pipeline event", 0)
	rec.AddAttrs(
		slog.String("chunk_id", u.ChunkID),
		slog.String("event_kind", string(u.Kind)),
		slog.Any("payload", payload),
	)
	if err := l.handler.Handle(ctx, rec); err != nil {
		return fmt.Errorf("write session log: %w", err)
	}

	if l.store == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	evt := eventstore.Event{
		SessionID: l.sessionID,
		ChunkID:   u.ChunkID,
		Kind:      string(u.Kind),
		Payload:   data,
		CreatedAt: u.Time,
	}
	if err := l.store.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func payloadOf(u Update) map[string]any {
	payload := make(map[string]any, len(u.Payload)+3)
	for k, v := range u.Payload {
		payload[k] = v
	}
	switch u.Kind {
	case KindTranscript:
		payload["confirmed_delta"] = u.ConfirmedDelta
		payload["unconfirmed"] = u.Unconfirmed
	case KindRecognitionFailed:
		payload["unconfirmed"] = u.Unconfirmed
	}
	return payload
}
