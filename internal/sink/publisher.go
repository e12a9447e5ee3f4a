package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/robin10125/real-time-voice-transcription/internal/protocol"
)

// Conn is the subset of the bus client the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush(ctx context.Context) error
}

// Publisher broadcasts transcript updates on the bus. Confirmed deltas go to
// the final subject, the unconfirmed tail to the partial subject.
type Publisher struct {
	conn      Conn
	sessionID string
}

func NewPublisher(conn Conn, sessionID string) *Publisher {
	return &Publisher{conn: conn, sessionID: sessionID}
}

func (p *Publisher) Name() string { return "publish" }

func (p *Publisher) Handle(_ context.Context, u Update) error {
	if u.Kind != KindTranscript {
		return nil
	}
	if u.ConfirmedDelta != "" {
		if err := p.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
			SessionID: p.sessionID,
			ChunkID:   u.ChunkID,
			Text:      u.ConfirmedDelta,
			Timestamp: u.Time.UTC(),
		}); err != nil {
			return err
		}
	}
	return p.publish(protocol.SubjectTranscriptPartial, protocol.Transcript{
		SessionID: p.sessionID,
		ChunkID:   u.ChunkID,
		Text:      u.Unconfirmed,
		Partial:   true,
		Timestamp: u.Time.UTC(),
	})
}

// Close publishes the remaining unconfirmed text as final and flushes.
func (p *Publisher) Close(ctx context.Context, f Final) error {
	if f.Unconfirmed != "" {
		if err := p.publish(protocol.SubjectTranscriptFinal, protocol.Transcript{
			SessionID: p.sessionID,
			Text:      f.Unconfirmed,
			Timestamp: f.Time.UTC(),
		}); err != nil {
			return err
		}
	}
	return p.conn.Flush(ctx)
}

func (p *Publisher) publish(subject string, msg protocol.Transcript) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
