package protocol

import "time"

// Transcript is published on the bus for every transcript update. Final
// records carry newly confirmed text; partial records carry the current
// unconfirmed tail, which later records replace.
type Transcript struct {
	SessionID string    `json:"session_id"`
	ChunkID   string    `json:"chunk_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
)
