package stt

import (
	"context"
	"fmt"
	"strings"

	"github.com/robin10125/real-time-voice-transcription/internal/audio"
	"github.com/robin10125/real-time-voice-transcription/internal/config"
)

// Word is a timestamped token. Start and End are seconds from the chunk start.
type Word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"word"`
	SentenceEnd bool    `json:"-"`
}

// Request carries one chunk of audio to a recognizer.
type Request struct {
	ChunkID string
	// Start is the chunk's offset from the beginning of the stream, in seconds.
	Start    float64
	PCM      []byte
	Format   audio.Format
	Language string
}

// Result captures recognizer output for one chunk.
type Result struct {
	Words               []Word
	Language            string
	LanguageProbability float64
}

// Text concatenates the words as the recognizer emitted them.
func (r Result) Text() string {
	var b strings.Builder
	for _, w := range r.Words {
		b.WriteString(w.Text)
	}
	return b.String()
}

// Recognizer abstracts STT backends. Implementations keep no state between
// calls other than model weights.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// IsSentenceEnd reports whether a word carries terminal punctuation.
// Recognizers attach punctuation to the preceding word.
func IsSentenceEnd(text string) bool {
	return strings.ContainsAny(text, ".?!")
}

// MarkSentenceEnds sets SentenceEnd on every word in place and returns the count.
func MarkSentenceEnds(words []Word) int {
	count := 0
	for i := range words {
		words[i].SentenceEnd = IsSentenceEnd(words[i].Text)
		if words[i].SentenceEnd {
			count++
		}
	}
	return count
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg)
	case "mock", "":
		return NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
