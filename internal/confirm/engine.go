// Package confirm splits each re-transcription of the audio buffer into text
// that is final and text that is still provisional.
//
// A chunk is only confirmed when it holds more than MinSentences sentence ends,
// or exactly MinSentences with trailing words after the last one. The cut is
// placed at the second-to-last sentence end so the most recent complete
// sentence stays in the buffer as context for the next chunk.
//
// Chunks cut before an earlier prune reached the buffer still hold audio that
// is already confirmed. The engine keeps the absolute stream time of the last
// confirmed word and drops leading words that end at or before it, so each
// word is confirmed at most once.
package confirm

import (
	"strings"
	"sync"

	"github.com/robin10125/real-time-voice-transcription/internal/stt"
)

const DefaultMinSentences = 2

// watermarkSlack absorbs float error between a word end and the watermark.
const watermarkSlack = 1e-6

// Outcome is the result of processing one chunk.
type Outcome struct {
	// ConfirmedDelta is the text appended to the confirmed transcript by this chunk.
	ConfirmedDelta string
	// Unconfirmed replaces any previous unconfirmed transcript.
	Unconfirmed string
	// CutIndex is the index of the last confirmed word in the chunk, or -1.
	CutIndex int
	// PruneOffset is the end of the last confirmed word in chunk seconds.
	// It is only meaningful when Prune is true.
	PruneOffset float64
	Prune       bool
	Sentences   int
	// Skipped counts leading words dropped as already confirmed.
	Skipped int
}

// Snapshot is a read-only copy of the session transcript.
type Snapshot struct {
	Confirmed   string
	Unconfirmed string
	Chunks      uint64
}

// Engine owns the confirmed transcript for a session.
type Engine struct {
	minSentences int

	mu          sync.RWMutex
	confirmed   strings.Builder
	unconfirmed string
	chunks      uint64
	// watermark is the stream time, in seconds, where confirmed text ends.
	// It is only meaningful once marked is set.
	watermark float64
	marked    bool
}

// New returns an engine with the given threshold; values below 2 use the default.
func New(minSentences int) *Engine {
	if minSentences < DefaultMinSentences {
		minSentences = DefaultMinSentences
	}
	return &Engine{minSentences: minSentences}
}

// Process consumes one chunk's words. start is the chunk's offset from the
// beginning of the stream; word offsets are relative to it. The confirmed
// delta is appended in a single step, so the confirmed transcript never holds
// part of a chunk.
func (e *Engine) Process(start float64, words []stt.Word) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(words) == 0 {
		return Outcome{CutIndex: -1}
	}

	skip := 0
	for e.marked && skip < len(words) && start+words[skip].End <= e.watermark+watermarkSlack {
		skip++
	}
	out := Split(words[skip:], e.minSentences)
	out.Skipped = skip
	if out.CutIndex >= 0 {
		out.CutIndex += skip
	}
	if out.Prune {
		e.watermark = start + out.PruneOffset
		e.marked = true
	}

	e.confirmed.WriteString(out.ConfirmedDelta)
	e.unconfirmed = out.Unconfirmed
	e.chunks++
	return out
}

// Watermark returns the stream time, in seconds, up to which text is confirmed.
func (e *Engine) Watermark() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.watermark
}

// Split is the stateless core of Process.
func Split(words []stt.Word, minSentences int) Outcome {
	out := Outcome{CutIndex: -1}
	if len(words) == 0 {
		return out
	}

	for _, w := range words {
		if w.SentenceEnd {
			out.Sentences++
		}
	}

	last := words[len(words)-1]
	confirm := out.Sentences > minSentences ||
		(out.Sentences == minSentences && !last.SentenceEnd)

	if confirm {
		seen := 0
		for i := len(words) - 1; i >= 0; i-- {
			if !words[i].SentenceEnd {
				continue
			}
			seen++
			if seen == 2 {
				out.CutIndex = i
				out.PruneOffset = words[i].End
				out.Prune = true
				break
			}
		}
	}

	out.ConfirmedDelta = join(words[:out.CutIndex+1])
	out.Unconfirmed = join(words[out.CutIndex+1:])
	return out
}

func join(words []stt.Word) string {
	var b strings.Builder
	for _, w := range words {
		b.WriteString(w.Text)
	}
	return b.String()
}

// Snapshot returns the transcript state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		Confirmed:   e.confirmed.String(),
		Unconfirmed: e.unconfirmed,
		Chunks:      e.chunks,
	}
}
