package stt

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a recognizer that emits one word per second of
// audio, named after the absolute stream second it covers, and closes a
// sentence every fourth second. Overlapping chunks therefore re-transcribe to
// identical words, as a real model would on stable audio.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	bytesPerSecond := req.Format.SampleRate * req.Format.Channels * req.Format.SampleWidth
	if bytesPerSecond <= 0 {
		return Result{}, fmt.Errorf("mock recognizer: invalid format")
	}
	duration := float64(len(req.PCM)) / float64(bytesPerSecond)
	first := int(math.Ceil(req.Start - 1e-9))
	var words []Word
	for s := first; float64(s+1) <= req.Start+duration+1e-9; s++ {
		text := fmt.Sprintf(" w%d", s)
		if (s+1)%4 == 0 {
			text += "."
		}
		words = append(words, Word{
			Start: float64(s) - req.Start,
			End:   float64(s+1) - req.Start,
			Text:  text,
		})
	}
	MarkSentenceEnds(words)
	return Result{Words: words, Language: normaliseLanguage("", req.Language), LanguageProbability: 1}, nil
}

// ScriptStep is one canned response of a ScriptedRecognizer.
type ScriptStep struct {
	Words []Word
	Err   error
	Delay time.Duration
}

// ScriptedRecognizer replays canned responses in call order and repeats the
// last one once the script is exhausted.
type ScriptedRecognizer struct {
	mu    sync.Mutex
	steps []ScriptStep
	calls []Request
}

func NewScriptedRecognizer(steps ...ScriptStep) *ScriptedRecognizer {
	return &ScriptedRecognizer{steps: steps}
}

func (s *ScriptedRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, req)
	var step ScriptStep
	if len(s.steps) > 0 {
		if idx >= len(s.steps) {
			idx = len(s.steps) - 1
		}
		step = s.steps[idx]
	}
	s.mu.Unlock()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
	if step.Err != nil {
		return Result{}, step.Err
	}
	words := append([]Word(nil), step.Words...)
	MarkSentenceEnds(words)
	return Result{Words: words, Language: normaliseLanguage("", req.Language)}, nil
}

// Calls returns the requests seen so far.
func (s *ScriptedRecognizer) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}
