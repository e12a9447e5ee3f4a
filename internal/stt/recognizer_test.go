package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/robin10125/real-time-voice-transcription/internal/audio"
	"github.com/robin10125/real-time-voice-transcription/internal/config"
)

func testFormat() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1, SampleWidth: 2, FrameSamples: 160}
}

func TestIsSentenceEnd(t *testing.T) {
	cases := map[string]bool{
		" Hello.":   true,
		" really?":  true,
		" wow!":     true,
		" so...":    true,
		" world":    false,
		"":          false,
		" e.g":      true,
		" 3,000":    false,
		" end.\"":   true,
		" trailing": false,
	}
	for text, want := range cases {
		if got := IsSentenceEnd(text); got != want {
			t.Fatalf("IsSentenceEnd(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestMarkSentenceEnds(t *testing.T) {
	words := []Word{{Text: "Hello."}, {Text: " world"}, {Text: " again."}}
	if n := MarkSentenceEnds(words); n != 2 {
		t.Fatalf("expected 2 sentence ends, got %d", n)
	}
	if !words[0].SentenceEnd || words[1].SentenceEnd || !words[2].SentenceEnd {
		t.Fatalf("unexpected flags: %+v", words)
	}
}

func TestMockRecognizerStableAcrossOverlap(t *testing.T) {
	rec := NewMockRecognizer()
	f := testFormat()
	bytesPerSecond := f.SampleRate * f.SampleWidth

	first, err := rec.Transcribe(context.Background(), Request{Start: 0, PCM: make([]byte, 6*bytesPerSecond), Format: f})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(first.Words) != 6 {
		t.Fatalf("expected 6 words, got %d", len(first.Words))
	}
	if first.Words[3].Text != " w3." || !first.Words[3].SentenceEnd {
		t.Fatalf("expected sentence end at w3, got %+v", first.Words[3])
	}

	second, err := rec.Transcribe(context.Background(), Request{Start: 4, PCM: make([]byte, 4*bytesPerSecond), Format: f})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if second.Words[0].Text != " w4" || second.Words[0].Start != 0 {
		t.Fatalf("expected chunk-relative w4 at 0, got %+v", second.Words[0])
	}
	if second.Words[0].Text != first.Words[4].Text {
		t.Fatal("expected overlapping audio to re-transcribe identically")
	}
}

func TestScriptedRecognizer(t *testing.T) {
	boom := errors.New("malformed audio")
	rec := NewScriptedRecognizer(
		ScriptStep{Words: []Word{{Text: "One."}}},
		ScriptStep{Err: boom},
	)
	res, err := rec.Transcribe(context.Background(), Request{ChunkID: "a"})
	if err != nil || len(res.Words) != 1 || !res.Words[0].SentenceEnd {
		t.Fatalf("unexpected first result %+v, %v", res, err)
	}
	if _, err := rec.Transcribe(context.Background(), Request{ChunkID: "b"}); !errors.Is(err, boom) {
		t.Fatalf("expected scripted error, got %v", err)
	}
	if _, err := rec.Transcribe(context.Background(), Request{ChunkID: "c"}); !errors.Is(err, boom) {
		t.Fatalf("expected last step to repeat, got %v", err)
	}
	if calls := rec.Calls(); len(calls) != 3 || calls[2].ChunkID != "c" {
		t.Fatalf("unexpected calls %+v", calls)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "whisper-words.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecRecognizer(t *testing.T) {
	script := writeScript(t, `echo '{"language":"en","language_probability":0.9,"words":[{"start":0,"end":0.5,"word":"Hello."},{"start":0.5,"end":0.9,"word":" world"}]}'`)
	rec, err := NewExecRecognizer(config.STTConfig{Mode: "exec", Command: script, BeamSize: 5})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), Request{PCM: make([]byte, 3200), Format: testFormat()})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Language != "en" || len(res.Words) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Words[0].SentenceEnd || res.Words[1].SentenceEnd {
		t.Fatalf("unexpected sentence flags %+v", res.Words)
	}
	if res.Text() != "Hello. world" {
		t.Fatalf("unexpected text %q", res.Text())
	}
}

func TestExecRecognizerFailure(t *testing.T) {
	script := writeScript(t, `echo "bad audio" >&2; exit 3`)
	rec, err := NewExecRecognizer(config.STTConfig{Mode: "exec", Command: script})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	if _, err := rec.Transcribe(context.Background(), Request{PCM: make([]byte, 320), Format: testFormat()}); err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestExecRecognizerRejectsUnorderedWords(t *testing.T) {
	script := writeScript(t, `echo '{"words":[{"start":1,"end":1.5,"word":" b"},{"start":0,"end":0.5,"word":" a"}]}'`)
	rec, _ := NewExecRecognizer(config.STTConfig{Mode: "exec", Command: script})
	if _, err := rec.Transcribe(context.Background(), Request{PCM: make([]byte, 320), Format: testFormat()}); err == nil {
		t.Fatal("expected error for out-of-order words")
	}
}
