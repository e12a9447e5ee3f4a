package assembler

import (
	"strings"
	"testing"
	"time"

	"github.com/robin10125/real-time-voice-transcription/internal/audio"
)

// 100 frames per second.
func testFormat() audio.Format {
	return audio.Format{SampleRate: 16000, Channels: 1, SampleWidth: 2, FrameSamples: 160}
}

func newAssembler(t *testing.T, chunk, max time.Duration) *Assembler {
	t.Helper()
	a, err := New(Config{Format: testFormat(), ChunkLength: chunk, MaxBuffer: max})
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	return a
}

func pushFrames(t *testing.T, a *Assembler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		pcm := make([]byte, testFormat().FrameBytes())
		pcm[0] = byte(i)
		if _, err := a.Push(audio.Frame{Seq: uint64(i), PCM: pcm}); err != nil {
			t.Fatalf("push frame: %v", err)
		}
	}
}

func TestReadyAfterChunkLength(t *testing.T) {
	a := newAssembler(t, time.Second, 0)
	pushFrames(t, a, 99)
	if a.Ready() {
		t.Fatal("expected not ready before a full chunk length")
	}
	pushFrames(t, a, 1)
	if !a.Ready() {
		t.Fatal("expected ready after a full chunk length")
	}
	a.EmitChunk()
	if a.Ready() {
		t.Fatal("expected ready to reset after emit")
	}
}

func TestPushRejectsWrongFrameSize(t *testing.T) {
	a := newAssembler(t, time.Second, 0)
	if _, err := a.Push(audio.Frame{PCM: make([]byte, 10)}); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestEmitChunkSnapshotsBuffer(t *testing.T) {
	a := newAssembler(t, time.Second, 0)
	pushFrames(t, a, 100)
	chunk := a.EmitChunk()

	if !strings.HasPrefix(chunk.ID, "audio_chunk_") {
		t.Fatalf("unexpected chunk id %q", chunk.ID)
	}
	if chunk.Frames != 100 || chunk.Duration != 1.0 {
		t.Fatalf("expected 100 frames / 1s, got %d / %f", chunk.Frames, chunk.Duration)
	}
	if len(chunk.PCM) != 100*testFormat().FrameBytes() {
		t.Fatalf("unexpected pcm length %d", len(chunk.PCM))
	}

	before := chunk.PCM[0]
	a.ApplyPrune(PruneSignal{ChunkID: chunk.ID, ChunkOrigin: chunk.Origin, Offset: 0.5})
	pushFrames(t, a, 100)
	if chunk.PCM[0] != before {
		t.Fatal("chunk pcm changed after buffer mutation")
	}

	next := a.EmitChunk()
	if next.ID == chunk.ID {
		t.Fatal("expected unique chunk ids")
	}
	if next.Origin != 50 || next.Start != 0.5 {
		t.Fatalf("expected next chunk at origin 50 (0.5s), got %d (%f)", next.Origin, next.Start)
	}
}

func TestApplyPruneIdempotent(t *testing.T) {
	a := newAssembler(t, time.Second, 0)
	pushFrames(t, a, 300)
	chunk := a.EmitChunk()

	sig := PruneSignal{ChunkID: chunk.ID, ChunkOrigin: chunk.Origin, Offset: 1.25}
	first := a.ApplyPrune(sig)
	if first.Dropped != 125 || first.Origin != 125 {
		t.Fatalf("expected 125 frames dropped, got %+v", first)
	}
	second := a.ApplyPrune(sig)
	if !second.Stale || second.Dropped != 0 {
		t.Fatalf("expected second application to be a no-op, got %+v", second)
	}
	if a.Stats().BufferedFrames != 175 {
		t.Fatalf("expected 175 frames retained, got %d", a.Stats().BufferedFrames)
	}
}

func TestApplyPruneTranslatesStaleChunkOffset(t *testing.T) {
	a := newAssembler(t, time.Second, 0)
	pushFrames(t, a, 400)
	chunkN := a.EmitChunk()

	// chunk N confirms up to 2s; chunk N+1 is cut from the pruned buffer
	a.ApplyPrune(PruneSignal{ChunkID: chunkN.ID, ChunkOrigin: chunkN.Origin, Offset: 2.0})
	pushFrames(t, a, 100)
	chunkN1 := a.EmitChunk()
	if chunkN1.Origin != 200 {
		t.Fatalf("expected chunk N+1 origin 200, got %d", chunkN1.Origin)
	}

	// a late signal for chunk N at 3s must remove only the 1s between 2s and 3s
	res := a.ApplyPrune(PruneSignal{ChunkID: chunkN.ID, ChunkOrigin: chunkN.Origin, Offset: 3.0})
	if res.Dropped != 100 || a.Origin() != 300 {
		t.Fatalf("expected 100 frames dropped to origin 300, got %+v", res)
	}

	// chunk N+1's own signal that points before the new origin is stale
	res = a.ApplyPrune(PruneSignal{ChunkID: chunkN1.ID, ChunkOrigin: chunkN1.Origin, Offset: 0.5})
	if !res.Stale {
		t.Fatalf("expected stale signal, got %+v", res)
	}
	if a.Stats().BufferedFrames != 200 {
		t.Fatalf("expected 200 frames retained, got %d", a.Stats().BufferedFrames)
	}
}

func TestApplyPruneClampsToBuffer(t *testing.T) {
	a := newAssembler(t, time.Second, 0)
	pushFrames(t, a, 100)
	chunk := a.EmitChunk()
	res := a.ApplyPrune(PruneSignal{ChunkID: chunk.ID, ChunkOrigin: chunk.Origin, Offset: 60})
	if res.Dropped != 100 || res.Remaining != 0 {
		t.Fatalf("expected whole buffer dropped, got %+v", res)
	}
	if a.Ready() {
		t.Fatal("empty buffer must not be ready")
	}
}

func TestMaxBufferOverflow(t *testing.T) {
	a := newAssembler(t, time.Second, 2*time.Second)
	pushFrames(t, a, 200)
	dropped, err := a.Push(audio.Frame{PCM: make([]byte, testFormat().FrameBytes())})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 frame overflow, got %d", dropped)
	}
	stats := a.Stats()
	if stats.BufferedFrames != 200 || stats.Origin != 1 || stats.FramesOverflow != 1 {
		t.Fatalf("unexpected stats after overflow: %+v", stats)
	}
}
