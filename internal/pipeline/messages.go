package pipeline

import (
	"fmt"

	"github.com/robin10125/real-time-voice-transcription/internal/assembler"
	"github.com/robin10125/real-time-voice-transcription/internal/confirm"
	"github.com/robin10125/real-time-voice-transcription/internal/sink"
	"github.com/robin10125/real-time-voice-transcription/internal/stt"
)

// Message is carried on the forward channels of the pipeline.
type Message interface {
	message()
}

// ChunkReady hands a chunk from the capture stage to the recognition stage.
// Events holds capture-side updates (emission, prune, drops, saved audio)
// that the recognition stage forwards to sinks ahead of the chunk's result.
type ChunkReady struct {
	Chunk  assembler.Chunk
	Events []sink.Update
}

// TranscriptionResult carries one chunk's outcome from the recognition stage
// to every sink stage. Err is a *RecognitionError when the chunk failed.
type TranscriptionResult struct {
	ChunkID  string
	Words    []stt.Word
	Language string
	Outcome  confirm.Outcome
	Err      error
	Updates  []sink.Update
}

// Notice carries updates that are not tied to a recognised chunk.
type Notice struct {
	Updates []sink.Update
}

// Terminate is the end-of-stream marker. Each stage forwards it exactly once
// and processes nothing after it. Reason is the fatal error that ended
// capture, or nil for an orderly stop.
type Terminate struct {
	Reason error
	// Events are capture-side updates recorded after the last chunk.
	Events []sink.Update
	// Snapshot is filled in by the recognition stage when it forwards the
	// marker to sinks.
	Snapshot confirm.Snapshot
}

// PruneSignal travels on the back-channel from recognition to capture.
type PruneSignal = assembler.PruneSignal

func (ChunkReady) message()          {}
func (TranscriptionResult) message() {}
func (Notice) message()              {}
func (Terminate) message()           {}

// RecognitionError reports a chunk that could not be transcribed. It is
// recovered by the recognition stage and never stops the pipeline.
type RecognitionError struct {
	ChunkID string
	Err     error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognize chunk %s: %v", e.ChunkID, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }
