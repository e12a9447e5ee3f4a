// Package assembler accumulates capture frames into a prunable buffer and cuts
// transcription chunks from it.
//
// Time is tracked in whole frames against an absolute stream origin: frame 0 is
// the first frame ever pushed. The buffer holds frames [origin, origin+len).
// A chunk records the origin it was cut at, so a prune offset computed against
// an older chunk can be translated to the buffer's current origin.
package assembler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robin10125/real-time-voice-transcription/internal/audio"
)

// Chunk is an immutable snapshot of the buffer.
type Chunk struct {
	ID string
	// Origin is the absolute frame index of the first frame in PCM.
	Origin int64
	// Start is Origin expressed in seconds since the start of the stream.
	Start    float64
	Frames   int
	Duration float64
	Format   audio.Format
	PCM      []byte
	Created  time.Time
}

// PruneSignal asks the assembler to drop audio before Offset seconds into the
// chunk identified by ChunkID, whose first frame was at ChunkOrigin.
type PruneSignal struct {
	ChunkID     string
	ChunkOrigin int64
	Offset      float64
}

// PruneResult describes what ApplyPrune did.
type PruneResult struct {
	Dropped   int
	Origin    int64
	Stale     bool
	Remaining int
}

// Config controls chunk cadence and retention.
type Config struct {
	Format      audio.Format
	ChunkLength time.Duration
	// MaxBuffer bounds retained audio; zero disables the bound.
	MaxBuffer time.Duration
}

// Stats is a point-in-time view for logging and metrics.
type Stats struct {
	Origin         int64
	BufferedFrames int
	BufferedSecs   float64
	ChunksEmitted  uint64
	FramesPruned   int64
	FramesOverflow int64
}

// Assembler is confined to the capture stage and is not safe for concurrent use.
type Assembler struct {
	cfg Config

	frames         []audio.Frame
	origin         int64
	sinceEmit      int
	chunkFrames    int
	maxFrames      int
	chunksEmitted  uint64
	framesPruned   int64
	framesOverflow int64

	clock func() time.Time
	newID func(time.Time) string
}

func New(cfg Config) (*Assembler, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.ChunkLength <= 0 {
		return nil, fmt.Errorf("chunk length must be positive")
	}
	frameDur := cfg.Format.FrameDuration()
	if frameDur <= 0 {
		return nil, fmt.Errorf("frame duration must be positive")
	}
	chunkFrames := int((cfg.ChunkLength + frameDur - 1) / frameDur)
	maxFrames := 0
	if cfg.MaxBuffer > 0 {
		maxFrames = int(cfg.MaxBuffer / frameDur)
		if maxFrames < chunkFrames {
			maxFrames = chunkFrames
		}
	}
	return &Assembler{
		cfg:         cfg,
		chunkFrames: chunkFrames,
		maxFrames:   maxFrames,
		clock:       time.Now,
		newID:       NewChunkID,
	}, nil
}

// NewChunkID returns an identifier of the form audio_chunk_<timestamp>_<uuid>.
func NewChunkID(now time.Time) string {
	return fmt.Sprintf("audio_chunk_%s_%s", now.Format("2006-01-02_15:04:05"), uuid.NewString())
}

// Push appends a frame. It returns the number of frames discarded from the
// front because the buffer exceeded its maximum retained duration.
func (a *Assembler) Push(frame audio.Frame) (int, error) {
	if len(frame.PCM) != a.cfg.Format.FrameBytes() {
		return 0, fmt.Errorf("frame %d has %d bytes, want %d", frame.Seq, len(frame.PCM), a.cfg.Format.FrameBytes())
	}
	a.frames = append(a.frames, frame)
	a.sinceEmit++

	if a.maxFrames > 0 && len(a.frames) > a.maxFrames {
		excess := len(a.frames) - a.maxFrames
		a.dropFront(excess)
		a.framesOverflow += int64(excess)
		return excess, nil
	}
	return 0, nil
}

// Ready reports whether a full chunk length has accumulated since the last chunk.
func (a *Assembler) Ready() bool {
	return a.sinceEmit >= a.chunkFrames && len(a.frames) > 0
}

// EmitChunk snapshots the whole buffer. The returned PCM does not alias the buffer.
func (a *Assembler) EmitChunk() Chunk {
	now := a.clock()
	pcm := make([]byte, 0, len(a.frames)*a.cfg.Format.FrameBytes())
	for _, f := range a.frames {
		pcm = append(pcm, f.PCM...)
	}
	a.sinceEmit = 0
	a.chunksEmitted++
	return Chunk{
		ID:       a.newID(now),
		Origin:   a.origin,
		Start:    a.cfg.Format.FramesToSeconds(a.origin),
		Frames:   len(a.frames),
		Duration: a.cfg.Format.FramesToSeconds(int64(len(a.frames))),
		Format:   a.cfg.Format,
		PCM:      pcm,
		Created:  now,
	}
}

// ApplyPrune drops every frame that lies entirely before the signal's offset.
// The offset is relative to the chunk it was computed against and is translated
// to the current origin first, so stale and repeated signals are harmless.
func (a *Assembler) ApplyPrune(sig PruneSignal) PruneResult {
	target := sig.ChunkOrigin + a.cfg.Format.SecondsToFrames(sig.Offset)
	if target <= a.origin {
		return PruneResult{Origin: a.origin, Stale: true, Remaining: len(a.frames)}
	}
	drop := target - a.origin
	if drop > int64(len(a.frames)) {
		drop = int64(len(a.frames))
	}
	a.dropFront(int(drop))
	a.framesPruned += drop
	return PruneResult{Dropped: int(drop), Origin: a.origin, Remaining: len(a.frames)}
}

func (a *Assembler) dropFront(n int) {
	if n <= 0 {
		return
	}
	remaining := copy(a.frames, a.frames[n:])
	for i := remaining; i < len(a.frames); i++ {
		a.frames[i] = audio.Frame{}
	}
	a.frames = a.frames[:remaining]
	a.origin += int64(n)
}

// Origin is the absolute frame index of the oldest retained frame.
func (a *Assembler) Origin() int64 { return a.origin }

// Buffered returns the retained duration in seconds.
func (a *Assembler) Buffered() float64 {
	return a.cfg.Format.FramesToSeconds(int64(len(a.frames)))
}

func (a *Assembler) Stats() Stats {
	return Stats{
		Origin:         a.origin,
		BufferedFrames: len(a.frames),
		BufferedSecs:   a.Buffered(),
		ChunksEmitted:  a.chunksEmitted,
		FramesPruned:   a.framesPruned,
		FramesOverflow: a.framesOverflow,
	}
}

// Pending returns the number of frames pushed since the last chunk was cut.
func (a *Assembler) Pending() int { return a.sinceEmit }
