package audio

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"time"
)

// ToneSource synthesises a sine tone. It stands in for a microphone in mock
// mode and in tests. A zero limit produces frames until the context ends.
type ToneSource struct {
	format    Format
	frequency float64
	amplitude float64
	realtime  bool
	limit     uint64
	next      time.Time
	seq       uint64
	phase     float64
}

func NewToneSource(format Format, realtime bool, limit uint64) (*ToneSource, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	return &ToneSource{
		format:    format,
		frequency: 440,
		amplitude: 0.2,
		realtime:  realtime,
		limit:     limit,
	}, nil
}

func (s *ToneSource) Format() Format { return s.format }

func (s *ToneSource) ReadFrame(ctx context.Context) (Frame, error) {
	if s.limit > 0 && s.seq >= s.limit {
		return Frame{}, io.EOF
	}
	if s.realtime {
		if err := pace(ctx, &s.next, s.format.FrameDuration()); err != nil {
			return Frame{}, err
		}
	} else if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	pcm := make([]byte, s.format.FrameBytes())
	step := 2 * math.Pi * s.frequency / float64(s.format.SampleRate)
	offset := 0
	for i := 0; i < s.format.FrameSamples; i++ {
		value := int16(s.amplitude * math.MaxInt16 * math.Sin(s.phase))
		s.phase += step
		for c := 0; c < s.format.Channels; c++ {
			binary.LittleEndian.PutUint16(pcm[offset:], uint16(value))
			offset += 2
		}
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)

	frame := Frame{Seq: s.seq, PCM: pcm}
	s.seq++
	return frame, nil
}

func (s *ToneSource) Close() error { return nil }
