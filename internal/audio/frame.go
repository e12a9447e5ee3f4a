package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Format describes the fixed PCM layout of a capture session.
type Format struct {
	SampleRate   int
	Channels     int
	SampleWidth  int
	FrameSamples int
}

// FrameBytes is the size in bytes of one frame.
func (f Format) FrameBytes() int {
	return f.FrameSamples * f.Channels * f.SampleWidth
}

// FrameDuration is the nominal duration of one frame.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.FrameSamples) * time.Second / time.Duration(f.SampleRate)
}

// FramesToSeconds converts a frame count into seconds of audio.
func (f Format) FramesToSeconds(frames int64) float64 {
	if f.SampleRate <= 0 {
		return 0
	}
	return float64(frames) * float64(f.FrameSamples) / float64(f.SampleRate)
}

// SecondsToFrames returns the number of whole frames that fit in seconds.
// Partial frames are rounded down so that no audio past the offset is counted.
func (f Format) SecondsToFrames(seconds float64) int64 {
	if seconds <= 0 || f.FrameSamples <= 0 {
		return 0
	}
	return int64(seconds * float64(f.SampleRate) / float64(f.FrameSamples))
}

func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.FrameSamples <= 0 {
		return fmt.Errorf("invalid audio format: rate=%d channels=%d frame_samples=%d", f.SampleRate, f.Channels, f.FrameSamples)
	}
	if f.SampleWidth != 2 {
		return fmt.Errorf("unsupported sample width %d (only 16-bit PCM)", f.SampleWidth)
	}
	return nil
}

// Frame is a fixed-size block of interleaved little-endian PCM.
type Frame struct {
	Seq uint64
	PCM []byte
}

// Source yields frames at the session format's cadence. ReadFrame returns io.EOF
// when a finite source is exhausted; any other error is a DeviceError.
type Source interface {
	ReadFrame(ctx context.Context) (Frame, error)
	Format() Format
	Close() error
}

// DeviceError reports an unavailable or failing capture device.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("audio device error: %v", e.Err)
	}
	return fmt.Sprintf("audio device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// IsDeviceError reports whether err wraps a DeviceError.
func IsDeviceError(err error) bool {
	var de *DeviceError
	return errors.As(err, &de)
}

func pace(ctx context.Context, next *time.Time, interval time.Duration) error {
	if interval <= 0 {
		return ctx.Err()
	}
	if next.IsZero() {
		*next = time.Now()
	}
	*next = next.Add(interval)
	wait := time.Until(*next)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
