package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes 16-bit little-endian PCM into a WAV container.
func WriteWAV(w io.WriteSeeker, pcm []byte, format Format) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteWAVFile writes pcm to path as a WAV file.
func WriteWAVFile(path string, pcm []byte, format Format) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	if err := WriteWAV(file, pcm, format); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// wavSource replays a WAV file as a frame stream.
type wavSource struct {
	path     string
	file     *os.File
	decoder  *wav.Decoder
	format   Format
	buf      *goaudio.IntBuffer
	realtime bool
	next     time.Time
	seq      uint64
	done     bool
}

func NewWAVSource(path string, format Format, realtime bool) (Source, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, &DeviceError{Device: path, Err: err}
	}
	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		file.Close()
		return nil, &DeviceError{Device: path, Err: fmt.Errorf("not a valid wav file")}
	}
	if int(decoder.SampleRate) != format.SampleRate || int(decoder.NumChans) != format.Channels || decoder.BitDepth != 16 {
		file.Close()
		return nil, &DeviceError{Device: path, Err: fmt.Errorf("wav format %dHz/%dch/%dbit does not match session %dHz/%dch/16bit",
			decoder.SampleRate, decoder.NumChans, decoder.BitDepth, format.SampleRate, format.Channels)}
	}
	return &wavSource{
		path:    path,
		file:    file,
		decoder: decoder,
		format:  format,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:           make([]int, format.FrameSamples*format.Channels),
			SourceBitDepth: 16,
		},
		realtime: realtime,
	}, nil
}

func (s *wavSource) Format() Format { return s.format }

func (s *wavSource) ReadFrame(ctx context.Context) (Frame, error) {
	if s.done {
		return Frame{}, io.EOF
	}
	if s.realtime {
		if err := pace(ctx, &s.next, s.format.FrameDuration()); err != nil {
			return Frame{}, err
		}
	} else if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	n, err := s.decoder.PCMBuffer(s.buf)
	if err != nil && err != io.EOF {
		return Frame{}, &DeviceError{Device: s.path, Err: fmt.Errorf("decode wav: %w", err)}
	}
	if n == 0 {
		s.done = true
		return Frame{}, io.EOF
	}
	if n < len(s.buf.Data) {
		// pad the final partial frame with silence
		s.done = true
	}
	pcm := make([]byte, s.format.FrameBytes())
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s.buf.Data[i])))
	}
	frame := Frame{Seq: s.seq, PCM: pcm}
	s.seq++
	return frame, nil
}

func (s *wavSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
