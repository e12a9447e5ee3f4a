package audio

import (
	"fmt"

	"github.com/robin10125/real-time-voice-transcription/internal/config"
)

// FormatFromConfig builds the session audio format.
func FormatFromConfig(cfg config.AudioConfig) Format {
	return Format{
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		SampleWidth:  cfg.SampleWidth,
		FrameSamples: cfg.FrameSamples,
	}
}

// NewSource opens the configured frame source.
func NewSource(cfg config.AudioConfig) (Source, error) {
	format := FormatFromConfig(cfg)
	switch cfg.Source {
	case "exec":
		return NewExecSource(cfg.Command, cfg.Device, format)
	case "wav":
		return NewWAVSource(cfg.File, format, cfg.Realtime)
	case "tone", "":
		return NewToneSource(format, cfg.Realtime, 0)
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}
}
