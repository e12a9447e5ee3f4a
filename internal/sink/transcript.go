package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Transcript appends confirmed text to a file as it is confirmed. On Close the
// last unconfirmed text is appended too, so the file holds everything heard.
type Transcript struct {
	path string
	file *os.File
}

func NewTranscript(path string) (*Transcript, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &Transcript{path: path, file: f}, nil
}

func (t *Transcript) Name() string { return "transcript" }

// Path returns the transcript file location.
func (t *Transcript) Path() string { return t.path }

func (t *Transcript) Handle(_ context.Context, u Update) error {
	if u.Kind != KindTranscript || u.ConfirmedDelta == "" {
		return nil
	}
	_, err := t.file.WriteString(u.ConfirmedDelta)
	return err
}

func (t *Transcript) Close(_ context.Context, f Final) error {
	var writeErr error
	if f.Unconfirmed != "" {
		_, writeErr = t.file.WriteString(f.Unconfirmed)
	}
	if err := t.file.Close(); err != nil && writeErr == nil {
		writeErr = err
	}
	return writeErr
}
