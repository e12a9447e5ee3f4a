// Package session owns the per-run directory layout:
//
//	<root_dir>/<session_id>/transcript.txt
//	<root_dir>/<session_id>/session.log
//	<root_dir>/<session_id>/events.db
//	<root_dir>/<session_id>/chunks/<chunk_id>.wav   (when save_chunks is on)
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/robin10125/real-time-voice-transcription/internal/assembler"
	"github.com/robin10125/real-time-voice-transcription/internal/audio"
	"github.com/robin10125/real-time-voice-transcription/internal/config"
)

const timestampLayout = "2006-01-02_15:04:05"

type Session struct {
	id         string
	dir        string
	saveChunks bool
	started    time.Time
}

// New creates a fresh session directory under cfg.RootDir.
func New(cfg config.SessionConfig) (*Session, error) {
	return newAt(cfg, time.Now())
}

func newAt(cfg config.SessionConfig, now time.Time) (*Session, error) {
	id := fmt.Sprintf("%s_%s", now.Format(timestampLayout), uuid.NewString())
	dir := filepath.Join(cfg.RootDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if cfg.SaveChunks {
		if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o755); err != nil {
			return nil, fmt.Errorf("create chunk dir: %w", err)
		}
	}
	return &Session{id: id, dir: dir, saveChunks: cfg.SaveChunks, started: now}, nil
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Dir() string        { return s.dir }
func (s *Session) Started() time.Time { return s.started }

func (s *Session) TranscriptPath() string { return filepath.Join(s.dir, "transcript.txt") }
func (s *Session) LogPath() string        { return filepath.Join(s.dir, "session.log") }
func (s *Session) EventStorePath() string { return filepath.Join(s.dir, "events.db") }

// SaveChunk writes the chunk's audio to chunks/<chunk_id>.wav and returns the
// path. It returns "" without writing when chunk saving is disabled.
func (s *Session) SaveChunk(chunk assembler.Chunk) (string, error) {
	if !s.saveChunks {
		return "", nil
	}
	path := filepath.Join(s.dir, "chunks", chunk.ID+".wav")
	if err := audio.WriteWAVFile(path, chunk.PCM, chunk.Format); err != nil {
		return "", fmt.Errorf("save chunk %s: %w", chunk.ID, err)
	}
	return path, nil
}
