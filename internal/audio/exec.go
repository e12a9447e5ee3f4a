package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execSource reads raw PCM from the stdout of a capture command such as
// `arecord -q -t raw -f S16_LE -r {rate} -c {channels} -D {device}`.
// It is owned by the capture stage and not safe for concurrent use.
type execSource struct {
	args   []string
	device string
	format Format

	cmd    *exec.Cmd
	stdout io.ReadCloser
	// stderr is written by the exec copier until Wait returns; read it only
	// after wait.
	stderr  bytes.Buffer
	seq     uint64
	cancel  context.CancelFunc
	waited  bool
	waitErr error
}

func NewExecSource(command, device string, format Format) (Source, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse audio command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("audio command is empty")
	}
	replacer := strings.NewReplacer(
		"{rate}", strconv.Itoa(format.SampleRate),
		"{channels}", strconv.Itoa(format.Channels),
		"{device}", device,
	)
	for i := range args {
		args[i] = replacer.Replace(args[i])
	}
	return &execSource{args: args, device: device, format: format}, nil
}

func (s *execSource) Format() Format { return s.format }

func (s *execSource) start(ctx context.Context) error {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, s.args[0], s.args[1:]...)
	cmd.Stderr = &s.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return err
	}
	s.cmd = cmd
	s.stdout = stdout
	s.cancel = cancel
	return ctx.Err()
}

func (s *execSource) ReadFrame(ctx context.Context) (Frame, error) {
	if s.cmd == nil {
		if err := s.start(ctx); err != nil {
			return Frame{}, &DeviceError{Device: s.deviceName(), Err: fmt.Errorf("start capture: %w", err)}
		}
	}

	buf := make([]byte, s.format.FrameBytes())
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = s.streamEnded()
		}
		return Frame{}, &DeviceError{Device: s.deviceName(), Err: err}
	}
	frame := Frame{Seq: s.seq, PCM: buf}
	s.seq++
	return frame, nil
}

func (s *execSource) deviceName() string {
	if s.device != "" {
		return s.device
	}
	return s.args[0]
}

// streamEnded reaps the capture process after its stdout closed and
// describes why, using its exit status and stderr.
func (s *execSource) streamEnded() error {
	waitErr := s.wait()
	msg := strings.TrimSpace(s.stderr.String())
	switch {
	case waitErr != nil && msg != "":
		return fmt.Errorf("capture stream ended: %w: %s", waitErr, msg)
	case waitErr != nil:
		return fmt.Errorf("capture stream ended: %w", waitErr)
	case msg != "":
		return fmt.Errorf("capture stream ended: %s", msg)
	default:
		return errors.New("capture stream ended")
	}
}

func (s *execSource) wait() error {
	if !s.waited {
		s.waitErr = s.cmd.Wait()
		s.waited = true
	}
	return s.waitErr
}

func (s *execSource) Close() error {
	if s.cmd == nil {
		return nil
	}
	s.cancel()
	_ = s.wait()
	s.cmd = nil
	return nil
}
