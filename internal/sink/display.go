package sink

import (
	"context"
	"fmt"
	"io"
)

const banner = "Beginning transcription!"

// Display renders the live transcript to a terminal. Confirmed text is printed
// as is; the provisional tail is shown in brackets and replaced every chunk.
type Display struct {
	w io.Writer
}

func NewDisplay(w io.Writer) *Display {
	return &Display{w: w}
}

func (d *Display) Name() string { return "display" }

func (d *Display) Handle(_ context.Context, u Update) error {
	switch u.Kind {
	case KindStarted:
		_, err := fmt.Fprintln(d.w, banner)
		return err
	case KindTranscript:
		_, err := fmt.Fprintf(d.w, "\n%s[%s]\n", u.Confirmed, u.Unconfirmed)
		return err
	}
	return nil
}

func (d *Display) Close(_ context.Context, f Final) error {
	if f.Reason != nil {
		_, err := fmt.Fprintf(d.w, "\ntranscription stopped: %v\n", f.Reason)
		return err
	}
	_, err := fmt.Fprintf(d.w, "\n%s%s\n", f.Confirmed, f.Unconfirmed)
	return err
}
