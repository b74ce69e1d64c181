package main

import (
	"io"

	"github.com/lanikai/mmal/encoder"
)

// tee writes to several sinks and passes Flush and MarkFrame on to those
// that support them.
type tee struct {
	sinks []io.Writer
}

func newTee(sinks ...io.Writer) io.Writer {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &tee{sinks}
}

func (t *tee) Write(p []byte) (int, error) {
	for _, w := range t.sinks {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t *tee) Flush() error {
	for _, w := range t.sinks {
		if f, ok := w.(encoder.Flusher); ok {
			if err := f.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *tee) MarkFrame(f encoder.Frame) {
	for _, w := range t.sinks {
		if m, ok := w.(encoder.FrameMarker); ok {
			m.MarkFrame(f)
		}
	}
}
