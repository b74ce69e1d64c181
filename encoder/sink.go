package encoder

import (
	"bufio"
	"io"
	"os"
	"reflect"

	"github.com/pkg/errors"
)

// Flusher is implemented by sinks that buffer. Flush is called once when a
// recording stops, and on the old sink when output is split.
type Flusher interface {
	Flush() error
}

// Namer is implemented by sinks with a name, typically a file path, from
// which the output variant can be inferred.
type Namer interface {
	Name() string
}

// FrameMarker is implemented by sinks that index frame boundaries. MarkFrame
// is called after the last byte of f has been written.
type FrameMarker interface {
	MarkFrame(f Frame)
}

// File is a buffered file sink.
type File struct {
	f *os.File
	w *bufio.Writer
}

// OpenFile creates or truncates the file at path.
func OpenFile(path string) (*File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "open sink")
	}
	return &File{f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

func (f *File) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *File) Flush() error {
	return f.w.Flush()
}

func (f *File) Name() string {
	return f.f.Name()
}

func (f *File) Close() error {
	err := f.w.Flush()
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func sinkName(w io.Writer) string {
	if n, ok := w.(Namer); ok {
		return n.Name()
	}
	return reflect.TypeOf(w).String()
}

// flushAll flushes every distinct Flusher among ws, returning the first
// error.
func flushAll(ws ...io.Writer) error {
	var first error
	var seen []io.Writer
	for _, w := range ws {
		if w == nil || containsWriter(seen, w) {
			continue
		}
		seen = append(seen, w)
		if f, ok := w.(Flusher); ok {
			if err := f.Flush(); err != nil && first == nil {
				first = errors.Wrapf(err, "flush %v", sinkName(w))
			}
		}
	}
	return first
}

func containsWriter(ws []io.Writer, w io.Writer) bool {
	if !reflect.TypeOf(w).Comparable() {
		return false
	}
	for _, x := range ws {
		if reflect.TypeOf(x) == reflect.TypeOf(w) && x == w {
			return true
		}
	}
	return false
}
