// Package circular keeps the most recent stretch of an encoded stream in a
// fixed amount of memory, so that a clip can be written out after the fact.
package circular

import (
	"io"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/pkg/errors"

	"github.com/lanikai/mmal"
	"github.com/lanikai/mmal/encoder"
	"github.com/lanikai/mmal/internal/logging"
)

var log = logging.DefaultLogger.WithTag("circular")

// Entry is one indexed frame boundary.
type Entry struct {
	// Offset of the frame's first byte, counted from the first byte ever
	// written to the stream.
	Offset int64
	Size   int
	Kind   encoder.FrameKind

	Timestamp    time.Duration
	HasTimestamp bool
}

type Option func(*Stream)

// WithBitrate sets the nominal bitrate used to convert Seconds to bytes
// when frames carry no timestamps.
func WithBitrate(bps int) Option {
	return func(s *Stream) { s.bitrate = bps }
}

// Stream is a ring buffer of bytes plus an index of the frames whose bytes
// are still held. It is an io.ReadWriteSeeker and an encoder.FrameMarker.
//
// Positions are logical. The oldest byte still held is position zero of
// Seek and Tell.
type Stream struct {
	bitrate int

	mu    sync.Mutex
	buf   []byte
	total int64 // bytes written since creation or Clear
	pos   int64 // read cursor, same origin as total
	index deque.Deque[Entry]
}

var (
	_ io.ReadWriteSeeker  = (*Stream)(nil)
	_ encoder.FrameMarker = (*Stream)(nil)
)

// New returns a stream holding up to size bytes.
func New(size int, opts ...Option) (*Stream, error) {
	if size <= 0 {
		return nil, mmal.NewConfigurationError("new circular stream", "size must be positive, got %d", size)
	}
	s := &Stream{buf: make([]byte, size)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewForDuration sizes the stream for d of video at bps bits per second.
func NewForDuration(d time.Duration, bps int) (*Stream, error) {
	return New(int(d.Seconds()*float64(bps)/8), WithBitrate(bps))
}

// Size is the capacity in bytes.
func (s *Stream) Size() int {
	return len(s.buf)
}

func (s *Stream) startLocked() int64 {
	if start := s.total - int64(len(s.buf)); start > 0 {
		return start
	}
	return 0
}

// Len is the number of bytes currently held.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.total - s.startLocked())
}

// Write appends p, overwriting the oldest bytes once the stream is full.
// Index entries whose first byte is overwritten are dropped.
func (s *Stream) Write(p []byte) (int, error) {
	n := len(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(s.buf))
	if int64(len(p)) > size {
		s.total += int64(len(p)) - size
		p = p[len(p)-int(size):]
	}
	for len(p) > 0 {
		at := int(s.total % size)
		c := copy(s.buf[at:], p)
		p = p[c:]
		s.total += int64(c)
	}

	start := s.startLocked()
	for s.index.Len() > 0 && s.index.Front().Offset < start {
		s.index.PopFront()
	}
	return n, nil
}

// MarkFrame indexes the frame that ended with the last byte written.
func (s *Stream) MarkFrame(f encoder.Frame) {
	if f.Kind == encoder.FrameKindMotion {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{
		Offset:       s.total - int64(f.FrameSize),
		Size:         f.FrameSize,
		Kind:         f.Kind,
		Timestamp:    f.Timestamp,
		HasTimestamp: f.HasTimestamp,
	}
	if e.Offset < s.startLocked() {
		log.Trace(1, "frame %d of %d bytes does not fit", f.Index, f.FrameSize)
		return
	}
	s.index.PushBack(e)
}

// Frames returns a copy of the index, oldest first.
func (s *Stream) Frames() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, s.index.Len())
	for i := range entries {
		entries[i] = s.index.At(i)
	}
	return entries
}

// Clear discards all data and the index.
func (s *Stream) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total, s.pos = 0, 0
	s.index.Clear()
}

// copyLocked copies the held bytes from absolute offset from to the end.
func (s *Stream) copyLocked(from int64) []byte {
	out := make([]byte, s.total-from)
	size := int64(len(s.buf))
	for i := 0; i < len(out); {
		at := int((from + int64(i)) % size)
		i += copy(out[i:], s.buf[at:])
	}
	return out
}

// Bytes returns a copy of everything held, oldest first.
func (s *Stream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(s.startLocked())
}

// Read reads from the cursor. A cursor overtaken by writes moves to the
// oldest byte still held.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if start := s.startLocked(); s.pos < start {
		s.pos = start
	}
	if s.pos >= s.total {
		return 0, io.EOF
	}
	size := int64(len(s.buf))
	n := 0
	for n < len(p) && s.pos < s.total {
		at := int(s.pos % size)
		end := len(s.buf)
		if avail := s.total - s.pos; int64(end-at) > avail {
			end = at + int(avail)
		}
		c := copy(p[n:], s.buf[at:end])
		n += c
		s.pos += int64(c)
	}
	return n, nil
}

// Seek moves the cursor. Offsets are relative to the oldest byte held for
// io.SeekStart, to the cursor for io.SeekCurrent and to the newest byte for
// io.SeekEnd.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.startLocked()
	if s.pos < start {
		s.pos = start
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = start + offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		pos = s.total + offset
	default:
		return 0, errors.Errorf("circular: invalid whence %d", whence)
	}
	if pos < start || pos > s.total {
		return 0, errors.Errorf("circular: seek to %d outside held range [0, %d]", pos-start, s.total-start)
	}
	s.pos = pos
	return pos - start, nil
}

// Tell returns the cursor position.
func (s *Stream) Tell() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.startLocked()
	if s.pos < start {
		return 0
	}
	return s.pos - start
}
