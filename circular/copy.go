package circular

import (
	"io"
	"time"

	"github.com/lanikai/mmal"
	"github.com/lanikai/mmal/encoder"
)

type copyOptions struct {
	seconds    time.Duration
	bytes      int
	frames     int
	first      encoder.FrameKind
	firstGiven bool
}

type CopyOption func(*copyOptions)

// Seconds limits the clip to roughly the last d of the stream.
func Seconds(d time.Duration) CopyOption {
	return func(o *copyOptions) { o.seconds = d }
}

// Bytes limits the clip to at most the last n bytes.
func Bytes(n int) CopyOption {
	return func(o *copyOptions) { o.bytes = n }
}

// Frames limits the clip to the last n indexed frames.
func Frames(n int) CopyOption {
	return func(o *copyOptions) { o.frames = n }
}

// FirstFrame selects the kind of frame the clip must start with. The default
// is a configuration header, or a key frame when no header is indexed.
func FirstFrame(kind encoder.FrameKind) CopyOption {
	return func(o *copyOptions) { o.first, o.firstGiven = kind, true }
}

// CopyTo writes the held stream to w, starting at the earliest frame of the
// selected kind at or after every limit given. The copy is taken under the
// lock and written after it is released.
func (s *Stream) CopyTo(w io.Writer, opts ...CopyOption) (int64, error) {
	const op = "copy circular stream"
	var o copyOptions
	for _, opt := range opts {
		opt(&o)
	}

	s.mu.Lock()
	cutoff, err := s.cutoffLocked(op, o)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}

	kind := o.first
	if !o.firstGiven {
		kind = encoder.FrameKindConfig
		if !s.hasKindLocked(kind) {
			kind = encoder.FrameKindKey
		}
	}

	from := int64(-1)
	for i := 0; i < s.index.Len(); i++ {
		if e := s.index.At(i); e.Kind == kind && e.Offset >= cutoff {
			from = e.Offset
			break
		}
	}
	if from < 0 {
		s.mu.Unlock()
		return 0, mmal.NewStreamStateError(op, "no %v frame held after the cutoff", kind)
	}
	data := s.copyLocked(from)
	s.mu.Unlock()

	n, err := w.Write(data)
	return int64(n), err
}

func (s *Stream) hasKindLocked(kind encoder.FrameKind) bool {
	for i := 0; i < s.index.Len(); i++ {
		if s.index.At(i).Kind == kind {
			return true
		}
	}
	return false
}

// cutoffLocked is the earliest offset the clip may start at: the latest of
// the limits in o.
func (s *Stream) cutoffLocked(op string, o copyOptions) (int64, error) {
	cutoff := s.startLocked()
	later := func(off int64) {
		if off > cutoff {
			cutoff = off
		}
	}

	if o.bytes > 0 {
		later(s.total - int64(o.bytes))
	}
	if n := s.index.Len(); o.frames > 0 && n > 0 {
		i := n - o.frames
		if i < 0 {
			i = 0
		}
		later(s.index.At(i).Offset)
	}
	if o.seconds > 0 {
		off, err := s.secondsCutoffLocked(op, o.seconds)
		if err != nil {
			return 0, err
		}
		later(off)
	}
	return cutoff, nil
}

func (s *Stream) secondsCutoffLocked(op string, d time.Duration) (int64, error) {
	var latest *Entry
	for i := s.index.Len() - 1; i >= 0; i-- {
		if e := s.index.At(i); e.HasTimestamp {
			latest = &e
			break
		}
	}
	if latest != nil {
		since := latest.Timestamp - d
		for i := 0; i < s.index.Len(); i++ {
			if e := s.index.At(i); e.HasTimestamp && e.Timestamp >= since {
				return e.Offset, nil
			}
		}
		return latest.Offset, nil
	}

	if s.bitrate <= 0 {
		return 0, mmal.NewConfigurationError(op, "frames have no timestamps and no bitrate is set")
	}
	return s.total - int64(d.Seconds()*float64(s.bitrate)/8), nil
}
