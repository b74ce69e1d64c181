package encoder

import (
	"os"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4"
	"github.com/pkg/errors"

	"github.com/lanikai/mmal/internal/media/h264"
)

// MP4 muxes an H.264 stream into an MP4 file. Bytes are held until
// MarkFrame so that each frame becomes one sample. Samples arriving before
// the first SPS and PPS are dropped.
type MP4 struct {
	f   *os.File
	mux *mp4.Muxer

	// Sample spacing for frames without a timestamp.
	interval time.Duration

	pending []byte
	codec   av.CodecData
	samples int
	first   time.Duration
	last    time.Duration
	err     error
}

// OpenMP4 creates or truncates the file at path. framerate sets the sample
// spacing used when the firmware supplies no timestamps.
func OpenMP4(path string, framerate int) (*MP4, error) {
	if framerate <= 0 {
		framerate = 30
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "open sink")
	}
	return &MP4{
		f:        f,
		mux:      mp4.NewMuxer(f),
		interval: time.Second / time.Duration(framerate),
	}, nil
}

func (m *MP4) Write(p []byte) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.pending = append(m.pending, p...)
	return len(p), nil
}

func (m *MP4) MarkFrame(f Frame) {
	// The muxer holds on to a packet until the next one arrives.
	data := m.pending
	m.pending = nil
	if m.err != nil {
		return
	}
	if err := m.mark(f, data); err != nil {
		log.Warn("mp4 %s: %v", m.f.Name(), err)
		m.err = err
	}
}

func (m *MP4) mark(f Frame, data []byte) error {
	var sps, pps h264.NALU
	var sample []byte
	key := f.Kind == FrameKindKey
	for _, nalu := range h264.Split(data) {
		switch nalu.Type() {
		case h264.TypeSPS:
			sps = nalu
		case h264.TypePPS:
			pps = nalu
		case h264.TypeIDR:
			key = true
			fallthrough
		default:
			// Length-prefixed, as MP4 samples carry no start codes.
			n := len(nalu)
			sample = append(sample, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
			sample = append(sample, nalu...)
		}
	}

	if m.codec == nil {
		if sps == nil || pps == nil {
			return nil
		}
		codec, err := h264parser.NewCodecDataFromSPSAndPPS(sps, pps)
		if err != nil {
			return errors.Wrap(err, "codec data")
		}
		if err := m.mux.WriteHeader([]av.CodecData{codec}); err != nil {
			return errors.Wrap(err, "write header")
		}
		var info av.VideoCodecData = codec
		log.Debug("mp4 %s: %v stream %dx%d", m.f.Name(), info.Type(), info.Width(), info.Height())
		m.codec = codec
	}
	if len(sample) == 0 {
		return nil
	}

	ts := m.last + m.interval
	if f.HasTimestamp {
		if m.samples == 0 {
			m.first = f.Timestamp
		}
		ts = f.Timestamp - m.first
	}
	if m.samples == 0 {
		ts = 0
	} else if ts <= m.last {
		ts = m.last + m.interval
	}

	err := m.mux.WritePacket(av.Packet{
		IsKeyFrame: key,
		Time:       ts,
		Data:       sample,
	})
	if err != nil {
		return errors.Wrap(err, "write sample")
	}
	m.samples++
	m.last = ts
	return nil
}

// Samples reports how many frames have been muxed.
func (m *MP4) Samples() int {
	return m.samples
}

func (m *MP4) Flush() error {
	return m.err
}

func (m *MP4) Name() string {
	return m.f.Name()
}

// Close writes the sample index and closes the file. A file that never saw
// a config frame is left empty.
func (m *MP4) Close() error {
	err := m.err
	if m.codec != nil {
		if terr := m.mux.WriteTrailer(); err == nil {
			err = errors.Wrap(terr, "write trailer")
		}
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
