package vcsim

import (
	"time"

	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/internal/media/h264"
)

const (
	defaultIntraPeriod = 60
	defaultQuality     = 85
)

// stream drives frames out of one camera output port for as long as the
// port is enabled, directly or through a tunnel.
type stream struct {
	port    *port
	stopped bool
	quit    chan struct{}
	done    chan struct{}
}

type frame struct {
	seq           int64
	pts           int64
	width, height int
	still         bool
}

func (fw *Firmware) startStreamLocked(p *port) {
	if p.stream != nil {
		return
	}
	s := &stream{port: p, quit: make(chan struct{}), done: make(chan struct{})}
	p.stream = s
	go fw.run(s)
}

// stopStreamLocked signals the stream of p to exit. The caller waits on the
// returned stream's done channel after releasing the lock.
func (fw *Firmware) stopStreamLocked(p *port) *stream {
	s := p.stream
	if s == nil {
		return nil
	}
	p.stream = nil
	s.stopped = true
	close(s.quit)
	fw.cond.Broadcast()
	return s
}

func frameInterval(f firmware.Format) time.Duration {
	fps := f.Framerate()
	if fps <= 0 {
		fps = defaultFramerate
	}
	return time.Duration(float64(time.Second) / fps)
}

// active reports whether the camera port should produce a frame now. The
// preview port always runs; video and still need the capture parameter.
func (fw *Firmware) activeLocked(s *stream) bool {
	p := s.port
	if !fw.open || !p.comp.enabled {
		return false
	}
	if p.info.Ref.Index == previewPort {
		return true
	}
	return p.params[firmware.ParamCapture] != 0
}

func (fw *Firmware) run(s *stream) {
	defer close(s.done)

	p := s.port
	for seq := int64(0); ; seq++ {
		fw.mu.Lock()
		for !s.stopped && !fw.activeLocked(s) {
			fw.cond.Wait()
		}
		if s.stopped {
			fw.mu.Unlock()
			return
		}

		f := p.info.Format
		interval := frameInterval(f)
		fr := frame{
			seq:    seq,
			pts:    seq * int64(interval/time.Microsecond),
			width:  f.Width,
			height: f.Height,
			still:  p.info.Ref.Index == stillPort,
		}
		fw.routeLocked(s, p, fr)
		if fr.still {
			// One capture per request.
			delete(p.params, firmware.ParamCapture)
		}
		fw.mu.Unlock()

		delay := fw.cfg.FrameInterval
		if fw.cfg.Realtime || p.info.Ref.Index == previewPort {
			delay = interval
		}
		if delay > 0 {
			select {
			case <-s.quit:
				return
			case <-time.After(delay):
			}
		}
	}
}

// routeLocked passes a frame leaving output port p to wherever p leads.
func (fw *Firmware) routeLocked(s *stream, p *port, fr frame) {
	switch {
	case p.conn != nil && p.conn.enabled:
		fw.acceptLocked(s, p.conn.in, fr)
	case p.hosted():
		flags := firmware.FlagFrame
		if fr.still {
			flags |= firmware.FlagEOS
		}
		fw.emitLocked(s, p, rawPayload(p, fr), flags, fr.pts)
	}
}

func (fw *Firmware) acceptLocked(s *stream, in *port, fr frame) {
	c := in.comp
	if !c.enabled {
		return
	}
	switch c.kind {
	case "splitter":
		for _, o := range c.outputs {
			if o.enabled {
				fw.routeLocked(s, o, fr)
			}
		}
	case "resize":
		o := c.outputs[0]
		if o.enabled {
			fr.width, fr.height = o.info.Format.Width, o.info.Format.Height
			fw.routeLocked(s, o, fr)
		}
	case "video_encode":
		fw.encodeVideoLocked(s, c.outputs[0], fr)
	case "image_encode":
		fw.encodeImageLocked(s, c.outputs[0], fr)
	}
	// video_render and null_sink consume frames.
}

func levelFor(width, height int) byte {
	switch mbs := ((width + 15) / 16) * ((height + 15) / 16); {
	case mbs > 3600:
		return 40
	case mbs > 1620:
		return 31
	default:
		return 30
	}
}

func visibleSize(f firmware.Format) (int, int) {
	if f.CropWidth > 0 && f.CropHeight > 0 {
		return f.CropWidth, f.CropHeight
	}
	return f.Width, f.Height
}

func (fw *Firmware) videoFrameSizeLocked(out *port) int {
	if fw.frameSize > 0 {
		return fw.frameSize
	}
	bitrate := out.params[firmware.ParamBitrate]
	if bitrate == 0 {
		bitrate = int64(out.info.Format.Bitrate)
	}
	if bitrate == 0 {
		bitrate = defaultBitrate
	}
	fps := out.info.Format.Framerate()
	if fps <= 0 {
		fps = defaultFramerate
	}
	if n := int(float64(bitrate) / 8 / fps); n > 16 {
		return n
	}
	return 16
}

func (fw *Firmware) encodeVideoLocked(s *stream, out *port, fr frame) {
	if !out.hosted() {
		return
	}
	c := out.comp
	defer func() { c.frames++ }()

	switch out.info.Format.Encoding {
	case firmware.EncodingH264:
		intra := int(out.params[firmware.ParamIntraPeriod])
		if intra <= 0 {
			intra = defaultIntraPeriod
		}
		key := c.frames%intra == 0 || c.forceKey
		c.forceKey = false

		if key && (c.frames == 0 || out.params[firmware.ParamInlineHeaders] != 0) {
			w, h := visibleSize(out.info.Format)
			hdrs := h264.Join(h264.BuildSPS(h264.ProfileMain, levelFor(w, h), w, h), h264.BuildPPS())
			if !fw.emitLocked(s, out, hdrs, firmware.FlagConfig|firmware.FlagFrame, fr.pts) {
				return
			}
		}

		flags := firmware.FlagFrame
		if key {
			flags |= firmware.FlagKeyFrame
		}
		if !fw.emitLocked(s, out, h264Frame(key, fr.seq, fw.videoFrameSizeLocked(out)), flags, fr.pts) {
			return
		}
		if fw.motion || out.params[firmware.ParamInlineMotionVectors] != 0 {
			fw.emitLocked(s, out, motionPayload(fr.width, fr.height, fr.seq),
				firmware.FlagCodecSideInfo|firmware.FlagFrame, fr.pts)
		}

	case firmware.EncodingMJPEG:
		data, err := renderImage(firmware.EncodingJPEG, fr, quality(out))
		if err != nil {
			log.Error("%v: %v", out, err)
			fw.deliverLocked(out, nil, firmware.EIO)
			return
		}
		fw.emitLocked(s, out, data, firmware.FlagFrame|firmware.FlagKeyFrame, fr.pts)
	}
}

func quality(out *port) int {
	if q := out.params[firmware.ParamJPEGQuality]; q > 0 {
		return int(q)
	}
	return defaultQuality
}

func (fw *Firmware) encodeImageLocked(s *stream, out *port, fr frame) {
	if !out.hosted() {
		return
	}
	data, err := renderImage(out.info.Format.Encoding, fr, quality(out))
	if err != nil {
		log.Error("%v: %v", out, err)
		fw.deliverLocked(out, nil, firmware.EIO)
		return
	}
	fw.emitLocked(s, out, data, firmware.FlagFrame|firmware.FlagEOS, fr.pts)
}

// emitLocked writes payload into as many host buffers as it needs. Frame
// start goes on the first buffer, frame end and EOS on the last, and every
// other flag on all of them. It reports false if the port or stream went
// away while waiting for a buffer.
func (fw *Firmware) emitLocked(s *stream, p *port, payload []byte, flags firmware.BufferFlags, pts int64) bool {
	const edges = firmware.FlagFrameStart | firmware.FlagFrameEnd | firmware.FlagEOS

	for first := true; ; first = false {
		hdr := fw.waitBufferLocked(s, p)
		if hdr == nil {
			return false
		}
		n := copy(hdr.Data, payload)
		payload = payload[n:]
		last := len(payload) == 0

		hdr.Offset = 0
		hdr.Length = n
		hdr.PTS = pts
		hdr.DTS = pts
		hdr.Flags = flags &^ edges
		if first {
			hdr.Flags |= flags & firmware.FlagFrameStart
		}
		if last {
			hdr.Flags |= flags & (firmware.FlagFrameEnd | firmware.FlagEOS)
		}
		fw.deliverLocked(p, hdr, firmware.Success)
		if last {
			return true
		}
	}
}

func (fw *Firmware) waitBufferLocked(s *stream, p *port) *firmware.BufferHeader {
	for {
		if !p.hosted() || s.stopped || !fw.open {
			return nil
		}
		if len(p.free) > 0 {
			hdr := p.free[0]
			p.free = p.free[1:]
			return hdr
		}
		fw.cond.Wait()
	}
}

func (fw *Firmware) deliverLocked(p *port, hdr *firmware.BufferHeader, st firmware.Status) {
	if hdr != nil {
		if p.corruptAfter > 0 {
			p.corruptAfter--
			if p.corruptAfter == 0 {
				hdr.Flags |= firmware.FlagCorrupted
			}
		}
		if p.failAfter > 0 {
			p.failAfter--
			if p.failAfter == 0 {
				st = p.failStatus
				hdr.Length = 0
				hdr.Flags |= firmware.FlagTransmissionFailed
			}
		}
	}
	p.events <- event{hdr, st}
}
