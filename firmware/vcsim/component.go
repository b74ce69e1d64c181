package vcsim

import (
	"github.com/lanikai/mmal/firmware"
)

type component struct {
	handle  firmware.ComponentHandle
	kind    string
	enabled bool

	ports   []*port
	inputs  []*port
	outputs []*port

	// Video encoder state.
	frames   int
	forceKey bool
}

type event struct {
	hdr *firmware.BufferHeader
	st  firmware.Status
}

type port struct {
	comp        *component
	info        firmware.PortInfo
	encodings   []firmware.FourCC
	recommended int
	params      map[firmware.ParameterID]int64

	enabled bool
	conn    *connection
	stream  *stream

	// Host buffers waiting to be filled, in submission order.
	free []*firmware.BufferHeader

	// Callback goroutine plumbing, set while enabled with a host callback.
	events chan event
	cbDone chan struct{}

	failAfter    int
	failStatus   firmware.Status
	corruptAfter int

	scratch []byte
}

func (p *port) hosted() bool {
	return p.enabled && p.events != nil
}

func (p *port) String() string {
	return p.comp.kind + "/" + p.info.Name
}

func (fw *Firmware) CreateComponent(kind string) (firmware.ComponentHandle, []firmware.PortInfo, firmware.Status) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.open {
		return 0, nil, firmware.ENOTCONN
	}
	if st := fw.faultLocked("CreateComponent"); st != firmware.Success {
		return 0, nil, st
	}
	templates, ok := catalog[kind]
	if !ok {
		return 0, nil, firmware.ENOENT
	}

	fw.next++
	c := &component{handle: firmware.ComponentHandle(fw.next), kind: kind}

	control := &port{comp: c, params: make(map[firmware.ParameterID]int64)}
	control.info = firmware.PortInfo{
		Ref:  firmware.PortRef{Component: c.handle, Type: firmware.PortControl},
		Name: "control",
	}
	c.ports = append(c.ports, control)

	infos := []firmware.PortInfo{control.info}
	for _, t := range templates {
		p := &port{
			comp:        c,
			encodings:   t.encodings,
			recommended: t.buffers,
			params:      make(map[firmware.ParameterID]int64),
		}
		ref := firmware.PortRef{Component: c.handle, Type: t.typ}
		if t.typ == firmware.PortInput {
			ref.Index = len(c.inputs)
			c.inputs = append(c.inputs, p)
		} else {
			ref.Index = len(c.outputs)
			c.outputs = append(c.outputs, p)
		}
		p.info = firmware.PortInfo{Ref: ref, Name: t.name, Format: t.format.Clone()}
		p.setRequirements()
		c.ports = append(c.ports, p)
		infos = append(infos, p.info)
	}

	fw.components[c.handle] = c
	log.Debug("created %s#%d", kind, c.handle)
	return c.handle, infos, firmware.Success
}

func (fw *Firmware) DestroyComponent(h firmware.ComponentHandle) firmware.Status {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("DestroyComponent"); st != firmware.Success {
		return st
	}
	c, ok := fw.components[h]
	if !ok {
		return firmware.ENOENT
	}
	for _, p := range c.ports {
		if p.conn != nil {
			return firmware.EISCONN
		}
		if p.enabled {
			return firmware.EINVAL
		}
	}
	delete(fw.components, h)
	return firmware.Success
}

func (fw *Firmware) EnableComponent(h firmware.ComponentHandle) firmware.Status {
	return fw.setComponentEnabled("EnableComponent", h, true)
}

func (fw *Firmware) DisableComponent(h firmware.ComponentHandle) firmware.Status {
	return fw.setComponentEnabled("DisableComponent", h, false)
}

func (fw *Firmware) setComponentEnabled(op string, h firmware.ComponentHandle, on bool) firmware.Status {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked(op); st != firmware.Success {
		return st
	}
	c, ok := fw.components[h]
	if !ok {
		return firmware.ENOENT
	}
	c.enabled = on
	if on {
		c.frames = 0
	}
	fw.cond.Broadcast()
	return firmware.Success
}

func (fw *Firmware) PortInfo(ref firmware.PortRef) (firmware.PortInfo, firmware.Status) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	p, st := fw.lookupLocked(ref)
	if st != firmware.Success {
		return firmware.PortInfo{}, st
	}
	info := p.info
	info.Format = info.Format.Clone()
	return info, firmware.Success
}

func (fw *Firmware) SupportedEncodings(ref firmware.PortRef) ([]firmware.FourCC, firmware.Status) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("SupportedEncodings"); st != firmware.Success {
		return nil, st
	}
	p, st := fw.lookupLocked(ref)
	if st != firmware.Success {
		return nil, st
	}
	return append([]firmware.FourCC(nil), p.encodings...), firmware.Success
}

func (fw *Firmware) CommitFormat(ref firmware.PortRef, f firmware.Format) (firmware.PortInfo, firmware.Status) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("CommitFormat"); st != firmware.Success {
		return firmware.PortInfo{}, st
	}
	p, st := fw.lookupLocked(ref)
	if st != firmware.Success {
		return firmware.PortInfo{}, st
	}
	if p.enabled {
		return firmware.PortInfo{}, firmware.EINVAL
	}
	if ref.Type == firmware.PortControl || !containsEncoding(p.encodings, f.Encoding) {
		return firmware.PortInfo{}, firmware.EINVAL
	}

	f = f.Clone()
	if f.Width == 0 && f.Height == 0 && len(p.comp.inputs) > 0 {
		// Encoded outputs inherit the picture size of their input.
		in := p.comp.inputs[0].info.Format
		f.Width, f.Height = in.Width, in.Height
		f.CropWidth, f.CropHeight = in.CropWidth, in.CropHeight
		if f.FramerateDen == 0 {
			f.FramerateNum, f.FramerateDen = in.FramerateNum, in.FramerateDen
		}
	}
	if f.Width <= 0 || f.Height <= 0 {
		return firmware.PortInfo{}, firmware.EINVAL
	}
	if f.CropWidth == 0 || f.CropHeight == 0 {
		f.CropWidth, f.CropHeight = f.Width, f.Height
	}
	if f.Encoding.IsRaw() {
		f.Width = align(f.Width, 32)
		f.Height = align(f.Height, 16)
	}
	if f.FramerateDen == 0 {
		f.FramerateNum, f.FramerateDen = defaultFramerate, 1
	}
	if f.Encoding == firmware.EncodingH264 && f.Bitrate == 0 {
		f.Bitrate = defaultBitrate
	}
	if f.Type == firmware.ESUnknown {
		f.Type = firmware.ESVideo
	}

	p.info.Format = f
	p.setRequirements()

	info := p.info
	info.Format = info.Format.Clone()
	return info, firmware.Success
}

func (fw *Firmware) SetBufferRequirements(ref firmware.PortRef, num, size int) firmware.Status {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("SetBufferRequirements"); st != firmware.Success {
		return st
	}
	p, st := fw.lookupLocked(ref)
	if st != firmware.Success {
		return st
	}
	if p.enabled || num < p.info.BufferNumMin || size < p.info.BufferSizeMin {
		return firmware.EINVAL
	}
	p.info.BufferNum = num
	p.info.BufferSize = size
	return firmware.Success
}

func (fw *Firmware) SetParameter(ref firmware.PortRef, param firmware.Parameter) firmware.Status {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("SetParameter"); st != firmware.Success {
		return st
	}
	p, st := fw.lookupLocked(ref)
	if st != firmware.Success {
		return st
	}

	kind := p.comp.kind
	encoderOut := ref.Type == firmware.PortOutput && (kind == "video_encode" || kind == "image_encode")
	switch param.ID {
	case firmware.ParamCapture:
		if kind != "camera" || ref.Type != firmware.PortOutput {
			return firmware.ENOSYS
		}
	case firmware.ParamRequestKeyFrame:
		if kind != "video_encode" || ref.Type != firmware.PortOutput {
			return firmware.ENOSYS
		}
		p.comp.forceKey = true
	case firmware.ParamBitrate, firmware.ParamIntraPeriod:
		if kind != "video_encode" || ref.Type != firmware.PortOutput {
			return firmware.ENOSYS
		}
		if param.Value < 0 {
			return firmware.EINVAL
		}
	case firmware.ParamInlineHeaders, firmware.ParamInlineMotionVectors:
		if kind != "video_encode" || ref.Type != firmware.PortOutput {
			return firmware.ENOSYS
		}
	case firmware.ParamJPEGQuality:
		if !encoderOut {
			return firmware.ENOSYS
		}
		if param.Value < 1 || param.Value > 100 {
			return firmware.EINVAL
		}
	default:
		return firmware.ENOSYS
	}

	p.params[param.ID] = param.Value
	fw.cond.Broadcast()
	return firmware.Success
}

func (fw *Firmware) EnablePort(ref firmware.PortRef, cb firmware.Callback) firmware.Status {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("EnablePort"); st != firmware.Success {
		return st
	}
	p, st := fw.lookupLocked(ref)
	switch {
	case st != firmware.Success:
		return st
	case p.enabled:
		return firmware.EINVAL
	case p.conn != nil:
		return firmware.EISCONN
	case cb == nil:
		return firmware.EINVAL
	}

	p.enabled = true
	p.events = make(chan event, p.info.BufferNum+16)
	p.cbDone = make(chan struct{})
	go runCallbacks(p.events, p.cbDone, cb)

	if p.comp.kind == "camera" && ref.Type == firmware.PortOutput {
		fw.startStreamLocked(p)
	}
	log.Debug("%v: enabled", p)
	return firmware.Success
}

// runCallbacks invokes cb for every event, in order, without holding the
// firmware lock.
func runCallbacks(events <-chan event, done chan<- struct{}, cb firmware.Callback) {
	defer close(done)
	for ev := range events {
		cb(ev.hdr, ev.st)
	}
}

func (fw *Firmware) DisablePort(ref firmware.PortRef) firmware.Status {
	fw.mu.Lock()

	fault := fw.faultLocked("DisablePort")
	p, st := fw.lookupLocked(ref)
	switch {
	case st != firmware.Success:
		fw.mu.Unlock()
		return st
	case !p.enabled:
		fw.mu.Unlock()
		return firmware.EINVAL
	case p.conn != nil:
		fw.mu.Unlock()
		return firmware.EISCONN
	}

	s := fw.stopStreamLocked(p)
	p.enabled = false
	fw.returnFreeLocked(p)
	close(p.events)
	p.events = nil
	done := p.cbDone
	p.cbDone = nil
	fw.cond.Broadcast()
	fw.mu.Unlock()

	if s != nil {
		<-s.done
	}
	<-done
	log.Debug("%v: disabled", p)
	return fault
}

// returnFreeLocked hands every waiting buffer back to the host, empty.
func (fw *Firmware) returnFreeLocked(p *port) {
	for _, hdr := range p.free {
		hdr.Length = 0
		hdr.Flags = 0
		p.events <- event{hdr, firmware.Success}
	}
	p.free = nil
}

func (fw *Firmware) SendBuffer(ref firmware.PortRef, hdr *firmware.BufferHeader) firmware.Status {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("SendBuffer"); st != firmware.Success {
		return st
	}
	p, st := fw.lookupLocked(ref)
	switch {
	case st != firmware.Success:
		return st
	case !p.hosted():
		return firmware.EINVAL
	case hdr == nil || len(hdr.Data) < p.info.BufferSizeMin:
		return firmware.EINVAL
	}

	if ref.Type == firmware.PortInput {
		// Host-fed input is consumed immediately.
		hdr.Length = 0
		p.events <- event{hdr, firmware.Success}
		return firmware.Success
	}
	p.free = append(p.free, hdr)
	fw.cond.Broadcast()
	return firmware.Success
}

func (fw *Firmware) FlushPort(ref firmware.PortRef) firmware.Status {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	p, st := fw.lookupLocked(ref)
	if st != firmware.Success {
		return st
	}
	if p.hosted() {
		fw.returnFreeLocked(p)
	}
	return firmware.Success
}
