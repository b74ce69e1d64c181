package mmal

import (
	"fmt"
	"sync"

	"github.com/lanikai/mmal/firmware"
)

// PortCallback receives buffers returned by the firmware. It runs on the
// port's dispatcher goroutine, never on the firmware's. The callee owns buf
// and must either Release it or Send it back. A non-nil err reports an
// asynchronous firmware failure; buf may then be nil.
//
// A callback must not call Disable on its own port.
type PortCallback func(p *Port, buf *Buffer, err error)

type portState int

const (
	portDisabled portState = iota
	portEnabled
	portDisabling
)

// Extra queue slots for status-only events, beyond one per pool buffer.
const eventSlack = 16

type delivery struct {
	hdr    *firmware.BufferHeader
	status firmware.Status
}

// Port is one endpoint of a component. Output ports produce data, input
// ports consume it.
type Port struct {
	comp *Component
	ref  firmware.PortRef
	name string

	mu        sync.Mutex
	info      firmware.PortInfo
	format    firmware.Format
	committed bool
	state     portState
	pool      *Pool
	conn      *Connection
	queue     chan delivery
	done      chan struct{}
}

func newPort(c *Component, info firmware.PortInfo) *Port {
	name := info.Name
	if name == "" {
		name = fmt.Sprintf("%v:%d", info.Ref.Type, info.Ref.Index)
	}
	return &Port{
		comp:   c,
		ref:    info.Ref,
		name:   name,
		info:   info,
		format: info.Format.Clone(),
	}
}

func (p *Port) String() string {
	return p.comp.String() + "/" + p.name
}

func (p *Port) Component() *Component { return p.comp }
func (p *Port) Ref() firmware.PortRef { return p.ref }
func (p *Port) Type() firmware.PortType { return p.ref.Type }
func (p *Port) Index() int { return p.ref.Index }

func (p *Port) fw() firmware.Firmware {
	return p.comp.graph.fw
}

// Info returns the firmware's last reported description of the port.
func (p *Port) Info() firmware.PortInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Format returns the staged format, which after Commit is the format the
// firmware accepted.
func (p *Port) Format() firmware.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format.Clone()
}

// Committed reports whether the staged format has been accepted.
func (p *Port) Committed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committed
}

// SetFormat stages f. It takes effect at Commit.
func (p *Port) SetFormat(f firmware.Format) error {
	op := "set format of " + p.String()
	if p.comp.isClosed() {
		return stateErrorf(op, "component is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != portDisabled {
		return stateErrorf(op, "port is enabled")
	}
	p.format = f.Clone()
	p.committed = false
	return nil
}

func validateFormat(op string, f firmware.Format) error {
	if f.Encoding == 0 {
		return configErrorf(op, "no encoding set")
	}
	if f.Type == firmware.ESVideo {
		if f.Width <= 0 || f.Height <= 0 {
			return configErrorf(op, "invalid frame size %dx%d", f.Width, f.Height)
		}
		if f.CropWidth > f.Width || f.CropHeight > f.Height {
			return configErrorf(op, "crop %dx%d exceeds frame %dx%d",
				f.CropWidth, f.CropHeight, f.Width, f.Height)
		}
		if f.FramerateNum <= 0 || f.FramerateDen <= 0 {
			return configErrorf(op, "invalid framerate %d/%d", f.FramerateNum, f.FramerateDen)
		}
	}
	if f.Bitrate < 0 {
		return configErrorf(op, "invalid bitrate %d", f.Bitrate)
	}
	return nil
}

func containsEncoding(list []firmware.FourCC, enc firmware.FourCC) bool {
	for _, x := range list {
		if x == enc {
			return true
		}
	}
	return false
}

// Commit asks the firmware to accept the staged format. On success the
// port's format and buffer requirements are refreshed from the firmware.
func (p *Port) Commit() error {
	op := "commit " + p.String()
	if p.comp.isClosed() {
		return stateErrorf(op, "component is closed")
	}

	p.mu.Lock()
	if p.state != portDisabled {
		p.mu.Unlock()
		return stateErrorf(op, "port is enabled")
	}
	f := p.format.Clone()
	p.mu.Unlock()

	if err := validateFormat(op, f); err != nil {
		return err
	}
	encs, err := p.SupportedEncodings()
	if err != nil {
		return err
	}
	if len(encs) > 0 && !containsEncoding(encs, f.Encoding) {
		return configErrorf(op, "encoding %v not supported, port accepts %v", f.Encoding, encs)
	}

	info, st := p.fw().CommitFormat(p.ref, f)
	if err := hardware(op, st); err != nil {
		return err
	}

	p.mu.Lock()
	p.info = info
	p.format = info.Format.Clone()
	p.committed = true
	p.mu.Unlock()

	log.Debug("%v: committed %v, %d x %d byte buffers", p, info.Format, info.BufferNum, info.BufferSize)
	return nil
}

// SupportedEncodings lists the encodings the port can carry.
func (p *Port) SupportedEncodings() ([]firmware.FourCC, error) {
	return p.comp.graph.supportedEncodings(p)
}

// SetBufferCount overrides the negotiated buffer count. It must be called
// before the pool is created.
func (p *Port) SetBufferCount(n int) error {
	return p.setBufferRequirements("set buffer count of "+p.String(), n, -1)
}

// SetBufferSize overrides the negotiated buffer size. It must be called
// before the pool is created.
func (p *Port) SetBufferSize(n int) error {
	return p.setBufferRequirements("set buffer size of "+p.String(), -1, n)
}

func (p *Port) setBufferRequirements(op string, num, size int) error {
	p.mu.Lock()
	switch {
	case p.state != portDisabled:
		p.mu.Unlock()
		return stateErrorf(op, "port is enabled")
	case p.pool != nil:
		p.mu.Unlock()
		return stateErrorf(op, "pool already created")
	}
	if num < 0 {
		num = p.info.BufferNum
	}
	if size < 0 {
		size = p.info.BufferSize
	}
	if num < p.info.BufferNumMin {
		p.mu.Unlock()
		return configErrorf(op, "%d buffers is below the minimum of %d", num, p.info.BufferNumMin)
	}
	if size < p.info.BufferSizeMin {
		p.mu.Unlock()
		return configErrorf(op, "%d bytes is below the minimum of %d", size, p.info.BufferSizeMin)
	}
	p.mu.Unlock()

	if err := hardware(op, p.fw().SetBufferRequirements(p.ref, num, size)); err != nil {
		return err
	}

	p.mu.Lock()
	p.info.BufferNum = num
	p.info.BufferSize = size
	p.mu.Unlock()
	return nil
}

// SetParameter applies a typed parameter to the port.
func (p *Port) SetParameter(param firmware.Parameter) error {
	op := fmt.Sprintf("set %v on %v", param.ID, p)
	return hardware(op, p.fw().SetParameter(p.ref, param))
}

// Pool returns the port's buffer pool, if one has been created.
func (p *Port) Pool() *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool
}

// Connection returns the tunnel attached to the port, if any.
func (p *Port) Connection() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// CreatePool allocates the host buffers for the port. Zero means the
// negotiated value; anything else must match it.
func (p *Port) CreatePool(count, size int) (*Pool, error) {
	op := "create pool on " + p.String()
	if p.comp.isClosed() {
		return nil, stateErrorf(op, "component is closed")
	}

	p.mu.Lock()
	if p.pool != nil {
		p.mu.Unlock()
		return nil, stateErrorf(op, "port already has a pool")
	}
	if p.conn != nil {
		p.mu.Unlock()
		return nil, stateErrorf(op, "port is tunnelled")
	}
	num, sz := p.info.BufferNum, p.info.BufferSize
	p.mu.Unlock()

	if count == 0 {
		count = num
	}
	if size == 0 {
		size = sz
	}
	if count <= 0 || size <= 0 {
		return nil, resourceErrorf(op, nil, "port has no buffer requirements")
	}
	if count != num || size != sz {
		return nil, resourceErrorf(op, nil, "requested %d x %d bytes, port negotiated %d x %d",
			count, size, num, sz)
	}

	pool, err := newPool(p, count, size)
	if err != nil {
		return nil, resourceErrorf(op, err, "allocation failed")
	}

	p.mu.Lock()
	if p.pool != nil {
		p.mu.Unlock()
		pool.freeMemory()
		return nil, stateErrorf(op, "port already has a pool")
	}
	p.pool = pool
	p.mu.Unlock()
	return pool, nil
}

// Enabled reports whether the port is enabled, either directly or through
// its connection.
func (p *Port) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != portDisabled
}

// Enable starts the port. Buffers returned by the firmware are handed to cb
// in the order the firmware returned them.
func (p *Port) Enable(cb PortCallback) error {
	op := "enable " + p.String()
	control := p.ref.Type == firmware.PortControl
	if p.comp.isClosed() {
		return stateErrorf(op, "component is closed")
	}

	p.mu.Lock()
	var err error
	switch {
	case p.state != portDisabled:
		err = stateErrorf(op, "port is already enabled")
	case p.conn != nil:
		err = stateErrorf(op, "port is tunnelled, enable its connection instead")
	case cb == nil:
		err = configErrorf(op, "callback required")
	case !control && !p.committed:
		err = configErrorf(op, "format not committed")
	case !control && p.pool == nil:
		err = resourceErrorf(op, nil, "no buffer pool")
	case p.pool != nil && (p.pool.Count() != p.info.BufferNum || p.pool.Size() != p.info.BufferSize):
		err = resourceErrorf(op, nil, "pool of %d x %d bytes does not match negotiated %d x %d",
			p.pool.Count(), p.pool.Size(), p.info.BufferNum, p.info.BufferSize)
	}
	if err != nil {
		p.mu.Unlock()
		return err
	}

	depth := eventSlack
	if p.pool != nil {
		depth += p.pool.Count()
	}
	queue := make(chan delivery, depth)
	done := make(chan struct{})
	pool := p.pool
	p.queue, p.done = queue, done
	p.state = portEnabled
	p.mu.Unlock()

	go p.dispatch(queue, done, pool, cb)

	// The firmware callback only enqueues. Buffer deliveries never exceed
	// the pool size so they cannot block; status-only events are dropped
	// when the queue is full.
	fwcb := func(hdr *firmware.BufferHeader, st firmware.Status) {
		if hdr != nil {
			queue <- delivery{hdr, st}
			return
		}
		select {
		case queue <- delivery{nil, st}:
		default:
			log.Warn("%v: event queue full, dropped %v", p, st)
		}
	}

	if err := hardware(op, p.fw().EnablePort(p.ref, fwcb)); err != nil {
		close(queue)
		<-done
		p.mu.Lock()
		p.state = portDisabled
		p.queue, p.done = nil, nil
		p.mu.Unlock()
		return err
	}
	log.Debug("%v: enabled", p)
	return nil
}

func (p *Port) dispatch(queue <-chan delivery, done chan<- struct{}, pool *Pool, cb PortCallback) {
	defer close(done)

	for d := range queue {
		var buf *Buffer
		if d.hdr != nil {
			if pool != nil {
				buf = pool.returned(d.hdr)
			}
			if buf == nil {
				log.Error("%v: firmware returned unknown buffer header %d", p, d.hdr.Index)
				continue
			}
		}

		p.mu.Lock()
		disabling := p.state == portDisabling
		p.mu.Unlock()
		if disabling {
			// Buffers drained by DisablePort go straight back to the pool.
			if buf != nil {
				buf.Release()
			}
			continue
		}

		var err error
		if d.status != firmware.Success {
			err = &HardwareError{"callback on " + p.String(), d.status}
		}
		cb(p, buf, err)
	}
}

// Disable stops the port. When it returns no callback is running or will
// run for the port, and every pool buffer is back in the pool.
func (p *Port) Disable() error {
	op := "disable " + p.String()

	p.mu.Lock()
	switch {
	case p.state == portDisabled:
		p.mu.Unlock()
		return nil
	case p.state == portDisabling:
		p.mu.Unlock()
		return stateErrorf(op, "disable already in progress")
	case p.conn != nil:
		p.mu.Unlock()
		return stateErrorf(op, "port is tunnelled, disable its connection instead")
	}
	p.state = portDisabling
	queue, done, pool := p.queue, p.done, p.pool
	p.mu.Unlock()

	err := hardware(op, p.fw().DisablePort(p.ref))

	// DisablePort guarantees no further firmware callbacks.
	close(queue)
	<-done

	if pool != nil {
		if n := pool.reclaim(); n > 0 {
			log.Debug("%v: reclaimed %d buffers held by the host", p, n)
		}
	}

	p.mu.Lock()
	p.state = portDisabled
	p.queue, p.done = nil, nil
	p.mu.Unlock()

	log.Debug("%v: disabled", p)
	return err
}

// Send submits buf to the firmware. For output ports the buffer is emptied
// first. Sending to a port that is not enabled returns buf to its pool.
func (p *Port) Send(buf *Buffer) error {
	op := "send buffer to " + p.String()

	p.mu.Lock()
	state, pool := p.state, p.pool
	p.mu.Unlock()

	if buf == nil || pool == nil || buf.pool != pool {
		return resourceErrorf(op, nil, "buffer does not belong to this port's pool")
	}
	if state != portEnabled {
		buf.Release()
		return stateErrorf(op, "port is not enabled")
	}

	if p.ref.Type == firmware.PortOutput {
		buf.hdr.Reset()
	}
	if err := pool.handOff(buf); err != nil {
		return stateErrorf(op, "%v", err)
	}
	if err := hardware(op, p.fw().SendBuffer(p.ref, &buf.hdr)); err != nil {
		pool.takeBack(buf)
		return err
	}
	return nil
}

// Flush asks the firmware to return every buffer it holds for the port.
func (p *Port) Flush() error {
	return hardware("flush "+p.String(), p.fw().FlushPort(p.ref))
}
