package mmal

import (
	"fmt"
	"sync"

	"github.com/lanikai/mmal/firmware"
)

// Connection is a firmware tunnel from an output port to an input port. Data
// flows between the two without passing through the host.
type Connection struct {
	source, target *Port
	handle         firmware.ConnectionHandle

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (c *Connection) String() string {
	return fmt.Sprintf("%v -> %v", c.source, c.target)
}

func (c *Connection) Source() *Port { return c.source }
func (c *Connection) Target() *Port { return c.target }

func (c *Connection) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Connect tunnels output port p to input port in. The input adopts the
// output's committed format. On failure neither port is enabled and the
// input's previous format is restored.
func (p *Port) Connect(in *Port) (*Connection, error) {
	out := p
	fail := func(format string, a ...interface{}) error {
		return &ConnectionError{out.String(), in.String(), fmt.Sprintf(format, a...)}
	}

	switch {
	case in == nil:
		return nil, &ConnectionError{out.String(), "<nil>", "no target port"}
	case out.ref.Type != firmware.PortOutput || in.ref.Type != firmware.PortInput:
		return nil, fail("a connection runs from an output port to an input port")
	case out.comp == in.comp:
		return nil, fail("ports belong to the same component")
	case out.comp.graph != in.comp.graph:
		return nil, fail("ports belong to different graphs")
	case out.comp.isClosed() || in.comp.isClosed():
		return nil, stateErrorf("connect "+out.String(), "component is closed")
	}

	// Output ports are always locked before input ports.
	out.mu.Lock()
	in.mu.Lock()
	var err error
	switch {
	case out.conn != nil || in.conn != nil:
		err = fail("port already connected")
	case out.state != portDisabled || in.state != portDisabled:
		err = stateErrorf("connect "+out.String(), "ports must be disabled")
	case out.pool != nil || in.pool != nil:
		err = fail("port has a host buffer pool")
	case !out.committed:
		err = configErrorf("connect "+out.String(), "source format not committed")
	}
	srcFormat := out.format.Clone()
	savedFormat, savedCommitted := in.format.Clone(), in.committed
	in.mu.Unlock()
	out.mu.Unlock()
	if err != nil {
		return nil, err
	}

	encs, err := in.SupportedEncodings()
	if err != nil {
		return nil, err
	}
	if !containsEncoding(encs, srcFormat.Encoding) {
		return nil, fail("target does not accept %v, it accepts %v", srcFormat.Encoding, encs)
	}

	restore := func(recommit bool) {
		in.mu.Lock()
		in.format = savedFormat.Clone()
		in.committed = savedCommitted
		in.mu.Unlock()
		if recommit && savedCommitted {
			if info, st := in.fw().CommitFormat(in.ref, savedFormat); st == firmware.Success {
				in.mu.Lock()
				in.info = info
				in.mu.Unlock()
			} else {
				log.Warn("%v: could not restore format %v: %v", in, savedFormat, st)
			}
		}
	}

	if err := in.SetFormat(srcFormat); err != nil {
		return nil, err
	}
	if err := in.Commit(); err != nil {
		restore(false)
		return nil, fail("target rejected %v: %v", srcFormat, err)
	}

	h, st := out.fw().CreateConnection(out.ref, in.ref)
	if err := hardware("connect "+out.String(), st); err != nil {
		restore(true)
		return nil, err
	}

	conn := &Connection{source: out, target: in, handle: h}
	out.mu.Lock()
	in.mu.Lock()
	raced := out.conn != nil || in.conn != nil
	if !raced {
		out.conn, in.conn = conn, conn
	}
	in.mu.Unlock()
	out.mu.Unlock()
	if raced {
		out.fw().DestroyConnection(h)
		restore(true)
		return nil, fail("port already connected")
	}

	log.Debug("connected %v", conn)
	return conn, nil
}

// Enable starts the tunnel, implicitly enabling both ports.
func (c *Connection) Enable() error {
	op := "enable connection " + c.String()

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return stateErrorf(op, "connection is closed")
	case c.enabled:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := hardware(op, c.source.fw().EnableConnection(c.handle)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stateErrorf(op, "connection was closed")
	}
	c.setPortState(portEnabled)
	c.enabled = true
	return nil
}

// Disable stops the tunnel and both ports.
func (c *Connection) Disable() error {
	c.mu.Lock()
	was := c.enabled
	c.enabled = false
	c.mu.Unlock()

	if !was {
		return nil
	}
	return c.disable()
}

func (c *Connection) disable() error {
	err := hardware("disable connection "+c.String(), c.source.fw().DisableConnection(c.handle))
	c.setPortState(portDisabled)
	return err
}

// Close disables the tunnel if needed, destroys it and detaches both ports.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	was := c.enabled
	c.enabled = false
	c.mu.Unlock()

	var err error
	if was {
		err = c.disable()
	}
	if derr := hardware("destroy connection "+c.String(), c.source.fw().DestroyConnection(c.handle)); err == nil {
		err = derr
	}

	for _, p := range []*Port{c.source, c.target} {
		p.mu.Lock()
		if p.conn == c {
			p.conn = nil
		}
		p.mu.Unlock()
	}
	log.Debug("disconnected %v", c)
	return err
}

func (c *Connection) setPortState(s portState) {
	for _, p := range []*Port{c.source, c.target} {
		p.mu.Lock()
		p.state = s
		p.mu.Unlock()
	}
}
