package vcsim

import (
	"github.com/lanikai/mmal/firmware"
)

type connection struct {
	handle  firmware.ConnectionHandle
	out, in *port
	enabled bool
}

func (fw *Firmware) CreateConnection(outRef, inRef firmware.PortRef) (firmware.ConnectionHandle, firmware.Status) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("CreateConnection"); st != firmware.Success {
		return 0, st
	}
	out, st := fw.lookupLocked(outRef)
	if st != firmware.Success {
		return 0, st
	}
	in, st := fw.lookupLocked(inRef)
	if st != firmware.Success {
		return 0, st
	}
	switch {
	case outRef.Type != firmware.PortOutput || inRef.Type != firmware.PortInput:
		return 0, firmware.EINVAL
	case out.conn != nil || in.conn != nil:
		return 0, firmware.EISCONN
	case out.enabled || in.enabled:
		return 0, firmware.EINVAL
	case !containsEncoding(in.encodings, out.info.Format.Encoding):
		return 0, firmware.EINVAL
	}

	fw.next++
	c := &connection{handle: firmware.ConnectionHandle(fw.next), out: out, in: in}
	out.conn, in.conn = c, c
	fw.connections[c.handle] = c
	return c.handle, firmware.Success
}

func (fw *Firmware) EnableConnection(h firmware.ConnectionHandle) firmware.Status {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("EnableConnection"); st != firmware.Success {
		return st
	}
	c, ok := fw.connections[h]
	if !ok {
		return firmware.ENOENT
	}
	if c.enabled {
		return firmware.Success
	}
	c.enabled = true
	c.out.enabled, c.in.enabled = true, true
	if c.out.comp.kind == "camera" {
		fw.startStreamLocked(c.out)
	}
	fw.cond.Broadcast()
	return firmware.Success
}

func (fw *Firmware) DisableConnection(h firmware.ConnectionHandle) firmware.Status {
	fw.mu.Lock()
	fault := fw.faultLocked("DisableConnection")
	c, ok := fw.connections[h]
	if !ok {
		fw.mu.Unlock()
		return firmware.ENOENT
	}
	s := fw.disableConnectionLocked(c)
	fw.mu.Unlock()

	if s != nil {
		<-s.done
	}
	return fault
}

func (fw *Firmware) disableConnectionLocked(c *connection) *stream {
	if !c.enabled {
		return nil
	}
	s := fw.stopStreamLocked(c.out)
	c.enabled = false
	c.out.enabled, c.in.enabled = false, false
	fw.cond.Broadcast()
	return s
}

func (fw *Firmware) DestroyConnection(h firmware.ConnectionHandle) firmware.Status {
	fw.mu.Lock()
	fault := fw.faultLocked("DestroyConnection")
	c, ok := fw.connections[h]
	if !ok {
		fw.mu.Unlock()
		return firmware.ENOENT
	}
	s := fw.disableConnectionLocked(c)
	c.out.conn, c.in.conn = nil, nil
	delete(fw.connections, h)
	fw.mu.Unlock()

	if s != nil {
		<-s.done
	}
	return fault
}
