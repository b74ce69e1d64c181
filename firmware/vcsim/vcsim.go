//////////////////////////////////////////////////////////////////////////////
//
// In-process simulation of the multimedia firmware
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

// Package vcsim implements firmware.Firmware in process. It models a camera,
// splitter, resizer, video and image encoders, a renderer and a null sink,
// with tunnels between them and host buffers delivered on a callback
// goroutine per port. Faults can be injected for tests.
package vcsim

import (
	"sync"
	"time"

	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/internal/logging"
)

var log = logging.DefaultLogger.WithTag("vcsim")

type Config struct {
	// Realtime paces each camera stream at its configured framerate.
	Realtime bool

	// FrameInterval is the delay between frames when Realtime is off. Zero
	// produces frames as fast as host buffers are returned.
	FrameInterval time.Duration
}

// Firmware is a simulated processing unit. The zero value is not usable;
// call New.
type Firmware struct {
	cfg Config

	// mu guards everything below. cond is signalled whenever a buffer is
	// submitted, a port or stream changes state, or a parameter is set.
	mu   sync.Mutex
	cond *sync.Cond

	open        bool
	next        uint32
	components  map[firmware.ComponentHandle]*component
	connections map[firmware.ConnectionHandle]*connection

	callFaults map[string]firmware.Status
	frameSize  int
	motion     bool
}

func New(cfg Config) *Firmware {
	fw := &Firmware{
		cfg:         cfg,
		components:  make(map[firmware.ComponentHandle]*component),
		connections: make(map[firmware.ConnectionHandle]*connection),
		callFaults:  make(map[string]firmware.Status),
	}
	fw.cond = sync.NewCond(&fw.mu)
	return fw
}

var _ firmware.Firmware = (*Firmware)(nil)

func (fw *Firmware) Open() firmware.Status {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if st := fw.faultLocked("Open"); st != firmware.Success {
		return st
	}
	if fw.open {
		return firmware.EISCONN
	}
	fw.open = true
	log.Debug("firmware opened")
	return firmware.Success
}

// Close stops every camera stream. Components left behind by the host are
// reported and discarded.
func (fw *Firmware) Close() firmware.Status {
	fw.mu.Lock()
	if !fw.open {
		fw.mu.Unlock()
		return firmware.ENOTCONN
	}
	fw.open = false

	var streams []*stream
	for _, c := range fw.components {
		for _, p := range c.ports {
			if s := fw.stopStreamLocked(p); s != nil {
				streams = append(streams, s)
			}
		}
	}
	if n := len(fw.components); n > 0 {
		log.Warn("closing with %d components still alive", n)
	}
	fw.cond.Broadcast()
	fw.mu.Unlock()

	for _, s := range streams {
		<-s.done
	}
	log.Debug("firmware closed")
	return firmware.Success
}

// FailCall makes the next call of the named method (e.g. "EnablePort")
// return st.
func (fw *Firmware) FailCall(op string, st firmware.Status) {
	fw.mu.Lock()
	fw.callFaults[op] = st
	fw.mu.Unlock()
}

// FailCallback makes the n-th buffer delivered on port p from now on carry
// status st instead of a payload.
func (fw *Firmware) FailCallback(ref firmware.PortRef, n int, st firmware.Status) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if p, s := fw.lookupLocked(ref); s == firmware.Success {
		p.failAfter = n
		p.failStatus = st
	}
}

// CorruptBuffer flags the n-th buffer delivered on port p from now on as
// corrupted. Its payload is still delivered.
func (fw *Firmware) CorruptBuffer(ref firmware.PortRef, n int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if p, s := fw.lookupLocked(ref); s == firmware.Success {
		p.corruptAfter = n
	}
}

// SetFrameSize fixes the size in bytes of every encoded video frame. Zero
// derives it from the bitrate.
func (fw *Firmware) SetFrameSize(n int) {
	fw.mu.Lock()
	fw.frameSize = n
	fw.mu.Unlock()
}

// SetMotionVectors forces video encoders to emit motion side information
// after every frame, whatever the inline-motion-vectors parameter says.
func (fw *Firmware) SetMotionVectors(on bool) {
	fw.mu.Lock()
	fw.motion = on
	fw.mu.Unlock()
}

func (fw *Firmware) faultLocked(op string) firmware.Status {
	st, ok := fw.callFaults[op]
	if !ok {
		return firmware.Success
	}
	delete(fw.callFaults, op)
	log.Debug("injected fault: %s returns %v", op, st)
	return st
}

func (fw *Firmware) lookupLocked(ref firmware.PortRef) (*port, firmware.Status) {
	c, ok := fw.components[ref.Component]
	if !ok {
		return nil, firmware.ENOENT
	}
	for _, p := range c.ports {
		if p.info.Ref.Type == ref.Type && p.info.Ref.Index == ref.Index {
			return p, firmware.Success
		}
	}
	return nil, firmware.EINVAL
}
