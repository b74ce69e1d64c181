package mmal

import (
	"time"

	"github.com/lanikai/mmal/firmware"
)

// Buffer is one slot of a Pool.
type Buffer struct {
	pool  *Pool
	hdr   firmware.BufferHeader
	owner owner
}

func (b *Buffer) Pool() *Pool { return b.pool }

// Index is the buffer's position within its pool.
func (b *Buffer) Index() int { return b.hdr.Index }

// Bytes returns the payload. It aliases pool memory and is only valid until
// the buffer is released or sent.
func (b *Buffer) Bytes() []byte { return b.hdr.Payload() }

func (b *Buffer) Len() int { return b.hdr.Length }

func (b *Buffer) Cap() int { return len(b.hdr.Data) }

func (b *Buffer) Flags() firmware.BufferFlags { return b.hdr.Flags }

func (b *Buffer) SetFlags(f firmware.BufferFlags) { b.hdr.Flags = f }

// Timestamp returns the presentation time, if the firmware supplied one.
func (b *Buffer) Timestamp() (time.Duration, bool) {
	if b.hdr.PTS == firmware.TimeUnknown {
		return 0, false
	}
	return time.Duration(b.hdr.PTS) * time.Microsecond, true
}

func (b *Buffer) SetTimestamp(d time.Duration) {
	b.hdr.PTS = int64(d / time.Microsecond)
	b.hdr.DTS = b.hdr.PTS
}

// Update replaces the payload with data, for buffers headed to an input port.
func (b *Buffer) Update(data []byte) error {
	if len(data) > len(b.hdr.Data) {
		return resourceErrorf("update buffer", nil, "%d bytes exceeds capacity of %d", len(data), len(b.hdr.Data))
	}
	b.hdr.Offset = 0
	b.hdr.Length = copy(b.hdr.Data, data)
	return nil
}

// Release returns the buffer to its pool. Releasing a buffer that is not
// held by the host is a no-op.
func (b *Buffer) Release() {
	b.pool.release(b)
}
