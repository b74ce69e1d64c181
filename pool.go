package mmal

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/internal/vcsm"
)

type owner int

const (
	ownedByPool owner = iota
	ownedByHost
	ownedByFirmware
)

func (o owner) String() string {
	switch o {
	case ownedByPool:
		return "pool"
	case ownedByHost:
		return "host"
	default:
		return "firmware"
	}
}

// Pool is a fixed set of equally sized buffers bound to one port. At every
// instant each buffer is owned by exactly one of the pool, the firmware or
// host code.
type Pool struct {
	port    *Port
	size    int
	buffers []*Buffer

	// mu guards free, closed and the owner of every buffer.
	mu     sync.Mutex
	free   []*Buffer
	closed bool
}

func newPool(port *Port, count, size int) (*Pool, error) {
	pool := &Pool{port: port, size: size}
	for i := 0; i < count; i++ {
		mem, err := vcsm.Alloc(size)
		if err != nil {
			pool.freeMemory()
			return nil, errors.Wrapf(err, "buffer %d of %d", i+1, count)
		}
		b := &Buffer{pool: pool, hdr: firmware.BufferHeader{Index: i, Data: mem}}
		b.hdr.Reset()
		pool.buffers = append(pool.buffers, b)
		pool.free = append(pool.free, b)
	}
	return pool, nil
}

func (pool *Pool) Port() *Port { return pool.port }

// Count is the total number of buffers in the pool.
func (pool *Pool) Count() int { return len(pool.buffers) }

// Size is the capacity of each buffer in bytes.
func (pool *Pool) Size() int { return pool.size }

// Free is the number of buffers currently owned by the pool.
func (pool *Pool) Free() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.free)
}

// Get takes a buffer from the pool, or returns nil if none is free.
func (pool *Pool) Get() *Buffer {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.closed || len(pool.free) == 0 {
		return nil
	}
	b := pool.free[0]
	pool.free = pool.free[1:]
	b.owner = ownedByHost
	b.hdr.Reset()
	return b
}

// Send submits every free buffer to the port.
func (pool *Pool) Send() error {
	for {
		b := pool.Get()
		if b == nil {
			return nil
		}
		if err := pool.port.Send(b); err != nil {
			return err
		}
	}
}

// Close frees the pool's memory. The port must be disabled.
func (pool *Pool) Close() error {
	op := "close pool on " + pool.port.String()
	if pool.port.Enabled() {
		return stateErrorf(op, "port is enabled")
	}

	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return nil
	}
	for _, b := range pool.buffers {
		if b.owner == ownedByFirmware {
			pool.mu.Unlock()
			return stateErrorf(op, "buffer %d still owned by the firmware", b.hdr.Index)
		}
	}
	pool.closed = true
	pool.free = nil
	pool.mu.Unlock()

	pool.port.mu.Lock()
	if pool.port.pool == pool {
		pool.port.pool = nil
	}
	pool.port.mu.Unlock()

	return pool.freeMemory()
}

func (pool *Pool) freeMemory() error {
	var first error
	for _, b := range pool.buffers {
		if err := vcsm.Free(b.hdr.Data); err != nil && first == nil {
			first = resourceErrorf("free pool memory", err, "buffer %d", b.hdr.Index)
		}
		b.hdr.Data = nil
	}
	return first
}

// release returns a host-owned buffer to the pool. Anything else is a no-op.
func (pool *Pool) release(b *Buffer) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if b.owner != ownedByHost {
		return
	}
	b.owner = ownedByPool
	if !pool.closed {
		pool.free = append(pool.free, b)
	}
}

// handOff transfers a host-owned buffer to the firmware.
func (pool *Pool) handOff(b *Buffer) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if b.owner != ownedByHost {
		return errors.Errorf("buffer %d is owned by the %v", b.hdr.Index, b.owner)
	}
	b.owner = ownedByFirmware
	return nil
}

// takeBack undoes a handOff after a failed submission and frees the buffer.
func (pool *Pool) takeBack(b *Buffer) {
	pool.mu.Lock()
	if b.owner == ownedByFirmware {
		b.owner = ownedByHost
	}
	pool.mu.Unlock()
	pool.release(b)
}

// returned maps a header handed back by the firmware to its buffer and
// transfers ownership to the host.
func (pool *Pool) returned(hdr *firmware.BufferHeader) *Buffer {
	if hdr.Index < 0 || hdr.Index >= len(pool.buffers) {
		return nil
	}
	b := pool.buffers[hdr.Index]
	if &b.hdr != hdr {
		return nil
	}

	pool.mu.Lock()
	defer pool.mu.Unlock()
	if b.owner != ownedByFirmware {
		log.Warn("%v: buffer %d returned while owned by the %v", pool.port, hdr.Index, b.owner)
	}
	b.owner = ownedByHost
	return b
}

// reclaim forces every buffer back into the pool and returns how many were
// held outside it.
func (pool *Pool) reclaim() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	n := 0
	for _, b := range pool.buffers {
		if b.owner != ownedByPool {
			b.owner = ownedByPool
			b.hdr.Reset()
			if !pool.closed {
				pool.free = append(pool.free, b)
			}
			n++
		}
	}
	return n
}
