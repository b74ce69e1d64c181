// Package vcsm manages the process-wide pool of memory shared between the
// host and the firmware. Buffer pools allocate their payload memory here.
package vcsm

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/lanikai/mmal/internal/logging"
)

var log = logging.DefaultLogger.WithTag("vcsm")

var (
	errNotAcquired = errors.New("vcsm: allocator not acquired")
	errExhausted   = errors.New("vcsm: shared memory exhausted")
	errUnknown     = errors.New("vcsm: unknown allocation")
)

// DefaultLimit mirrors a typical 128MB GPU memory split.
const DefaultLimit = 128 << 20

var allocator struct {
	sync.Mutex

	refs  int
	limit int64
	inUse int64
	live  map[*byte]int
}

// Acquire takes a reference on the allocator, initialising it on first use.
func Acquire() {
	allocator.Lock()
	defer allocator.Unlock()

	if allocator.refs == 0 {
		if allocator.limit == 0 {
			allocator.limit = DefaultLimit
		}
		allocator.live = make(map[*byte]int)
		log.Debug("shared memory allocator initialised, limit %d bytes", allocator.limit)
	}
	allocator.refs++
}

// Release drops a reference. The last release frees any allocations still
// outstanding.
func Release() {
	allocator.Lock()
	defer allocator.Unlock()

	if allocator.refs == 0 {
		return
	}
	allocator.refs--
	if allocator.refs == 0 {
		teardownLocked()
	}
}

// Shutdown frees everything regardless of outstanding references.
func Shutdown() {
	allocator.Lock()
	defer allocator.Unlock()

	if allocator.refs > 0 {
		allocator.refs = 0
		teardownLocked()
	}
}

func teardownLocked() {
	if n := len(allocator.live); n > 0 {
		log.Warn("freeing %d leaked allocations (%d bytes)", n, allocator.inUse)
	}
	for p, size := range allocator.live {
		if err := unmap(p, size); err != nil {
			log.Error("unmap failed: %v", err)
		}
	}
	allocator.live = nil
	allocator.inUse = 0
}

// SetLimit caps the total number of bytes that may be allocated at once.
func SetLimit(n int64) {
	allocator.Lock()
	allocator.limit = n
	allocator.Unlock()
}

// InUse returns the number of bytes currently allocated.
func InUse() int64 {
	allocator.Lock()
	defer allocator.Unlock()
	return allocator.inUse
}

// Alloc returns size bytes of zeroed shared memory.
func Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("vcsm: invalid allocation size %d", size)
	}

	allocator.Lock()
	defer allocator.Unlock()

	if allocator.refs == 0 {
		return nil, errNotAcquired
	}
	if allocator.inUse+int64(size) > allocator.limit {
		return nil, errors.Wrapf(errExhausted, "%d bytes requested, %d of %d in use",
			size, allocator.inUse, allocator.limit)
	}

	b, err := mmap(size)
	if err != nil {
		return nil, errors.Wrap(err, "vcsm: map")
	}
	allocator.live[&b[0]] = size
	allocator.inUse += int64(size)
	return b, nil
}

// Free returns memory obtained from Alloc.
func Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	allocator.Lock()
	defer allocator.Unlock()

	p := &b[0]
	size, ok := allocator.live[p]
	if !ok {
		// Already reclaimed by Shutdown, or not ours.
		return errUnknown
	}
	delete(allocator.live, p)
	allocator.inUse -= int64(size)
	return unmap(p, size)
}
