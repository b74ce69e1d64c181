//go:build linux
// +build linux

package vcsm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Anonymous shared mappings keep buffer memory outside the Go heap, the way
// memory handed to the firmware must be.
func mmap(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
}

func unmap(p *byte, size int) error {
	return unix.Munmap(unsafe.Slice(p, size))
}
