//////////////////////////////////////////////////////////////////////////////
//
// Firmware status codes
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package firmware

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Status is the synchronous result code of every firmware call, and the
// status attached to every buffer callback.
type Status int

const (
	Success Status = iota
	ENOMEM            // Out of memory
	ENOSPC            // Out of resources (other than memory)
	EINVAL            // Argument is invalid
	ENOSYS            // Function not implemented
	ENOENT            // No such file or directory
	ENXIO             // No such device or address
	EIO               // I/O error
	ESPIPE            // Illegal seek
	ECORRUPT          // Data is corrupt
	ENOTREADY         // Component is not ready
	ECONFIG           // Component is not configured
	EISCONN           // Port is already connected
	ENOTCONN          // Port is disconnected
	EAGAIN            // Resource temporarily unavailable, try again later
	EFAULT            // Bad address
)

var statusNames = [...]string{
	"success", "out of memory", "out of resources", "invalid argument",
	"not implemented", "no such entry", "no such device", "I/O error",
	"illegal seek", "data is corrupt", "component not ready",
	"component not configured", "port already connected", "port not connected",
	"try again later", "bad address",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status %d", int(s))
}

// Err returns nil for Success and a *StatusError otherwise.
func (s Status) Err() error {
	if s == Success {
		return nil
	}
	return &StatusError{s}
}

// StatusError carries a raw non-success status.
type StatusError struct {
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("firmware: %v (%d)", e.Status, int(e.Status))
}

// StatusOf extracts the firmware status from anywhere in err's chain. It
// returns Success if err carries none.
func StatusOf(err error) Status {
	var se *StatusError
	if xerrors.As(err, &se) {
		return se.Status
	}
	return Success
}
