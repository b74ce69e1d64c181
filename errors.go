//////////////////////////////////////////////////////////////////////////////
//
// Error taxonomy of the object layer
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package mmal

import (
	"fmt"

	"github.com/lanikai/mmal/firmware"
)

// ConfigurationError reports an invalid or incompatible format or parameter,
// detected before any firmware call. Retrying with corrected parameters may
// succeed.
type ConfigurationError struct {
	Op  string
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("mmal: %s: %s", e.Op, e.Msg)
}

// ResourceError reports a pool or buffer allocation failure.
type ResourceError struct {
	Op  string
	Msg string
	Err error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mmal: %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("mmal: %s: %s", e.Op, e.Msg)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// HardwareError carries a non-success firmware status. It is fatal to the
// operation that observed it, not to the process.
type HardwareError struct {
	Op     string
	Status firmware.Status
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("mmal: %s: firmware reported %v (%d)", e.Op, e.Status, int(e.Status))
}

func (e *HardwareError) Unwrap() error {
	return e.Status.Err()
}

// StreamStateError reports an operation that is invalid for the current
// state of a port, connection, pool or encoder.
type StreamStateError struct {
	Op  string
	Msg string
}

func (e *StreamStateError) Error() string {
	return fmt.Sprintf("mmal: %s: %s", e.Op, e.Msg)
}

// ConnectionError reports a tunnel that cannot be created between two ports.
type ConnectionError struct {
	Source, Target string
	Msg            string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mmal: connect %s -> %s: %s", e.Source, e.Target, e.Msg)
}

func configErrorf(op, format string, a ...interface{}) error {
	return &ConfigurationError{op, fmt.Sprintf(format, a...)}
}

func resourceErrorf(op string, err error, format string, a ...interface{}) error {
	return &ResourceError{op, fmt.Sprintf(format, a...), err}
}

func stateErrorf(op, format string, a ...interface{}) error {
	return &StreamStateError{op, fmt.Sprintf(format, a...)}
}

// hardware returns nil on success and a *HardwareError otherwise.
func hardware(op string, st firmware.Status) error {
	if st == firmware.Success {
		return nil
	}
	return &HardwareError{op, st}
}

// Exported constructors for packages layered on top of the object graph.

func NewConfigurationError(op, format string, a ...interface{}) error {
	return configErrorf(op, format, a...)
}

func NewStreamStateError(op, format string, a ...interface{}) error {
	return stateErrorf(op, format, a...)
}

func NewHardwareError(op string, st firmware.Status) error {
	return hardware(op, st)
}
