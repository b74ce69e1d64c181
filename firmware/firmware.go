//////////////////////////////////////////////////////////////////////////////
//
// Firmware ABI consumed by the object layer
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

// Package firmware describes the message-passing interface of the multimedia
// processing unit: components, ports, buffer headers, tunnels and status
// codes. The object layer only ever invokes it; implementations live
// elsewhere (see firmware/vcsim).
package firmware

import (
	"fmt"
	"math"
	"strings"
)

type ComponentHandle uint32

type ConnectionHandle uint32

type PortType int

const (
	PortControl PortType = iota
	PortInput
	PortOutput
	PortClock
)

func (t PortType) String() string {
	switch t {
	case PortControl:
		return "control"
	case PortInput:
		return "in"
	case PortOutput:
		return "out"
	case PortClock:
		return "clock"
	default:
		return fmt.Sprintf("port type %d", int(t))
	}
}

// PortRef addresses one port of a component.
type PortRef struct {
	Component ComponentHandle
	Type      PortType
	Index     int
}

func (p PortRef) String() string {
	return fmt.Sprintf("%d:%v:%d", p.Component, p.Type, p.Index)
}

// PortInfo is the firmware's description of a port: its current format and
// buffer requirements.
type PortInfo struct {
	Ref    PortRef
	Name   string
	Format Format

	BufferNumMin          int
	BufferSizeMin         int
	BufferNumRecommended  int
	BufferSizeRecommended int
	BufferAlignment       int

	// Currently configured values.
	BufferNum  int
	BufferSize int
}

// BufferFlags annotate the payload of a buffer header.
type BufferFlags uint32

const (
	FlagEOS BufferFlags = 1 << iota
	FlagFrameStart
	FlagFrameEnd
	FlagKeyFrame
	FlagDiscontinuity
	FlagConfig
	FlagEncrypted
	FlagCodecSideInfo
	FlagSnapshot
	FlagCorrupted
	FlagTransmissionFailed

	FlagFrame = FlagFrameStart | FlagFrameEnd
)

var flagNames = []string{
	"eos", "frame-start", "frame-end", "keyframe", "discontinuity", "config",
	"encrypted", "side-info", "snapshot", "corrupted", "transmission-failed",
}

func (f BufferFlags) Has(mask BufferFlags) bool {
	return f&mask == mask
}

func (f BufferFlags) String() string {
	var names []string
	for i, name := range flagNames {
		if f&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// TimeUnknown marks an absent PTS/DTS.
const TimeUnknown int64 = math.MinInt64

// BufferHeader is the unit of exchange with the firmware. The host owns Data;
// between SendBuffer and the matching callback the firmware may write to
// Data, Offset, Length, Flags, PTS and DTS.
type BufferHeader struct {
	// Position of the header within its pool.
	Index int

	// Backing memory. len(Data) is the capacity.
	Data []byte

	Offset int
	Length int
	Flags  BufferFlags

	// Presentation and decode timestamps in microseconds.
	PTS int64
	DTS int64
}

// Reset clears payload metadata before a header is resubmitted.
func (h *BufferHeader) Reset() {
	h.Offset = 0
	h.Length = 0
	h.Flags = 0
	h.PTS = TimeUnknown
	h.DTS = TimeUnknown
}

// Payload returns the filled part of Data.
func (h *BufferHeader) Payload() []byte {
	return h.Data[h.Offset : h.Offset+h.Length]
}

// Callback is invoked on a firmware-owned goroutine each time a buffer is
// handed back to the host. A status other than Success reports an
// asynchronous failure; hdr may then be nil.
type Callback func(hdr *BufferHeader, status Status)

type ParameterID int

const (
	ParamCapture ParameterID = iota + 1
	ParamRequestKeyFrame
	ParamBitrate
	ParamIntraPeriod
	ParamInlineHeaders
	ParamInlineMotionVectors
	ParamJPEGQuality
)

func (id ParameterID) String() string {
	switch id {
	case ParamCapture:
		return "capture"
	case ParamRequestKeyFrame:
		return "request-key-frame"
	case ParamBitrate:
		return "bitrate"
	case ParamIntraPeriod:
		return "intra-period"
	case ParamInlineHeaders:
		return "inline-headers"
	case ParamInlineMotionVectors:
		return "inline-motion-vectors"
	case ParamJPEGQuality:
		return "jpeg-quality"
	default:
		return fmt.Sprintf("parameter %d", int(id))
	}
}

// Parameter is a typed port parameter. Booleans are encoded as 0/1.
type Parameter struct {
	ID    ParameterID
	Value int64
}

func BoolParameter(id ParameterID, v bool) Parameter {
	if v {
		return Parameter{id, 1}
	}
	return Parameter{id, 0}
}

func IntParameter(id ParameterID, v int) Parameter {
	return Parameter{id, int64(v)}
}

func (p Parameter) Bool() bool {
	return p.Value != 0
}

// Firmware is the ABI surface of the processing unit. Every call returns a
// synchronous status. Implementations must not hold internal locks while
// invoking a Callback.
type Firmware interface {
	Open() Status
	Close() Status

	CreateComponent(kind string) (ComponentHandle, []PortInfo, Status)
	DestroyComponent(c ComponentHandle) Status
	EnableComponent(c ComponentHandle) Status
	DisableComponent(c ComponentHandle) Status

	PortInfo(p PortRef) (PortInfo, Status)
	SupportedEncodings(p PortRef) ([]FourCC, Status)
	CommitFormat(p PortRef, f Format) (PortInfo, Status)
	SetBufferRequirements(p PortRef, num, size int) Status
	SetParameter(p PortRef, param Parameter) Status

	// EnablePort starts the port. cb is nil for tunnelled ports.
	EnablePort(p PortRef, cb Callback) Status

	// DisablePort returns every outstanding buffer through the callback and
	// does not return until no further callback can run for p.
	DisablePort(p PortRef) Status

	SendBuffer(p PortRef, hdr *BufferHeader) Status
	FlushPort(p PortRef) Status

	CreateConnection(out, in PortRef) (ConnectionHandle, Status)
	EnableConnection(c ConnectionHandle) Status
	DisableConnection(c ConnectionHandle) Status
	DestroyConnection(c ConnectionHandle) Status
}
