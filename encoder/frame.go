package encoder

import (
	"time"

	"github.com/lanikai/mmal/firmware"
)

type FrameKind int

const (
	FrameKindFrame FrameKind = iota
	FrameKindKey
	FrameKindConfig
	FrameKindMotion
)

func (k FrameKind) String() string {
	switch k {
	case FrameKindFrame:
		return "frame"
	case FrameKindKey:
		return "key"
	case FrameKindConfig:
		return "config"
	case FrameKindMotion:
		return "motion"
	default:
		return "unknown"
	}
}

// classify maps buffer flags to the kind of frame the buffer belongs to.
func classify(flags firmware.BufferFlags) FrameKind {
	switch {
	case flags.Has(firmware.FlagCodecSideInfo):
		return FrameKindMotion
	case flags.Has(firmware.FlagConfig):
		return FrameKindConfig
	case flags.Has(firmware.FlagKeyFrame):
		return FrameKindKey
	default:
		return FrameKindFrame
	}
}

// Frame describes one logical frame, which may span several buffers.
type Frame struct {
	// Index counts frames since the encoder started.
	Index int
	Kind  FrameKind

	// Bytes of this frame written so far.
	FrameSize int

	// Bytes written to the video sink since start, motion data excluded.
	VideoSize int

	// Bytes written to the current sink since the last split.
	SplitSize int

	Timestamp    time.Duration
	HasTimestamp bool

	// Complete is set once the frame's final buffer arrived.
	Complete bool
}

// Position is the offset of the frame's first byte in the current sink.
func (f Frame) Position() int {
	return f.SplitSize - f.FrameSize
}
