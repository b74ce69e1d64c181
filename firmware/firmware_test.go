package firmware

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestFourCC(t *testing.T) {
	assert.Equal(t, "H264", EncodingH264.String())
	assert.Equal(t, "PNG ", EncodingPNG.String())
	assert.True(t, EncodingI420.IsRaw())
	assert.False(t, EncodingMJPEG.IsRaw())
	assert.Panics(t, func() { MakeFourCC("H26") })
}

func TestBufferFlags(t *testing.T) {
	f := FlagFrameEnd | FlagKeyFrame
	assert.True(t, f.Has(FlagKeyFrame))
	assert.False(t, f.Has(FlagFrame))
	assert.Equal(t, "frame-end|keyframe", f.String())
	assert.Equal(t, "none", BufferFlags(0).String())
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, Success.Err())

	err := errors.Wrap(EIO.Err(), "send buffer")
	assert.Equal(t, EIO, StatusOf(err))
	assert.Equal(t, Success, StatusOf(errors.New("plain")))
	assert.Contains(t, err.Error(), "I/O error")
}

func TestBufferHeaderReset(t *testing.T) {
	h := &BufferHeader{Data: make([]byte, 8), Offset: 2, Length: 3, Flags: FlagEOS, PTS: 5}
	assert.Len(t, h.Payload(), 3)

	h.Reset()
	assert.Zero(t, h.Length)
	assert.Zero(t, h.Flags)
	assert.Equal(t, TimeUnknown, h.PTS)
	assert.Equal(t, TimeUnknown, h.DTS)
}
