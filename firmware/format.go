package firmware

import "fmt"

// FourCC identifies an encoding, e.g. "H264" or "I420".
type FourCC uint32

func MakeFourCC(s string) FourCC {
	if len(s) != 4 {
		panic("firmware: four-character code must be 4 bytes: " + s)
	}
	return FourCC(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24)
}

func (c FourCC) String() string {
	if c == 0 {
		return "none"
	}
	return string([]byte{byte(c), byte(c >> 8), byte(c >> 16), byte(c >> 24)})
}

var (
	EncodingH264   = MakeFourCC("H264")
	EncodingMJPEG  = MakeFourCC("MJPG")
	EncodingJPEG   = MakeFourCC("JPEG")
	EncodingPNG    = MakeFourCC("PNG ")
	EncodingBMP    = MakeFourCC("BMP ")
	EncodingGIF    = MakeFourCC("GIF ")
	EncodingI420   = MakeFourCC("I420")
	EncodingYUYV   = MakeFourCC("YUYV")
	EncodingRGB24  = MakeFourCC("RGB3")
	EncodingBGR24  = MakeFourCC("BGR3")
	EncodingRGBA   = MakeFourCC("RGBA")
	EncodingOpaque = MakeFourCC("OPQV")
)

// IsRaw reports whether the encoding is uncompressed pixel data.
func (c FourCC) IsRaw() bool {
	switch c {
	case EncodingI420, EncodingYUYV, EncodingRGB24, EncodingBGR24, EncodingRGBA:
		return true
	}
	return false
}

// ESType is the elementary stream type of a format.
type ESType int

const (
	ESUnknown ESType = iota
	ESControl
	ESAudio
	ESVideo
	ESSubpicture
)

// Format describes the data flowing through a port. Width and Height are the
// (aligned) buffer dimensions; CropWidth and CropHeight the visible area.
type Format struct {
	Type            ESType
	Encoding        FourCC
	EncodingVariant FourCC
	Bitrate         int

	Width, Height         int
	CropWidth, CropHeight int

	FramerateNum, FramerateDen int

	// Codec-specific out-of-band data, e.g. SPS/PPS.
	ExtraData []byte
}

// Clone returns a deep copy of f.
func (f Format) Clone() Format {
	if f.ExtraData != nil {
		f.ExtraData = append([]byte(nil), f.ExtraData...)
	}
	return f
}

// Framerate in frames per second, or 0 if unset.
func (f Format) Framerate() float64 {
	if f.FramerateDen == 0 {
		return 0
	}
	return float64(f.FramerateNum) / float64(f.FramerateDen)
}

func (f Format) String() string {
	return fmt.Sprintf("%v %dx%d (crop %dx%d) @%d/%d %dbps",
		f.Encoding, f.Width, f.Height, f.CropWidth, f.CropHeight,
		f.FramerateNum, f.FramerateDen, f.Bitrate)
}
