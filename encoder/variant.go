package encoder

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/lanikai/mmal"
	"github.com/lanikai/mmal/firmware"
)

// Variant selects what an output produces.
type Variant int

const (
	H264 Variant = iota + 1
	MJPEG
	RawVideo
	JPEG
	PNG
	BMP
	GIF
	RawImage
)

var variantNames = map[Variant]string{
	H264:     "h264",
	MJPEG:    "mjpeg",
	RawVideo: "raw-video",
	JPEG:     "jpeg",
	PNG:      "png",
	BMP:      "bmp",
	GIF:      "gif",
	RawImage: "raw-image",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("variant %d", int(v))
}

// ParseVariant maps a name such as "h264" or "png" to its variant.
func ParseVariant(name string) (Variant, error) {
	name = strings.ToLower(name)
	for v, n := range variantNames {
		if n == name {
			return v, nil
		}
	}
	switch name {
	case "jpg":
		return JPEG, nil
	case "mjpg":
		return MJPEG, nil
	case "yuv", "raw":
		return RawVideo, nil
	}
	return 0, mmal.NewConfigurationError("parse variant", "unknown format %q", name)
}

// Video variants stream until stopped; image variants end after one frame.
func (v Variant) IsVideo() bool {
	return v.traits().video
}

// traits is the set of capabilities a variant is assembled from.
type traits struct {
	// Component kind whose output the variant drains. Raw variants drain
	// camera, splitter or resizer ports directly.
	kind     string
	encoding firmware.FourCC
	video    bool
	raw      bool
}

var variantTraits = map[Variant]traits{
	H264:     {mmal.VideoEncoder, firmware.EncodingH264, true, false},
	MJPEG:    {mmal.VideoEncoder, firmware.EncodingMJPEG, true, false},
	RawVideo: {"", 0, true, true},
	JPEG:     {mmal.ImageEncoder, firmware.EncodingJPEG, false, false},
	PNG:      {mmal.ImageEncoder, firmware.EncodingPNG, false, false},
	BMP:      {mmal.ImageEncoder, firmware.EncodingBMP, false, false},
	GIF:      {mmal.ImageEncoder, firmware.EncodingGIF, false, false},
	RawImage: {"", 0, false, true},
}

// ComponentKind is the kind of component whose output the variant drains.
// It is empty for raw variants.
func (v Variant) ComponentKind() string {
	return v.traits().kind
}

func (v Variant) traits() traits {
	return variantTraits[v]
}

func (t traits) framer() framer {
	if t.video {
		return videoFramer{}
	}
	return imageFramer{}
}

func (t traits) shaper() shaper {
	if t.raw {
		return &rawCropper{}
	}
	return passthrough{}
}

// VariantForName infers the variant from the extension of a file name.
func VariantForName(name string) (Variant, error) {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".h264", ".264", ".mp4":
		return H264, nil
	case ".mjpg", ".mjpeg":
		return MJPEG, nil
	case ".jpg", ".jpeg":
		return JPEG, nil
	case ".png":
		return PNG, nil
	case ".bmp":
		return BMP, nil
	case ".gif":
		return GIF, nil
	case ".yuv", ".rgb", ".rgba", ".bgr", ".data":
		return RawVideo, nil
	default:
		return 0, mmal.NewConfigurationError("infer format of "+name, "unknown extension %q", ext)
	}
}

// framer decides when an output has delivered its final buffer.
type framer interface {
	final(flags firmware.BufferFlags) bool
}

type videoFramer struct{}

func (videoFramer) final(flags firmware.BufferFlags) bool {
	return flags.Has(firmware.FlagEOS)
}

type imageFramer struct{}

func (imageFramer) final(flags firmware.BufferFlags) bool {
	return flags.Has(firmware.FlagFrameEnd) || flags.Has(firmware.FlagEOS)
}
