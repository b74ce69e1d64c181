package vcsim

import (
	"github.com/lanikai/mmal/firmware"
)

var rawEncodings = []firmware.FourCC{
	firmware.EncodingI420,
	firmware.EncodingYUYV,
	firmware.EncodingRGB24,
	firmware.EncodingBGR24,
	firmware.EncodingRGBA,
	firmware.EncodingOpaque,
}

var (
	videoEncodings = []firmware.FourCC{firmware.EncodingH264, firmware.EncodingMJPEG}
	imageEncodings = []firmware.FourCC{
		firmware.EncodingJPEG,
		firmware.EncodingPNG,
		firmware.EncodingBMP,
		firmware.EncodingGIF,
	}
)

const (
	defaultWidth     = 640
	defaultHeight    = 480
	defaultFramerate = 30
	defaultBitrate   = 17000000

	// Encoded output buffers.
	videoBufferSize = 64 << 10
	imageBufferSize = 80 << 10
	minBufferSize   = 2 << 10
)

func defaultRawFormat() firmware.Format {
	return firmware.Format{
		Type:         firmware.ESVideo,
		Encoding:     firmware.EncodingI420,
		Width:        defaultWidth,
		Height:       defaultHeight,
		CropWidth:    defaultWidth,
		CropHeight:   defaultHeight,
		FramerateNum: defaultFramerate,
		FramerateDen: 1,
	}
}

type portTemplate struct {
	typ       firmware.PortType
	name      string
	encodings []firmware.FourCC
	format    firmware.Format

	// Recommended buffer count; sizes derive from the format.
	buffers int
}

func rawPort(typ firmware.PortType, name string, buffers int) portTemplate {
	return portTemplate{typ, name, rawEncodings, defaultRawFormat(), buffers}
}

func encodedPort(name string, encodings []firmware.FourCC, buffers int) portTemplate {
	f := defaultRawFormat()
	f.Encoding = encodings[0]
	if encodings[0] == firmware.EncodingH264 {
		f.Bitrate = defaultBitrate
	}
	return portTemplate{firmware.PortOutput, name, encodings, f, buffers}
}

// catalog lists the port layout of every component kind, in index order
// within each port type.
var catalog = map[string][]portTemplate{
	"camera": {
		rawPort(firmware.PortOutput, "preview", 3),
		rawPort(firmware.PortOutput, "video", 3),
		rawPort(firmware.PortOutput, "still", 1),
	},
	"splitter": {
		rawPort(firmware.PortInput, "in", 3),
		rawPort(firmware.PortOutput, "out0", 3),
		rawPort(firmware.PortOutput, "out1", 3),
		rawPort(firmware.PortOutput, "out2", 3),
		rawPort(firmware.PortOutput, "out3", 3),
	},
	"resize": {
		rawPort(firmware.PortInput, "in", 3),
		rawPort(firmware.PortOutput, "out", 3),
	},
	"video_encode": {
		rawPort(firmware.PortInput, "in", 3),
		encodedPort("out", videoEncodings, 4),
	},
	"image_encode": {
		rawPort(firmware.PortInput, "in", 1),
		encodedPort("out", imageEncodings, 2),
	},
	"video_render": {
		rawPort(firmware.PortInput, "in", 3),
	},
	"null_sink": {
		rawPort(firmware.PortInput, "in", 3),
	},
}

// Camera output indices.
const (
	previewPort = 0
	videoPort   = 1
	stillPort   = 2
)

func align(n, to int) int {
	return (n + to - 1) / to * to
}

// frameBytes is the size of one uncompressed frame.
func frameBytes(enc firmware.FourCC, width, height int) int {
	switch enc {
	case firmware.EncodingI420:
		return width * height * 3 / 2
	case firmware.EncodingYUYV:
		return width * height * 2
	case firmware.EncodingRGB24, firmware.EncodingBGR24:
		return width * height * 3
	case firmware.EncodingRGBA:
		return width * height * 4
	default:
		// Opaque handles reference firmware-side images.
		return 128
	}
}

// setRequirements recomputes the buffer requirements of p for its format.
func (p *port) setRequirements() {
	f := p.info.Format
	size := 0
	switch {
	case f.Encoding.IsRaw() || f.Encoding == firmware.EncodingOpaque:
		size = frameBytes(f.Encoding, f.Width, f.Height)
		p.info.BufferSizeMin = size
	case containsEncoding(imageEncodings, f.Encoding):
		size = imageBufferSize
		p.info.BufferSizeMin = minBufferSize
	default:
		size = videoBufferSize
		p.info.BufferSizeMin = minBufferSize
	}
	p.info.BufferNumMin = 1
	p.info.BufferNumRecommended = p.recommended
	p.info.BufferSizeRecommended = size
	p.info.BufferAlignment = 16
	p.info.BufferNum = p.recommended
	p.info.BufferSize = size
}

func containsEncoding(list []firmware.FourCC, enc firmware.FourCC) bool {
	for _, x := range list {
		if x == enc {
			return true
		}
	}
	return false
}
