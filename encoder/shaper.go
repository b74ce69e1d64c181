package encoder

import (
	"github.com/lanikai/mmal/firmware"
)

// shaper turns a buffer payload into the bytes written to the sink.
type shaper interface {
	shape(f firmware.Format, b []byte) []byte
}

type passthrough struct{}

func (passthrough) shape(_ firmware.Format, b []byte) []byte { return b }

// rawCropper strips the alignment padding from uncompressed frames so the
// sink receives only the visible rows and columns. Payloads that are not a
// whole frame pass through untouched.
type rawCropper struct {
	out []byte
}

type plane struct {
	stride, rows   int
	width, visible int
}

// planes describes the layout of an aligned raw frame.
func planes(f firmware.Format) []plane {
	cw, ch := f.CropWidth, f.CropHeight
	if cw <= 0 || ch <= 0 {
		cw, ch = f.Width, f.Height
	}
	packed := func(bpp int) []plane {
		return []plane{{f.Width * bpp, f.Height, cw * bpp, ch}}
	}
	switch f.Encoding {
	case firmware.EncodingI420:
		chroma := plane{f.Width / 2, f.Height / 2, (cw + 1) / 2, (ch + 1) / 2}
		return []plane{{f.Width, f.Height, cw, ch}, chroma, chroma}
	case firmware.EncodingYUYV:
		return packed(2)
	case firmware.EncodingRGB24, firmware.EncodingBGR24:
		return packed(3)
	case firmware.EncodingRGBA:
		return packed(4)
	}
	return nil
}

func (c *rawCropper) shape(f firmware.Format, b []byte) []byte {
	ps := planes(f)
	if ps == nil {
		return b
	}
	total, cropped := 0, 0
	for _, p := range ps {
		total += p.stride * p.rows
		cropped += p.width * p.visible
	}
	if len(b) != total || cropped == total {
		return b
	}

	if cap(c.out) < cropped {
		c.out = make([]byte, cropped)
	}
	out := c.out[:0]
	for _, p := range ps {
		for y := 0; y < p.visible; y++ {
			row := b[y*p.stride:]
			out = append(out, row[:p.width]...)
		}
		b = b[p.stride*p.rows:]
	}
	return out
}
