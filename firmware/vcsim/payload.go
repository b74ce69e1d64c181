package vcsim

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color/palette"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/xerrors"

	"github.com/lanikai/mmal/firmware"
	"github.com/lanikai/mmal/internal/media/h264"
)

// rawPayload fills the port's scratch buffer with one uncompressed frame.
// Every byte depends on the frame sequence number and its offset.
func rawPayload(p *port, fr frame) []byte {
	n := frameBytes(p.info.Format.Encoding, fr.width, fr.height)
	if cap(p.scratch) < n {
		p.scratch = make([]byte, n)
	}
	b := p.scratch[:n]
	row := fr.width
	if row <= 0 {
		row = 1
	}
	for i := range b {
		b[i] = byte(fr.seq) + byte(i/row)
	}
	return b
}

// h264Frame builds a single-slice access unit of exactly size bytes,
// start code included. The filler never contains a zero byte, so no start
// code can be emulated inside it.
func h264Frame(key bool, seq int64, size int) []byte {
	typ, nri := byte(h264.TypeNonIDR), byte(2)
	if key {
		typ, nri = h264.TypeIDR, 3
	}
	hdrLen := len(h264.StartCode) + 1
	if size < hdrLen {
		size = hdrLen
	}
	b := make([]byte, size)
	copy(b, h264.StartCode)
	b[len(h264.StartCode)] = h264.Header(nri, typ)
	for i := hdrLen; i < size; i++ {
		b[i] = 0x80 | byte(int(seq)+i)&0x7f
	}
	return b
}

// motionPayload is the inline motion vector block: one 4-byte entry per
// macroblock plus one extra column per row.
func motionPayload(width, height int, seq int64) []byte {
	cols := (width+15)/16 + 1
	rows := (height + 15) / 16
	b := make([]byte, cols*rows*4)
	for i := 0; i < len(b); i += 4 {
		b[i] = byte(seq)
		b[i+1] = byte(i / 4)
		binary.LittleEndian.PutUint16(b[i+2:], uint16(i))
	}
	return b
}

func testPattern(fr frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, fr.width, fr.height))
	for y := 0; y < fr.height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < fr.width; x++ {
			row[4*x] = byte(x + int(fr.seq))
			row[4*x+1] = byte(y)
			row[4*x+2] = byte(x + y)
			row[4*x+3] = 0xff
		}
	}
	return img
}

// renderImage encodes a test pattern for frame fr.
func renderImage(enc firmware.FourCC, fr frame, quality int) ([]byte, error) {
	img := testPattern(fr)

	var buf bytes.Buffer
	var err error
	switch enc {
	case firmware.EncodingJPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case firmware.EncodingPNG:
		err = png.Encode(&buf, img)
	case firmware.EncodingGIF:
		err = gif.Encode(&buf, toPaletted(img), nil)
	case firmware.EncodingBMP:
		err = writeBMP(&buf, img)
	default:
		err = xerrors.Errorf("unsupported image encoding %v", enc)
	}
	if err != nil {
		return nil, xerrors.Errorf("vcsim: render %v: %w", enc, err)
	}
	return buf.Bytes(), nil
}

func toPaletted(img *image.RGBA) *image.Paletted {
	b := img.Bounds()
	p := image.NewPaletted(b, palette.WebSafe)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			o := img.PixOffset(x, y)
			// The web-safe palette is a 6x6x6 cube in red, green, blue order.
			r, g, bl := int(img.Pix[o])/51, int(img.Pix[o+1])/51, int(img.Pix[o+2])/51
			p.SetColorIndex(x, y, uint8(r*36+g*6+bl))
		}
	}
	return p
}

// writeBMP emits an uncompressed 24-bit bottom-up bitmap.
func writeBMP(w io.Writer, img *image.RGBA) error {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	stride := (width*3 + 3) &^ 3
	imageSize := stride * height

	hdr := struct {
		Magic         [2]byte
		FileSize      uint32
		Reserved      uint32
		Offset        uint32
		InfoSize      uint32
		Width, Height int32
		Planes        uint16
		BitCount      uint16
		Compression   uint32
		ImageSize     uint32
		XPelsPerMeter int32
		YPelsPerMeter int32
		ColorsUsed    uint32
		ColorsImp     uint32
	}{
		Magic:         [2]byte{'B', 'M'},
		FileSize:      uint32(54 + imageSize),
		Offset:        54,
		InfoSize:      40,
		Width:         int32(width),
		Height:        int32(height),
		Planes:        1,
		BitCount:      24,
		ImageSize:     uint32(imageSize),
		XPelsPerMeter: 2835,
		YPelsPerMeter: 2835,
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	row := make([]byte, stride)
	for y := height - 1; y >= 0; y-- {
		for x := 0; x < width; x++ {
			o := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			row[3*x] = img.Pix[o+2]
			row[3*x+1] = img.Pix[o+1]
			row[3*x+2] = img.Pix[o]
		}
		if _, err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
