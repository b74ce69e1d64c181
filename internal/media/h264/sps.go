package h264

import (
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/pkg/errors"
)

// Config summarises a sequence parameter set.
type Config struct {
	Profile uint
	Level   uint
	Width   uint
	Height  uint
}

var errNoSPS = errors.New("h264: no sequence parameter set")

// ParseConfig locates the first SPS in an Annex-B byte stream and decodes it.
func ParseConfig(data []byte) (Config, error) {
	for _, nalu := range Split(data) {
		if nalu.Type() != TypeSPS {
			continue
		}
		info, err := h264parser.ParseSPS(nalu)
		if err != nil {
			return Config{}, errors.Wrap(err, "h264: parse SPS")
		}
		return Config{
			Profile: info.ProfileIdc,
			Level:   info.LevelIdc,
			Width:   info.Width,
			Height:  info.Height,
		}, nil
	}
	return Config{}, errNoSPS
}

const (
	ProfileBaseline = 66
	ProfileMain     = 77
)

// BuildSPS encodes a minimal progressive SPS for the given picture size.
// Dimensions that are not a multiple of 16 are expressed with cropping.
// Emulation prevention is not applied; the bit patterns produced for
// ordinary frame sizes never contain three-byte zero runs.
func BuildSPS(profile, level byte, width, height int) NALU {
	mbWidth := (width + 15) / 16
	mbHeight := (height + 15) / 16

	var w bitWriter
	w.writeBits(uint64(Header(3, TypeSPS)), 8)
	w.writeBits(uint64(profile), 8)
	w.writeBits(0xc0, 8) // constraint_set0/1
	w.writeBits(uint64(level), 8)
	w.writeUE(0)                  // seq_parameter_set_id
	w.writeUE(0)                  // log2_max_frame_num_minus4
	w.writeUE(2)                  // pic_order_cnt_type
	w.writeUE(1)                  // max_num_ref_frames
	w.writeBit(0)                 // gaps_in_frame_num_value_allowed_flag
	w.writeUE(uint(mbWidth - 1))  // pic_width_in_mbs_minus1
	w.writeUE(uint(mbHeight - 1)) // pic_height_in_map_units_minus1
	w.writeBit(1)                 // frame_mbs_only_flag
	w.writeBit(1)                 // direct_8x8_inference_flag

	cropRight := (mbWidth*16 - width) / 2
	cropBottom := (mbHeight*16 - height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.writeBit(1)
		w.writeUE(0)
		w.writeUE(uint(cropRight))
		w.writeUE(0)
		w.writeUE(uint(cropBottom))
	} else {
		w.writeBit(0)
	}
	w.writeBit(0) // vui_parameters_present_flag
	w.trailingBits()
	return NALU(w.bytes())
}

// BuildPPS encodes a CAVLC picture parameter set referring to SPS 0.
func BuildPPS() NALU {
	var w bitWriter
	w.writeBits(uint64(Header(3, TypePPS)), 8)
	w.writeUE(0)  // pic_parameter_set_id
	w.writeUE(0)  // seq_parameter_set_id
	w.writeBit(0) // entropy_coding_mode_flag
	w.writeBit(0) // bottom_field_pic_order_in_frame_present_flag
	w.writeUE(0)  // num_slice_groups_minus1
	w.writeUE(0)  // num_ref_idx_l0_default_active_minus1
	w.writeUE(0)  // num_ref_idx_l1_default_active_minus1
	w.writeBit(0) // weighted_pred_flag
	w.writeBits(0, 2)
	w.writeSE(0)  // pic_init_qp_minus26
	w.writeSE(0)  // pic_init_qs_minus26
	w.writeSE(0)  // chroma_qp_index_offset
	w.writeBit(1) // deblocking_filter_control_present_flag
	w.writeBit(0) // constrained_intra_pred_flag
	w.writeBit(0) // redundant_pic_cnt_present_flag
	w.trailingBits()
	return NALU(w.bytes())
}

// MSB-first bit writer with Exp-Golomb helpers.
type bitWriter struct {
	buf   []byte
	nbits uint
}

func (w *bitWriter) writeBit(b uint) {
	if w.nbits%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b != 0 {
		w.buf[len(w.buf)-1] |= 0x80 >> (w.nbits % 8)
	}
	w.nbits++
}

func (w *bitWriter) writeBits(v uint64, n uint) {
	for i := n; i > 0; i-- {
		w.writeBit(uint(v>>(i-1)) & 1)
	}
}

func (w *bitWriter) writeUE(v uint) {
	x := uint64(v) + 1
	n := uint(0)
	for t := x; t > 1; t >>= 1 {
		n++
	}
	w.writeBits(0, n)
	w.writeBits(x, n+1)
}

func (w *bitWriter) writeSE(v int) {
	if v > 0 {
		w.writeUE(uint(2*v - 1))
	} else {
		w.writeUE(uint(-2 * v))
	}
}

func (w *bitWriter) trailingBits() {
	w.writeBit(1)
	for w.nbits%8 != 0 {
		w.writeBit(0)
	}
}

func (w *bitWriter) bytes() []byte {
	return w.buf
}
