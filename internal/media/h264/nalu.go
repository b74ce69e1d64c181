package h264

import "fmt"

// NAL unit types used by the encoders. See ITU-T H.264 table 7-1.
const (
	TypeNonIDR = 1
	TypeIDR    = 5
	TypeSEI    = 6
	TypeSPS    = 7
	TypePPS    = 8
	TypeAUD    = 9
)

// NALU is a single NAL unit without its start code.
type NALU []byte

func (nalu NALU) ForbiddenBit() byte {
	return nalu[0] & 0x80 >> 7
}

func (nalu NALU) NRI() byte {
	return nalu[0] & 0x60 >> 5
}

func (nalu NALU) Type() byte {
	return nalu[0] & 0x1f
}

// IsConfig reports whether the unit is a parameter set.
func (nalu NALU) IsConfig() bool {
	t := nalu.Type()
	return t == TypeSPS || t == TypePPS
}

func (nalu NALU) String() string {
	if len(nalu) == 0 {
		return "NALU(empty)"
	}
	return fmt.Sprintf("NALU(type=%d nri=%d len=%d)", nalu.Type(), nalu.NRI(), len(nalu))
}

// Header builds a NAL unit header byte.
func Header(nri, typ byte) byte {
	return (nri&0x3)<<5 | typ&0x1f
}
