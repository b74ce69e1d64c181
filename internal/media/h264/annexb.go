package h264

import (
	"bytes"
)

// StartCode is the 4-byte Annex-B prefix emitted by the encoder.
var StartCode = []byte{0, 0, 0, 1}

var shortStartCode = []byte{0, 0, 1}

// Split separates an Annex-B byte stream into NAL units on 3- and 4-byte
// start codes. Input that carries no start code is returned as a single
// unit.
func Split(data []byte) []NALU {
	if len(data) == 0 {
		return nil
	}
	if !HasStartCode(data) {
		return []NALU{NALU(data)}
	}

	var nalus []NALU
	for len(data) > 0 {
		i := bytes.Index(data, shortStartCode)
		if i < 0 {
			nalus = append(nalus, NALU(data))
			break
		}
		nalu := data[:i]
		if i > 0 && data[i-1] == 0 {
			// 4-byte start code
			nalu = data[:i-1]
		}
		if len(nalu) > 0 {
			nalus = append(nalus, NALU(nalu))
		}
		data = data[i+len(shortStartCode):]
	}
	return nalus
}

// Join concatenates NAL units, each prefixed with StartCode.
func Join(nalus ...NALU) []byte {
	n := 0
	for _, nalu := range nalus {
		n += len(StartCode) + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = append(out, StartCode...)
		out = append(out, nalu...)
	}
	return out
}

// HasStartCode reports whether data begins with a 3- or 4-byte start code.
func HasStartCode(data []byte) bool {
	switch {
	case len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1:
		return true
	case len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1:
		return true
	}
	return false
}
