package edi

import (
	"encoding/binary"
	"fmt"

	"github.com/digris/edi2edi/internal/frame"
)

// ProtocolPointer is the value carried by the "*ptr" tag: an 8-byte ASCII
// protocol/revision string. A receiver must observe this tag, with this
// exact value, before any "deti" tag is accepted (spec §4.1).
const ProtocolPointer = "DETI0000"

// ficLenFor returns the mandatory FIC byte length for a given MID, per
// spec §4.4: 96 bytes unless mid == 3, which carries 128.
func ficLenFor(mid uint8) int {
	if mid == 3 {
		return 128
	}
	return 96
}

// DETIFrame is the decoded content of a "deti" TAG item: the frame
// characterisation plus, when present, the FIC and MNSC/RFU fields needed
// for ETI reconstruction.
type DETIFrame struct {
	FC   frame.FCData
	FIC  []byte
	MNSC uint16
	RFU  uint16
}

// DecodeDETI parses a "deti" tag value. Layout (bytes):
//
//	0: FCT
//	1: bit7 FICF, bits6-4 FP, bits3-2 MID, bits1-0 RFU
//	2: UTCO (unused beyond validity)
//	3-6: seconds (big-endian)
//	7-9: TSTA (24 bits, big-endian, placed in the low 24 bits of frame.Tsta)
//	10-11: MNSC
//	12-13: RFU
//	14..: FIC (only present when FICF is set; length determined by MID)
func DecodeDETI(val []byte) (DETIFrame, error) {
	if len(val) < 14 {
		return DETIFrame{}, fmt.Errorf("edi: deti tag too short (%d bytes)", len(val))
	}
	fct := val[0]
	flags := val[1]
	ficf := flags&0x80 != 0
	fp := (flags >> 4) & 0x7
	mid := (flags >> 2) & 0x3
	seconds := binary.BigEndian.Uint32(val[3:7])
	tsta := uint32(val[7])<<16 | uint32(val[8])<<8 | uint32(val[9])
	mnsc := binary.BigEndian.Uint16(val[10:12])
	rfu := binary.BigEndian.Uint16(val[12:14])

	d := DETIFrame{
		FC: frame.FCData{
			FCT:  fct,
			FP:   fp,
			MID:  mid,
			FICF: ficf,
			Tsta: tsta,
		},
		MNSC: mnsc,
		RFU:  rfu,
	}
	if ficf {
		want := ficLenFor(mid)
		if len(val) < 14+want {
			return DETIFrame{}, fmt.Errorf("edi: deti tag declares ficf but only %d bytes follow (need %d)", len(val)-14, want)
		}
		d.FIC = append([]byte(nil), val[14:14+want]...)
	}
	_ = seconds // used by caller via Timestamp, kept here for documentation of layout
	d.FC.Tsta = tsta
	return d, nil
}

// Timestamp reconstructs the frame.Timestamp carried alongside the deti
// tag's seconds field (passed separately since the caller also needs it
// for the timestamp struct, not just FCData).
func DETISeconds(val []byte) uint32 {
	return binary.BigEndian.Uint32(val[3:7])
}

// EncodeDETI is the inverse of DecodeDETI, used by the sender's ETI
// reconstruction path and by tests to synthesise wire data.
func EncodeDETI(fc frame.FCData, seconds uint32, mnsc, rfu uint16, fic []byte) []byte {
	out := make([]byte, 14)
	out[0] = fc.FCT
	flags := fc.FP<<4&0x70 | fc.MID<<2&0x0C
	if fc.FICF {
		flags |= 0x80
	}
	out[1] = flags
	out[2] = 0
	binary.BigEndian.PutUint32(out[3:7], seconds)
	out[7] = byte(fc.Tsta >> 16)
	out[8] = byte(fc.Tsta >> 8)
	out[9] = byte(fc.Tsta)
	binary.BigEndian.PutUint16(out[10:12], mnsc)
	binary.BigEndian.PutUint16(out[12:14], rfu)
	if fc.FICF {
		out = append(out, fic...)
	}
	return out
}
