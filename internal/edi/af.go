package edi

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// AF packet header, per ETSI TS 102 821 §6.1: a 2-byte sync word, 4-byte
// payload length, 2-byte sequence, a 1-byte AR (flags+revision) field, a
// 1-byte payload type, the payload itself and a trailing CRC-16 when the
// AR CRC flag is set.
const (
	afSync        = "AF"
	afHeaderLen   = 10
	afARCRCFlag   = 0x80
	// PayloadTypeTAG marks an AF packet carrying a TAG packet (the only
	// payload type this bridge produces or consumes).
	PayloadTypeTAG = 'T'
)

// AFPacket is a decoded AF envelope.
type AFPacket struct {
	Seq      uint16
	HasCRC   bool
	Revision uint8
	PT       byte
	Payload  []byte
}

// crc16 is the CRC-CCITT variant used by AF/PFT per TS 102 821 Annex A,
// approximated here with the reversed CRC-16/CCITT-FALSE polynomial.
func crc16(data []byte) uint16 {
	const poly = 0x1021
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return ^crc
}

// WrapAF builds a complete AF packet carrying a TAG packet payload, with
// CRC always enabled (the sender always verifies its own output).
func WrapAF(seq uint16, payload []byte) []byte {
	out := make([]byte, afHeaderLen+len(payload)+2)
	copy(out[0:2], afSync)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(payload)))
	binary.BigEndian.PutUint16(out[6:8], seq)
	out[8] = afARCRCFlag | 1 // revision 1, CRC present
	out[9] = PayloadTypeTAG
	copy(out[10:10+len(payload)], payload)
	binary.BigEndian.PutUint16(out[10+len(payload):], crc16(out[:10+len(payload)]))
	return out
}

// ParseAF decodes one AF packet from the front of buf and returns it along
// with the number of bytes consumed.
func ParseAF(buf []byte) (*AFPacket, int, error) {
	if len(buf) < afHeaderLen {
		return nil, 0, fmt.Errorf("edi: short AF header (%d bytes)", len(buf))
	}
	if string(buf[0:2]) != afSync {
		return nil, 0, fmt.Errorf("edi: bad AF sync %q", buf[0:2])
	}
	plen := binary.BigEndian.Uint32(buf[2:6])
	seq := binary.BigEndian.Uint16(buf[6:8])
	ar := buf[8]
	pt := buf[9]
	hasCRC := ar&afARCRCFlag != 0
	total := afHeaderLen + int(plen)
	if hasCRC {
		total += 2
	}
	if len(buf) < total {
		return nil, 0, fmt.Errorf("edi: AF packet truncated, want %d have %d", total, len(buf))
	}
	payload := buf[afHeaderLen : afHeaderLen+int(plen)]
	if hasCRC {
		want := binary.BigEndian.Uint16(buf[afHeaderLen+int(plen):])
		got := crc16(buf[:afHeaderLen+int(plen)])
		if want != got {
			return nil, total, fmt.Errorf("edi: AF CRC mismatch (want %04x got %04x)", want, got)
		}
	}
	return &AFPacket{
		Seq:      seq,
		HasCRC:   hasCRC,
		Revision: ar & 0x7F,
		PT:       pt,
		Payload:  payload,
	}, total, nil
}

// crc32Of exists only so callers that want a cheap content fingerprint
// (logging dlfc mismatches) don't need to import hash/crc32 themselves.
func crc32Of(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
