// Package edi implements the AF/PFT envelope and EDI TAG packet framing
// described in ETSI TS 102 821 and TS 102 693, reassembling raw bytes off
// the wire into frame.TagPacket values.
package edi

import (
	"encoding/binary"
	"fmt"
)

// TagItem is one (name, length, value) record inside a TAG packet. Length
// is carried on the wire as a bit count; Value is always byte-aligned and
// padded to a 4-byte boundary by the caller.
type TagItem struct {
	Name  [4]byte
	Value []byte
}

// NameString returns the 4-character tag name.
func (t TagItem) NameString() string {
	return string(t.Name[:])
}

// padLen rounds n up to the next multiple of 4.
func padLen(n int) int {
	return (n + 3) &^ 3
}

// EncodeTagItem serialises name+value as a wire TAG item: 4-byte name,
// 4-byte bit-length (big-endian), the value itself, then zero padding out
// to a 4-byte boundary.
func EncodeTagItem(name string, value []byte) []byte {
	if len(name) != 4 {
		panic("edi: tag name must be 4 bytes")
	}
	bits := uint32(len(value)) * 8
	padded := padLen(len(value))
	out := make([]byte, 8+padded)
	copy(out[0:4], name)
	binary.BigEndian.PutUint32(out[4:8], bits)
	copy(out[8:8+len(value)], value)
	return out
}

// DecodeTagItems walks a TAG packet payload and returns every item found.
// It returns an error if a length field would run past the end of buf.
func DecodeTagItems(buf []byte) ([]TagItem, error) {
	var items []TagItem
	off := 0
	for off+8 <= len(buf) {
		var name [4]byte
		copy(name[:], buf[off:off+4])
		bits := binary.BigEndian.Uint32(buf[off+4 : off+8])
		valLen := int(bits / 8)
		off += 8
		if off+valLen > len(buf) {
			return items, fmt.Errorf("edi: tag %q length %d bits runs past buffer", name, bits)
		}
		val := buf[off : off+valLen]
		items = append(items, TagItem{Name: name, Value: val})
		off += padLen(valLen)
	}
	return items, nil
}
