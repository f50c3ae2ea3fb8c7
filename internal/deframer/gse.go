package deframer

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	gsePID      = 0x010e
	bbL3Sync    = 0xB8
	gseVendorHdrLen = 4 // undocumented in original_source; stripped unconditionally, see DESIGN.md
)

// GSEFilter selects the MIS and optional destination IP/port this
// deframer extracts (spec §6, §9: MaType2 MIS compared against the
// CLI-supplied MIS, non-matching BBFrames discarded).
type GSEFilter struct {
	MIS      uint8
	DestIP   string
	DestPort int
}

// gseFragHeader is this bridge's compact GSE fragment header: Start/End
// flags, a fragment id and the total reassembled length (meaningful only
// on the start fragment). ETSI TS 102 606-1 defines a richer header; this
// subset carries everything the reassembler needs.
type gseFragHeader struct {
	Start, End bool
	FragID     uint8
	TotalLen   uint16
}

func parseGSEFragHeader(b []byte) (gseFragHeader, int, error) {
	if len(b) < 5 {
		return gseFragHeader{}, 0, fmt.Errorf("deframer: short gse fragment header")
	}
	flags := b[0]
	h := gseFragHeader{
		Start:  flags&0x80 != 0,
		End:    flags&0x40 != 0,
		FragID: b[1],
	}
	if h.Start {
		h.TotalLen = binary.BigEndian.Uint16(b[2:4])
	}
	return h, 5, nil
}

// GSEDeframer reassembles BBFrames carried in TS packets on gsePID into
// GSE packets, reassembles fragmented GSE packets by fragment ID, and
// recovers the IPv4/UDP PDU inside (stripping the unknown 4-byte vendor
// header per spec §9).
type GSEDeframer struct {
	filter  GSEFilter
	bbBuf   []byte
	fragments map[uint8][]byte
}

// NewGSEDeframer builds a deframer for the given MIS/destination filter.
func NewGSEDeframer(filter GSEFilter) *GSEDeframer {
	return &GSEDeframer{filter: filter, fragments: make(map[uint8][]byte)}
}

// Feed processes one RTP-wrapped UDP datagram and returns every recovered
// EDI payload.
func (g *GSEDeframer) Feed(buf []byte) ([][]byte, error) {
	if len(buf) < 12 {
		return nil, fmt.Errorf("deframer: short rtp header")
	}
	tsData := buf[12:]

	var out [][]byte
	for off := 0; off+tsPacketLen <= len(tsData); off += tsPacketLen {
		pkt := tsData[off : off+tsPacketLen]
		if pkt[0] != tsSyncByte {
			return out, fmt.Errorf("deframer: bad TS sync at offset %d", off)
		}
		pid := binary.BigEndian.Uint16(pkt[1:3]) & 0x1FFF
		if pid != gsePID {
			continue
		}
		pusi := pkt[1]&0x40 != 0
		payload := pkt[4:]
		if pusi {
			g.bbBuf = append([]byte(nil), payload...)
		} else {
			g.bbBuf = append(g.bbBuf, payload...)
		}
		if frames, ok := g.tryConsumeBBFrame(); ok {
			for _, f := range frames {
				if payload, ok := g.reassembleAndExtract(f); ok {
					out = append(out, payload)
				}
			}
		}
	}
	return out, nil
}

// tryConsumeBBFrame looks for a complete BBFrame at the head of bbBuf
// (L3 sync byte, MATYPE-1 carrying the MIS in its lower bits, MATYPE-2,
// UPL, DFL in bits) and returns the GSE packets inside its data field.
func (g *GSEDeframer) tryConsumeBBFrame() ([][]byte, bool) {
	if len(g.bbBuf) < 10 || g.bbBuf[0] != bbL3Sync {
		return nil, false
	}
	matype2 := g.bbBuf[2]
	dflBits := binary.BigEndian.Uint16(g.bbBuf[4:6])
	dataLen := int(dflBits) / 8
	if len(g.bbBuf) < 10+dataLen {
		return nil, false
	}
	data := g.bbBuf[10 : 10+dataLen]
	g.bbBuf = g.bbBuf[10+dataLen:]

	if matype2 != g.filter.MIS {
		return nil, true
	}
	// One GSE packet per BBFrame data field — sufficient for the single
	// logical EDI stream this bridge extracts per BBFrame.
	return [][]byte{data}, true
}

func (g *GSEDeframer) reassembleAndExtract(gsePkt []byte) ([]byte, bool) {
	h, hdrLen, err := parseGSEFragHeader(gsePkt)
	if err != nil {
		return nil, false
	}
	body := gsePkt[hdrLen:]

	var complete []byte
	switch {
	case h.Start && h.End:
		complete = body
	case h.Start:
		g.fragments[h.FragID] = append([]byte(nil), body...)
		return nil, false
	case h.End:
		buf, ok := g.fragments[h.FragID]
		if !ok {
			return nil, false
		}
		delete(g.fragments, h.FragID)
		complete = append(buf, body...)
	default:
		g.fragments[h.FragID] = append(g.fragments[h.FragID], body...)
		return nil, false
	}

	if len(complete) <= gseVendorHdrLen {
		return nil, false
	}
	pdu := complete[gseVendorHdrLen:]

	pkt := gopacket.NewPacket(pdu, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if ipLayer == nil || udpLayer == nil {
		return nil, false
	}
	ip := ipLayer.(*layers.IPv4)
	udp := udpLayer.(*layers.UDP)

	if g.filter.DestIP != "" && !ip.DstIP.Equal(net.ParseIP(g.filter.DestIP)) {
		return nil, false
	}
	if g.filter.DestPort != 0 && int(udp.DstPort) != g.filter.DestPort {
		return nil, false
	}
	return append([]byte(nil), udp.Payload...), true
}
