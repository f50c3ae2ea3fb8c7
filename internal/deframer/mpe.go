// Package deframer implements the two satellite/broadcast deframers ahead
// of the EDI decoder: EDI tunnelled inside MPEG-TS MPE sections (spec §6)
// and EDI tunnelled inside DVB-S2 GSE/BBFrames (spec §6, ETSI TS 102 606-1).
package deframer

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	tsPacketLen  = 188
	tsSyncByte   = 0x47
	mpeMACHdrLen = 12
	mpeTableID   = 0x3E
)

// MPEFilter selects which PID/destination this deframer is extracting.
type MPEFilter struct {
	PID       uint16
	DestIP    string
	DestPort  int
}

// MPEDeframer reassembles PSI sections carrying MPE datagrams out of a
// concatenated-188-byte-TS-packet stream and recovers the EDI payload.
type MPEDeframer struct {
	filter  MPEFilter
	section []byte
	wantLen int
}

// NewMPEDeframer builds a deframer for the given PID/IP/port filter.
func NewMPEDeframer(filter MPEFilter) *MPEDeframer {
	return &MPEDeframer{filter: filter}
}

// Feed processes one UDP datagram's worth of concatenated TS packets and
// returns every recovered EDI payload.
func (m *MPEDeframer) Feed(buf []byte) ([][]byte, error) {
	var out [][]byte
	for off := 0; off+tsPacketLen <= len(buf); off += tsPacketLen {
		pkt := buf[off : off+tsPacketLen]
		if pkt[0] != tsSyncByte {
			return out, fmt.Errorf("deframer: bad TS sync at offset %d", off)
		}
		pid := binary.BigEndian.Uint16(pkt[1:3]) & 0x1FFF
		if pid != m.filter.PID {
			continue
		}
		pusi := pkt[1]&0x40 != 0
		payload := pkt[4:]
		if pusi {
			pointer := int(payload[0])
			section := payload[1+pointer:]
			m.section = append([]byte(nil), section...)
			if len(m.section) >= 3 {
				m.wantLen = 3 + int(binary.BigEndian.Uint16(m.section[1:3])&0x0FFF)
			}
		} else {
			m.section = append(m.section, payload...)
		}
		if m.wantLen > 0 && len(m.section) >= m.wantLen {
			section := m.section[:m.wantLen]
			m.section, m.wantLen = nil, 0
			if payload, ok := m.extractEDI(section); ok {
				out = append(out, payload)
			}
		}
	}
	return out, nil
}

func (m *MPEDeframer) extractEDI(section []byte) ([]byte, bool) {
	if len(section) < 1 || section[0] != mpeTableID {
		return nil, false
	}
	if len(section) < mpeMACHdrLen+20+8 {
		return nil, false
	}
	datagram := section[mpeMACHdrLen:]

	pkt := gopacket.NewPacket(datagram, layers.LayerTypeIPv4, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if ipLayer == nil || udpLayer == nil {
		return nil, false
	}
	ip := ipLayer.(*layers.IPv4)
	udp := udpLayer.(*layers.UDP)

	if m.filter.DestIP != "" && !ip.DstIP.Equal(net.ParseIP(m.filter.DestIP)) {
		return nil, false
	}
	if m.filter.DestPort != 0 && int(udp.DstPort) != m.filter.DestPort {
		return nil, false
	}
	return append([]byte(nil), udp.Payload...), true
}
