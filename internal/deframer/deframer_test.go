package deframer

import (
	"encoding/binary"
	"net"
	"testing"
)

func buildUDPDatagram(t *testing.T, srcIP, dstIP string, srcPort, dstPort int, payload []byte) []byte {
	t.Helper()
	udpLen := 8 + len(payload)
	udp := make([]byte, udpLen)
	binary.BigEndian.PutUint16(udp[0:2], uint16(srcPort))
	binary.BigEndian.PutUint16(udp[2:4], uint16(dstPort))
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[8:], payload)

	ipLen := 20 + udpLen
	ip := make([]byte, ipLen)
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipLen))
	ip[8] = 64
	ip[9] = 17 // UDP
	copy(ip[12:16], net.ParseIP(srcIP).To4())
	copy(ip[16:20], net.ParseIP(dstIP).To4())
	copy(ip[20:], udp)
	return ip
}

func tsPacketFor(pid uint16, pusi bool, payload []byte) []byte {
	pkt := make([]byte, tsPacketLen)
	pkt[0] = tsSyncByte
	b := pid & 0x1FFF
	if pusi {
		b |= 0x4000
	}
	binary.BigEndian.PutUint16(pkt[1:3], b)
	pkt[3] = 0x10
	copy(pkt[4:], payload)
	return pkt
}

func TestMPEDeframerExtractsPayload(t *testing.T) {
	edi := []byte("edi-payload-bytes")
	datagram := buildUDPDatagram(t, "10.0.0.1", "232.1.1.1", 12000, 12001, edi)

	section := make([]byte, 0, 3+mpeMACHdrLen+len(datagram))
	section = append(section, mpeTableID)
	section = append(section, 0, 0) // length placeholder
	section = append(section, make([]byte, mpeMACHdrLen)...)
	section = append(section, datagram...)
	binary.BigEndian.PutUint16(section[1:3], uint16(len(section)-3)&0x0FFF)

	tsPayload := append([]byte{0x00}, section...) // pointer field 0
	pkt := tsPacketFor(100, true, tsPayload)

	d := NewMPEDeframer(MPEFilter{PID: 100, DestIP: "232.1.1.1", DestPort: 12001})
	out, err := d.Feed(pkt)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(out) != 1 || string(out[0]) != string(edi) {
		t.Fatalf("got %v, want 1 match with payload %q", out, edi)
	}
}

func TestMPEDeframerIgnoresOtherPID(t *testing.T) {
	pkt := tsPacketFor(200, true, make([]byte, 183))
	d := NewMPEDeframer(MPEFilter{PID: 100})
	out, err := d.Feed(pkt)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no matches for non-filtered PID, got %d", len(out))
	}
}
