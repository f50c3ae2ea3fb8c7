package transport

import (
	"net"

	"golang.org/x/net/ipv4"
)

// mcastConn wraps the ipv4.PacketConn needed to join a multicast group on
// an already-bound UDP socket.
type mcastConn struct {
	pc *ipv4.PacketConn
}

func ipv4PacketConn(conn *net.UDPConn) *mcastConn {
	return &mcastConn{pc: ipv4.NewPacketConn(conn)}
}

func (m *mcastConn) joinGroup(group net.IP) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	var lastErr error
	joined := false
	for _, iface := range ifaces {
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := m.pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
			lastErr = err
			continue
		}
		joined = true
	}
	if !joined {
		return lastErr
	}
	return nil
}
