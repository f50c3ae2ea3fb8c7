package sender

import (
	"net"

	"golang.org/x/sys/unix"
)

// setTTL sets the outgoing IPv4 TTL on a connected UDP socket.
func setTTL(conn *net.UDPConn, ttl int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
	})
	if err != nil {
		return err
	}
	return sockErr
}
