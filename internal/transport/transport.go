// Package transport provides the non-blocking TCP client, UDP receiver and
// TCP listener used by the receiver and sender layers. Keepalive tuning
// follows spec §4.1 (idle 10s, interval 2s, 3 probes) via golang.org/x/sys/unix,
// the way ddirect-clockdiff configures its raw sockets.
package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

const (
	KeepaliveIdle     = 10 * time.Second
	KeepaliveInterval = 2 * time.Second
	KeepaliveProbes   = 3
)

// DialTCP opens a TCP client connection to addr and tunes keepalive per
// spec §4.1. This call blocks the calling goroutine until connect completes
// or timeout elapses — callers on a shared poll loop must run it on its own
// goroutine (see receiver.Receiver.startConnect) rather than call it inline.
func DialTCP(addr string, timeout time.Duration) (*net.TCPConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	tc := conn.(*net.TCPConn)
	if err := setKeepalive(tc); err != nil {
		tc.Close()
		return nil, fmt.Errorf("transport: keepalive setup: %w", err)
	}
	return tc, nil
}

func setKeepalive(tc *net.TCPConn) error {
	if err := tc.SetKeepAlive(true); err != nil {
		return err
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(KeepaliveIdle.Seconds())); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(KeepaliveInterval.Seconds())); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, KeepaliveProbes); e != nil {
			sockErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ListenTCP opens a TCP listener for the sender's fan-out server or the
// UDP converter's plain TCP presentation.
func ListenTCP(port int) (*net.TCPListener, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return l.(*net.TCPListener), nil
}

// UDPReceiver wraps a UDP socket optionally joined to a multicast group,
// with the 100ms read timeout spec §6 mandates.
type UDPReceiver struct {
	conn    *net.UDPConn
	timeout time.Duration
}

// NewUDPReceiver binds bindAddr:port and, when mcastAddr is non-empty,
// joins that multicast group.
func NewUDPReceiver(bindAddr string, port int, mcastAddr string) (*UDPReceiver, error) {
	laddr := &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: port}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	if mcastAddr != "" {
		ip := net.ParseIP(mcastAddr)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("transport: invalid multicast address %q", mcastAddr)
		}
		pc := ipv4PacketConn(conn)
		if err := pc.joinGroup(ip); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: join multicast group: %w", err)
		}
	}
	return &UDPReceiver{conn: conn, timeout: 100 * time.Millisecond}, nil
}

// ReadPacket reads a single datagram, returning net.ErrClosed after Close
// and a timeout error (checkable with net.Error.Timeout()) after 100ms of
// silence — the caller's poll loop treats a timeout as "nothing to do".
func (u *UDPReceiver) ReadPacket(buf []byte) (int, error) {
	u.conn.SetReadDeadline(time.Now().Add(u.timeout))
	return u.conn.Read(buf)
}

// Close releases the socket.
func (u *UDPReceiver) Close() error {
	return u.conn.Close()
}
