package sender

import (
	"fmt"
	"net"

	"github.com/digris/edi2edi/internal/frame"
)

// UDPDestinationConfig is one `-d ip -p port [-s sport -S sip -t ttl]`
// block from the CLI.
type UDPDestinationConfig struct {
	DestIP   string
	DestPort int
	SrcIP    string
	SrcPort  int
	TTL      int
}

// UDPDestination emits each AF/PFT fragment as one UDP datagram.
type UDPDestination struct {
	cfg  UDPDestinationConfig
	conn *net.UDPConn
}

// NewUDPDestination dials (connect-mode) a UDP socket toward the
// configured destination, binding a source port/address when given.
func NewUDPDestination(cfg UDPDestinationConfig) (*UDPDestination, error) {
	raddr := &net.UDPAddr{IP: net.ParseIP(cfg.DestIP), Port: cfg.DestPort}
	var laddr *net.UDPAddr
	if cfg.SrcIP != "" || cfg.SrcPort != 0 {
		laddr = &net.UDPAddr{IP: net.ParseIP(cfg.SrcIP), Port: cfg.SrcPort}
	}
	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("sender: dial udp destination: %w", err)
	}
	if cfg.TTL > 0 {
		if err := setTTL(conn, cfg.TTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sender: set ttl: %w", err)
		}
	}
	return &UDPDestination{cfg: cfg, conn: conn}, nil
}

// Send writes every fragment as a separate UDP datagram.
func (u *UDPDestination) Send(_ *frame.TagPacket, afBytes [][]byte) error {
	for _, b := range afBytes {
		if _, err := u.conn.Write(b); err != nil {
			return fmt.Errorf("sender: udp write: %w", err)
		}
	}
	return nil
}

// Close releases the socket.
func (u *UDPDestination) Close() error {
	return u.conn.Close()
}
