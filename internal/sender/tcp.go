package sender

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/digris/edi2edi/internal/frame"
	"github.com/digris/edi2edi/internal/obsmetrics"
)

// clientIdleTTL expires a fan-out client's registry entry if it hasn't
// accepted a write in this long — go-cache does the bookkeeping so the
// destination itself only has to touch an entry on every successful write.
const clientIdleTTL = 30 * time.Second

// TCPDestination presents the output as an EDI/TCP server: every AF/PFT
// fragment is written to every currently connected client.
type TCPDestination struct {
	listener *net.TCPListener
	clients  *cache.Cache
	mu       sync.Mutex
	stop     chan struct{}
	log      *slog.Logger
}

// NewTCPDestination starts listening on port and accepting fan-out
// clients in the background.
func NewTCPDestination(port int, log *slog.Logger) (*TCPDestination, error) {
	if log == nil {
		log = slog.Default()
	}
	l, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("sender: listen tcp: %w", err)
	}
	d := &TCPDestination{
		listener: l,
		clients:  cache.New(clientIdleTTL, clientIdleTTL/2),
		stop:     make(chan struct{}),
		log:      log,
	}
	d.clients.OnEvicted(func(key string, v interface{}) {
		if c, ok := v.(net.Conn); ok {
			c.Close()
		}
	})
	go d.acceptLoop()
	return d, nil
}

func (d *TCPDestination) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.stop:
				return
			default:
				d.log.Warn("accept failed", "error", err)
				return
			}
		}
		d.clients.Set(conn.RemoteAddr().String(), conn, cache.DefaultExpiration)
		d.log.Info("fan-out client connected", "remote", conn.RemoteAddr())
		d.reportConnections()
	}
}

// reportConnections mirrors the current registry size into the
// per-listen-port Prometheus gauge backing stats.json's tcp_stats.
func (d *TCPDestination) reportConnections() {
	obsmetrics.SetTCPConnections(strconv.Itoa(d.ListenPort()), d.clients.ItemCount())
}

// Send writes every fragment to every connected client, dropping (and
// closing) any client whose write fails.
func (d *TCPDestination) Send(_ *frame.TagPacket, afBytes [][]byte) error {
	var firstErr error
	for key, item := range d.clients.Items() {
		conn, ok := item.Object.(net.Conn)
		if !ok {
			continue
		}
		ok = true
		for _, b := range afBytes {
			if _, err := conn.Write(b); err != nil {
				ok = false
				if firstErr == nil {
					firstErr = err
				}
				break
			}
		}
		if ok {
			d.clients.Set(key, conn, cache.DefaultExpiration)
		} else {
			conn.Close()
			d.clients.Delete(key)
			d.reportConnections()
		}
	}
	return firstErr
}

// NumConnections reports the current fan-out client count for stats JSON.
func (d *TCPDestination) NumConnections() int {
	return d.clients.ItemCount()
}

// ListenPort returns the bound listen port.
func (d *TCPDestination) ListenPort() int {
	return d.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting and drops every connected client.
func (d *TCPDestination) Close() error {
	close(d.stop)
	err := d.listener.Close()
	for key, item := range d.clients.Items() {
		if conn, ok := item.Object.(net.Conn); ok {
			conn.Close()
		}
		d.clients.Delete(key)
	}
	d.reportConnections()
	return err
}
