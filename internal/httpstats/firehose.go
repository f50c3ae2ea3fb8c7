package httpstats

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// FirehoseInterval is how often the live-stats UDP firehose pushes a fresh
// stats document (spec §6 --live-stats-port / RC "set live_stats_port").
const FirehoseInterval = 1 * time.Second

// Firehose periodically writes the current stats document to
// 127.0.0.1:<port> over UDP, for operators who read it with
// "socat UDP4-RECV:<port> STDOUT" or "nc -uklp <port>" instead of polling
// /stats.json. Unlike Server, this never binds a listening socket of its
// own — it only ever dials out.
type Firehose struct {
	provider StatsProvider
	log      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFirehose builds a Firehose that reads from provider on every tick.
func NewFirehose(provider StatsProvider, log *slog.Logger) *Firehose {
	if log == nil {
		log = slog.Default()
	}
	return &Firehose{provider: provider, log: log}
}

// Start dials 127.0.0.1:port and begins pushing once per FirehoseInterval.
// The dial itself is connectionless (UDP) so it never blocks on the peer
// being present; Stop must be called before Start is called again.
func (f *Firehose) Start(port int) error {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return fmt.Errorf("httpstats: live-stats firehose dial: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})

	go func() {
		defer close(f.done)
		defer conn.Close()
		ticker := time.NewTicker(FirehoseInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				body, err := f.provider.StatsJSON()
				if err != nil {
					f.log.Debug("live-stats firehose: stats unavailable", "error", err)
					continue
				}
				if _, err := conn.Write(body); err != nil {
					f.log.Debug("live-stats firehose: write failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the firehose and waits for its goroutine to exit. A Firehose
// that was never started is a no-op.
func (f *Firehose) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
}
