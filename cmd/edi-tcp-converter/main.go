// Command edi-tcp-converter is digris-edi-tcp-converter (spec §6): it
// merges or switches between one or more EDI/TCP inputs, reorders and
// paces their tagpackets through the scheduler, and fans the result out
// to UDP, TCP and/or ZMQ destinations. A UNIX datagram socket exposes live
// remote control; an optional UDP live-stats firehose periodically pushes
// the stats document to 127.0.0.1:<port>. This binary has no HTTP stats
// endpoint — that's digris-edi-udp-converter's --http flag.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/digris/edi2edi/internal/app"
	"github.com/digris/edi2edi/internal/config"
	"github.com/digris/edi2edi/internal/control"
	"github.com/digris/edi2edi/internal/edi"
	"github.com/digris/edi2edi/internal/eti"
	"github.com/digris/edi2edi/internal/frame"
	"github.com/digris/edi2edi/internal/httpstats"
	"github.com/digris/edi2edi/internal/obslog"
	"github.com/digris/edi2edi/internal/obsmetrics"
	"github.com/digris/edi2edi/internal/rc"
	"github.com/digris/edi2edi/internal/receiver"
	"github.com/digris/edi2edi/internal/scheduler"
	"github.com/digris/edi2edi/internal/sender"
)

// pollHorizon is spec §5's main-loop blocking horizon (10 x the 24ms EDI
// frame period). Go's net package exposes no single level-triggered
// readiness primitive spanning heterogeneous socket kinds (TCP clients, a
// UNIX datagram socket) the way the original epoll loop does, so this
// bridge approximates it with a fixed-period ticker and per-receiver
// short-deadline reads — the receiver and RC layers are already built
// around being driven this way.
const pollHorizon = 240 * time.Millisecond

// version is overridden at release build time via -ldflags.
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "edi-tcp-converter",
		Short:         "Merge, switch and forward EDI/TCP streams",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg := config.BindTCPConverterFlags(root)
	cmdline := commandLine()

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cfg, cmdline)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edi-tcp-converter:", err)
		os.Exit(1)
	}
}

func commandLine() string {
	out := "edi-tcp-converter"
	for _, a := range os.Args[1:] {
		out += " " + a
	}
	return out
}

// lateRouter attributes scheduler late/dup drops back to the originating
// receiver for per-source stats, plus the Prometheus counter. It's built
// before the receivers exist (the scheduler needs a SourceCounters at
// construction, the receivers need the scheduler as their Pusher), so its
// map is populated once the receivers are built, before any goroutine can
// observe it.
type lateRouter struct {
	receivers map[string]*receiver.Receiver
}

func (l *lateRouter) IncrLate(origin string) {
	if r, ok := l.receivers[origin]; ok {
		r.IncrLate(origin)
	}
	obsmetrics.RecordSourceLate(origin)
}

// dumpingPusher implements -D: write a one-line summary of every
// tagpacket to w before forwarding it to the scheduler.
type dumpingPusher struct {
	next receiver.Pusher
	w    io.Writer
}

func (d dumpingPusher) Push(tp *frame.TagPacket, origin string, now time.Time) {
	fmt.Fprintf(d.w, "dump: origin=%s dlfc=%d seconds=%d tsta=%d\n", origin, tp.DLFC, tp.Timestamp.Seconds, tp.Timestamp.Tsta)
	d.next.Push(tp, origin, now)
}

// statsProviderFunc adapts a closure to httpstats.StatsProvider, used to
// defer the provider reference until appState exists (appState's
// constructor in turn needs liveStats.set as its live-stats-port callback).
type statsProviderFunc func() ([]byte, error)

func (f statsProviderFunc) StatsJSON() ([]byte, error) { return f() }

// liveStatsManager owns the live-stats UDP firehose so RC's "set
// live_stats_port" can rebind it at runtime (spec §6, --live-stats-port):
// stop whatever is running, then start a fresh one on the new port (or
// leave it stopped if port is 0). This is the UDP push the flag actually
// names — digris-edi-tcp-converter has no HTTP stats endpoint.
type liveStatsManager struct {
	mu       sync.Mutex
	provider httpstats.StatsProvider
	log      *slog.Logger
	current  *httpstats.Firehose
}

func newLiveStatsManager(provider httpstats.StatsProvider, log *slog.Logger) *liveStatsManager {
	return &liveStatsManager{provider: provider, log: log}
}

func (m *liveStatsManager) set(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Stop()
		m.current = nil
	}
	if port == 0 {
		return nil
	}
	fh := httpstats.NewFirehose(m.provider, m.log)
	if err := fh.Start(port); err != nil {
		return err
	}
	m.current = fh
	return nil
}

func run(cfg *config.TCPConverterConfig, cmdline string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	enablePFT, err := cfg.EnablePFT()
	if err != nil {
		return err
	}

	log, logCloser, logLevel := obslog.New(obslog.Options{Verbosity: cfg.Verbosity, Format: obslog.Text})
	defer logCloser.Close()

	if cfg.StartupScript != "" {
		if err := runStartupScript(cfg.StartupScript); err != nil {
			return fmt.Errorf("startup script: %w", err)
		}
	}

	var delayMS *int64
	if cfg.DelayMS != nil {
		v := int64(*cfg.DelayMS)
		delayMS = &v
	}

	snd := sender.New(enablePFT, edi.FragmentConfig{
		Enabled:    enablePFT,
		FECLevel:   cfg.FEC,
		Interleave: cfg.InterleavePercent,
		Align:      cfg.Align,
	}, log)

	var tcpStatsSources []app.TCPStatsSource
	if cfg.TCPListenPort != 0 {
		tcpDest, err := sender.NewTCPDestination(cfg.TCPListenPort, log)
		if err != nil {
			return fmt.Errorf("tcp destination: %w", err)
		}
		snd.AddDestination(tcpDest)
		tcpStatsSources = append(tcpStatsSources, tcpDest)
	}
	for _, d := range cfg.Destinations {
		udpDest, err := sender.NewUDPDestination(sender.UDPDestinationConfig{
			DestIP:   d.DestIP,
			DestPort: d.DestPort,
			SrcIP:    d.SrcIP,
			SrcPort:  d.SrcPort,
			TTL:      d.TTL,
		})
		if err != nil {
			return fmt.Errorf("udp destination: %w", err)
		}
		snd.AddDestination(udpDest)
	}
	if cfg.ZMQEndpoint != "" {
		zmqDest, err := eti.NewDestination(cfg.ZMQEndpoint, log)
		if err != nil {
			return fmt.Errorf("zmq destination: %w", err)
		}
		snd.AddDestination(zmqDest)
	}
	defer snd.Close()

	router := &lateRouter{}
	sched := scheduler.New(scheduler.Settings{
		DelayMS:  delayMS,
		DropLate: false,
		Backoff:  time.Duration(cfg.BackoffMS) * time.Millisecond,
	}, snd, router, log)

	pusher := receiver.Pusher(sched)
	if cfg.Dump {
		pusher = dumpingPusher{next: sched, w: os.Stderr}
	}

	receivers := make([]*receiver.Receiver, 0, len(cfg.Sources))
	byName := make(map[string]*receiver.Receiver, len(cfg.Sources))
	for _, s := range cfg.Sources {
		src := frame.Source{
			Name:     net.JoinHostPort(s.Hostname, strconv.Itoa(s.Port)),
			Hostname: s.Hostname,
			Port:     s.Port,
			Enabled:  s.Enabled,
		}
		r := receiver.New(src, pusher, log.With("component", "receiver"))
		receivers = append(receivers, r)
		byName[src.Name] = r
	}
	router.receivers = byName

	mode := control.Merge
	if cfg.Mode == "switch" {
		mode = control.Switch
	}
	controlSources := make([]control.Source, len(receivers))
	for i, r := range receivers {
		controlSources[i] = r
	}
	plane := control.New(mode, time.Duration(cfg.SwitchDelayMS)*time.Millisecond, controlSources, sched, log.With("component", "control"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statsLog := log.With("component", "live-stats")

	var appState *app.TCPConverterApp
	liveStats := newLiveStatsManager(statsProviderFunc(func() ([]byte, error) { return appState.StatsJSON() }), statsLog)
	appState = app.NewTCPConverterApp(sched, receivers, tcpStatsSources, logLevel, cfg.Verbosity, cfg.LiveStatsPort, liveStats.set)

	var rcServer *rc.Server
	if cfg.RCSocket != "" {
		rcServer = rc.New(cfg.RCSocket, appState, log.With("component", "rc"))
		if err := rcServer.Listen(); err != nil {
			return fmt.Errorf("rc socket: %w", err)
		}
		defer rcServer.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		if sig == syscall.SIGTERM {
			log.Info("sigterm: exiting immediately")
			os.Exit(0)
		}
		log.Info("signal received, shutting down", "signal", sig)
		cancel()
	}()

	go sched.Run()
	defer sched.Stop()

	if cfg.LiveStatsPort != 0 {
		if err := liveStats.set(cfg.LiveStatsPort); err != nil {
			return fmt.Errorf("live-stats firehose: %w", err)
		}
	}
	defer liveStats.set(0)

	log.Info("edi-tcp-converter started", "mode", cfg.Mode, "inputs", len(receivers))
	runMainLoop(ctx, receivers, rcServer, plane, appState, log)
	log.Info("edi-tcp-converter stopped")
	return nil
}

// runMainLoop drives every receiver's state machine and the RC socket at
// the spec's 240ms horizon, running switch-mode arbitration each tick
// (spec §4.3, §5). Shutdown is cooperative: the loop simply returns when
// ctx is cancelled, leaving already-deferred Close/Stop calls in run() to
// unblock and drain everything else.
func runMainLoop(ctx context.Context, receivers []*receiver.Receiver, rcServer *rc.Server, plane *control.Plane, appState *app.TCPConverterApp, log *slog.Logger) {
	ticker := time.NewTicker(pollHorizon)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, r := range receivers {
				r.Tick(now)
				r.Receive(now)
			}
			if rcServer != nil {
				if err := rcServer.HandleOnce(now.Add(5 * time.Millisecond)); err != nil {
					log.Warn("rc handling failed", "error", err)
				}
			}
			plane.Tick(now)
			appState.RecordPollTimeout()
		}
	}
}

// runStartupScript executes the operator-supplied script once before the
// main loop; a non-zero exit is fatal (spec's -C semantics).
func runStartupScript(path string) error {
	cmd := exec.Command(path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
