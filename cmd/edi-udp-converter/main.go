// Command edi-udp-converter is digris-edi-udp-converter (spec §6): it
// reads EDI tunnelled inside MPEG-TS MPE sections or DVB-S2 GSE/BBFrames
// off a UDP (optionally multicast) socket, paces the recovered tagpackets
// through the scheduler, and fans them out to connected EDI/TCP fan-out
// clients. It carries no remote-control socket — only an optional HTTP
// stats endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/digris/edi2edi/internal/app"
	"github.com/digris/edi2edi/internal/config"
	"github.com/digris/edi2edi/internal/deframer"
	"github.com/digris/edi2edi/internal/edi"
	"github.com/digris/edi2edi/internal/httpstats"
	"github.com/digris/edi2edi/internal/obslog"
	"github.com/digris/edi2edi/internal/obsmetrics"
	"github.com/digris/edi2edi/internal/scheduler"
	"github.com/digris/edi2edi/internal/sender"
	"github.com/digris/edi2edi/internal/transport"
)

// version is overridden at release build time via -ldflags.
var version = "dev"

// udpReadBufferSize comfortably covers a multi-TS-packet UDP datagram.
const udpReadBufferSize = 1500

func main() {
	root := &cobra.Command{
		Use:           "edi-udp-converter",
		Short:         "Recover EDI from MPE/GSE-encapsulated UDP and forward it over TCP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg, mpeRaw, gseRaw := config.BindUDPConverterFlags(root)
	cmdline := commandLine()

	root.RunE = func(cmd *cobra.Command, args []string) error {
		if err := config.ResolveUDPConverterFlags(cfg, *mpeRaw, *gseRaw); err != nil {
			return err
		}
		return run(cfg, cmdline)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "edi-udp-converter:", err)
		os.Exit(1)
	}
}

func commandLine() string {
	out := "edi-udp-converter"
	for _, a := range os.Args[1:] {
		out += " " + a
	}
	return out
}

func run(cfg *config.UDPConverterConfig, cmdline string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, logCloser, _ := obslog.New(obslog.Options{Verbosity: cfg.Verbosity, Format: obslog.Text})
	defer logCloser.Close()

	udpRx, err := transport.NewUDPReceiver(cfg.BindAddr, cfg.Port, cfg.McastAddr)
	if err != nil {
		return fmt.Errorf("udp receiver: %w", err)
	}
	defer udpRx.Close()

	var mpeDeframer *deframer.MPEDeframer
	if cfg.MPE != nil {
		mpeDeframer = deframer.NewMPEDeframer(deframer.MPEFilter{
			PID:      cfg.MPE.PID,
			DestIP:   cfg.MPE.DestIP,
			DestPort: cfg.MPE.DestPort,
		})
	}
	var gseDeframer *deframer.GSEDeframer
	if cfg.GSE != nil {
		gseDeframer = deframer.NewGSEDeframer(deframer.GSEFilter{
			MIS:      cfg.GSE.MIS,
			DestIP:   cfg.GSE.DestIP,
			DestPort: cfg.GSE.DestPort,
		})
	}

	snd := sender.New(false, edi.FragmentConfig{}, log)

	var tcpStatsSources []app.TCPStatsSource
	if cfg.TCPListenPort != 0 {
		tcpDest, err := sender.NewTCPDestination(cfg.TCPListenPort, log)
		if err != nil {
			return fmt.Errorf("tcp destination: %w", err)
		}
		snd.AddDestination(tcpDest)
		tcpStatsSources = append(tcpStatsSources, tcpDest)
	}
	defer snd.Close()

	sched := scheduler.New(scheduler.Settings{}, snd, nil, log)
	go sched.Run()
	defer sched.Stop()

	appState := app.NewUDPConverterApp(sched, tcpStatsSources, cfg.BindAddr, cfg.Port)

	var statsSrv *httpstats.Server
	if cfg.HTTPAddr != "" {
		statsSrv = httpstats.New(cfg.HTTPAddr, cmdline, appState, log.With("component", "httpstats"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
		udpRx.Close()
	}()

	if statsSrv != nil {
		if err := statsSrv.Start(ctx); err != nil {
			return fmt.Errorf("http stats server: %w", err)
		}
		defer statsSrv.Stop(context.Background())
	}

	origin := net.JoinHostPort(cfg.BindAddr, fmt.Sprintf("%d", cfg.Port))
	log.Info("edi-udp-converter started", "bind", origin, "mcast", cfg.McastAddr)
	readLoop(ctx, udpRx, mpeDeframer, gseDeframer, sched, origin, appState, log)
	log.Info("edi-udp-converter stopped")
	return nil
}

// readLoop blocks on the UDP socket (100ms read timeout, per
// transport.UDPReceiver) and feeds every recovered EDI payload to the
// scheduler. A timeout is ordinary "nothing arrived" bookkeeping, not an
// error; ctx cancellation closes the socket out from under the pending
// read to unblock this loop cooperatively.
func readLoop(ctx context.Context, udpRx *transport.UDPReceiver, mpeDeframer *deframer.MPEDeframer, gseDeframer *deframer.GSEDeframer, sched *scheduler.Scheduler, origin string, appState *app.UDPConverterApp, log *slog.Logger) {
	dec := edi.NewDecoder()
	buf := make([]byte, udpReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := udpRx.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				appState.RecordPollTimeout()
				continue
			}
			log.Debug("udp read failed", "error", err)
			continue
		}

		now := time.Now()
		var payloads [][]byte
		if mpeDeframer != nil {
			ps, err := mpeDeframer.Feed(buf[:n])
			if err != nil {
				log.Debug("mpe deframe error", "error", err)
			}
			payloads = append(payloads, ps...)
		}
		if gseDeframer != nil {
			ps, err := gseDeframer.Feed(buf[:n])
			if err != nil {
				log.Debug("gse deframe error", "error", err)
			}
			payloads = append(payloads, ps...)
		}

		for _, p := range payloads {
			tps, errs := dec.Feed(origin, p)
			for _, e := range errs {
				log.Debug("protocol error", "error", e)
				obsmetrics.RecordDrop()
			}
			for _, tp := range tps {
				sched.Push(tp, origin, now)
			}
		}
	}
}
