// Package app assembles the stats.json document (spec §6) from the live
// scheduler/receiver/sender state and adapts that same state to the RC
// Controller surface. It is the one place that knows the shapes of all
// three: neither internal/rc nor internal/httpstats import the process's
// domain packages, by design.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digris/edi2edi/internal/obslog"
	"github.com/digris/edi2edi/internal/obsmetrics"
	"github.com/digris/edi2edi/internal/rc"
	"github.com/digris/edi2edi/internal/receiver"
	"github.com/digris/edi2edi/internal/scheduler"
)

// TCPStatsSource is the subset of sender.TCPDestination the stats document
// needs; named here instead of imported so app doesn't need to know about
// AF/PFT wire framing.
type TCPStatsSource interface {
	ListenPort() int
	NumConnections() int
}

// TCPConverterApp bridges the running digris-edi-tcp-converter process
// into rc.Controller and httpstats.StatsProvider.
type TCPConverterApp struct {
	mu              sync.Mutex
	sched           *scheduler.Scheduler
	receivers       []*receiver.Receiver
	tcpDests        []TCPStatsSource
	startedAt       time.Time
	logLevel        *slog.LevelVar
	verbosity       int
	liveStatsPort   int
	onLiveStatsPort func(int) error
	pollTimeouts    atomic.Uint64
}

// NewTCPConverterApp builds the stats/control bridge. onLiveStatsPort is
// invoked when RC changes --live-stats-port at runtime, so the caller can
// stop/start the httpstats.Firehose; it may be nil if live-stats is fixed
// for the process lifetime.
func NewTCPConverterApp(
	sched *scheduler.Scheduler,
	receivers []*receiver.Receiver,
	tcpDests []TCPStatsSource,
	logLevel *slog.LevelVar,
	initialVerbosity int,
	liveStatsPort int,
	onLiveStatsPort func(int) error,
) *TCPConverterApp {
	return &TCPConverterApp{
		sched:           sched,
		receivers:       receivers,
		tcpDests:        tcpDests,
		startedAt:       time.Now(),
		logLevel:        logLevel,
		verbosity:       initialVerbosity,
		liveStatsPort:   liveStatsPort,
		onLiveStatsPort: onLiveStatsPort,
	}
}

// RecordPollTimeout mirrors one main-loop poll timeout into both the
// stats.json "main" object and the Prometheus counter.
func (a *TCPConverterApp) RecordPollTimeout() {
	a.pollTimeouts.Add(1)
	obsmetrics.RecordPollTimeout()
}

func (a *TCPConverterApp) findReceiver(hostport string) *receiver.Receiver {
	for _, r := range a.receivers {
		if r.Name() == hostport {
			return r
		}
	}
	return nil
}

// GetSettings implements rc.Controller.
func (a *TCPConverterApp) GetSettings() rc.Settings {
	set := a.sched.GetSettings()
	var delayMS *int
	if set.DelayMS != nil {
		v := int(*set.DelayMS)
		delayMS = &v
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return rc.Settings{
		DelayMS:       delayMS,
		BackoffMS:     int(set.Backoff.Milliseconds()),
		LiveStatsPort: a.liveStatsPort,
		Verbosity:     a.verbosity,
	}
}

// SetDelay implements rc.Controller.
func (a *TCPConverterApp) SetDelay(ms *int) error {
	a.sched.UpdateSettings(func(s scheduler.Settings) scheduler.Settings {
		if ms == nil {
			s.DelayMS = nil
		} else {
			v := int64(*ms)
			s.DelayMS = &v
		}
		return s
	})
	return nil
}

// SetBackoff implements rc.Controller.
func (a *TCPConverterApp) SetBackoff(ms int) error {
	a.sched.UpdateSettings(func(s scheduler.Settings) scheduler.Settings {
		s.Backoff = time.Duration(ms) * time.Millisecond
		return s
	})
	return nil
}

// SetLiveStatsPort implements rc.Controller.
func (a *TCPConverterApp) SetLiveStatsPort(port int) error {
	a.mu.Lock()
	a.liveStatsPort = port
	cb := a.onLiveStatsPort
	a.mu.Unlock()
	if cb != nil {
		return cb(port)
	}
	return nil
}

// SetVerbosity implements rc.Controller.
func (a *TCPConverterApp) SetVerbosity(v int) error {
	a.mu.Lock()
	a.verbosity = v
	a.mu.Unlock()
	a.logLevel.Set(obslog.LevelForVerbosity(v))
	return nil
}

// SetInputEnabled implements rc.Controller.
func (a *TCPConverterApp) SetInputEnabled(hostport string, enabled bool) error {
	r := a.findReceiver(hostport)
	if r == nil {
		return fmt.Errorf("app: no such input %q", hostport)
	}
	r.SetEnabled(enabled)
	return nil
}

// ResetCounters implements rc.Controller: zeroes every cumulative counter
// (scheduler totals and per-source late counts) without disturbing live
// settings, the buffer or connection state.
func (a *TCPConverterApp) ResetCounters() {
	a.sched.ResetCounters()
	for _, r := range a.receivers {
		r.ResetLate()
	}
}

// StatsJSON implements both rc.Controller and httpstats.StatsProvider.
func (a *TCPConverterApp) StatsJSON() ([]byte, error) {
	return json.Marshal(a.Document())
}

// Document assembles the full stats.json tree from current state.
func (a *TCPConverterApp) Document() obsmetrics.Document {
	now := time.Now()

	inputs := make([]obsmetrics.InputStats, 0, len(a.receivers))
	for _, r := range a.receivers {
		inputs = append(inputs, inputStatsFor(r, now))
	}

	tcps := make([]obsmetrics.TCPStats, 0, len(a.tcpDests))
	for _, d := range a.tcpDests {
		tcps = append(tcps, obsmetrics.TCPStats{ListenPort: d.ListenPort(), NumConnections: d.NumConnections()})
	}

	schedStats := a.sched.Snapshot(now)
	obsmetrics.SetLateScore(schedStats.LateScore)

	return obsmetrics.Document{
		Inputs: inputs,
		Main: obsmetrics.MainStats{
			PollTimeouts:  a.pollTimeouts.Load(),
			ProcessUptime: now.Sub(a.startedAt).Milliseconds(),
		},
		Output: obsmetrics.OutputStats{
			NumFrames:              schedStats.NumFrames,
			LateScore:              schedStats.LateScore,
			NumDLFCDiscontinuities: schedStats.NumDLFCDiscontinuities,
			NumQueueOverruns:       schedStats.NumQueueOverruns,
			NumDroppedFrames:       schedStats.NumDroppedFrames,
			BackoffRemainMS:        schedStats.BackoffRemainMS,
			InBackoff:              schedStats.InBackoff,
			TCPStats:               tcps,
		},
	}
}

// UDPConverterApp bridges digris-edi-udp-converter into
// httpstats.StatsProvider. This binary has no RC socket and a single UDP
// input rather than a fleet of receiver.Receiver state machines, so its
// "inputs" array carries one synthetic entry describing the bind address
// instead of per-source margin/connect-error detail.
type UDPConverterApp struct {
	sched        *scheduler.Scheduler
	tcpDests     []TCPStatsSource
	bindAddr     string
	port         int
	startedAt    time.Time
	pollTimeouts atomic.Uint64
}

// NewUDPConverterApp builds the stats bridge for the UDP converter.
func NewUDPConverterApp(sched *scheduler.Scheduler, tcpDests []TCPStatsSource, bindAddr string, port int) *UDPConverterApp {
	return &UDPConverterApp{
		sched:     sched,
		tcpDests:  tcpDests,
		bindAddr:  bindAddr,
		port:      port,
		startedAt: time.Now(),
	}
}

// RecordPollTimeout mirrors one main-loop poll timeout.
func (a *UDPConverterApp) RecordPollTimeout() {
	a.pollTimeouts.Add(1)
	obsmetrics.RecordPollTimeout()
}

// StatsJSON implements httpstats.StatsProvider.
func (a *UDPConverterApp) StatsJSON() ([]byte, error) {
	now := time.Now()

	tcps := make([]obsmetrics.TCPStats, 0, len(a.tcpDests))
	for _, d := range a.tcpDests {
		tcps = append(tcps, obsmetrics.TCPStats{ListenPort: d.ListenPort(), NumConnections: d.NumConnections()})
	}

	schedStats := a.sched.Snapshot(now)
	obsmetrics.SetLateScore(schedStats.LateScore)

	doc := obsmetrics.Document{
		Inputs: []obsmetrics.InputStats{{
			Hostname:  a.bindAddr,
			Port:      a.port,
			Connected: true,
			Active:    true,
			Enabled:   true,
		}},
		Main: obsmetrics.MainStats{
			PollTimeouts:  a.pollTimeouts.Load(),
			ProcessUptime: now.Sub(a.startedAt).Milliseconds(),
		},
		Output: obsmetrics.OutputStats{
			NumFrames:              schedStats.NumFrames,
			LateScore:              schedStats.LateScore,
			NumDLFCDiscontinuities: schedStats.NumDLFCDiscontinuities,
			NumQueueOverruns:       schedStats.NumQueueOverruns,
			NumDroppedFrames:       schedStats.NumDroppedFrames,
			BackoffRemainMS:        schedStats.BackoffRemainMS,
			InBackoff:              schedStats.InBackoff,
			TCPStats:               tcps,
		},
	}
	return json.Marshal(doc)
}

func inputStatsFor(r *receiver.Receiver, now time.Time) obsmetrics.InputStats {
	src := r.Snapshot()
	m := r.MarginStats()
	lastErr, lastErrAt := r.RecordConnectError()

	var uptimeMS int64
	if src.Connected && !src.ConnectedAt.IsZero() {
		uptimeMS = now.Sub(src.ConnectedAt).Milliseconds()
	}

	return obsmetrics.InputStats{
		Hostname:             src.Hostname,
		Port:                 src.Port,
		LastPacketReceivedAt: obsmetrics.FormatTime(r.LastReceivedAt()),
		ConnectionUptimeMS:   uptimeMS,
		Connected:            src.Connected,
		Active:               src.Active,
		Enabled:              src.Enabled,
		Stats: obsmetrics.InputInner{
			Margin: obsmetrics.MarginStats{
				Mean:            m.Mean,
				Min:             m.Min,
				Max:             m.Max,
				MeanToDelivery:  nil,
				Stdev:           m.Stdev,
				NumMeasurements: m.N,
			},
			NumLateFrames:                   r.NumLate(),
			NumConnects:                     src.NumConnects,
			MostRecentConnectError:          lastErr,
			MostRecentConnectErrorTimestamp: obsmetrics.FormatTime(lastErrAt),
		},
	}
}
