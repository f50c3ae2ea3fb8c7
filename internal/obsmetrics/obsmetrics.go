// Package obsmetrics backs the JSON stats tree (spec §6) with Prometheus
// counters/gauges (teacher's internal/metrics shape) and assembles the
// exact stats.json document the HTTP endpoint and RC "stats" command
// serve. These counters are not exposed over promhttp/`/metrics` — the
// spec's HTTP contract names only `/` and `/stats.json` ("Other URIs →
// 404"); client_golang is used purely as the atomic-counter library the
// teacher already depends on.
package obsmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesTransmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edi2edi_frames_transmitted_total",
		Help: "Total number of tagpackets transmitted to destinations",
	})

	DroppedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edi2edi_dropped_frames_total",
		Help: "Total number of frames dropped (late, inhibited, or duplicate)",
	})

	QueueOverrunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edi2edi_queue_overruns_total",
		Help: "Total number of insertions rejected because the ordering buffer was full",
	})

	DLFCDiscontinuitiesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edi2edi_dlfc_discontinuities_total",
		Help: "Total number of DLFC continuity gaps observed",
	})

	LateScoreGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "edi2edi_late_score",
		Help: "Current scheduler health score, 0..200",
	})

	PollTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "edi2edi_poll_timeouts_total",
		Help: "Total number of main-loop poll timeouts",
	})

	SourceConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edi2edi_source_connects_total",
		Help: "Total number of successful connects, per source",
	}, []string{"source"})

	SourceLateFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "edi2edi_source_late_frames_total",
		Help: "Total number of late/duplicate frames attributed to a source",
	}, []string{"source"})

	TCPFanoutConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edi2edi_tcp_fanout_connections",
		Help: "Current number of connected TCP fan-out clients, per listen port",
	}, []string{"listen_port"})
)

// MarginStats mirrors the spec's stats JSON margin sub-object.
type MarginStats struct {
	Mean            float64  `json:"mean"`
	Min             float64  `json:"min"`
	Max             float64  `json:"max"`
	MeanToDelivery  *float64 `json:"mean_to_delivery"`
	Stdev           float64  `json:"stdev"`
	NumMeasurements int      `json:"num_measurements"`
}

// InputStats is one entry of the "inputs" array.
type InputStats struct {
	Hostname              string    `json:"hostname"`
	Port                  int       `json:"port"`
	LastPacketReceivedAt  *string   `json:"last_packet_received_at"`
	ConnectionUptimeMS    int64     `json:"connection_uptime"`
	Connected             bool      `json:"connected"`
	Active                bool      `json:"active"`
	Enabled               bool      `json:"enabled"`
	Stats                InputInner `json:"stats"`
}

// InputInner is the nested "stats" object within an input entry.
type InputInner struct {
	Margin                         MarginStats `json:"margin"`
	NumLateFrames                  uint64      `json:"num_late_frames"`
	NumConnects                    uint64      `json:"num_connects"`
	MostRecentConnectError         string      `json:"most_recent_connect_error"`
	MostRecentConnectErrorTimestamp *string    `json:"most_recent_connect_error_timestamp"`
}

// MainStats is the "main" object.
type MainStats struct {
	PollTimeouts   uint64 `json:"poll_timeouts"`
	ProcessUptime  int64  `json:"process_uptime"`
}

// TCPStats is one entry of "output.tcp_stats".
type TCPStats struct {
	ListenPort     int `json:"listen_port"`
	NumConnections int `json:"num_connections"`
}

// OutputStats is the "output" object.
type OutputStats struct {
	NumFrames              uint64     `json:"num_frames"`
	LateScore              int32      `json:"late_score"`
	NumDLFCDiscontinuities uint64     `json:"num_dlfc_discontinuities"`
	NumQueueOverruns       uint64     `json:"num_queue_overruns"`
	NumDroppedFrames       uint64     `json:"num_dropped_frames"`
	BackoffRemainMS        int64      `json:"backoff_remain_ms"`
	InBackoff              bool       `json:"in_backoff"`
	TCPStats               []TCPStats `json:"tcp_stats"`
}

// Document is the full stats.json document (spec §6).
type Document struct {
	Inputs []InputStats `json:"inputs"`
	Main   MainStats    `json:"main"`
	Output OutputStats  `json:"output"`
}

// RecordTransmit updates the Prometheus-backed counters for one
// successfully transmitted frame. Call alongside (not instead of) the
// scheduler's own atomics, which remain the JSON source of truth.
func RecordTransmit() { FramesTransmittedTotal.Inc() }

// RecordDrop mirrors a scheduler drop into the Prometheus counters.
func RecordDrop() { DroppedFramesTotal.Inc() }

// RecordQueueOverrun mirrors a scheduler queue overrun.
func RecordQueueOverrun() { QueueOverrunsTotal.Inc() }

// RecordDLFCDiscontinuity mirrors a scheduler DLFC gap.
func RecordDLFCDiscontinuity() { DLFCDiscontinuitiesTotal.Inc() }

// SetLateScore mirrors the current scheduler health score.
func SetLateScore(v int32) { LateScoreGauge.Set(float64(v)) }

// RecordPollTimeout mirrors one main-loop poll timeout.
func RecordPollTimeout() { PollTimeoutsTotal.Inc() }

// RecordConnect mirrors one successful connect for a named source.
func RecordConnect(source string) { SourceConnectsTotal.WithLabelValues(source).Inc() }

// RecordSourceLate mirrors one late/duplicate frame for a named source.
func RecordSourceLate(source string) { SourceLateFramesTotal.WithLabelValues(source).Inc() }

// SetTCPConnections mirrors the current fan-out client count for a listen port.
func SetTCPConnections(listenPort string, n int) {
	TCPFanoutConnections.WithLabelValues(listenPort).Set(float64(n))
}

// FormatTime renders a wall-clock instant in the spec's UTC timestamp
// format, or nil for the zero instant (used for "never happened" fields).
func FormatTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format("2006-01-02T15:04:05Z")
	return &s
}
