// Package receiver implements the per-source state machine (spec §4.1):
// connect/retry over EDI/TCP, feeding bytes to the edi decoder and pushing
// the resulting tagpackets into the scheduler with the source's origin
// label attached.
package receiver

import (
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digris/edi2edi/internal/edi"
	"github.com/digris/edi2edi/internal/frame"
	"github.com/digris/edi2edi/internal/obsmetrics"
	"github.com/digris/edi2edi/internal/transport"
)

// State is one of the three states in spec §4.1's diagram.
type State int

const (
	Disabled State = iota
	Disconnected
	Connected
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ReconnectDelay is the wait between connect attempts (spec §4.1).
const ReconnectDelay = 480 * time.Millisecond

// MarginWindow is the rolling-window size for margin stats (≈1 minute at
// 24ms/frame).
const MarginWindow = 2500

// ReceiveBatchSize bounds how many bytes a single Receive call drains from
// the socket, so one source's backlog can't starve the others in a poll
// tick.
const ReceiveBatchSize = 32

// Pusher is the scheduler capability a receiver needs: push_tagpacket.
type Pusher interface {
	Push(tp *frame.TagPacket, origin string, now time.Time)
}

// MarginStats summarises the rolling margin window.
type MarginStats struct {
	Min, Max, Mean, Stdev float64
	N                     int
}

// dialResult is what a background connect attempt reports back on.
type dialResult struct {
	conn net.Conn
	err  error
}

// Receiver drives one source's state machine.
type Receiver struct {
	mu     sync.Mutex
	src    frame.Source
	state  State
	conn   net.Conn
	dec    *edi.Decoder
	nextAttempt time.Time
	lastRecv    time.Time

	connecting    bool
	connectResult chan dialResult

	numLate atomic.Uint64

	margins    []float64
	marginHead int
	marginLen  int

	sched Pusher
	log   *slog.Logger

	lastErr    string
	lastErrAt  time.Time
}

// New builds a Receiver for src, initially Disabled if src.Enabled is
// false, else Disconnected (spec §4.1).
func New(src frame.Source, sched Pusher, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	state := Disconnected
	if !src.Enabled {
		state = Disabled
	}
	return &Receiver{
		src:     src,
		state:   state,
		dec:     edi.NewDecoder(),
		margins: make([]float64, MarginWindow),
		sched:   sched,
		log:     log.With("source", src.Name),
	}
}

// Name returns the source's origin label ("host:port").
func (r *Receiver) Name() string { return r.src.Name }

// State returns the current state machine state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetEnabled implements RC "set input enable/disable <host:port>".
func (r *Receiver) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src.Enabled = enabled
	if !enabled {
		r.closeLocked()
		r.state = Disabled
		return
	}
	if r.state == Disabled {
		r.state = Disconnected
		r.nextAttempt = time.Time{}
	}
}

// SetActive is set by the control plane (switch mode).
func (r *Receiver) SetActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src.Active = active
}

// IsEnabled reports operator intent, for the control plane (spec §4.3).
func (r *Receiver) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Enabled
}

// IsActive reports whether this source currently feeds the scheduler.
func (r *Receiver) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Active
}

// Snapshot returns a copy of the source's current config+state for the
// stats JSON / RC "get settings".
func (r *Receiver) Snapshot() frame.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src
}

// LastReceiveAge returns time since the last successful byte batch, used
// by switch-mode arbitration (spec §4.3). A zero ConnectedAt means "never".
func (r *Receiver) LastReceiveAge(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastRecv.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(r.lastRecv)
}

// Tick advances the state machine: polls an in-flight connect, attempts a
// reconnect if due, and tears down if the source is disabled or was
// deactivated by switch-mode arbitration (spec §4.3, invariant I5 — only
// the active source may feed the scheduler).
func (r *Receiver) Tick(now time.Time) {
	r.mu.Lock()
	state := r.state
	due := now.After(r.nextAttempt)
	active := r.src.Active
	connecting := r.connecting
	resultCh := r.connectResult
	r.mu.Unlock()

	if connecting {
		select {
		case res := <-resultCh:
			r.finishConnect(res, now)
		default:
		}
		return
	}

	if state == Disabled {
		return
	}
	if !active {
		r.deactivate(now)
		return
	}
	if state != Disconnected || !due {
		return
	}
	r.startConnect(now)
}

// startConnect kicks off a TCP dial on its own goroutine so a slow or
// unreachable source never blocks the shared poll loop (spec §5 — all
// operations other than the poll primitive itself are non-blocking).
// finishConnect picks the result up on a later Tick.
func (r *Receiver) startConnect(now time.Time) {
	r.mu.Lock()
	addr := net.JoinHostPort(r.src.Hostname, portString(r.src.Port))
	ch := make(chan dialResult, 1)
	r.connecting = true
	r.connectResult = ch
	r.mu.Unlock()

	go func() {
		conn, err := transport.DialTCP(addr, 2*time.Second)
		ch <- dialResult{conn: conn, err: err}
	}()
}

// finishConnect installs a completed dial's connection, unless the source
// was disabled or deactivated while the dial was in flight, in which case
// the stray connection is closed rather than used. The source is not
// marked connected here: spec §4.1 requires that only happen on the first
// successful data receive, since a TCP handshake alone doesn't prove the
// far end is actually sending EDI.
func (r *Receiver) finishConnect(res dialResult, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connecting = false
	r.connectResult = nil

	if res.err != nil {
		r.lastErr = res.err.Error()
		r.lastErrAt = now
		r.nextAttempt = now.Add(ReconnectDelay)
		r.log.Debug("connect failed", "error", res.err)
		return
	}
	if !r.src.Enabled || !r.src.Active {
		res.conn.Close()
		r.log.Debug("dropping stale connect, source no longer active")
		return
	}
	r.conn = res.conn
	r.state = Connected
	r.dec.Reset()
	r.log.Info("tcp handshake complete, awaiting data")
}

// deactivate tears the connection down when switch-mode arbitration has
// moved the active source elsewhere, matching the original's tick(): an
// inactive source never feeds the scheduler.
func (r *Receiver) deactivate(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Connected {
		return
	}
	r.closeLocked()
	r.state = Disconnected
	r.nextAttempt = time.Time{}
	r.log.Debug("deactivated by switch-mode arbitration")
}

// Receive drains up to one batch from the socket and feeds it to the
// decoder; resulting tagpackets are pushed into the scheduler. Call this
// from the poll loop when the source's fd is readable.
func (r *Receiver) Receive(now time.Time) {
	r.mu.Lock()
	conn := r.conn
	state := r.state
	r.mu.Unlock()
	if state != Connected || conn == nil {
		return
	}

	buf := make([]byte, ReceiveBatchSize)
	conn.SetReadDeadline(now.Add(50 * time.Millisecond))
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		r.disconnect(now, err)
		return
	}
	if n == 0 {
		return
	}

	r.mu.Lock()
	r.lastRecv = now
	if !r.src.Connected {
		r.src.Connected = true
		r.src.NumConnects++
		r.src.ConnectedAt = now
		r.log.Info("connection confirmed by first data receive")
		obsmetrics.RecordConnect(r.src.Name)
	}
	r.mu.Unlock()

	tps, errs := r.dec.Feed(r.src.Name, buf[:n])
	for _, e := range errs {
		r.log.Debug("protocol error", "error", e)
	}
	for _, tp := range tps {
		r.recordMargin(tp, now)
		if r.sched != nil {
			r.sched.Push(tp, r.src.Name, now)
		}
	}
}

func (r *Receiver) disconnect(now time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
	r.state = Disconnected
	r.nextAttempt = now.Add(ReconnectDelay)
	r.lastErr = err.Error()
	r.lastErrAt = now
	r.log.Debug("disconnected", "error", err)
}

func (r *Receiver) closeLocked() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.src.Connected = false
}

// recordMargin appends the margin (timestamp_as_wallclock - now) to the
// rolling window. Positive values mean the frame arrived ahead of its
// scheduled release.
func (r *Receiver) recordMargin(tp *frame.TagPacket, now time.Time) {
	if !tp.Timestamp.Valid() {
		return
	}
	margin := tp.Timestamp.AsWallclock().Sub(now).Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.margins[r.marginHead] = margin
	r.marginHead = (r.marginHead + 1) % MarginWindow
	if r.marginLen < MarginWindow {
		r.marginLen++
	}
}

// MarginStats computes {min,max,mean,stdev,n} over the rolling window.
func (r *Receiver) MarginStats() MarginStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marginLen == 0 {
		return MarginStats{}
	}
	min, max, sum := r.margins[0], r.margins[0], 0.0
	for i := 0; i < r.marginLen; i++ {
		v := r.margins[i]
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	mean := sum / float64(r.marginLen)
	var sq float64
	for i := 0; i < r.marginLen; i++ {
		d := r.margins[i] - mean
		sq += d * d
	}
	stdev := 0.0
	if r.marginLen > 1 {
		stdev = math.Sqrt(sq / float64(r.marginLen))
	}
	return MarginStats{Min: min, Max: max, Mean: mean, Stdev: stdev, N: r.marginLen}
}

// IncrLate implements scheduler.SourceCounters for this receiver's source.
func (r *Receiver) IncrLate(origin string) {
	if origin != r.src.Name {
		return
	}
	r.numLate.Add(1)
}

// NumLate returns the accumulated late-frame count for this source.
func (r *Receiver) NumLate() uint64 { return r.numLate.Load() }

// ResetLate implements the per-source half of RC's "reset counters".
func (r *Receiver) ResetLate() { r.numLate.Store(0) }

// RecordConnectError exposes the most recent connect error/timestamp for
// the stats JSON.
func (r *Receiver) RecordConnectError() (string, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr, r.lastErrAt
}

// LastReceivedAt returns the wall-clock instant of the last received byte
// batch, or the zero time if none yet (stats JSON's
// last_packet_received_at).
func (r *Receiver) LastReceivedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRecv
}

func portString(p int) string {
	return strconv.Itoa(p)
}
