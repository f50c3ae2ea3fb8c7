// Package scheduler implements the OrderingBuffer and its release worker —
// the timestamped merge queue that is the heart of this bridge: ingesting
// tagpackets from one or more receivers, deduplicating mirrored arrivals,
// ordering them by TIST and releasing each at a wall-clock moment derived
// from it.
package scheduler

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digris/edi2edi/internal/frame"
	"github.com/digris/edi2edi/internal/obsmetrics"
)

// Tunables fixed by spec §4.2.
const (
	MaxPending         = 1000
	LateScoreIncrease  = 10
	LateScoreMax       = 200
	LateScoreThreshold = 100
	DefaultBackoff     = 5 * time.Second
)

// Sender is the minimal capability the release worker needs: hand a
// tagpacket to the output layer, with the AF/PFT sequence numbers it
// should carry (preserved end-to-end per spec §5).
type Sender interface {
	Send(tp *frame.TagPacket) error
}

// SourceCounters lets the scheduler attribute late/drop events to the
// originating source without importing the receiver package.
type SourceCounters interface {
	IncrLate(origin string)
}

// Settings configures one Scheduler instance. DelayMS is a pointer so
// "unset" (release immediately, in arrival order) is distinguishable from
// 0 (release exactly at TIST).
type Settings struct {
	DelayMS  *int64
	DropLate bool
	Backoff  time.Duration
}

// Stats is a snapshot of the counters the stats JSON and RC "stats" command
// need; Scheduler.Snapshot returns one without holding the mutex across
// serialisation (spec's "take a per-tick snapshot" note, §9).
type Stats struct {
	NumFrames              uint64
	LateScore              int32
	NumDLFCDiscontinuities uint64
	NumQueueOverruns       uint64
	NumDroppedFrames       uint64
	BackoffRemainMS        int64
	InBackoff              bool
}

// Scheduler is the OrderingBuffer plus its release worker.
type Scheduler struct {
	mu              sync.Mutex
	buf             *list.List // of *frame.TagPacket, strictly increasing by Timestamp
	mostRecentTS    frame.Timestamp
	mostRecentValid bool
	inhibitUntil    time.Time
	lateScore       int32

	settings atomic.Pointer[Settings]

	numFrames              atomic.Uint64
	numDropped             atomic.Uint64
	numQueueOverruns       atomic.Uint64
	numDLFCDiscontinuities atomic.Uint64

	prevDLFC      uint16
	prevDLFCValid bool

	counters SourceCounters
	sender   Sender
	log      *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wake     chan struct{}
}

// New builds a Scheduler. sender and counters may be nil in tests that only
// exercise push_tagpacket semantics.
func New(settings Settings, sender Sender, counters SourceCounters, log *slog.Logger) *Scheduler {
	if settings.Backoff == 0 {
		settings.Backoff = DefaultBackoff
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		buf:      list.New(),
		sender:   sender,
		counters: counters,
		log:      log,
		stop:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	s.settings.Store(&settings)
	return s
}

// Settings returns the current live settings (read lock-free; RC "set
// delay"/"set backoff" call UpdateSettings to swap them).
func (s *Scheduler) GetSettings() Settings {
	return *s.settings.Load()
}

// UpdateSettings atomically replaces delay/backoff/drop-late, used by the
// remote-control plane.
func (s *Scheduler) UpdateSettings(fn func(Settings) Settings) {
	cur := *s.settings.Load()
	next := fn(cur)
	if next.Backoff == 0 {
		next.Backoff = DefaultBackoff
	}
	s.settings.Store(&next)
}

func (s *Scheduler) releaseAt(ts frame.Timestamp) (time.Time, bool) {
	set := s.settings.Load()
	if set.DelayMS == nil {
		return time.Time{}, false
	}
	return ts.AsWallclock().Add(time.Duration(*set.DelayMS) * time.Millisecond), true
}

// classification mirrors the log labels spec §4.2 names; kept only for
// logging/testing clarity.
type classification int

const (
	classNew classification = iota
	classDupLate
	classInhibited
	classLate
)

// Push implements push_tagpacket(tp, src) exactly per spec §4.2: executed
// under the buffer mutex, decisions evaluated in the documented order.
func (s *Scheduler) Push(tp *frame.TagPacket, origin string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.settings.Load()

	late := false
	if set.DelayMS != nil {
		if !tp.Timestamp.Valid() {
			late = true
		} else {
			tRelease := tp.Timestamp.AsWallclock().Add(time.Duration(*set.DelayMS) * time.Millisecond)
			late = tRelease.Before(now)
		}
	}

	// 2. dup & late: timestamp already at or before what's been released.
	if s.mostRecentValid && tp.Timestamp.LessEqual(s.mostRecentTS) {
		s.classify(classDupLate, origin)
		return
	}

	// 3. inhibited.
	if now.Before(s.inhibitUntil) {
		s.classify(classInhibited, origin)
		return
	}

	// 4. late.
	if late {
		s.bumpLateScore()
		s.classify(classLate, origin)
		return
	}

	// 5. ordered insertion / dedup / append.
	inserted := false
	for e := s.buf.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*frame.TagPacket)
		if tp.Timestamp.Less(cur.Timestamp) {
			s.buf.InsertBefore(tp, e)
			inserted = true
			s.decayLateScore()
			break
		}
		if tp.Timestamp.Equal(cur.Timestamp) {
			if cur.DLFC != tp.DLFC {
				s.log.Warn("dlfc err", "origin", origin, "existing_dlfc", cur.DLFC, "new_dlfc", tp.DLFC)
			} else {
				s.log.Debug("dup", "origin", origin)
			}
			cur.MergeOrigins(tp)
			s.decayLateScore()
			inserted = true
			break
		}
	}
	if !inserted {
		s.buf.PushBack(tp)
		s.decayLateScore()
	}

	// 6. overflow: drop the oldest.
	if s.buf.Len() > MaxPending {
		s.buf.Remove(s.buf.Front())
		s.numQueueOverruns.Add(1)
		obsmetrics.RecordQueueOverrun()
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) classify(c classification, origin string) {
	switch c {
	case classDupLate:
		if s.counters != nil {
			s.counters.IncrLate(origin)
		}
		s.numDropped.Add(1)
	case classInhibited:
		s.numDropped.Add(1)
	case classLate:
		if s.counters != nil {
			s.counters.IncrLate(origin)
		}
	}
}

func (s *Scheduler) bumpLateScore() {
	for {
		cur := atomic.LoadInt32(&s.lateScore)
		next := cur + LateScoreIncrease
		if next > LateScoreMax {
			next = LateScoreMax
		}
		if atomic.CompareAndSwapInt32(&s.lateScore, cur, next) {
			return
		}
	}
}

func (s *Scheduler) decayLateScore() {
	for {
		cur := atomic.LoadInt32(&s.lateScore)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&s.lateScore, cur, cur-1) {
			return
		}
	}
}

// IsRunningOK implements spec's is_running_ok(): late_score < threshold.
func (s *Scheduler) IsRunningOK() bool {
	return atomic.LoadInt32(&s.lateScore) < LateScoreThreshold
}

// Inhibit implements inhibit(): opens a backoff window, clears the buffer
// and resets late_score to 0 — the recovery action after loss-of-lock.
func (s *Scheduler) Inhibit(now time.Time) {
	s.mu.Lock()
	set := s.settings.Load()
	s.inhibitUntil = now.Add(set.Backoff)
	s.buf.Init()
	s.mu.Unlock()
	atomic.StoreInt32(&s.lateScore, 0)
}

// ResetCounters zeroes every cumulative counter (RC's "reset counters"),
// leaving the buffer, inhibit window and live settings untouched.
func (s *Scheduler) ResetCounters() {
	s.numFrames.Store(0)
	s.numDropped.Store(0)
	s.numQueueOverruns.Store(0)
	s.numDLFCDiscontinuities.Store(0)
}

// Len returns the current buffer depth (for tests/stats).
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Snapshot returns the current counters without holding the buffer mutex
// during serialisation.
func (s *Scheduler) Snapshot(now time.Time) Stats {
	s.mu.Lock()
	inhibitUntil := s.inhibitUntil
	s.mu.Unlock()

	remain := inhibitUntil.Sub(now)
	if remain < 0 {
		remain = 0
	}
	return Stats{
		NumFrames:              s.numFrames.Load(),
		LateScore:              atomic.LoadInt32(&s.lateScore),
		NumDLFCDiscontinuities: s.numDLFCDiscontinuities.Load(),
		NumQueueOverruns:       s.numQueueOverruns.Load(),
		NumDroppedFrames:       s.numDropped.Load(),
		BackoffRemainMS:        remain.Milliseconds(),
		InBackoff:              now.Before(inhibitUntil),
	}
}

// Run starts the release worker loop; it blocks until Stop is called. This
// is the only goroutine in the process that ever sleeps with intent (to
// wait for a release instant), per spec §5.
func (s *Scheduler) Run() {
	idle := time.NewTicker(time.Millisecond)
	defer idle.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
		case <-idle.C:
		}
		for s.releaseOne() {
		}
	}
}

// Stop terminates the release worker.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// releaseOne pops and processes the head of the buffer if any; returns
// true if it popped something (so Run can drain a backlog without waiting
// for the next tick).
func (s *Scheduler) releaseOne() bool {
	s.mu.Lock()
	front := s.buf.Front()
	if front == nil {
		s.mu.Unlock()
		return false
	}
	tp := front.Value.(*frame.TagPacket)
	s.buf.Remove(front)
	s.mostRecentTS = tp.Timestamp
	s.mostRecentValid = true
	s.mu.Unlock()

	now := time.Now()

	if tRelease, ok := s.releaseAt(tp.Timestamp); ok {
		if tRelease.After(now) {
			time.Sleep(tRelease.Sub(now))
			now = time.Now()
		}
		if tRelease.Before(now) {
			set := s.settings.Load()
			if set.DropLate {
				s.numDropped.Add(1)
				return true
			}
		}
	}

	if now.Before(s.inhibitUntilSnapshot()) {
		s.numDropped.Add(1)
		return true
	}

	s.checkDLFCContinuity(tp, now)

	if s.sender != nil {
		if err := s.sender.Send(tp); err != nil {
			s.log.Error("send failed", "error", err)
		}
	}
	s.numFrames.Add(1)
	obsmetrics.RecordTransmit()
	return true
}

func (s *Scheduler) inhibitUntilSnapshot() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inhibitUntil
}

func (s *Scheduler) checkDLFCContinuity(tp *frame.TagPacket, now time.Time) {
	if !tp.DLFCValid {
		return
	}
	if s.prevDLFCValid && frame.NextDLFC(s.prevDLFC) != tp.DLFC {
		s.log.Warn("dlfc discontinuity", "prev", s.prevDLFC, "got", tp.DLFC)
		s.numDLFCDiscontinuities.Add(1)
		obsmetrics.RecordDLFCDiscontinuity()
		s.Inhibit(now)
	}
	s.prevDLFC = tp.DLFC
	s.prevDLFCValid = true
}
