package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/digris/edi2edi/internal/frame"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []*frame.TagPacket
}

func (r *recordingSender) Send(tp *frame.TagPacket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, tp)
	return nil
}

func (r *recordingSender) all() []*frame.TagPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*frame.TagPacket, len(r.sent))
	copy(out, r.sent)
	return out
}

type countingCounters struct {
	mu   sync.Mutex
	late map[string]int
}

func newCountingCounters() *countingCounters {
	return &countingCounters{late: make(map[string]int)}
}

func (c *countingCounters) IncrLate(origin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.late[origin]++
}

func tsAt(base time.Time, offset time.Duration) frame.Timestamp {
	t := base.Add(offset)
	secs := uint32(t.Sub(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)) / time.Second)
	return frame.Timestamp{Seconds: secs}
}

func delayPtr(ms int64) *int64 { return &ms }

// scenario 1: single source, ideal.
func TestScenario1SingleSourceIdeal(t *testing.T) {
	sender := &recordingSender{}
	s := New(Settings{DelayMS: delayPtr(0), DropLate: true}, sender, newCountingCounters(), nil)
	go s.Run()
	defer s.Stop()

	base := time.Now().Add(2 * time.Second)
	for i := 0; i < 250; i++ {
		ts := tsAt(base, time.Duration(i)*24*time.Millisecond)
		tp := frame.NewTagPacket("a", frame.SeqInfo{}, frame.FCData{DLFC: uint16(i)}, ts, nil)
		tp.DLFCValid = true
		s.Push(tp, "a", time.Now())
	}

	waitFor(t, func() bool { return len(sender.all()) == 250 }, 3*time.Second)

	got := sender.all()
	for i := 1; i < len(got); i++ {
		if !got[i-1].Timestamp.Less(got[i].Timestamp) {
			t.Fatalf("not strictly increasing at %d", i)
		}
	}
	st := s.Snapshot(time.Now())
	if st.NumDroppedFrames != 0 {
		t.Errorf("num_dropped = %d, want 0", st.NumDroppedFrames)
	}
	if st.LateScore != 0 {
		t.Errorf("late_score = %d, want 0", st.LateScore)
	}
}

// scenario 2: burst arrival, reordered, with a generous delay so nothing
// is late by the time it is processed.
func TestScenario2BurstReorder(t *testing.T) {
	sender := &recordingSender{}
	s := New(Settings{DelayMS: delayPtr(1000)}, sender, newCountingCounters(), nil)
	go s.Run()
	defer s.Stop()

	base := time.Now().Add(500 * time.Millisecond)
	var packets []*frame.TagPacket
	for i := 0; i < 250; i++ {
		ts := tsAt(base, time.Duration(i)*24*time.Millisecond)
		tp := frame.NewTagPacket("a", frame.SeqInfo{}, frame.FCData{DLFC: uint16(i)}, ts, nil)
		tp.DLFCValid = true
		packets = append(packets, tp)
	}
	for i := len(packets) - 1; i >= 0; i-- {
		s.Push(packets[i], "a", time.Now())
	}

	waitFor(t, func() bool { return len(sender.all()) == 250 }, 5*time.Second)
	got := sender.all()
	for i := 1; i < len(got); i++ {
		if !got[i-1].Timestamp.Less(got[i].Timestamp) {
			t.Fatalf("not ascending at %d", i)
		}
	}
	if s.Snapshot(time.Now()).NumDroppedFrames != 0 {
		t.Errorf("expected no drops")
	}
}

// scenario 3: mirror merge — two sources emit identical (timestamp, dlfc).
func TestScenario3MirrorMerge(t *testing.T) {
	sender := &recordingSender{}
	s := New(Settings{DelayMS: delayPtr(1000)}, sender, newCountingCounters(), nil)
	go s.Run()
	defer s.Stop()

	base := time.Now().Add(500 * time.Millisecond)
	for i := 0; i < 250; i++ {
		ts := tsAt(base, time.Duration(i)*24*time.Millisecond)
		tpA := frame.NewTagPacket("A", frame.SeqInfo{}, frame.FCData{DLFC: uint16(i)}, ts, nil)
		tpA.DLFCValid = true
		s.Push(tpA, "A", time.Now())
	}
	time.Sleep(30 * time.Millisecond)
	for i := 0; i < 250; i++ {
		ts := tsAt(base, time.Duration(i)*24*time.Millisecond)
		tpB := frame.NewTagPacket("B", frame.SeqInfo{}, frame.FCData{DLFC: uint16(i)}, ts, nil)
		tpB.DLFCValid = true
		s.Push(tpB, "B", time.Now())
	}

	waitFor(t, func() bool { return len(sender.all()) == 250 }, 5*time.Second)
	got := sender.all()
	for _, tp := range got {
		if _, okA := tp.Origins["A"]; !okA {
			t.Fatalf("missing origin A in merged frame")
		}
		if _, okB := tp.Origins["B"]; !okB {
			t.Fatalf("missing origin B in merged frame")
		}
	}
}

// scenario 5: DLFC gap triggers inhibit and a backoff window of drops.
func TestScenario5DLFCGapTriggersInhibit(t *testing.T) {
	sender := &recordingSender{}
	s := New(Settings{DelayMS: delayPtr(0), DropLate: true, Backoff: 50 * time.Millisecond}, sender, newCountingCounters(), nil)
	go s.Run()
	defer s.Stop()

	base := time.Now().Add(200 * time.Millisecond)
	for i := 0; i < 100; i++ {
		ts := tsAt(base, time.Duration(i)*time.Millisecond)
		tp := frame.NewTagPacket("a", frame.SeqInfo{}, frame.FCData{DLFC: uint16(i)}, ts, nil)
		tp.DLFCValid = true
		s.Push(tp, "a", time.Now())
	}
	// skip to dlfc 105
	ts := tsAt(base, 100*time.Millisecond)
	gap := frame.NewTagPacket("a", frame.SeqInfo{}, frame.FCData{DLFC: 105}, ts, nil)
	gap.DLFCValid = true
	s.Push(gap, "a", time.Now())

	waitFor(t, func() bool { return s.Snapshot(time.Now()).NumDLFCDiscontinuities == 1 }, 3*time.Second)
	if st := s.Snapshot(time.Now()); st.NumDLFCDiscontinuities != 1 {
		t.Fatalf("num_dlfc_discontinuities = %d, want 1", st.NumDLFCDiscontinuities)
	}
}

// P4: a frame with timestamp <= most_recent_timestamp is never transmitted
// and is counted in num_dropped and the origin's num_late.
func TestP4LateDuplicateNeverTransmitted(t *testing.T) {
	sender := &recordingSender{}
	counters := newCountingCounters()
	s := New(Settings{}, sender, counters, nil)

	now := time.Now()
	ts1 := tsAt(now, 0)
	ts0 := tsAt(now, -time.Second)

	tp1 := frame.NewTagPacket("a", frame.SeqInfo{}, frame.FCData{}, ts1, nil)
	s.Push(tp1, "a", now)
	s.releaseOne()

	tpLate := frame.NewTagPacket("a", frame.SeqInfo{}, frame.FCData{}, ts0, nil)
	s.Push(tpLate, "a", now)

	if s.Len() != 0 {
		t.Fatalf("late duplicate should not be buffered")
	}
	if counters.late["a"] != 1 {
		t.Fatalf("expected num_late=1, got %d", counters.late["a"])
	}
	if s.Snapshot(now).NumDroppedFrames != 1 {
		t.Fatalf("expected num_dropped=1")
	}
}

// P6: queue bound — inserting past MaxPending increments num_queue_overruns
// and keeps the buffer at MaxPending.
func TestP6QueueBound(t *testing.T) {
	s := New(Settings{}, nil, nil, nil)
	base := time.Now().Add(time.Hour)
	for i := 0; i < MaxPending+10; i++ {
		ts := tsAt(base, time.Duration(i)*time.Millisecond)
		tp := frame.NewTagPacket("a", frame.SeqInfo{}, frame.FCData{}, ts, nil)
		s.Push(tp, "a", time.Now())
	}
	if s.Len() != MaxPending {
		t.Fatalf("buffer len = %d, want %d", s.Len(), MaxPending)
	}
	if s.Snapshot(time.Now()).NumQueueOverruns != 10 {
		t.Fatalf("overruns = %d, want 10", s.Snapshot(time.Now()).NumQueueOverruns)
	}
}

// P7: health score increases by 10 per late event up to 200, decays by 1
// per subsequent on-time insertion.
func TestP7HealthScore(t *testing.T) {
	s := New(Settings{DelayMS: delayPtr(0)}, nil, newCountingCounters(), nil)
	past := tsAt(time.Now(), -time.Hour)
	for i := 0; i < 30; i++ {
		tp := frame.NewTagPacket("a", frame.SeqInfo{}, frame.FCData{}, past, nil)
		s.Push(tp, "a", time.Now())
	}
	if got := s.Snapshot(time.Now()).LateScore; got != 200 {
		t.Fatalf("late_score = %d, want 200 (capped)", got)
	}

	future := tsAt(time.Now(), time.Hour)
	for i := 0; i < 5; i++ {
		ts := frame.Timestamp{Seconds: future.Seconds + uint32(i)}
		tp := frame.NewTagPacket("a", frame.SeqInfo{}, frame.FCData{}, ts, nil)
		s.Push(tp, "a", time.Now())
	}
	if got := s.Snapshot(time.Now()).LateScore; got != 195 {
		t.Fatalf("late_score = %d, want 195 after 5 on-time insertions", got)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
