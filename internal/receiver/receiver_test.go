package receiver

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/digris/edi2edi/internal/frame"
)

// listenerAddr starts a TCP listener on an ephemeral port and returns its
// host/port split, ready to plug into a frame.Source.
func listenerAddr(t *testing.T) (net.Listener, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return ln, host, port
}

// waitFor polls cond every 5ms until it's true or the deadline passes,
// failing the test otherwise. Used to synchronize with Receiver's
// background connect goroutine without sleeping a fixed guess.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func TestInitialStateFollowsEnabled(t *testing.T) {
	r := New(frame.Source{Name: "a:1", Enabled: true}, nil, nil)
	if r.State() != Disconnected {
		t.Fatalf("expected Disconnected, got %v", r.State())
	}
	r2 := New(frame.Source{Name: "b:1", Enabled: false}, nil, nil)
	if r2.State() != Disabled {
		t.Fatalf("expected Disabled, got %v", r2.State())
	}
}

func TestSetEnabledTransitions(t *testing.T) {
	r := New(frame.Source{Name: "a:1", Enabled: false}, nil, nil)
	r.SetEnabled(true)
	if r.State() != Disconnected {
		t.Fatalf("expected Disconnected after enable, got %v", r.State())
	}
	r.SetEnabled(false)
	if r.State() != Disabled {
		t.Fatalf("expected Disabled after disable, got %v", r.State())
	}
}

func TestMarginStatsEmpty(t *testing.T) {
	r := New(frame.Source{Name: "a:1", Enabled: true}, nil, nil)
	st := r.MarginStats()
	if st.N != 0 {
		t.Fatalf("expected empty margin stats, got %+v", st)
	}
}

func TestInactiveSourceNeverConnects(t *testing.T) {
	ln, host, port := listenerAddr(t)
	defer ln.Close()

	accepted := make(chan struct{}, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			accepted <- struct{}{}
			conn.Close()
		}
	}()

	r := New(frame.Source{Name: "a:1", Hostname: host, Port: port, Enabled: true}, nil, nil)
	// Active defaults to false until the control plane sets it; switch-mode
	// arbitration must keep an inactive, enabled source from ever dialing.
	now := time.Now()
	for i := 0; i < 5; i++ {
		r.Tick(now)
		r.Receive(now)
		now = now.Add(10 * time.Millisecond)
	}

	select {
	case <-accepted:
		t.Fatal("expected an inactive source to never connect")
	case <-time.After(100 * time.Millisecond):
	}
	if r.State() != Disconnected {
		t.Fatalf("expected Disconnected, got %v", r.State())
	}
}

func TestActiveSourceConnectsButConnectedWaitsForData(t *testing.T) {
	ln, host, port := listenerAddr(t)
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			serverConnCh <- conn
		}
	}()

	r := New(frame.Source{Name: "a:1", Hostname: host, Port: port, Enabled: true}, nil, nil)
	r.SetActive(true)

	now := time.Now()
	waitFor(t, func() bool {
		r.Tick(now)
		return r.State() == Connected
	})

	// the TCP handshake alone must not be enough to report connected.
	if r.Snapshot().Connected {
		t.Fatal("expected Connected=false before any data has been received")
	}

	serverConn := <-serverConnCh
	defer serverConn.Close()
	if _, err := serverConn.Write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool {
		r.Receive(time.Now())
		return r.Snapshot().Connected
	})
	snap := r.Snapshot()
	if snap.NumConnects != 1 {
		t.Fatalf("expected NumConnects=1, got %d", snap.NumConnects)
	}
}

func TestDeactivateClosesConnection(t *testing.T) {
	ln, host, port := listenerAddr(t)
	defer ln.Close()

	go func() {
		if conn, err := ln.Accept(); err == nil {
			defer conn.Close()
			<-time.After(500 * time.Millisecond)
		}
	}()

	r := New(frame.Source{Name: "a:1", Hostname: host, Port: port, Enabled: true}, nil, nil)
	r.SetActive(true)

	now := time.Now()
	waitFor(t, func() bool {
		r.Tick(now)
		return r.State() == Connected
	})

	r.SetActive(false)
	r.Tick(time.Now())
	if r.State() != Disconnected {
		t.Fatalf("expected Disconnected after deactivation, got %v", r.State())
	}
}

func TestMarginStatsAccumulate(t *testing.T) {
	r := New(frame.Source{Name: "a:1", Enabled: true}, nil, nil)
	now := time.Now()
	for i := 0; i < 10; i++ {
		ts := frame.Timestamp{Seconds: uint32(now.Add(time.Second).Sub(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)) / time.Second)}
		tp := frame.NewTagPacket("a:1", frame.SeqInfo{}, frame.FCData{}, ts, nil)
		r.recordMargin(tp, now)
	}
	st := r.MarginStats()
	if st.N != 10 {
		t.Fatalf("expected 10 samples, got %d", st.N)
	}
	if st.Mean <= 0 {
		t.Fatalf("expected positive mean margin, got %f", st.Mean)
	}
}
