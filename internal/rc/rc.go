// Package rc implements the UNIX-datagram remote-control server (spec
// §4.5): ASCII commands in, a JSON envelope reply out, handled inline on
// the main poll thread when the socket becomes readable (no dedicated
// goroutine, per spec §5 "RC thread-less").
package rc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

const (
	MaxDelayMS   = 100000
	MaxBackoffMS = 100000
)

// Settings is the live mutable configuration surface RC can read/write.
type Settings struct {
	DelayMS       *int
	BackoffMS     int
	LiveStatsPort int
	Verbosity     int
}

// Controller is the capability set RC needs from the rest of the process.
// SetInputEnabled looks a source up by "host:port" origin label.
type Controller interface {
	GetSettings() Settings
	SetDelay(ms *int) error
	SetBackoff(ms int) error
	SetLiveStatsPort(port int) error
	SetVerbosity(v int) error
	SetInputEnabled(hostport string, enabled bool) error
	StatsJSON() ([]byte, error)
	ResetCounters()
}

// envelope is the reply shape confirmed against the original Python
// remote-control scripts (spec §12): {"status","cmd","response"|"message"}.
type envelope struct {
	Status   string          `json:"status"`
	Cmd      string          `json:"cmd"`
	Response json.RawMessage `json:"response,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Server owns the UNIX datagram socket and recent-error cache.
type Server struct {
	conn       *net.UnixConn
	path       string
	ctrl       Controller
	errorCache *cache.Cache
	log        *slog.Logger
}

// New creates (but does not bind) an RC server for the given socket path.
func New(path string, ctrl Controller, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		path:       path,
		ctrl:       ctrl,
		errorCache: cache.New(5*time.Minute, 10*time.Minute),
		log:        log,
	}
}

// Listen binds the UNIX datagram socket, removing any stale socket file
// first.
func (s *Server) Listen() error {
	os.Remove(s.path)
	addr, err := net.ResolveUnixAddr("unixgram", s.path)
	if err != nil {
		return fmt.Errorf("rc: resolve %s: %w", s.path, err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("rc: listen %s: %w", s.path, err)
	}
	s.conn = conn
	return nil
}

// Fd exposes the underlying file descriptor's readiness via a deadline
// read; the caller's poll loop invokes HandleOnce when the socket is
// reported readable.
func (s *Server) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	os.Remove(s.path)
	return err
}

// HandleOnce reads one datagram (if any, honoring the given deadline),
// processes it, and writes the JSON reply back to the sender address.
func (s *Server) HandleOnce(deadline time.Time) error {
	if s.conn == nil {
		return fmt.Errorf("rc: not listening")
	}
	s.conn.SetReadDeadline(deadline)
	buf := make([]byte, 4096)
	n, from, err := s.conn.ReadFromUnix(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return err
	}
	reply := s.dispatch(strings.TrimSpace(string(buf[:n])))
	out, _ := json.Marshal(reply)
	if from != nil {
		s.conn.WriteToUnix(out, from)
	}
	return nil
}

func (s *Server) dispatch(cmd string) envelope {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return errEnvelope(cmd, "empty command")
	}

	switch {
	case cmd == "get settings":
		return s.handleGetSettings(cmd)
	case cmd == "stats":
		return s.handleStats(cmd)
	case cmd == "reset counters":
		s.ctrl.ResetCounters()
		return okEnvelope(cmd, nil)
	case len(fields) >= 4 && fields[0] == "set" && fields[1] == "input":
		return s.handleSetInput(cmd, fields)
	case len(fields) >= 3 && fields[0] == "set" && fields[1] == "delay":
		return s.handleSetDelay(cmd, fields[2])
	case len(fields) >= 3 && fields[0] == "set" && fields[1] == "backoff":
		return s.handleSetBackoff(cmd, fields[2])
	case len(fields) >= 3 && fields[0] == "set" && fields[1] == "live_stats_port":
		return s.handleSetLiveStatsPort(cmd, fields[2])
	case len(fields) >= 3 && fields[0] == "set" && fields[1] == "verbose":
		return s.handleSetVerbose(cmd, fields[2])
	default:
		return errEnvelope(cmd, "unknown command")
	}
}

func (s *Server) handleGetSettings(cmd string) envelope {
	settings := s.ctrl.GetSettings()
	b, err := json.Marshal(settings)
	if err != nil {
		return errEnvelope(cmd, err.Error())
	}
	return okEnvelope(cmd, b)
}

func (s *Server) handleStats(cmd string) envelope {
	b, err := s.ctrl.StatsJSON()
	if err != nil {
		return errEnvelope(cmd, err.Error())
	}
	return okEnvelope(cmd, b)
}

func (s *Server) handleSetInput(cmd string, fields []string) envelope {
	action := fields[2]
	hostport := fields[3]
	var enabled bool
	switch action {
	case "enable":
		enabled = true
	case "disable":
		enabled = false
	default:
		return errEnvelope(cmd, "set input expects enable|disable")
	}
	if err := s.ctrl.SetInputEnabled(hostport, enabled); err != nil {
		s.errorCache.Set(hostport, err.Error(), cache.DefaultExpiration)
		return errEnvelope(cmd, err.Error())
	}
	return okEnvelope(cmd, nil)
}

func (s *Server) handleSetDelay(cmd, raw string) envelope {
	if raw == "null" {
		if err := s.ctrl.SetDelay(nil); err != nil {
			return errEnvelope(cmd, err.Error())
		}
		return okEnvelope(cmd, nil)
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < -MaxDelayMS || ms > MaxDelayMS {
		return errEnvelope(cmd, fmt.Sprintf("delay must be an integer within ±%d", MaxDelayMS))
	}
	if err := s.ctrl.SetDelay(&ms); err != nil {
		return errEnvelope(cmd, err.Error())
	}
	return okEnvelope(cmd, nil)
}

func (s *Server) handleSetBackoff(cmd, raw string) envelope {
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 || ms > MaxBackoffMS {
		return errEnvelope(cmd, fmt.Sprintf("backoff must be 0..%d", MaxBackoffMS))
	}
	if err := s.ctrl.SetBackoff(ms); err != nil {
		return errEnvelope(cmd, err.Error())
	}
	return okEnvelope(cmd, nil)
}

func (s *Server) handleSetLiveStatsPort(cmd, raw string) envelope {
	port, err := strconv.Atoi(raw)
	if err != nil || port < 0 || port > 65535 {
		return errEnvelope(cmd, "live_stats_port must be 0..65535")
	}
	if err := s.ctrl.SetLiveStatsPort(port); err != nil {
		return errEnvelope(cmd, err.Error())
	}
	return okEnvelope(cmd, nil)
}

func (s *Server) handleSetVerbose(cmd, raw string) envelope {
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > 3 {
		return errEnvelope(cmd, "verbose must be 0..3")
	}
	if err := s.ctrl.SetVerbosity(v); err != nil {
		return errEnvelope(cmd, err.Error())
	}
	return okEnvelope(cmd, nil)
}

func okEnvelope(cmd string, response json.RawMessage) envelope {
	return envelope{Status: "ok", Cmd: cmd, Response: response}
}

func errEnvelope(cmd, msg string) envelope {
	return envelope{Status: "error", Cmd: cmd, Message: msg}
}
