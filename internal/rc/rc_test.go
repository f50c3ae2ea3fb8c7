package rc

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeController struct {
	settings      Settings
	enabledCalls  map[string]bool
	resetCalled   bool
	statsErr      error
}

func (f *fakeController) GetSettings() Settings { return f.settings }
func (f *fakeController) SetDelay(ms *int) error {
	f.settings.DelayMS = ms
	return nil
}
func (f *fakeController) SetBackoff(ms int) error {
	f.settings.BackoffMS = ms
	return nil
}
func (f *fakeController) SetLiveStatsPort(port int) error {
	f.settings.LiveStatsPort = port
	return nil
}
func (f *fakeController) SetVerbosity(v int) error {
	f.settings.Verbosity = v
	return nil
}
func (f *fakeController) SetInputEnabled(hostport string, enabled bool) error {
	if f.enabledCalls == nil {
		f.enabledCalls = map[string]bool{}
	}
	f.enabledCalls[hostport] = enabled
	return nil
}
func (f *fakeController) StatsJSON() ([]byte, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return []byte(`{"main":{"poll_timeouts":0}}`), nil
}
func (f *fakeController) ResetCounters() { f.resetCalled = true }

func newTestServer(t *testing.T, ctrl Controller) (*Server, *net.UnixConn) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "rc.sock")
	srv := New(sockPath, ctrl, nil)
	require.NoError(t, srv.Listen())
	t.Cleanup(func() { srv.Close() })

	clientAddr, err := net.ResolveUnixAddr("unixgram", filepath.Join(t.TempDir(), "client.sock"))
	require.NoError(t, err)
	client, err := net.ListenUnixgram("unixgram", clientAddr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	serverAddr, err := net.ResolveUnixAddr("unixgram", sockPath)
	require.NoError(t, err)
	require.NoError(t, client.SetWriteBuffer(1<<16))
	_ = serverAddr
	return srv, client
}

func sendAndWait(t *testing.T, srv *Server, client *net.UnixConn, sockPath, cmd string) envelope {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unixgram", sockPath)
	require.NoError(t, err)
	_, err = client.WriteToUnix([]byte(cmd), addr)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.HandleOnce(time.Now().Add(time.Second)) }()
	require.NoError(t, <-done)

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(buf[:n], &env))
	return env
}

func TestRCSetInputEnable(t *testing.T) {
	ctrl := &fakeController{}
	srv, client := newTestServer(t, ctrl)
	env := sendAndWait(t, srv, client, srv.path, "set input enable edi1.example.org:9000")
	require.Equal(t, "ok", env.Status)
	require.True(t, ctrl.enabledCalls["edi1.example.org:9000"])
}

func TestRCSetDelayRejectsOutOfRange(t *testing.T) {
	ctrl := &fakeController{}
	srv, client := newTestServer(t, ctrl)
	env := sendAndWait(t, srv, client, srv.path, "set delay 200000")
	require.Equal(t, "error", env.Status)
}

func TestRCSetDelayNull(t *testing.T) {
	ctrl := &fakeController{settings: Settings{DelayMS: intPtr(10)}}
	srv, client := newTestServer(t, ctrl)
	env := sendAndWait(t, srv, client, srv.path, "set delay null")
	require.Equal(t, "ok", env.Status)
	require.Nil(t, ctrl.settings.DelayMS)
}

func TestRCResetCounters(t *testing.T) {
	ctrl := &fakeController{}
	srv, client := newTestServer(t, ctrl)
	env := sendAndWait(t, srv, client, srv.path, "reset counters")
	require.Equal(t, "ok", env.Status)
	require.True(t, ctrl.resetCalled)
}

func TestRCUnknownCommand(t *testing.T) {
	ctrl := &fakeController{}
	srv, client := newTestServer(t, ctrl)
	env := sendAndWait(t, srv, client, srv.path, "frobnicate widget")
	require.Equal(t, "error", env.Status)
}

func intPtr(v int) *int { return &v }
