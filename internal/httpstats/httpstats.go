// Package httpstats serves the optional HTTP observability endpoint (spec
// §6): GET / returns the command line as text/plain, GET /stats.json
// returns the current stats document, everything else 404s. No TLS, no
// auth — internal observability only.
package httpstats

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// StatsProvider supplies the current stats document on demand.
type StatsProvider interface {
	StatsJSON() ([]byte, error)
}

// Server wraps a context-cancellable http.Server, following the teacher's
// metrics.Server Start/Stop lifecycle shape (adapted to this spec's two
// routes instead of /metrics).
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

// New builds a Server listening on addr, serving commandLine at "/" and
// provider's document at "/stats.json".
func New(addr, commandLine string, provider StatsProvider, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(commandLine))
	})
	mux.HandleFunc("/stats.json", func(w http.ResponseWriter, r *http.Request) {
		body, err := provider.StatsJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		log:        log,
	}
}

// Start begins serving in the background. A failure to bind is returned
// synchronously; later accept-loop errors are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http stats server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	return nil
}

// Stop shuts the server down, draining in-flight connections (spec §5:
// "shutdown is cooperative — in-flight HTTP connections drain").
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
