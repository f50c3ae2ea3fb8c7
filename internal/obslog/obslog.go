// Package obslog builds the structured logger shared by both converter
// binaries: log/slog over stdout, optionally duplicated to a rotating
// file via lumberjack, with verbosity controlled by a repeatable -v flag.
package obslog

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Format selects the slog handler encoding.
type Format int

const (
	Text Format = iota
	JSON
)

// FileConfig describes the optional rotating file sink.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Options configures New.
type Options struct {
	Verbosity int // 0..3, repeatable -v count
	Format    Format
	File      *FileConfig // nil disables the file sink
}

// LevelForVerbosity maps the spec's repeatable -v flag (0..3) to a slog
// level: 0=warn, 1=info, 2=debug, 3=debug (with source positions added by
// the caller via HandlerOptions.AddSource).
func LevelForVerbosity(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelWarn
	case v == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// New builds the process logger per Options. The returned io.Closer must
// be closed at shutdown to flush/close the rotating file, if any. The
// returned *slog.LevelVar backs the handler's level live, so RC's
// "set verbose" can raise or lower it without rebuilding the logger.
func New(opts Options) (*slog.Logger, io.Closer, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(LevelForVerbosity(opts.Verbosity))
	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.Verbosity >= 3,
	}

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if opts.File != nil && opts.File.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File.Path,
			MaxSize:    opts.File.MaxSizeMB,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAgeDays,
			Compress:   opts.File.Compress,
		}
		w = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	var handler slog.Handler
	if opts.Format == JSON {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler), closer, level
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
