// Package logging provides the ambient structured logger used throughout
// netchan. Shape grounded on ezex-io-gopkg/logger: a small interface plus a
// log/slog-backed default, with With(...) for attaching per-channel fields
// (id, remote address) instead of passing them positionally at every call
// site.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the interface the channel core logs through. Production code
// never depends on the concrete slog type, only on this contract — an
// external collaborator can supply its own implementation (e.g. to route
// through an existing bootstrap's logger).
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// Slog is the default Logger, backed by log/slog.
type Slog struct {
	log *slog.Logger
}

// NewSlog builds a Slog logger writing text-formatted records to w at the
// given level. A nil w defaults to os.Stdout.
func NewSlog(w io.Writer, level slog.Level) *Slog {
	if w == nil {
		w = os.Stdout
	}
	return &Slog{log: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

// Noop discards every record; used by tests that don't want output noise.
func Noop() Logger { return &Slog{log: slog.New(slog.NewTextHandler(io.Discard, nil))} }

func (s *Slog) Debug(msg string, args ...any) { s.log.Debug(msg, args...) }
func (s *Slog) Info(msg string, args ...any)  { s.log.Info(msg, args...) }
func (s *Slog) Warn(msg string, args ...any)  { s.log.Warn(msg, args...) }
func (s *Slog) Error(msg string, args ...any) { s.log.Error(msg, args...) }

func (s *Slog) With(args ...any) Logger {
	return &Slog{log: s.log.With(args...)}
}

// Default is the package-level logger used when a Channel is not given one
// explicitly via netchan.Config.Logger.
var Default Logger = NewSlog(os.Stdout, slog.LevelInfo)
