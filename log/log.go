// Package log is a small slog-based logging wrapper in the house style:
// leveled helpers over a package-level root logger, a colorized
// terminal handler when attached to a tty, and a rotating file handler
// for long-running embeddings. The engine logs one line per successful
// Upload, Instantiate and Call; sub-call dispatch and reply delivery
// are not logged, and contract request/response payloads are never
// logged.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors slog's levels plus a Trace level one notch below Debug,
// for the payload-bearing detail this module deliberately keeps out of
// Debug and above.
const (
	LevelTrace = slog.Level(-8)
	LevelCrit  = slog.Level(12)
)

// Logger is the interface the rest of the module logs through, so
// call sites never depend on slog directly.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	With(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

func (l *logger) log(level slog.Level, msg string, ctx []any) {
	l.inner.Log(context.Background(), level, msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(LevelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(slog.LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(slog.LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(slog.LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.log(slog.LevelError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any) {
	l.log(LevelCrit, msg, ctx)
	os.Exit(1)
}

func (l *logger) With(ctx ...any) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}

var root Logger = &logger{inner: slog.New(NewTerminalHandler(os.Stderr, LevelInfo()))}

// Root returns the module-wide default logger.
func Root() Logger { return root }

// SetRoot replaces the module-wide default logger, for an embedding
// runtime that wants its own handler (e.g. the rotating file handler).
func SetRoot(l Logger) { root = l }

// New returns a child of Root() with ctx key/value pairs attached to
// every record it emits.
func New(ctx ...any) Logger { return root.With(ctx...) }

// LevelInfo is the default minimum level for the terminal handler.
func LevelInfo() slog.Level { return slog.LevelInfo }

// levelNames maps this package's levels to the short labels the
// terminal handler prints, including the non-standard Trace/Crit ends.
var levelNames = map[slog.Level]string{
	LevelTrace:      "TRACE",
	slog.LevelDebug: "DEBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "ERROR",
	LevelCrit:       "CRIT",
}

var levelColors = map[slog.Level]*color.Color{
	LevelTrace:      color.New(color.FgHiBlack),
	slog.LevelDebug: color.New(color.FgBlue),
	slog.LevelInfo:  color.New(color.FgGreen),
	slog.LevelWarn:  color.New(color.FgYellow),
	slog.LevelError: color.New(color.FgRed),
	LevelCrit:       color.New(color.FgHiRed, color.Bold),
}

// terminalHandler is a slog.Handler that prints one colorized line per
// record when w is attached to a terminal, and a plain line otherwise.
type terminalHandler struct {
	w     io.Writer
	level slog.Level
	color bool
	attrs []slog.Attr
}

// NewTerminalHandler returns a handler writing human-readable lines to
// w, colorized when w is a tty (detected via go-isatty, with
// go-colorable unwrapping Windows' console so ANSI codes still work).
func NewTerminalHandler(w io.Writer, minLevel slog.Level) slog.Handler {
	h := &terminalHandler{w: w, level: minLevel}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		h.color = true
		h.w = colorable.NewColorable(f)
	}
	return h
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	name := levelNames[r.Level]
	if name == "" {
		name = r.Level.String()
	}
	if h.color {
		c := levelColors[r.Level]
		if c == nil {
			c = color.New(color.Reset)
		}
		name = c.Sprint(name)
	}
	line := fmt.Sprintf("%s[%s] %s", r.Time.Format("15:04:05.000"), name, r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler { return h }
