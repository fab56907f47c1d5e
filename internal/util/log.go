package util

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// fileSink, when set, receives every log line as JSON in addition to the console.
var fileSink atomic.Pointer[pterm.Logger]

// Leveled logging functions backed by pterm.
// Console output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...any) {
	emit(pterm.LogLevelDebug, fmt.Sprintf(format, args...), nil)
}

func LogInfo(format string, args ...any) {
	emit(pterm.LogLevelInfo, fmt.Sprintf(format, args...), nil)
}

func LogSuccess(format string, args ...any) {
	emit(pterm.LogLevelInfo, fmt.Sprintf(format, args...), nil)
}

func LogWarning(format string, args ...any) {
	emit(pterm.LogLevelWarn, fmt.Sprintf(format, args...), nil)
}

func LogError(format string, args ...any) {
	emit(pterm.LogLevelError, fmt.Sprintf(format, args...), nil)
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
	if l := fileSink.Load(); l != nil {
		l.Level = pterm.LogLevelDebug
	}
}

// SetLogFile mirrors all log output into path, rotated by size. The returned
// Closer flushes and closes the file and detaches it.
func SetLogFile(path string, maxSizeMB, maxBackups int) io.Closer {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	l := pterm.DefaultLogger.
		WithWriter(lj).
		WithFormatter(pterm.LogFormatterJSON).
		WithTime(true)
	fileSink.Store(l)
	return closerFunc(func() error {
		fileSink.CompareAndSwap(l, nil)
		return lj.Close()
	})
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Logger is a logger bound to one link. Every line carries the link name as
// a structured argument.
type Logger struct {
	link string
}

// NewLogger returns a Logger that tags its output with link.
func NewLogger(link string) *Logger {
	return &Logger{link: link}
}

func (l *Logger) Debugf(format string, args ...any) {
	emit(pterm.LogLevelDebug, fmt.Sprintf(format, args...), l.args())
}

func (l *Logger) Infof(format string, args ...any) {
	emit(pterm.LogLevelInfo, fmt.Sprintf(format, args...), l.args())
}

func (l *Logger) Warnf(format string, args ...any) {
	emit(pterm.LogLevelWarn, fmt.Sprintf(format, args...), l.args())
}

func (l *Logger) Errorf(format string, args ...any) {
	emit(pterm.LogLevelError, fmt.Sprintf(format, args...), l.args())
}

func (l *Logger) args() []any {
	if l == nil || l.link == "" {
		return nil
	}
	return []any{"link", l.link}
}

func emit(level pterm.LogLevel, msg string, args []any) {
	write(&pterm.DefaultLogger, level, msg, args)
	if l := fileSink.Load(); l != nil {
		write(l, level, msg, args)
	}
}

func write(l *pterm.Logger, level pterm.LogLevel, msg string, args []any) {
	var structured [][]pterm.LoggerArgument
	if len(args) > 0 {
		structured = append(structured, l.Args(args...))
	}
	switch level {
	case pterm.LogLevelDebug:
		l.Debug(msg, structured...)
	case pterm.LogLevelInfo:
		l.Info(msg, structured...)
	case pterm.LogLevelWarn:
		l.Warn(msg, structured...)
	default:
		l.Error(msg, structured...)
	}
}
