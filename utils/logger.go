package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// Logger provides leveled, colourised logging throughout the application.
// Debug lines are dropped unless enabled with SetDebug or LOG_DEBUG=1.
type Logger struct {
	info  *log.Logger
	warn  *log.Logger
	err   *log.Logger
	debug *log.Logger
	out   io.Writer

	debugOn atomic.Bool
}

// NewLogger creates a new Logger writing to stdout/stderr.
func NewLogger() *Logger {
	l := NewLoggerTo(os.Stdout, os.Stderr)
	l.SetDebug(os.Getenv("LOG_DEBUG") == "1")
	return l
}

// NewLoggerTo creates a Logger writing info, warn and debug lines to out and
// errors to errOut.
func NewLoggerTo(out, errOut io.Writer) *Logger {
	flags := 0
	return &Logger{
		info:  log.New(out, "", flags),
		warn:  log.New(out, "", flags),
		err:   log.New(errOut, "", flags),
		debug: log.New(out, "", flags),
		out:   out,
	}
}

// SetDebug toggles debug output.
func (l *Logger) SetDebug(on bool) { l.debugOn.Store(on) }

// Writer returns the stream info lines go to, for libraries that take an io.Writer.
func (l *Logger) Writer() io.Writer { return l.out }

func (l *Logger) timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

func (l *Logger) Info(format string, args ...any) {
	l.info.Printf(fmt.Sprintf("[%s] \033[32mINFO\033[0m  %s\n", l.timestamp(), format), args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.warn.Printf(fmt.Sprintf("[%s] \033[33mWARN\033[0m  %s\n", l.timestamp(), format), args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.err.Printf(fmt.Sprintf("[%s] \033[31mERROR\033[0m %s\n", l.timestamp(), format), args...)
}

func (l *Logger) Debug(format string, args ...any) {
	if !l.debugOn.Load() {
		return
	}
	l.debug.Printf(fmt.Sprintf("[%s] \033[36mDEBUG\033[0m %s\n", l.timestamp(), format), args...)
}
