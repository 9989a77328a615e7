// Package monitoring holds the diagnostic logging hooks shared by the
// vision packages.
package monitoring

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogFileOptions configures the rotating log file.
type LogFileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetLogFile sends the standard logger to stderr and a size-rotated file.
// The returned closer flushes and closes the file; an empty path leaves
// the logger untouched and returns a no-op closer.
func SetLogFile(opts LogFileOptions) io.Closer {
	if opts.Path == "" {
		return nopCloser{}
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 20
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	w := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
		LocalTime:  true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, w))
	return w
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
