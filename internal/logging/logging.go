// Package logging builds the prefixed loggers the daemon and CLI share.
// Output goes to stderr and, when a log path is configured, to a
// size-rotated file as well.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared log sink.
type Options struct {
	// Path of the log file. Empty disables file logging.
	Path string

	// MaxSizeMB is the size at which the file rotates.
	MaxSizeMB int

	// MaxBackups is how many rotated files to keep.
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int

	// Quiet drops the stderr copy; only the file (if any) receives output.
	Quiet bool
}

// Sink is a shared log destination that component loggers write to.
type Sink struct {
	out  io.Writer
	file *lumberjack.Logger
}

// NewSink builds the destination. The log directory is created if needed.
func NewSink(opts Options) (*Sink, error) {
	s := &Sink{out: os.Stderr}
	if opts.Quiet {
		s.out = io.Discard
	}

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, err
		}
		s.file = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		if opts.Quiet {
			s.out = s.file
		} else {
			s.out = io.MultiWriter(os.Stderr, s.file)
		}
	}
	return s, nil
}

// Logger returns a component logger writing to the sink. The component name
// becomes a bracketed prefix, e.g. "[engine] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.out, "["+component+"] ", log.LstdFlags)
}

// Close flushes and closes the rotated file, if any.
func (s *Sink) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
