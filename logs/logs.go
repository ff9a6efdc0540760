// Package logs installs the go-logging backends shared by every command.
package logs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

var consoleFormat = logging.MustStringFormatter(
	`%{color:reset}%{color}%{time:15:04:05.000} [%{module}] [%{level}] %{message}`,
)

var fileFormat = logging.MustStringFormatter(
	`%{time:2006-01-02 15:04:05.000} [%{module}] [%{shortfunc}] [%{level}] %{message}`,
)

// Options selects where logs go.
type Options struct {
	// Level is one of debug, info, notice, warning, error, critical.
	Level string
	// File enables a rotating log file when set.
	File string
	// Console receives formatted records; nil means stderr.
	Console io.Writer
}

// Setup installs the console backend and, when configured, a rotating file
// backend. The returned closer flushes and closes the log file.
func Setup(opts Options) (io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	consoleBackend := logging.NewBackendFormatter(logging.NewLogBackend(console, "", 0), consoleFormat)
	backends := []logging.Backend{consoleBackend}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		w := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		}
		backends = append(backends, logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), fileFormat))
		closer = w
	}

	leveled := logging.MultiLogger(backends...)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
	return closer, nil
}

// ParseLevel maps a level name to a go-logging level. Empty means info.
func ParseLevel(name string) (logging.Level, error) {
	if strings.TrimSpace(name) == "" {
		return logging.INFO, nil
	}
	level, err := logging.LogLevel(strings.ToUpper(strings.TrimSpace(name)))
	if err != nil {
		return logging.INFO, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
