// Package fnlog sets up structured logging via github.com/rs/zerolog,
// writing to both a console writer and a dated file under the configured
// log directory, per spec.md §7 ("all faults are logged to stdout and a
// dated log file"). Grounded on conduit-bmc's ipmiconsole wrapper, which
// logs exclusively through github.com/rs/zerolog/log.
package fnlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config configures Init.
type Config struct {
	// Dir is the directory dated log files are written under; empty
	// disables file logging (console-only).
	Dir     string
	Verbose bool
}

// Init installs the global zerolog logger: a human-readable console
// writer on stdout, and (if Dir is set) a dated JSON file sink opened for
// append at "fieldnode-YYYYMMDD.log". It returns an io.Closer to flush and
// close the file sink on shutdown.
func Init(cfg Config) (io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	var writers []io.Writer
	writers = append(writers, console)

	var file *os.File
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("fnlog: creating log dir %s: %w", cfg.Dir, err)
		}
		name := fmt.Sprintf("fieldnode-%s.log", time.Now().UTC().Format("20060102"))
		f, err := os.OpenFile(filepath.Join(cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("fnlog: opening log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).With().Timestamp().Logger()

	if file == nil {
		return nopCloser{}, nil
	}
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TaskLogger returns a sub-logger annotating every record with task_id and
// action fields, per SPEC_FULL.md §4.2.
func TaskLogger(taskID, action string) zerolog.Logger {
	return log.With().Str("task_id", taskID).Str("action", action).Logger()
}

// SessionLogger returns a sub-logger annotating every record with the
// current modem session_state, used for AT transaction tracing.
func SessionLogger(state string) zerolog.Logger {
	return log.With().Str("session_state", state).Logger()
}
