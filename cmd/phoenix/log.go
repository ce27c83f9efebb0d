package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate"

	"github.com/phoenix2/phoenix/internal/kernel"
	"github.com/phoenix2/phoenix/internal/protocol/polling"
	"github.com/phoenix2/phoenix/internal/protocol/streaming"
	"github.com/phoenix2/phoenix/internal/queue"
	"github.com/phoenix2/phoenix/internal/statusapi"
	"github.com/phoenix2/phoenix/internal/store"
)

// logWriter implements io.Writer and outputs to both standard output
// and the rotating log file, the same dual-sink pattern the Decred
// daemons use.
type logWriter struct {
	rotator *logrotate.Rotator
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

var backendLog *slog.Backend
var logRotator *logrotate.Rotator

// subsystemLoggers maps each package's short subsystem tag to its
// package-level logger, matching the teacher's UseLogger-per-package
// wiring convention.
var subsystemLoggers = map[string]func(slog.Logger){
	"wrku": queue.UseLogger,
	"strm": streaming.UseLogger,
	"poll": polling.UseLogger,
	"krnl": kernel.UseLogger,
	"strg": store.UseLogger,
	"apis": statusapi.UseLogger,
}

// initLogRotator opens (creating if necessary) the rotating log file
// and wires every package logger at the configured level.
func initLogRotator(logDir string, level string) error {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile := filepath.Join(logDir, defaultLogFilename)

	r, err := logrotate.NewRotator(logFile)
	if err != nil {
		return fmt.Errorf("open log rotator: %w", err)
	}
	logRotator = r

	var w io.Writer = &logWriter{rotator: r}
	backendLog = slog.NewBackend(w)

	lvl, ok := slog.LevelFromString(level)
	if !ok {
		lvl = slog.LevelInfo
	}

	for tag, setter := range subsystemLoggers {
		if setter == nil {
			continue
		}
		l := backendLog.Logger(tag)
		l.SetLevel(lvl)
		setter(l)
	}
	return nil
}
