// Package logging hands out named go-kit loggers that write logfmt lines to
// the console and to a per-name file under a log directory.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Registry constructs each named logger once. Later calls to Get with the same
// name return the same logger and never add another sink.
type Registry struct {
	// Dir holds the <name>.log files. Created on first Get.
	Dir string
	// Console receives every line as well. Nil disables console output.
	Console io.Writer
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	mu      sync.Mutex
	loggers map[string]log.Logger
	files   []*os.File
}

var timestamp = log.TimestampFormat(func() time.Time { return time.Now().UTC() }, time.RFC3339)

// Get returns the logger registered under name, creating it on first use.
func (r *Registry) Get(name string) (log.Logger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loggers[name]; ok {
		return l, nil
	}

	dir := r.Dir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log dir %s", dir)
	}
	path := filepath.Join(dir, name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", path)
	}

	var w io.Writer = f
	if r.Console != nil {
		w = io.MultiWriter(r.Console, f)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", timestamp, "logger", name)
	logger = level.NewFilter(logger, allow(r.Level))

	if r.loggers == nil {
		r.loggers = make(map[string]log.Logger)
	}
	r.loggers[name] = logger
	r.files = append(r.files, f)
	return logger, nil
}

// Close closes all log files. Loggers obtained earlier must not be used after.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.files = nil
	r.loggers = nil
	return firstErr
}

func allow(lvl string) level.Option {
	switch strings.ToLower(lvl) {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

var defaultRegistry = &Registry{Console: os.Stderr}

// Configure replaces the settings of the process-wide registry. It only has an
// effect before the first call to Get.
func Configure(dir, lvl string, console io.Writer) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if len(defaultRegistry.loggers) > 0 {
		return
	}
	defaultRegistry.Dir = dir
	defaultRegistry.Level = lvl
	defaultRegistry.Console = console
}

// Get returns a named logger from the process-wide registry.
func Get(name string) (log.Logger, error) {
	return defaultRegistry.Get(name)
}

// Shutdown closes the files of the process-wide registry.
func Shutdown() error {
	return defaultRegistry.Close()
}
