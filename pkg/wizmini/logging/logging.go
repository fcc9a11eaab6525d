// Package logging wires charmbracelet/log into named per-component
// loggers shared across the engine and CLI.
//
//	logging.Init(logging.Config{Level: "info"})
//	defer logging.Close()
//	logger := logging.Get("coordinator")
//	logger.Info("scope activated", "scope", sc)
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
)

// DebugEnv forces debug level and enables the diagnostic log file.
const DebugEnv = "WIZMINI_DEBUG"

// Config configures the logging system.
type Config struct {
	// Level is the default level: debug, info, warn, error.
	Level string

	// Path is the log file; empty writes to stderr only, unless
	// DebugEnv is set, in which case the diagnostic file under the
	// state directory is used. A non-empty Path always wins.
	Path string
}

var (
	mu      sync.Mutex
	base    *log.Logger
	file    *os.File
	loggers = map[string]*log.Logger{}
)

// Init configures the shared logger. Safe to call once at startup;
// Get before Init falls back to a stderr logger at info level.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	path := cfg.Path
	if os.Getenv(DebugEnv) == "1" {
		level = log.DebugLevel
		if path == "" {
			path = DefaultLogPath()
		}
	}

	var out *os.File = os.Stderr
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		file = f
		out = f
	}

	base = log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	loggers = map[string]*log.Logger{}
	return nil
}

// Get returns the named component logger.
func Get(component string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()

	if base == nil {
		base = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Level: log.InfoLevel})
	}
	if l, ok := loggers[component]; ok {
		return l
	}
	l := base.WithPrefix(component)
	loggers[component] = l
	return l
}

// Close flushes and closes the log file if one is open.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DefaultLogPath returns the diagnostic log location under the user's
// state directory.
func DefaultLogPath() string {
	path, err := xdg.StateFile(filepath.Join("wizmini", "debug.log"))
	if err != nil {
		return filepath.Join(os.TempDir(), "wizmini-debug.log")
	}
	return path
}

func parseLevel(s string) (log.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return log.InfoLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("invalid log level: %q", s)
	}
}
