// Package logging provides structured zerolog logging for orchestra with
// per-component child loggers and optional date-named log files.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const filePrefix = "orchestra-"

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	// Path is a directory for orchestra-YYYY-MM-DD.log files. Empty logs to stderr.
	Path          string
	RetentionDays int
	// Output overrides the destination; used by tests and the TUI.
	Output io.Writer
}

// Logger wraps a zerolog.Logger with orchestra conventions.
type Logger struct {
	zl        zerolog.Logger
	component string
	file      *os.File
	mu        *sync.Mutex
}

var (
	global   *Logger
	globalMu sync.RWMutex
)

// New creates a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 7
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	l := &Logger{mu: &sync.Mutex{}}
	out := cfg.Output
	if out == nil && cfg.Path != "" {
		dir := expandHome(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		name := filepath.Join(dir, filePrefix+time.Now().Format("2006-01-02")+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		l.file = f
		out = f
		go pruneOldLogs(dir, cfg.RetentionDays)
	}
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: l.file != nil}
	}

	l.zl = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), mu: &sync.Mutex{}}
}

// Init installs the global logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		_ = global.Close()
	}
	global = l
	return nil
}

// Get returns the global logger, or a stderr logger if Init was never called.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		return &Logger{zl: zerolog.New(os.Stderr).With().Timestamp().Logger(), mu: &sync.Mutex{}}
	}
	return global
}

// Component returns a child of the global logger tagged with name.
func Component(name string) *Logger {
	return Get().WithComponent(name)
}

// WithComponent returns a child logger with the component field set.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("component", name).Logger(),
		component: name,
		file:      l.file,
		mu:        l.mu,
	}
}

// WithTask returns a child logger carrying the task id.
func (l *Logger) WithTask(id string) *Logger {
	return &Logger{
		zl:        l.zl.With().Str("task_id", id).Logger(),
		component: l.component,
		file:      l.file,
		mu:        l.mu,
	}
}

// Zerolog exposes the underlying logger for callers that want the event API.
func (l *Logger) Zerolog() *zerolog.Logger { return &l.zl }

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// DebugCtx logs msg with structured fields.
func (l *Logger) DebugCtx(msg string, fields map[string]any) { l.zl.Debug().Fields(fields).Msg(msg) }

// InfoCtx logs msg with structured fields.
func (l *Logger) InfoCtx(msg string, fields map[string]any) { l.zl.Info().Fields(fields).Msg(msg) }

// WarnCtx logs msg with structured fields.
func (l *Logger) WarnCtx(msg string, fields map[string]any) { l.zl.Warn().Fields(fields).Msg(msg) }

// ErrorCtx logs msg with structured fields.
func (l *Logger) ErrorCtx(msg string, fields map[string]any) { l.zl.Error().Fields(fields).Msg(msg) }

// Err starts an error-level event with err attached.
func (l *Logger) Err(err error) *zerolog.Event {
	return l.zl.Error().Err(err)
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

func pruneOldLogs(dir string, retentionDays int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".log"))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
