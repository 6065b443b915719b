package logging

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
)

// Identifier is the syslog identifier used for journal entries.
const Identifier = "camhls"

// Logger is the subset of *slog.Logger that components depend on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config is the [logging] section: a global level and format, plus
// per-module level overrides.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

// moduleLogger is a cached logger and the level that gates it.
type moduleLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

type registry struct {
	mu      sync.RWMutex
	cfg     Config
	ready   bool
	global  slog.LevelVar
	modules map[string]moduleLogger
	sink    func(format string, level slog.Leveler) slog.Handler
}

var std = newRegistry()

func newRegistry() *registry {
	return &registry{modules: map[string]moduleLogger{}, sink: createHandler}
}

// Initialize sets the global configuration and the slog default logger.
// Loggers handed out earlier keep their handler and pick up the new levels.
func Initialize(cfg Config) {
	std.mu.Lock()
	defer std.mu.Unlock()

	std.cfg = Config{Level: cfg.Level, Format: cfg.Format, Modules: maps.Clone(cfg.Modules)}
	std.ready = true
	std.relevel()
	slog.SetDefault(slog.New(std.sink(cfg.Format, &std.global)))
}

// ApplyLevels swaps in new global and module levels without rebuilding
// handlers. Modules absent from cfg fall back to the global level; the
// format is not changed.
func ApplyLevels(cfg Config) {
	std.mu.Lock()
	defer std.mu.Unlock()

	std.cfg.Level = cfg.Level
	std.cfg.Modules = maps.Clone(cfg.Modules)
	std.relevel()
}

// SetModuleLevel overrides the level of one module.
func SetModuleLevel(module, level string) error {
	parsed, ok := parseLevel(level)
	if !ok {
		return fmt.Errorf("invalid log level %q", level)
	}
	m := std.get(module)

	std.mu.Lock()
	defer std.mu.Unlock()
	if std.cfg.Modules == nil {
		std.cfg.Modules = map[string]string{}
	}
	std.cfg.Modules[module] = level
	m.level.Set(parsed)
	return nil
}

// GetLogger returns the logger for module, tagged with a module attribute.
// The same *slog.Logger is returned on every call.
func GetLogger(module string) *slog.Logger {
	return std.get(module).logger
}

func (r *registry) get(module string) moduleLogger {
	r.mu.RLock()
	m, ok := r.modules[module]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modules[module]; ok {
		return m
	}

	format := "text"
	if r.ready {
		format = r.cfg.Format
	}
	level := &slog.LevelVar{}
	level.Set(r.levelFor(module))
	m = moduleLogger{
		logger: slog.New(r.sink(format, level)).With("module", module),
		level:  level,
	}
	r.modules[module] = m
	return m
}

// relevel pushes cfg into every LevelVar. Caller holds mu.
func (r *registry) relevel() {
	r.global.Set(levelOrInfo(r.cfg.Level))
	for name, m := range r.modules {
		m.level.Set(r.levelFor(name))
	}
}

// levelFor resolves module's effective level. Caller holds mu.
func (r *registry) levelFor(module string) slog.Level {
	if !r.ready {
		return slog.LevelInfo
	}
	if l, ok := parseLevel(r.cfg.Modules[module]); ok {
		return l
	}
	return levelOrInfo(r.cfg.Level)
}

// createHandler creates a slog handler with the specified format and level.
// Under systemd, records go to the journal as structured entries and stdout
// is left alone; elsewhere they go to stdout, plus the journal when one is
// reachable.
func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stdoutHandler slog.Handler
	if format == "json" {
		stdoutHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	journalOK := IsJournalAvailable()
	if journalOK && stdoutIsJournal() {
		return NewJournalHandler(level)
	}

	var handlers fanout
	if stdoutUsable() {
		handlers = append(handlers, stdoutHandler)
	}
	if journalOK {
		handlers = append(handlers, NewJournalHandler(level))
	}

	switch len(handlers) {
	case 0:
		return stdoutHandler
	case 1:
		return handlers[0]
	default:
		return handlers
	}
}

// stdoutUsable reports whether stdout is open and leads to a terminal, pipe,
// socket or regular file.
func stdoutUsable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0 || mode.IsRegular()
}

func levelOrInfo(level string) slog.Level {
	if l, ok := parseLevel(level); ok {
		return l
	}
	return slog.LevelInfo
}

// parseLevel accepts slog level names in any case, with offsets such as
// "debug-4" or "error+2", and the ffmpeg spelling "warning".
func parseLevel(level string) (slog.Level, bool) {
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn, true
	}
	var l slog.Level
	if level == "" || l.UnmarshalText([]byte(level)) != nil {
		return 0, false
	}
	return l, true
}
