package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captured swaps in a fresh registry whose loggers all write text to one
// buffer.
func captured(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	prev, prevDefault := std, slog.Default()
	std = newRegistry()
	std.sink = func(format string, level slog.Leveler) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if format == "json" {
			return slog.NewJSONHandler(buf, opts)
		}
		return slog.NewTextHandler(buf, opts)
	}
	t.Cleanup(func() {
		std = prev
		slog.SetDefault(prevDefault)
	})
	return buf
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func enabled(l *slog.Logger, level slog.Level) bool {
	return l.Handler().Enabled(context.Background(), level)
}

func TestModuleLevelOverride(t *testing.T) {
	captured(t)
	Initialize(Config{
		Level:   "info",
		Format:  "text",
		Modules: map[string]string{"streams": "debug", "catalog": "warn"},
	})

	tests := []struct {
		module               string
		debug, info, warning bool
	}{
		{"streams", true, true, true},
		{"catalog", false, false, true},
		{"recording", false, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			l := GetLogger(tt.module)
			assert.Equal(t, tt.debug, enabled(l, slog.LevelDebug), "debug")
			assert.Equal(t, tt.info, enabled(l, slog.LevelInfo), "info")
			assert.Equal(t, tt.warning, enabled(l, slog.LevelWarn), "warn")
		})
	}
}

func TestModuleOutput(t *testing.T) {
	buf := captured(t)
	Initialize(Config{Level: "warn", Format: "text", Modules: map[string]string{"ffmpeg": "debug"}})

	GetLogger("ffmpeg").Debug("probing input", "source_id", "cam-7")
	GetLogger("streams").Info("dropped at warn")
	GetLogger("streams").Warn("transcoder exited", "exit_code", 1)
	slog.Info("default logger follows the global level")

	out := buf.String()
	assert.Contains(t, out, `msg="probing input" module=ffmpeg source_id=cam-7`)
	assert.Contains(t, out, `msg="transcoder exited" module=streams exit_code=1`)
	assert.NotContains(t, out, "dropped at warn")
	assert.NotContains(t, out, "default logger")
}

func TestJSONFormat(t *testing.T) {
	buf := captured(t)
	Initialize(Config{Level: "info", Format: "json"})

	GetLogger("lease").Info("lease acquired", "key", "camhls:lease:abc")
	assert.Contains(t, buf.String(), `"module":"lease","key":"camhls:lease:abc"`)
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	captured(t)

	before := GetLogger("ffmpeg")
	assert.False(t, enabled(before, slog.LevelDebug), "loggers default to info before Initialize")

	Initialize(Config{Level: "info", Format: "text", Modules: map[string]string{"ffmpeg": "debug"}})

	assert.Same(t, before, GetLogger("ffmpeg"))
	assert.True(t, enabled(before, slog.LevelDebug), "cached logger picks up the new level")
}

func TestGetLoggerConcurrent(t *testing.T) {
	captured(t)

	loggers := make([]*slog.Logger, 32)
	var wg sync.WaitGroup
	for i := range loggers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loggers[i] = GetLogger("process")
		}()
	}
	wg.Wait()
	for _, l := range loggers {
		assert.Same(t, loggers[0], l)
	}
}

func TestApplyLevelsUpdatesExistingLoggers(t *testing.T) {
	captured(t)
	Initialize(Config{Level: "info", Format: "text"})

	l := GetLogger("catalog")
	require.False(t, enabled(l, slog.LevelDebug))

	ApplyLevels(Config{Level: "warn", Modules: map[string]string{"catalog": "debug"}})
	assert.True(t, enabled(l, slog.LevelDebug))
	assert.False(t, enabled(GetLogger("other"), slog.LevelInfo), "other modules follow the global level")
	assert.False(t, enabled(slog.Default(), slog.LevelInfo), "default logger follows the global level")

	ApplyLevels(Config{Level: "error"})
	assert.False(t, enabled(l, slog.LevelWarn), "dropping the override falls back to global")
}

func TestApplyLevelsKeepsFormat(t *testing.T) {
	buf := captured(t)
	Initialize(Config{Level: "info", Format: "json"})
	ApplyLevels(Config{Level: "debug", Format: "text"})

	GetLogger("streams").Debug("after reload")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "format changes need a restart: %s", buf.String())
}

func TestSetModuleLevel(t *testing.T) {
	captured(t)
	Initialize(Config{Level: "info", Format: "text"})

	require.NoError(t, SetModuleLevel("recording", "debug"))
	assert.True(t, enabled(GetLogger("recording"), slog.LevelDebug))
	assert.Error(t, SetModuleLevel("recording", "loud"))
	assert.True(t, enabled(GetLogger("recording"), slog.LevelDebug), "a rejected level leaves the old one")

	// ApplyLevels replaces runtime overrides
	ApplyLevels(Config{Level: "info"})
	assert.False(t, enabled(GetLogger("recording"), slog.LevelDebug))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		ok    bool
	}{
		{"debug", slog.LevelDebug, true},
		{"DEBUG", slog.LevelDebug, true},
		{"Info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"debug-4", slog.LevelDebug - 4, true},
		{"error+2", slog.LevelError + 2, true},
		{"invalid", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := parseLevel(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFanoutRespectsHandlerLevels(t *testing.T) {
	var buf bytes.Buffer
	debug := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	info := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	l := slog.New(fanout{debug, info}).With("module", "test")

	l.Debug("debug only")
	l.Info("both")

	assert.Equal(t, 1, strings.Count(buf.String(), "debug only"))
	assert.Equal(t, 2, strings.Count(buf.String(), "both"))
	assert.True(t, fanout{debug, info}.Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, fanout{info}.Enabled(context.Background(), slog.LevelDebug))
}
