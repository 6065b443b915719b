package ffmpeg

import (
	"log/slog"
	"strings"
)

// ffmpeg level names, as printed with -loglevel level+<name>.
var logLevels = map[string]slog.Level{
	"quiet":   slog.LevelError,
	"panic":   slog.LevelError,
	"fatal":   slog.LevelError,
	"error":   slog.LevelError,
	"warning": slog.LevelWarn,
	"info":    slog.LevelInfo,
	"verbose": slog.LevelDebug,
	"debug":   slog.LevelDebug,
	"trace":   slog.LevelDebug,
}

// ParseLogLevel maps one line of ffmpeg stderr to a slog level.
//
// Lines look like "[error] msg" or "[rtsp @ 0x55d1] [error] msg". The level
// tag is removed, a component tag is kept. Lines without a level tag, such
// as progress output, are logged at info.
func ParseLogLevel(line string) (slog.Level, string) {
	tag, rest, ok := leadingTag(line)
	if !ok {
		return slog.LevelInfo, line
	}
	if level, known := logLevels[tag]; known {
		return level, rest
	}

	component := line[:len(line)-len(rest)]
	if tag, rest, ok = leadingTag(rest); ok {
		if level, known := logLevels[tag]; known {
			return level, component + rest
		}
	}
	return slog.LevelInfo, line
}

// leadingTag splits "[tag] rest".
func leadingTag(s string) (tag, rest string, ok bool) {
	if !strings.HasPrefix(s, "[") {
		return "", s, false
	}
	return strings.Cut(s[1:], "] ")
}
