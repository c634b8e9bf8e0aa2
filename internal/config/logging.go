package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits one step below [slog.LevelDebug] and carries raw
// wire payloads: Bot API request bodies, DevTools frames, signal-cli
// JSON-RPC traffic. -8 is the value most slog extensions settle on for
// trace, so third-party handlers order it correctly.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps a config string to an [slog.Level]. Matching is
// case-insensitive and ignores surrounding whitespace; the empty string
// means info. "trace", "debug", "warn"/"warning" and "error" cover the
// rest; anything else is an error naming the valid set.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is a ReplaceAttr hook for slog handlers that
// labels [LevelTrace] records "TRACE". slog itself prints unknown
// levels relative to the nearest built-in, which would come out as
// "DEBUG-4".
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
