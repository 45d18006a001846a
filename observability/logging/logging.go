package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Keys whose values never reach log output. Matching is case
// insensitive on the attribute key.
var secretKeys = map[string]struct{}{
	"authorization": {},
	"secret":        {},
	"token":         {},
	"api_key":       {},
	"private_key":   {},
}

// Setup configures the process-wide slog logger to emit structured
// JSON on stderr and routes the standard library logger through it.
// level accepts debug, info, warn and error; anything else falls back
// to info.
func Setup(service, env, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				attr.Key = "severity"
			case slog.MessageKey:
				attr.Key = "message"
			default:
				if _, sensitive := secretKeys[strings.ToLower(attr.Key)]; sensitive {
					attr.Value = slog.StringValue("[REDACTED]")
				}
			}
			return attr
		},
	})
	logger := slog.New(handler).With(
		slog.String("service", service),
		slog.String("env", env),
	)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(slog.LevelInfo)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
