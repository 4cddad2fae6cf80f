// Package telemetry builds the daemon's structured logger.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/featureloop/internal/shared"
)

const (
	logFileName = "system.jsonl"
	redacted    = "[REDACTED]"
)

// NewLogger appends JSON lines to <homeDir>/logs/system.jsonl. Unless quiet,
// every line is mirrored to stdout. The returned Closer owns the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	file, err := openLogFile(filepath.Join(homeDir, "logs"))
	if err != nil {
		return nil, nil, err
	}
	var sink io.Writer = file
	if !quiet {
		sink = io.MultiWriter(os.Stdout, file)
	}
	logger := slog.New(NewHandler(sink, level)).With(
		"component", "runtime",
		"trace_id", "-",
	)
	return logger, file, nil
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// NewHandler returns the JSON handler shared by the daemon, the MCP server
// and tests. Time is emitted as "timestamp" and secrets never reach w.
func NewHandler(w io.Writer, level string) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: scrubAttr,
	})
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
		return a
	case secretKey(a.Key):
		return slog.String(a.Key, redacted)
	case a.Value.Kind() != slog.KindString:
		return a
	}
	v := a.Value.String()
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return slog.String(a.Key, redacted)
	}
	if clean := shared.Redact(v); clean != v {
		return slog.String(a.Key, clean)
	}
	return a
}

// secretKey reports whether an attribute name carries a credential. Token
// counters such as tokens_in or token_ceiling are usage data and pass.
func secretKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "token" || strings.HasSuffix(k, "_token") {
		return true
	}
	for _, s := range [...]string{"secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// ParseLevel maps a config string to a level; unknown values mean info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(strings.TrimSpace(level)); s {
	case "warning":
		return slog.LevelWarn
	case "debug", "info", "warn", "error":
		_ = l.UnmarshalText([]byte(s))
		return l
	default:
		return slog.LevelInfo
	}
}
