// Package observability provides the ambient logging, metrics, and tracing
// stack shared by the Signaling Hub, MCP Client Manager, and both Agent and
// Computer clients.
package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with request/session correlation and redaction of
// secrets that tend to leak through tool parameters and MCP server
// environments (API keys embedded in server configs, bearer tokens on
// streamable-HTTP transports).
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// LogConfig configures the logging behavior. Defaults are applied by
// NewFromEnv from A2C_SMCP_LOG_LEVEL / A2C_SMCP_LOG_SILENT / A2C_SMCP_LOG_FILE.
type LogConfig struct {
	Level          string
	Format         string
	Output         io.Writer
	AddSource      bool
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	RequestIDKey ContextKey = "req_id"
	OfficeIDKey  ContextKey = "office_id"
	SessionIDKey ContextKey = "sid"
	ComputerKey  ContextKey = "computer"
)

// DefaultRedactPatterns covers the secret shapes that show up in MCP server
// configs and Hub auth headers.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

// NewLogger builds a structured logger from an explicit config.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0)
	allPatterns := append(DefaultRedactPatterns, config.RedactPatterns...)
	for _, pattern := range allPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), config: config, redacts: redacts}
}

// NewFromEnv builds a Logger from A2C_SMCP_LOG_LEVEL, A2C_SMCP_LOG_SILENT,
// and A2C_SMCP_LOG_FILE. The Computer and Hub entrypoints do not use it;
// they call NewLogger with their config file or flag settings.
func NewFromEnv() (*Logger, error) {
	cfg := LogConfig{Level: os.Getenv("A2C_SMCP_LOG_LEVEL")}

	if os.Getenv("A2C_SMCP_LOG_SILENT") != "" {
		cfg.Output = io.Discard
		return NewLogger(cfg), nil
	}

	if path := os.Getenv("A2C_SMCP_LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		cfg.Output = f
	}

	return NewLogger(cfg), nil
}

// Slog exposes the underlying *slog.Logger for components that want to
// pass a plain slog.Logger to a constructor (mcpclient, hub, computer all
// take *slog.Logger directly).
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// WithContext attaches request/session/office/computer fields pulled from
// ctx to every subsequent log record.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := make([]any, 0, 8)
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		attrs = append(attrs, "req_id", v)
	}
	if v, ok := ctx.Value(OfficeIDKey).(string); ok && v != "" {
		attrs = append(attrs, "office_id", v)
	}
	if v, ok := ctx.Value(SessionIDKey).(string); ok && v != "" {
		attrs = append(attrs, "sid", v)
	}
	if v, ok := ctx.Value(ComputerKey).(string); ok && v != "" {
		attrs = append(attrs, "computer", v)
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(attrs...), config: l.config, redacts: l.redacts}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) { l.log(ctx, slog.LevelDebug, msg, args...) }
func (l *Logger) Info(ctx context.Context, msg string, args ...any)  { l.log(ctx, slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(ctx context.Context, msg string, args ...any)  { l.log(ctx, slog.LevelWarn, msg, args...) }
func (l *Logger) Error(ctx context.Context, msg string, args ...any) { l.log(ctx, slog.LevelError, msg, args...) }

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	redacted := make([]any, len(args))
	for i, arg := range args {
		redacted[i] = l.redactValue(arg)
	}

	attrs := make([]any, 0, len(redacted)+8)
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		attrs = append(attrs, "req_id", v)
	}
	if v, ok := ctx.Value(OfficeIDKey).(string); ok && v != "" {
		attrs = append(attrs, "office_id", v)
	}
	if v, ok := ctx.Value(SessionIDKey).(string); ok && v != "" {
		attrs = append(attrs, "sid", v)
	}
	if v, ok := ctx.Value(ComputerKey).(string); ok && v != "" {
		attrs = append(attrs, "computer", v)
	}
	attrs = append(attrs, redacted...)

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		return l.redactMap(val)
	default:
		if b, err := json.Marshal(v); err == nil {
			return l.redactString(string(b))
		}
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func (l *Logger) redactMap(m map[string]any) map[string]any {
	sensitive := map[string]bool{
		"password": true, "passwd": true, "secret": true, "token": true,
		"api_key": true, "apikey": true, "authorization": true, "auth": true,
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		if sensitive[key] {
			out[k] = "[REDACTED]"
		} else {
			out[k] = l.redactValue(v)
		}
	}
	return out
}

// WithFields returns a new logger with fields attached to every record,
// the pattern used for per-component tagging (.With("component", ...)).
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), config: l.config, redacts: l.redacts}
}

// AddRequestID/AddOfficeID/AddSessionID/AddComputer stash correlation IDs
// on a context for WithContext/log to pick up downstream.
func AddRequestID(ctx context.Context, reqID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, reqID)
}

func AddOfficeID(ctx context.Context, officeID string) context.Context {
	return context.WithValue(ctx, OfficeIDKey, officeID)
}

func AddSessionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sid)
}

func AddComputer(ctx context.Context, computer string) context.Context {
	return context.WithValue(ctx, ComputerKey, computer)
}

// LogLevelFromString converts a string to a slog.Level, defaulting to Info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
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
